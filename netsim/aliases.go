//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Aliases
//

package netsim

import (
	"github.com/rbmk-project/tcpchain/netsim/link"
	"github.com/rbmk-project/tcpchain/netsim/netstack"
	"github.com/rbmk-project/tcpchain/netsim/sched"
)

// Node is an alias for [netstack.Node].
type Node = netstack.Node

// Link is an alias for [link.Link].
type Link = link.Link

// Simulator is an alias for [sched.Simulator].
type Simulator = sched.Simulator

// NewNode is an alias for [netstack.New].
var NewNode = netstack.New

// NewLink is an alias for [link.New].
var NewLink = link.New

// NewSimulator is an alias for [sched.New].
var NewSimulator = sched.New
