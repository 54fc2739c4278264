// SPDX-License-Identifier: GPL-3.0-or-later

// Package router provides per-node routing tables and global route computation.
package router

import (
	"net/netip"

	"github.com/rbmk-project/tcpchain/netsim/link"
)

// Route is an entry in a [*Table].
type Route struct {
	// Prefix is the destination network.
	Prefix netip.Prefix

	// Device is the outgoing device.
	Device *link.Device

	// Metric is the number of hops to the destination network.
	Metric int
}

// Table is a static routing table.
//
// The zero value is ready to use.
type Table struct {
	// routes contains the routes in insertion order.
	routes []Route
}

// Add adds a route to the table. The prefix is masked before insertion
// and a route for an already known prefix replaces the old one only
// when its metric is lower.
func (t *Table) Add(route Route) {
	route.Prefix = route.Prefix.Masked()
	for idx := range t.routes {
		if t.routes[idx].Prefix == route.Prefix {
			if route.Metric < t.routes[idx].Metric {
				t.routes[idx] = route
			}
			return
		}
	}
	t.routes = append(t.routes, route)
}

// Lookup returns the longest-prefix route matching the given address.
func (t *Table) Lookup(dst netip.Addr) (Route, bool) {
	var (
		best  Route
		found bool
	)
	for _, route := range t.routes {
		if !route.Prefix.Contains(dst) {
			continue
		}
		if !found || route.Prefix.Bits() > best.Prefix.Bits() {
			best, found = route, true
		}
	}
	return best, found
}

// Routes returns a copy of the routes in insertion order.
func (t *Table) Routes() []Route {
	return append([]Route{}, t.routes...)
}

// Host is a node participating in global routing.
type Host interface {
	// Devices returns the devices attached to the host.
	Devices() []*link.Device

	// Table returns the host routing table.
	Table() *Table
}

// Populate computes shortest-path routes between all the given hosts
// and installs them into each host [*Table]. Every device address
// becomes reachable from every host connected to it through the links
// joining the hosts.
//
// Devices whose peer is not owned by one of the hosts are treated as
// stub networks: their prefix is routed but not traversed.
func Populate(hosts ...Host) {
	owners := make(map[link.Receiver]Host, len(hosts))
	for _, host := range hosts {
		if recv, ok := host.(link.Receiver); ok {
			owners[recv] = host
		}
	}
	for _, src := range hosts {
		populateFrom(src, owners)
	}
}

// visit is a BFS frontier entry.
type visit struct {
	host   Host
	first  *link.Device
	metric int
}

// populateFrom runs a BFS from src and fills its routing table.
func populateFrom(src Host, owners map[link.Receiver]Host) {
	seen := map[Host]bool{src: true}
	queue := []visit{{host: src}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dev := range cur.host.Devices() {
			first := cur.first
			if first == nil {
				first = dev
			}
			if prefix := dev.Addr(); prefix.IsValid() {
				src.Table().Add(Route{Prefix: prefix, Device: first, Metric: cur.metric})
			}
			next, ok := owners[dev.Peer().Owner()]
			if !ok || seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, visit{host: next, first: first, metric: cur.metric + 1})
		}
	}
}
