// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package netsim simulates a single TCP flow across a linear chain of
point-to-point links, to observe congestion window dynamics and packet
loss under a configurable lossy interface.

# Usage and Features

The [NewScenario] function assembles the scenario described by a
[*Config]: it creates the nodes and the links, assigns one address block
per link, installs the error model on one receiving interface, computes
the routing tables, and installs a [*app.Sink] and a [*app.Generator]
with their start and stop times. The [*Scenario.Run] method then hands
control to the event scheduler until the queue empties or the stop time
is reached, and tears everything down.

The [DefaultConfig] function returns a four-node chain joined by 5 Mbps
links with 2 ms of delay, where node 0 sends 1000 packets of 1040 bytes
at 1 Mbps to a sink on node 3. Configurations may also be loaded from
YAML using [LoadConfig] or [ReadConfigFile].

While the simulation runs, the congestion window of the sender socket
is written to a text file and the packets dropped by the error model are
written to a pcap file. A layout of the nodes is exported once before
the run. When a [*Metrics] is provided, the run also updates Prometheus
collectors labelled with the simulation identifier.

Subpackages contain the building blocks: [netsim/sched] is the event
scheduler, [netsim/link] models links and devices, [netsim/netstack]
models nodes, [netsim/tcp] is a minimal NewReno TCP, [netsim/app]
contains the applications, and [netsim/trace] contains the output sinks.

The simulation runs on a single goroutine. Simulated time only advances
between event callbacks, and events scheduled for the same time run in
the order in which they were scheduled, so every run of a given
configuration produces the same results.

The errors returned by sockets are the same [syscall.Errno] the kernel
would generate in similar cases (we use the [x/sys] repository to pull
system-dependent error values).

# Design Documents

This package is experimental and has no design documents for now.
*/
package netsim
