/*
Package mesh implements the supervision engine for a multi-hop radio-mesh
network: the per-node finite state machine that drives each leaf from cold
to fully configured, the single-writer command scheduler that serialises
requests over one shared byte link, the route-dependency model that orders
bring-up and tolerates partial-tree failures, and the periodic network
recovery sweep that heals lost nodes without discarding application state.

The mesh is a tree rooted at a gateway microcontroller. The gateway speaks
a line-oriented ASCII request/response protocol over a byte link (serial
or TCP) to a network of leaf nodes ("sensors"). This package never talks
to the leaves directly: every command is relayed through the gateway,
which forwards it over its own radio link and reports the leaf's ACK,
TIMEOUT or unsolicited STATUS back to us as another ASCII line.

Usage

	reg := mesh.NewRegistry(logger)
	// ... populate reg with nodes from configuration ...
	xport, _ := mesh.NewSerialTransport("/dev/ttyUSB0", 115200, logger)
	sched := mesh.NewScheduler(reg, xport, mesh.DefaultSchedulerConfig(), logger)
	err := sched.Run(ctx)

Concurrency model

The registry and the scheduler's single outstanding-command slot are
guarded by one mutex (Registry.mu). Every goroutine in this package —
the line-reader/scheduler loop, the network sanity sweep, the debug
listener, the uplink worker and the status writer — reads or writes node
runtime state only while holding that mutex, either inside a Registry
method or between Registry.Lock and Registry.Unlock.
This reproduces, in a threaded runtime, the single-task-owns-everything
discipline the supervision engine assumes.
*/
package mesh
