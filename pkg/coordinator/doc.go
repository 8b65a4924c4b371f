/*
Package coordinator assembles the control plane.

	 storage ─► reputation ─► registry ─► orchestrator ─► api
	                │             │            │
	                └── events broker ── stream mux

Construction wires everything with nothing running; Start brings the
components up and binds the HTTP listener, Shutdown tears them down in
reverse order. The coordinator itself only glues: it owns the network
snapshot the monitoring endpoints serve and relays node lifecycle events
into the reputation engine's uptime clock.
*/
package coordinator
