/*
Package registry tracks connected worker nodes and owns their websocket
connections.

Every worker speaks to the coordinator through exactly one socket, and the
registry is the only component allowed to touch it. Each connection gets a
read pump (frames in: heartbeats to the registry, task frames to the sink)
and a write pump fed by a buffered send channel (frames out: assignments,
acks, cancels). Everything above the registry addresses workers by node ID.

	┌─────────────────── REGISTRY ───────────────────┐
	│                                                │
	│   worker ws ──► readPump ──► heartbeat state   │
	│                      │                         │
	│                      └─────► TaskSink (tasks)  │
	│                                                │
	│   Assign/Cancel ──► send chan ──► writePump    │
	│                                                │
	│   reaper: 3 missed heartbeats ⇒ node lost      │
	└────────────────────────────────────────────────┘

Lifecycle rules:

  - A node ID maps to at most one live connection. A second registration
    with the same ID displaces the first only when it resolves to the
    incumbent's account; the displaced connection's in-flight work is
    reported through HandleNodeLost. Any other account is refused with a
    duplicate_id NACK.
  - Disconnection is idempotent no matter who notices first: the read pump,
    the write pump, a stalled send, or the reaper.
  - The send path never blocks forever. A queue that stays full past the
    configured grace disconnects the node and surfaces ErrSendTimeout.

Heartbeats carry the worker's self-reported load and uptime, refresh the
liveness clock, and feed a smoothed round-trip latency estimate. The reaper
removes any node silent for three intervals.
*/
package registry
