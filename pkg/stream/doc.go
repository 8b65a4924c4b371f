/*
Package stream multiplexes worker output frames into per-task bounded queues.

Each task gets one queue with a fixed capacity. Producers are never blocked:
under backpressure the mux evicts the oldest payload frame of the subtask
with the most queued frames and leaves a DROPPED marker in the gap, so a
consumer always learns that it missed output. Terminal frames and markers
are never evicted, and each subtask gets exactly one terminal frame.

Admission control lives at the front door: frames from attempts that were
superseded by a restart, and frames whose sequence number does not advance,
are silently discarded. A subscriber that goes away mid-task closes its
stream behind an ABORTED terminal; a janitor sweeps streams that have been
idle past the configured TTL.
*/
package stream
