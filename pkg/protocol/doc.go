/*
Package protocol defines the JSON frame format spoken between the coordinator
and worker nodes over their websocket channel.

Every frame is an Envelope carrying a type tag and a raw payload. Producers
use Encode to wrap a typed payload; consumers use Decode plus ParsePayload to
recover it. Frames with unknown type tags or missing required fields are
rejected with typed errors so callers can surface them instead of dropping
them on the floor.
*/
package protocol
