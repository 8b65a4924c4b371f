package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iris-network/iris/pkg/types"
)

// MessageType discriminates frames on the worker channel.
type MessageType string

const (
	// Worker -> coordinator
	MsgNodeRegister  MessageType = "node_register"
	MsgNodeHeartbeat MessageType = "node_heartbeat"
	MsgTaskStream    MessageType = "task_stream"
	MsgTaskResult    MessageType = "task_result"
	MsgTaskError     MessageType = "task_error"

	// Coordinator -> worker
	MsgRegisterAck  MessageType = "register_ack"
	MsgRegisterNack MessageType = "register_nack"
	MsgHeartbeatAck MessageType = "heartbeat_ack"
	MsgTaskAssign   MessageType = "task_assign"
	MsgTaskCancel   MessageType = "task_cancel"
)

var knownTypes = map[MessageType]bool{
	MsgNodeRegister:  true,
	MsgNodeHeartbeat: true,
	MsgTaskStream:    true,
	MsgTaskResult:    true,
	MsgTaskError:     true,
	MsgRegisterAck:   true,
	MsgRegisterNack:  true,
	MsgHeartbeatAck:  true,
	MsgTaskAssign:    true,
	MsgTaskCancel:    true,
}

var (
	// ErrUnknownType is returned for frames whose type tag is not in the
	// protocol. Unknown kinds are protocol errors, never silently ignored.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrMissingField is returned when a required payload field is absent.
	ErrMissingField = errors.New("protocol: required field missing")
)

// Envelope is the self-describing frame format. Every frame on the wire is
// one JSON-encoded envelope.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode builds a wire-ready envelope around a typed payload.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw, Timestamp: time.Now().UTC()})
}

// Decode parses a wire frame and validates its type tag.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}
	if !knownTypes[env.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return &env, nil
}

// ParsePayload unmarshals the envelope payload into dst and runs its
// validation if it has any.
func ParsePayload(env *Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("parse %s payload: %w", env.Type, err)
	}
	if v, ok := dst.(interface{ validate() error }); ok {
		return v.validate()
	}
	return nil
}

// NodeRegister is the registration handshake payload.
type NodeRegister struct {
	NodeID         string                 `json:"node_id"`
	AccountKey     string                 `json:"account_key"`
	Capabilities   types.NodeCapabilities `json:"capabilities"`
	ArtificialLoad int                    `json:"artificial_load"`
}

func (p *NodeRegister) validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("%w: node_id", ErrMissingField)
	}
	if p.AccountKey == "" {
		return fmt.Errorf("%w: account_key", ErrMissingField)
	}
	if p.ArtificialLoad < 0 {
		return fmt.Errorf("protocol: artificial_load must be non-negative, got %d", p.ArtificialLoad)
	}
	return nil
}

// RegisterAck acknowledges a successful registration.
type RegisterAck struct {
	NodeID            string `json:"node_id"`
	Tier              string `json:"tier"`
	HeartbeatInterval int    `json:"heartbeat_interval_s"`
}

// RegisterNack rejects a registration with a structured reason.
type RegisterNack struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// NodeHeartbeat reports worker liveness and load.
type NodeHeartbeat struct {
	NodeID          string    `json:"node_id"`
	CurrentLoad     int       `json:"current_load"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	SentAt          time.Time `json:"sent_at"`
	TokensPerSecond float64   `json:"tokens_per_second,omitempty"`
}

func (p *NodeHeartbeat) validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("%w: node_id", ErrMissingField)
	}
	if p.CurrentLoad < 0 {
		return fmt.Errorf("protocol: current_load must be non-negative, got %d", p.CurrentLoad)
	}
	return nil
}

// HeartbeatAck lets workers detect dead sockets.
type HeartbeatAck struct {
	ServerTime time.Time `json:"server_time"`
}

// TaskAssign dispatches one subtask attempt to a worker.
type TaskAssign struct {
	TaskID       string                 `json:"task_id"`
	SubtaskIndex int                    `json:"subtask_index"`
	Attempt      int                    `json:"attempt"`
	Prompt       string                 `json:"prompt"`
	Files        []types.FileAttachment `json:"files,omitempty"`
	Streaming    bool                   `json:"streaming"`
	TimeoutMs    int64                  `json:"timeout_ms"`
}

func (p *TaskAssign) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id", ErrMissingField)
	}
	return nil
}

// TaskCancel aborts an in-flight subtask on a worker, best effort.
type TaskCancel struct {
	TaskID       string `json:"task_id"`
	SubtaskIndex int    `json:"subtask_index"`
}

// TaskStream carries one streaming chunk. Workers guarantee monotonic Seq
// within an attempt.
type TaskStream struct {
	TaskID       string `json:"task_id"`
	SubtaskIndex int    `json:"subtask_index"`
	Attempt      int    `json:"attempt"`
	Seq          int    `json:"seq"`
	Chunk        string `json:"chunk"`
}

func (p *TaskStream) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id", ErrMissingField)
	}
	return nil
}

// TaskResult is the final producer frame for a subtask attempt.
type TaskResult struct {
	TaskID          string `json:"task_id"`
	SubtaskIndex    int    `json:"subtask_index"`
	Attempt         int    `json:"attempt"`
	Payload         string `json:"payload"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

func (p *TaskResult) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id", ErrMissingField)
	}
	return nil
}

// Worker-reported error kinds.
const (
	ErrKindModelRefused      = "MODEL_REFUSED"
	ErrKindInternal          = "INTERNAL"
	ErrKindOutOfMemory       = "OUT_OF_MEMORY"
	ErrKindVisionUnsupported = "VISION_UNSUPPORTED"
)

// TaskError reports a failed subtask attempt.
type TaskError struct {
	TaskID       string `json:"task_id"`
	SubtaskIndex int    `json:"subtask_index"`
	Attempt      int    `json:"attempt"`
	Kind         string `json:"kind"`
	Detail       string `json:"detail,omitempty"`
}

func (p *TaskError) validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id", ErrMissingField)
	}
	if p.Kind == "" {
		return fmt.Errorf("%w: kind", ErrMissingField)
	}
	return nil
}
