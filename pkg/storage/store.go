package storage

import (
	"time"

	"github.com/iris-network/iris/pkg/types"
)

// NodeMeta is the durable record kept for a node across connections. The
// live connection state belongs to the registry; this is only what must
// survive a restart.
type NodeMeta struct {
	NodeID         string    `json:"node_id"`
	AccountRef     string    `json:"account_ref"`
	ModelName      string    `json:"model_name"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	TasksCompleted int64     `json:"tasks_completed"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
}

// ReputationSnapshot is the current materialized score for a node, kept
// alongside the append-only event log so restarts do not replay history.
type ReputationSnapshot struct {
	NodeID    string    `json:"node_id"`
	Score     float64   `json:"score"`
	LastDecay time.Time `json:"last_decay"`
}

// Store defines the interface for coordinator state persistence
type Store interface {
	// Reputation
	AppendReputationEvent(event *types.ReputationEvent) error
	ListReputationEvents(nodeID string, limit int) ([]*types.ReputationEvent, error)
	SaveReputationSnapshot(snap *ReputationSnapshot) error
	GetReputationSnapshot(nodeID string) (*ReputationSnapshot, error)
	ListReputationSnapshots() ([]*ReputationSnapshot, error)

	// Node metadata
	SaveNodeMeta(meta *NodeMeta) error
	GetNodeMeta(nodeID string) (*NodeMeta, error)
	ListNodeMeta() ([]*NodeMeta, error)

	// Task history
	AppendTaskRecord(record *types.TaskRecord) error
	ListTaskRecords(limit int) ([]*types.TaskRecord, error)

	// Utility
	Close() error
}
