package types

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Node represents a connected worker node as seen by the registry.
type Node struct {
	ID             string
	AccountRef     string
	Capabilities   NodeCapabilities
	Tier           Tier
	CurrentLoad    int
	ArtificialLoad int // configured offset; fallback nodes declare > 0
	Reputation     float64
	LatencyMs      float64
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	UptimeSeconds  int64
}

// NodeCapabilities is the capability snapshot declared at registration.
type NodeCapabilities struct {
	ModelName       string  `json:"model_name"`
	ParamsB         float64 `json:"model_params"` // billions of parameters
	Quantization    string  `json:"model_quantization"`
	VRAMGb          float64 `json:"vram_gb"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	SupportsVision  bool    `json:"supports_vision"`
}

// EffectiveLoad is the load figure selection consumes.
func (n *Node) EffectiveLoad() int {
	return n.CurrentLoad + n.ArtificialLoad
}

// Tier is a coarse hardware classification derived from capabilities.
type Tier string

const (
	TierBasic Tier = "basic"
	TierMid   Tier = "mid"
	TierPro   Tier = "pro"
)

// Quantization multipliers applied to the declared parameter count before
// tier thresholds are evaluated.
var quantFactor = map[string]float64{
	"Q4":   1.0,
	"Q5":   1.1,
	"Q6":   1.2,
	"Q8":   1.4,
	"FP16": 1.6,
}

var paramsFromName = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*b\b`)

// EffectiveParams returns the quantization-adjusted parameter count in
// billions. When the node did not declare a count, it is parsed from the
// model name ("llama-3-70b" -> 70); unknown resolves to 0.
func (c NodeCapabilities) EffectiveParams() float64 {
	params := c.ParamsB
	if params <= 0 {
		if m := paramsFromName.FindStringSubmatch(c.ModelName); m != nil {
			params, _ = strconv.ParseFloat(m[1], 64)
		}
	}
	factor, ok := quantFactor[strings.ToUpper(c.Quantization)]
	if !ok {
		factor = 1.0
	}
	return params * factor
}

// DeriveTier classifies capabilities into a tier. Pure function: the same
// capabilities always map to the same tier.
func DeriveTier(c NodeCapabilities) Tier {
	params := c.EffectiveParams()
	tps := c.TokensPerSecond
	switch {
	case params < 7 || tps < 10:
		return TierBasic
	case params > 20 || tps > 30:
		return TierPro
	default:
		return TierMid
	}
}

// Difficulty is a coarse prompt classification driving deadlines and tier
// eligibility.
type Difficulty string

const (
	DifficultySimple   Difficulty = "simple"
	DifficultyComplex  Difficulty = "complex"
	DifficultyAdvanced Difficulty = "advanced"
)

// EligibleTiers returns the tiers allowed to serve a difficulty.
func EligibleTiers(d Difficulty) []Tier {
	switch d {
	case DifficultyAdvanced:
		return []Tier{TierPro}
	case DifficultyComplex:
		return []Tier{TierMid, TierPro}
	default:
		return []Tier{TierBasic, TierMid, TierPro}
	}
}

// TaskMode defines how a task is divided across workers.
type TaskMode string

const (
	ModeSubtasks  TaskMode = "subtasks"
	ModeConsensus TaskMode = "consensus"
	ModeContext   TaskMode = "context"
	ModeDirect    TaskMode = "direct"
)

// TaskStatus represents the lifecycle state of a task. Terminal statuses are
// assigned exactly once.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskClassifying TaskStatus = "classifying"
	TaskDispatched  TaskStatus = "dispatched"
	TaskStreaming   TaskStatus = "streaming"
	TaskCompleted   TaskStatus = "completed"
	TaskPartial     TaskStatus = "partial"
	TaskFailed      TaskStatus = "failed"
	TaskTimedOut    TaskStatus = "timed_out"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether a status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskPartial, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// Task is one user request.
type Task struct {
	ID         string
	AccountRef string
	Prompt     string
	Files      []FileAttachment
	Mode       TaskMode
	Streaming  bool
	Difficulty Difficulty
	Status     TaskStatus
	Reason     string // machine-readable reason code for PARTIAL/FAILED
	Result     string
	CreatedAt  time.Time
	FinishedAt time.Time
	Subtasks   []*Subtask
}

// SubtaskState represents the lifecycle state of a subtask.
type SubtaskState string

const (
	SubtaskPending    SubtaskState = "pending"
	SubtaskAssigned   SubtaskState = "assigned"
	SubtaskStreaming  SubtaskState = "streaming"
	SubtaskCompleted  SubtaskState = "completed"
	SubtaskFailed     SubtaskState = "failed"
	SubtaskReassigned SubtaskState = "reassigned"
	SubtaskCancelled  SubtaskState = "cancelled"
)

// Subtask is a unit of work dispatched to exactly one worker at a time.
// Subtasks carry node IDs, never connection handles; the registry is the one
// authority translating ID to connection.
type Subtask struct {
	TaskID     string
	Index      int
	Prompt     string
	NodeID     string // empty until assigned
	Attempts   int
	Attempted  []string // node IDs that already tried this subtask
	State      SubtaskState
	Result     string
	ErrorKind  string
	StartedAt  time.Time // start of the current attempt
	DurationMs int64
}

// FileAttachment is an opaque user-supplied file.
type FileAttachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	SizeBytes int64  `json:"size_bytes"`
	Data      []byte `json:"data,omitempty"`
}

// StreamFrame is one unit on a task's stream queue.
type StreamFrame struct {
	SubtaskIndex int        `json:"subtask_index"`
	Attempt      int        `json:"attempt"`
	Seq          int        `json:"seq"`
	Payload      string     `json:"payload,omitempty"`
	Terminal     bool       `json:"terminal"`
	Marker       MarkerKind `json:"marker,omitempty"`
}

// MarkerKind annotates control frames injected by the multiplexer.
type MarkerKind string

const (
	MarkerNone           MarkerKind = ""
	MarkerDropped        MarkerKind = "dropped"
	MarkerError          MarkerKind = "error"
	MarkerAborted        MarkerKind = "aborted"
	MarkerAttemptRestart MarkerKind = "attempt_restart"
)

// ReputationEventKind identifies a scoring delta recorded against a node.
type ReputationEventKind string

const (
	RepTaskCompleted   ReputationEventKind = "task_completed"
	RepFastCompletion  ReputationEventKind = "fast_completion"
	RepTimeout         ReputationEventKind = "timeout"
	RepInvalidResponse ReputationEventKind = "invalid_response"
	RepUptimeHour      ReputationEventKind = "uptime_hour"
	RepBrokenPromise   ReputationEventKind = "broken_promise"
	RepWeeklyDecay     ReputationEventKind = "weekly_decay"
)

// ReputationEvent is an append-only score mutation.
type ReputationEvent struct {
	NodeID    string              `json:"node_id"`
	Kind      ReputationEventKind `json:"kind"`
	Points    float64             `json:"points"`
	Timestamp time.Time           `json:"timestamp"`
}

// NodeView is an immutable registry snapshot entry used by selection and
// monitoring consumers.
type NodeView struct {
	ID            string           `json:"id"`
	Tier          Tier             `json:"tier"`
	Capabilities  NodeCapabilities `json:"capabilities"`
	EffectiveLoad int              `json:"effective_load"`
	Reputation    float64          `json:"reputation"`
	LatencyMs     float64          `json:"latency_ms"`
	Online        bool             `json:"online"`
}

// NetworkSnapshot is the egress view exposed to the HTTP boundary.
type NetworkSnapshot struct {
	NodesOnline   int                `json:"nodes_online"`
	NodesByTier   map[Tier]int       `json:"nodes_by_tier"`
	TasksInFlight int                `json:"tasks_in_flight"`
	TasksByStatus map[TaskStatus]int `json:"tasks_by_status"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard"`
}

// LeaderboardEntry ranks a node by reputation.
type LeaderboardEntry struct {
	Rank           int     `json:"rank"`
	NodeID         string  `json:"node_id"`
	Reputation     float64 `json:"reputation"`
	TasksCompleted int64   `json:"tasks_completed"`
	ModelName      string  `json:"model_name"`
}

// TaskRecord is the persisted task-history row.
type TaskRecord struct {
	TaskID     string     `json:"task_id"`
	Mode       TaskMode   `json:"mode"`
	Difficulty Difficulty `json:"difficulty"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     TaskStatus `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	Nodes      []string   `json:"nodes"`
}
