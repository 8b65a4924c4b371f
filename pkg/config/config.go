// Package config loads and validates coordinator configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/iris-network/iris/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config holds all coordinator configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Tasks      TaskConfig       `yaml:"tasks"`
	Selection  SelectionConfig  `yaml:"selection"`
	Stream     StreamConfig     `yaml:"stream"`
	Reputation ReputationConfig `yaml:"reputation"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Direct     DirectConfig     `yaml:"direct"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// HeartbeatConfig controls worker liveness tracking. Workers declare the
// interval; the reaper timeout is 3x that interval.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_s"`
}

// Interval returns the heartbeat interval as a duration.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Timeout is the reaper threshold: three missed heartbeats.
func (h HeartbeatConfig) Timeout() time.Duration {
	return 3 * h.Interval()
}

// TaskConfig controls task division and retry behavior.
type TaskConfig struct {
	MaxAttemptsPerSubtask int `yaml:"max_attempts_per_subtask"`
	ConsensusReplicas     int `yaml:"consensus_replicas"`
	ContextWindowTokens   int `yaml:"context_window_tokens"`
	ContextOverlapTokens  int `yaml:"context_overlap_tokens"`
	MaxSubtasksPerTask    int `yaml:"max_subtasks_per_task"`

	// Per-difficulty deadlines, in seconds, anchored at request creation.
	SimpleTimeoutSeconds   int `yaml:"simple_timeout_s"`
	ComplexTimeoutSeconds  int `yaml:"complex_timeout_s"`
	AdvancedTimeoutSeconds int `yaml:"advanced_timeout_s"`

	// Wall-clock bound on a single dispatch attempt, anchored at assignment.
	// Zero splits the difficulty deadline evenly across the allowed attempts.
	SubtaskTimeoutSeconds int `yaml:"subtask_timeout_s"`

	// Grace before a full worker send queue counts as a lost node.
	SendGraceSeconds int `yaml:"send_grace_s"`
}

// DifficultyTimeout returns the deadline for a difficulty.
func (t TaskConfig) DifficultyTimeout(d types.Difficulty) time.Duration {
	switch d {
	case types.DifficultyAdvanced:
		return time.Duration(t.AdvancedTimeoutSeconds) * time.Second
	case types.DifficultyComplex:
		return time.Duration(t.ComplexTimeoutSeconds) * time.Second
	default:
		return time.Duration(t.SimpleTimeoutSeconds) * time.Second
	}
}

// AttemptTimeout bounds one dispatch attempt: the configured per-subtask
// timeout clamped to the difficulty deadline, or an even split of the
// deadline across the allowed attempts when unset.
func (t TaskConfig) AttemptTimeout(d types.Difficulty) time.Duration {
	budget := t.DifficultyTimeout(d)
	if t.SubtaskTimeoutSeconds > 0 {
		if per := time.Duration(t.SubtaskTimeoutSeconds) * time.Second; per < budget {
			return per
		}
		return budget
	}
	attempts := t.MaxAttemptsPerSubtask
	if attempts < 1 {
		attempts = 1
	}
	return budget / time.Duration(attempts)
}

// SelectionConfig holds the scoring weights from the selection formula.
type SelectionConfig struct {
	ReputationWeight float64 `yaml:"w_rep"`
	TPSWeight        float64 `yaml:"w_tps"`
	LoadWeight       float64 `yaml:"w_load"`
	WaitWeight       float64 `yaml:"w_wait"`
}

// StreamConfig controls the per-task frame queues.
type StreamConfig struct {
	QueueCapacity   int `yaml:"queue_capacity"`
	StaleTTLSeconds int `yaml:"stale_ttl_s"`
}

// ReputationConfig controls the scoring engine.
type ReputationConfig struct {
	Floor               float64 `yaml:"floor"`
	FastCompletionRatio float64 `yaml:"fast_completion_ratio"`
	WeeklyDecayFactor   float64 `yaml:"weekly_decay_factor"`
	// Whether a clear consensus dissenter is penalised (default off).
	ConsensusPenalty bool `yaml:"consensus_penalty_enabled"`
}

// ClassifierConfig controls the difficulty classifier.
type ClassifierConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	TimeoutSeconds int     `yaml:"timeout_s"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
}

// Timeout returns the classifier deadline as a duration.
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DirectConfig controls the external document processor used for bypass
// attachments.
type DirectConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_s"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8420"},
		Heartbeat: HeartbeatConfig{IntervalSeconds: 15},
		Tasks: TaskConfig{
			MaxAttemptsPerSubtask:  2,
			ConsensusReplicas:      3,
			ContextWindowTokens:    2048,
			ContextOverlapTokens:   128,
			MaxSubtasksPerTask:     8,
			SimpleTimeoutSeconds:   60,
			ComplexTimeoutSeconds:  300,
			AdvancedTimeoutSeconds: 600,
			SendGraceSeconds:       2,
		},
		Selection: SelectionConfig{
			ReputationWeight: 0.4,
			TPSWeight:        0.3,
			LoadWeight:       0.2,
			WaitWeight:       0.1,
		},
		Stream: StreamConfig{
			QueueCapacity:   256,
			StaleTTLSeconds: 600,
		},
		Reputation: ReputationConfig{
			Floor:               10,
			FastCompletionRatio: 0.5,
			WeeklyDecayFactor:   0.99,
		},
		Classifier: ClassifierConfig{
			TimeoutSeconds: 5,
			RatePerSecond:  10,
		},
		Direct: DirectConfig{
			TimeoutSeconds: 120,
		},
		Storage: StorageConfig{DataDir: "/var/lib/iris"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %d", c.Heartbeat.IntervalSeconds)
	}
	if c.Tasks.MaxAttemptsPerSubtask < 1 {
		return fmt.Errorf("max attempts per subtask must be at least 1, got %d", c.Tasks.MaxAttemptsPerSubtask)
	}
	if c.Tasks.ConsensusReplicas < 1 {
		return fmt.Errorf("consensus replicas must be at least 1, got %d", c.Tasks.ConsensusReplicas)
	}
	if c.Tasks.MaxSubtasksPerTask < 1 {
		return fmt.Errorf("max subtasks per task must be at least 1, got %d", c.Tasks.MaxSubtasksPerTask)
	}
	if c.Tasks.SubtaskTimeoutSeconds < 0 {
		return fmt.Errorf("subtask timeout must be non-negative, got %d", c.Tasks.SubtaskTimeoutSeconds)
	}
	if c.Tasks.ContextOverlapTokens >= c.Tasks.ContextWindowTokens {
		return fmt.Errorf("context overlap (%d) must be smaller than the window (%d)",
			c.Tasks.ContextOverlapTokens, c.Tasks.ContextWindowTokens)
	}
	if c.Stream.QueueCapacity < 1 {
		return fmt.Errorf("stream queue capacity must be at least 1, got %d", c.Stream.QueueCapacity)
	}
	if c.Reputation.Floor < 0 {
		return fmt.Errorf("reputation floor must be non-negative, got %v", c.Reputation.Floor)
	}
	if c.Reputation.WeeklyDecayFactor <= 0 || c.Reputation.WeeklyDecayFactor > 1 {
		return fmt.Errorf("weekly decay factor must be in (0, 1], got %v", c.Reputation.WeeklyDecayFactor)
	}
	return nil
}
