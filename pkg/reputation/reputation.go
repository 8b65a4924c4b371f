package reputation

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
	"github.com/iris-network/iris/pkg/storage"
	"github.com/iris-network/iris/pkg/types"
)

// InitialScore is the reputation every node starts with.
const InitialScore = 100.0

// decayPeriod is how often the multiplicative decay applies.
const decayPeriod = 7 * 24 * time.Hour

// Point deltas per event kind. Weekly decay is multiplicative and handled
// separately.
var deltas = map[types.ReputationEventKind]float64{
	types.RepTaskCompleted:   10,
	types.RepFastCompletion:  5,
	types.RepTimeout:         -20,
	types.RepInvalidResponse: -50,
	types.RepUptimeHour:      1,
	types.RepBrokenPromise:   -5,
}

type nodeRep struct {
	score          float64
	lastDecay      time.Time
	tasksCompleted int64
}

// Engine is the event-driven reputation score keeper. The in-memory score
// is authoritative; every mutation is also appended to the durable event
// log and the snapshot is upserted, so a restart resumes from the last
// persisted state. A single mutex serialises all mutations, which gives
// per-node event ordering for free.
type Engine struct {
	mu      sync.Mutex
	nodes   map[string]*nodeRep
	online  map[string]time.Time // node-id -> last uptime credit
	store   storage.Store
	cfg     config.ReputationConfig
	logger  zerolog.Logger
	stopCh  chan struct{}
	stopped sync.Once
}

// NewEngine builds an engine and restores scores from the store.
func NewEngine(store storage.Store, cfg config.ReputationConfig) (*Engine, error) {
	e := &Engine{
		nodes:  make(map[string]*nodeRep),
		online: make(map[string]time.Time),
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("reputation"),
		stopCh: make(chan struct{}),
	}

	snaps, err := store.ListReputationSnapshots()
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		e.nodes[snap.NodeID] = &nodeRep{score: snap.Score, lastDecay: snap.LastDecay}
	}

	metas, err := store.ListNodeMeta()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if rep, ok := e.nodes[meta.NodeID]; ok {
			rep.tasksCompleted = meta.TasksCompleted
		}
	}
	return e, nil
}

// Start launches the hourly sweeper for uptime credit and weekly decay.
func (e *Engine) Start() {
	go e.sweeper()
}

// Stop halts the sweeper. Idempotent.
func (e *Engine) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
}

// Score returns the current score for a node. Unknown nodes sit at the
// initial score.
func (e *Engine) Score(nodeID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rep, ok := e.nodes[nodeID]; ok {
		return rep.score
	}
	return InitialScore
}

// TasksCompleted returns the lifetime completion count for a node.
func (e *Engine) TasksCompleted(nodeID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rep, ok := e.nodes[nodeID]; ok {
		return rep.tasksCompleted
	}
	return 0
}

// Record applies one event's delta to a node and returns the new score.
func (e *Engine) Record(nodeID string, kind types.ReputationEventKind) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apply(nodeID, kind, deltas[kind], time.Now())
}

// RecordCompletion credits a finished subtask, adding the fast bonus when
// the attempt finished inside the configured fraction of its deadline.
func (e *Engine) RecordCompletion(nodeID string, took, deadline time.Duration) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	rep := e.node(nodeID)
	rep.tasksCompleted++

	score := e.apply(nodeID, types.RepTaskCompleted, deltas[types.RepTaskCompleted], now)
	if deadline > 0 && took < time.Duration(float64(deadline)*e.cfg.FastCompletionRatio) {
		score = e.apply(nodeID, types.RepFastCompletion, deltas[types.RepFastCompletion], now)
	}
	return score
}

// NodeConnected begins uptime tracking for a node.
func (e *Engine) NodeConnected(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online[nodeID] = time.Now()
	// First contact pins the initial score so the snapshot exists.
	e.node(nodeID)
}

// NodeDisconnected stops uptime tracking for a node.
func (e *Engine) NodeDisconnected(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.online, nodeID)
}

// CreditUptime grants the hourly bonus to every node online for at least a
// full hour since its last credit.
func (e *Engine) CreditUptime(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for nodeID, since := range e.online {
		hours := int(now.Sub(since) / time.Hour)
		for i := 0; i < hours; i++ {
			e.apply(nodeID, types.RepUptimeHour, deltas[types.RepUptimeHour], now)
		}
		if hours > 0 {
			e.online[nodeID] = since.Add(time.Duration(hours) * time.Hour)
		}
	}
}

// Decay applies the weekly multiplicative decay to every node whose last
// decay is at least a week old. Multiple missed weeks compound.
func (e *Engine) Decay(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for nodeID, rep := range e.nodes {
		for now.Sub(rep.lastDecay) >= decayPeriod {
			rep.score = clamp(rep.score*e.cfg.WeeklyDecayFactor, e.cfg.Floor)
			rep.lastDecay = rep.lastDecay.Add(decayPeriod)
			e.persist(nodeID, rep, &types.ReputationEvent{
				NodeID:    nodeID,
				Kind:      types.RepWeeklyDecay,
				Points:    0,
				Timestamp: now,
			})
			metrics.ReputationEvents.WithLabelValues(string(types.RepWeeklyDecay)).Inc()
		}
	}
}

// apply mutates one node's score. Callers hold the mutex.
func (e *Engine) apply(nodeID string, kind types.ReputationEventKind, points float64, now time.Time) float64 {
	rep := e.node(nodeID)
	rep.score = clamp(rep.score+points, e.cfg.Floor)

	e.persist(nodeID, rep, &types.ReputationEvent{
		NodeID:    nodeID,
		Kind:      kind,
		Points:    points,
		Timestamp: now,
	})
	metrics.ReputationEvents.WithLabelValues(string(kind)).Inc()

	e.logger.Debug().
		Str("node_id", nodeID).
		Str("kind", string(kind)).
		Float64("points", points).
		Float64("score", rep.score).
		Msg("reputation updated")
	return rep.score
}

// node returns the tracked entry, creating it at the initial score. Callers
// hold the mutex.
func (e *Engine) node(nodeID string) *nodeRep {
	rep, ok := e.nodes[nodeID]
	if !ok {
		rep = &nodeRep{score: InitialScore, lastDecay: time.Now()}
		e.nodes[nodeID] = rep
	}
	return rep
}

// persist writes the event and snapshot. Storage failures are logged, not
// fatal: the in-memory score stays authoritative.
func (e *Engine) persist(nodeID string, rep *nodeRep, event *types.ReputationEvent) {
	if err := e.store.AppendReputationEvent(event); err != nil {
		e.logger.Error().Err(err).Str("node_id", nodeID).Msg("failed to append reputation event")
	}
	if err := e.store.SaveReputationSnapshot(&storage.ReputationSnapshot{
		NodeID:    nodeID,
		Score:     rep.score,
		LastDecay: rep.lastDecay,
	}); err != nil {
		e.logger.Error().Err(err).Str("node_id", nodeID).Msg("failed to save reputation snapshot")
	}
}

// History returns the most recent events for a node, newest first.
func (e *Engine) History(nodeID string, limit int) ([]*types.ReputationEvent, error) {
	return e.store.ListReputationEvents(nodeID, limit)
}

func (e *Engine) sweeper() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			e.CreditUptime(now)
			e.Decay(now)
		case <-e.stopCh:
			return
		}
	}
}

func clamp(score, floor float64) float64 {
	if score < floor {
		return floor
	}
	return score
}
