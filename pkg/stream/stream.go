package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/events"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
	"github.com/iris-network/iris/pkg/types"
)

var (
	// ErrUnknownTask is returned for operations on a task with no open stream.
	ErrUnknownTask = errors.New("stream: unknown task")

	// ErrClosed is returned when publishing to a closed stream.
	ErrClosed = errors.New("stream: task stream closed")
)

// Mux fans worker stream frames into per-task bounded queues and hands them
// to subscribers in order. Frame order within a subtask is preserved; frames
// from superseded attempts and duplicate sequence numbers are discarded at
// the door.
type Mux struct {
	mu       sync.Mutex
	tasks    map[string]*taskStream
	capacity int
	staleTTL time.Duration
	stopCh   chan struct{}
	broker   *events.Broker
	logger   zerolog.Logger
}

type taskStream struct {
	frames       []types.StreamFrame
	closed       bool
	lastActivity time.Time
	notify       chan struct{}

	// Per-subtask admission state.
	attempt  map[int]int  // highest attempt seen
	lastSeq  map[int]int  // last accepted seq for the current attempt
	finished map[int]bool // terminal frame already enqueued
}

// NewMux creates a multiplexer with the configured queue capacity and stale
// stream TTL.
func NewMux(cfg config.StreamConfig) *Mux {
	return &Mux{
		tasks:    make(map[string]*taskStream),
		capacity: cfg.QueueCapacity,
		staleTTL: time.Duration(cfg.StaleTTLSeconds) * time.Second,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("stream"),
	}
}

// SetBroker attaches an event broker. Drops under backpressure are announced
// on it. Call before Start.
func (m *Mux) SetBroker(b *events.Broker) {
	m.broker = b
}

// Start launches the janitor that removes abandoned streams.
func (m *Mux) Start() {
	go m.janitor()
}

// Stop stops the janitor.
func (m *Mux) Stop() {
	close(m.stopCh)
}

// Open creates the stream for a task. Opening an already open task is a
// no-op.
func (m *Mux) Open(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; ok {
		return
	}
	m.tasks[taskID] = &taskStream{
		lastActivity: time.Now(),
		notify:       make(chan struct{}),
		attempt:      make(map[int]int),
		lastSeq:      make(map[int]int),
		finished:     make(map[int]bool),
	}
}

// Publish enqueues one payload frame. Frames from attempts older than the
// latest restart, and frames whose seq does not advance, are discarded
// without error; the producer that sent them has already been superseded.
func (m *Mux) Publish(taskID string, frame types.StreamFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if t.closed {
		return ErrClosed
	}

	idx := frame.SubtaskIndex
	if frame.Attempt < t.attempt[idx] || t.finished[idx] {
		return nil
	}
	if frame.Attempt == t.attempt[idx] {
		if last, seen := t.lastSeq[idx]; seen && frame.Seq <= last {
			return nil
		}
	} else {
		// First frame of a newer attempt the orchestrator has not announced
		// yet; accept and fast-forward.
		t.attempt[idx] = frame.Attempt
	}
	t.lastSeq[idx] = frame.Seq

	m.announceDrops(taskID, t.enqueue(frame, m.capacity))
	metrics.StreamFrames.Inc()
	t.touch()
	return nil
}

// Restart injects a non-terminal ATTEMPT_RESTART marker for a subtask and
// bumps the admitted attempt, shutting out frames from the old worker.
func (m *Mux) Restart(taskID string, subtaskIndex, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if t.closed || t.finished[subtaskIndex] {
		return nil
	}

	t.attempt[subtaskIndex] = attempt
	delete(t.lastSeq, subtaskIndex)
	m.announceDrops(taskID, t.enqueue(types.StreamFrame{
		SubtaskIndex: subtaskIndex,
		Attempt:      attempt,
		Marker:       types.MarkerAttemptRestart,
	}, m.capacity))
	t.touch()
	return nil
}

// Finish enqueues the terminal frame for a subtask. Exactly one terminal
// frame is delivered per subtask regardless of how many times Finish is
// called; a MarkerNone terminal means clean completion.
func (m *Mux) Finish(taskID string, subtaskIndex, attempt int, marker types.MarkerKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if t.finished[subtaskIndex] {
		return nil
	}
	t.finished[subtaskIndex] = true

	m.announceDrops(taskID, t.enqueue(types.StreamFrame{
		SubtaskIndex: subtaskIndex,
		Attempt:      attempt,
		Terminal:     true,
		Marker:       marker,
	}, m.capacity))
	t.touch()
	return nil
}

// Close marks a task stream complete. Subscribers drain the remaining
// frames and then their channels close. Idempotent.
func (m *Mux) Close(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.closed {
		return
	}
	t.closed = true
	t.touch()
	close(t.notify)
	t.notify = nil
}

// Subscribe returns a channel that yields the task's frames in queue order,
// starting from the oldest still buffered. Delivery is destructive: each
// frame goes to exactly one subscriber, so a task stream has one intended
// reader. The channel closes after the stream is closed and drained, or when
// ctx is cancelled.
func (m *Mux) Subscribe(ctx context.Context, taskID string) (<-chan types.StreamFrame, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTask
	}

	ch := make(chan types.StreamFrame, 16)
	go m.pump(ctx, t, ch)
	return ch, nil
}

func (m *Mux) pump(ctx context.Context, t *taskStream, ch chan<- types.StreamFrame) {
	defer close(ch)
	for {
		m.mu.Lock()
		if len(t.frames) > 0 {
			frame := t.frames[0]
			t.frames = t.frames[1:]
			m.mu.Unlock()
			select {
			case ch <- frame:
			case <-ctx.Done():
				m.abandon(t)
				return
			}
			continue
		}
		if t.closed {
			m.mu.Unlock()
			return
		}
		wait := t.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			m.abandon(t)
			return
		}
	}
}

// abandon closes a stream whose reader went away mid-task, leaving an
// ABORTED terminal behind it. Producers see ErrClosed from then on; the
// task itself keeps running.
func (m *Mux) abandon(t *taskStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.closed {
		return
	}
	t.frames = append(t.frames, types.StreamFrame{Terminal: true, Marker: types.MarkerAborted})
	t.closed = true
	if t.notify != nil {
		close(t.notify)
		t.notify = nil
	}
}

// enqueue appends a frame, evicting under backpressure, and reports how many
// payload frames were dropped to make room. Callers hold the mux lock.
func (t *taskStream) enqueue(frame types.StreamFrame, capacity int) (dropped int) {
	for len(t.frames) >= capacity {
		if !t.dropOne() {
			if !frame.Terminal && frame.Marker == types.MarkerNone {
				// Nothing evictable and the incoming frame is plain payload:
				// it is the one that gets dropped.
				metrics.StreamDrops.Inc()
				return dropped + 1
			}
			// Control frames are never dropped; let the queue run hot.
			break
		}
		dropped++
	}
	t.frames = append(t.frames, frame)
	t.wake()
	return dropped
}

// dropOne evicts the oldest payload frame of the subtask hogging the queue
// and leaves a DROPPED marker in its place so consumers see the gap.
// Consecutive markers collapse, which guarantees forward progress. Returns
// false when no payload frame remains to evict.
func (t *taskStream) dropOne() bool {
	counts := make(map[int]int)
	for _, f := range t.frames {
		if !f.Terminal && f.Marker == types.MarkerNone {
			counts[f.SubtaskIndex]++
		}
	}
	target, most := -1, 0
	for idx, n := range counts {
		if n > most || (n == most && (target == -1 || idx < target)) {
			target, most = idx, n
		}
	}
	if target == -1 {
		return false
	}

	pos := -1
	for i, f := range t.frames {
		if f.SubtaskIndex == target && !f.Terminal && f.Marker == types.MarkerNone {
			pos = i
			break
		}
	}
	metrics.StreamDrops.Inc()

	if pos > 0 && t.frames[pos-1].Marker == types.MarkerDropped && t.frames[pos-1].SubtaskIndex == target {
		// A drop marker already precedes this frame; plain removal shrinks
		// the queue.
		t.frames = append(t.frames[:pos], t.frames[pos+1:]...)
		return true
	}

	t.frames[pos] = types.StreamFrame{
		SubtaskIndex: target,
		Attempt:      t.frames[pos].Attempt,
		Seq:          t.frames[pos].Seq,
		Marker:       types.MarkerDropped,
	}
	return true
}

func (m *Mux) announceDrops(taskID string, n int) {
	if n == 0 || m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:    events.EventStreamDropped,
		TaskID:  taskID,
		Message: "stream backpressure dropped frames",
	})
}

func (t *taskStream) touch() {
	t.lastActivity = time.Now()
}

func (t *taskStream) wake() {
	if t.notify != nil {
		close(t.notify)
		t.notify = make(chan struct{})
	}
}

// janitor removes streams nobody will read again: closed or abandoned
// streams idle past the TTL.
func (m *Mux) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Mux) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.staleTTL)
	for id, t := range m.tasks {
		if t.lastActivity.Before(cutoff) {
			if !t.closed {
				t.closed = true
				if t.notify != nil {
					close(t.notify)
					t.notify = nil
				}
			}
			delete(m.tasks, id)
			m.logger.Debug().Str("task_id", id).Msg("swept stale stream")
		}
	}
}
