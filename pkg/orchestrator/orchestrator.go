package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iris-network/iris/pkg/aggregate"
	"github.com/iris-network/iris/pkg/classifier"
	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/direct"
	"github.com/iris-network/iris/pkg/events"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
	"github.com/iris-network/iris/pkg/protocol"
	"github.com/iris-network/iris/pkg/reputation"
	"github.com/iris-network/iris/pkg/selection"
	"github.com/iris-network/iris/pkg/storage"
	"github.com/iris-network/iris/pkg/stream"
	"github.com/iris-network/iris/pkg/types"
)

var (
	// ErrEmptyPrompt rejects requests with nothing to do.
	ErrEmptyPrompt = errors.New("orchestrator: empty prompt")

	// ErrTaskNotFound is returned for operations on an unknown task ID.
	ErrTaskNotFound = errors.New("orchestrator: task not found")
)

// Subtask error kinds.
const (
	errKindNoNodes         = "no_nodes"
	errKindTimeout         = "timeout"
	errKindNodeLost        = "node_lost"
	errKindWorkerError     = "worker_error"
	errKindInvalidResponse = "invalid_response"
	errKindProcessorError  = "processor_error"
)

// Task failure reason codes.
const (
	ReasonNoNodes           = "NO_NODES"
	ReasonTimeout           = "TIMEOUT"
	ReasonWorkerFailures    = "WORKER_FAILURES"
	ReasonSubtaskFailures   = "SUBTASK_FAILURES"
	ReasonNoQuorum          = "NO_QUORUM"
	ReasonCancelled         = "CANCELLED"
	ReasonDirectUnavailable = "DIRECT_UNAVAILABLE"
	ReasonProcessorError    = "PROCESSOR_ERROR"
)

// consensusThreshold is the mean similarity below which the winning answer
// carries a low-consensus note.
const consensusThreshold = 0.5

// Dispatcher is the slice of the node registry the orchestrator drives:
// pick targets from Snapshot, push work with Assign, retract it with Cancel,
// and keep the per-node in-flight counters honest with AddLoad.
type Dispatcher interface {
	Snapshot() []types.NodeView
	Assign(nodeID string, assign protocol.TaskAssign) error
	Cancel(nodeID, taskID string, subtaskIndex int)
	AddLoad(nodeID string, delta int)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config     config.Config
	Dispatcher Dispatcher
	Mux        *stream.Mux
	Classifier *classifier.Classifier
	Reputation *reputation.Engine
	Broker     *events.Broker
	Store      storage.Store
	Direct     *direct.Client // optional document processor
}

// Orchestrator owns the task state machine: divide, classify, dispatch,
// collect, aggregate. It is the registry's TaskSink; worker frames arrive
// here already resolved to node IDs.
type Orchestrator struct {
	cfg      config.Config
	dispatch Dispatcher
	mux      *stream.Mux
	class    *classifier.Classifier
	rep      *reputation.Engine
	broker   *events.Broker
	store    storage.Store
	direct   *direct.Client
	logger   zerolog.Logger

	mu     sync.Mutex
	tasks  map[string]*types.Task
	timers map[string]*time.Timer
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:      opts.Config,
		dispatch: opts.Dispatcher,
		mux:      opts.Mux,
		class:    opts.Classifier,
		rep:      opts.Reputation,
		broker:   opts.Broker,
		store:    opts.Store,
		direct:   opts.Direct,
		logger:   log.WithComponent("orchestrator"),
		tasks:    make(map[string]*types.Task),
		timers:   make(map[string]*time.Timer),
	}
}

// Stop halts every pending deadline timer. In-memory task state stays
// readable.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
}

// SubmitRequest is one user request entering the pipeline.
type SubmitRequest struct {
	AccountRef string
	Prompt     string
	Files      []types.FileAttachment
	Mode       types.TaskMode
	Streaming  bool
	Difficulty types.Difficulty // explicit override, empty to classify
}

// Submit accepts a request, opens its stream, and starts the async driver.
// The returned task is a snapshot; poll Get for progress.
func (o *Orchestrator) Submit(req SubmitRequest) (*types.Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	mode := req.Mode
	if mode == "" {
		mode = types.ModeSubtasks
	}
	if classifier.IsDirectFormat(req.Files) {
		mode = types.ModeDirect
	}

	task := &types.Task{
		ID:         uuid.NewString(),
		AccountRef: req.AccountRef,
		Prompt:     prompt,
		Files:      req.Files,
		Mode:       mode,
		Streaming:  req.Streaming,
		Status:     types.TaskPending,
		CreatedAt:  time.Now(),
	}

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	if task.Streaming {
		o.mux.Open(task.ID)
	}
	metrics.TasksInFlight.Inc()
	o.broker.Publish(&events.Event{Type: events.EventTaskCreated, TaskID: task.ID})
	o.logger.Info().Str("task_id", task.ID).Str("mode", string(mode)).Msg("task accepted")

	go o.run(task.ID, req.Difficulty)
	return o.Get(task.ID)
}

// Get returns a deep copy of a task.
func (o *Orchestrator) Get(taskID string) (*types.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(task), nil
}

// Subscribe attaches to a task's frame stream. Tasks submitted without the
// streaming flag have no stream and report not found.
func (o *Orchestrator) Subscribe(ctx context.Context, taskID string) (<-chan types.StreamFrame, error) {
	ch, err := o.mux.Subscribe(ctx, taskID)
	if errors.Is(err, stream.ErrUnknownTask) {
		return nil, ErrTaskNotFound
	}
	return ch, err
}

// Stats reports in-flight counts for the monitoring snapshot.
func (o *Orchestrator) Stats() (inFlight int, byStatus map[types.TaskStatus]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	byStatus = make(map[types.TaskStatus]int)
	for _, task := range o.tasks {
		byStatus[task.Status]++
		if !task.Status.Terminal() {
			inFlight++
		}
	}
	return inFlight, byStatus
}

// run is the async task driver: classify, divide, dispatch.
func (o *Orchestrator) run(taskID string, explicit types.Difficulty) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	task.Status = types.TaskClassifying
	prompt, mode, files := task.Prompt, task.Mode, task.Files
	o.mu.Unlock()

	if mode == types.ModeDirect {
		o.runDirect(taskID, prompt, files, explicit)
		return
	}

	prompts := o.divide(prompt, mode)

	subtaskCount := 1
	if mode == types.ModeSubtasks {
		subtaskCount = len(prompts)
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Classifier.Timeout()+time.Second)
	difficulty := o.class.Classify(ctx, prompt, subtaskCount, explicit)
	cancel()

	o.mu.Lock()
	task, ok = o.tasks[taskID]
	if !ok || task.Status.Terminal() {
		// Cancelled while classifying.
		o.mu.Unlock()
		return
	}
	task.Difficulty = difficulty
	task.Status = types.TaskDispatched
	for i, p := range prompts {
		task.Subtasks = append(task.Subtasks, &types.Subtask{
			TaskID: taskID,
			Index:  i,
			Prompt: p,
			State:  types.SubtaskPending,
		})
	}
	o.armDeadlineLocked(task)

	var assigns []pendingAssign
	for _, st := range task.Subtasks {
		if pa, ok := o.assignLocked(task, st); ok {
			assigns = append(assigns, pa)
		}
	}
	created := task.CreatedAt
	o.mu.Unlock()

	metrics.DispatchLatency.Observe(time.Since(created).Seconds())
	o.logger.Info().
		Str("task_id", taskID).
		Str("difficulty", string(difficulty)).
		Int("subtasks", len(prompts)).
		Msg("task dispatched")

	o.deliver(assigns)
	o.maybeFinalize(taskID)
}

// divide produces the subtask prompts for a mode.
func (o *Orchestrator) divide(prompt string, mode types.TaskMode) []string {
	t := o.cfg.Tasks
	switch mode {
	case types.ModeConsensus:
		replicas := t.ConsensusReplicas
		if replicas < 2 {
			replicas = 2
		}
		if replicas > t.MaxSubtasksPerTask {
			replicas = t.MaxSubtasksPerTask
		}
		out := make([]string, replicas)
		for i := range out {
			out[i] = prompt
		}
		return out
	case types.ModeContext:
		return contextWindows(prompt, t.ContextWindowTokens, t.ContextOverlapTokens, t.MaxSubtasksPerTask)
	default:
		return divideSubtasks(prompt, t.MaxSubtasksPerTask)
	}
}

type pendingAssign struct {
	nodeID string
	assign protocol.TaskAssign
}

// assignLocked picks a worker for a subtask and mutates its state. The
// actual send happens later, outside the lock, because a stalled send can
// re-enter through HandleNodeLost.
func (o *Orchestrator) assignLocked(task *types.Task, st *types.Subtask) (pendingAssign, bool) {
	picked := selection.Pick(o.dispatch.Snapshot(), task.Difficulty, 1, o.excludedLocked(task, st), o.weights())
	if len(picked) == 0 {
		o.failSubtaskLocked(task, st, errKindNoNodes, types.MarkerError)
		return pendingAssign{}, false
	}

	node := picked[0]
	st.NodeID = node.ID
	st.Attempts++
	st.Attempted = append(st.Attempted, node.ID)
	st.State = types.SubtaskAssigned
	st.StartedAt = time.Now()
	o.dispatch.AddLoad(node.ID, 1)

	remaining := time.Until(task.CreatedAt.Add(o.cfg.Tasks.DifficultyTimeout(task.Difficulty)))
	if remaining < 0 {
		remaining = 0
	}

	if d := o.cfg.Tasks.AttemptTimeout(task.Difficulty); d > 0 && d < remaining {
		taskID, index, nodeID, attempt := task.ID, st.Index, node.ID, st.Attempts
		time.AfterFunc(d, func() { o.attemptExpired(taskID, index, nodeID, attempt) })
	}

	return pendingAssign{
		nodeID: node.ID,
		assign: protocol.TaskAssign{
			TaskID:       task.ID,
			SubtaskIndex: st.Index,
			Attempt:      st.Attempts,
			Prompt:       st.Prompt,
			Streaming:    task.Streaming,
			TimeoutMs:    remaining.Milliseconds(),
		},
	}, true
}

// excludedLocked is the node set a subtask must not land on: its own past
// attempts, plus the siblings' for consensus. Replicas vote against each
// other; the same node must not cast two ballots.
func (o *Orchestrator) excludedLocked(task *types.Task, st *types.Subtask) map[string]bool {
	exclude := make(map[string]bool, len(st.Attempted))
	for _, id := range st.Attempted {
		exclude[id] = true
	}
	if task.Mode == types.ModeConsensus {
		for _, sib := range task.Subtasks {
			if sib != st {
				for _, id := range sib.Attempted {
					exclude[id] = true
				}
			}
		}
	}
	return exclude
}

// attemptExpired fires when a single dispatch attempt has outrun its slice
// of the budget. The hung worker is replaced only when a fresh node is
// available and attempts remain; otherwise the attempt keeps running and the
// task deadline decides.
func (o *Orchestrator) attemptExpired(taskID string, index int, nodeID string, attempt int) {
	o.mu.Lock()
	task, st := o.lookupLocked(taskID, index)
	if st == nil || !activeState(st.State) || st.NodeID != nodeID || st.Attempts != attempt {
		o.mu.Unlock()
		return
	}
	if st.Attempts >= o.cfg.Tasks.MaxAttemptsPerSubtask {
		o.mu.Unlock()
		return
	}
	if len(selection.Pick(o.dispatch.Snapshot(), task.Difficulty, 1, o.excludedLocked(task, st), o.weights())) == 0 {
		o.mu.Unlock()
		return
	}

	o.rep.Record(nodeID, types.RepTimeout)
	o.dispatch.AddLoad(nodeID, -1)
	pa, retry := o.retryLocked(task, st, errKindTimeout)
	o.mu.Unlock()

	o.dispatch.Cancel(nodeID, taskID, index)
	if retry {
		o.deliver([]pendingAssign{pa})
	}
	o.maybeFinalize(taskID)
}

func (o *Orchestrator) weights() selection.Weights {
	return selection.Weights{
		Reputation: o.cfg.Selection.ReputationWeight,
		TPS:        o.cfg.Selection.TPSWeight,
		Load:       o.cfg.Selection.LoadWeight,
		Wait:       o.cfg.Selection.WaitWeight,
	}
}

// deliver pushes assignments to the registry. A failed send is handled like
// a lost node for that one subtask.
func (o *Orchestrator) deliver(assigns []pendingAssign) {
	for _, pa := range assigns {
		if err := o.dispatch.Assign(pa.nodeID, pa.assign); err != nil {
			o.logger.Warn().
				Err(err).
				Str("task_id", pa.assign.TaskID).
				Str("node_id", pa.nodeID).
				Int("subtask", pa.assign.SubtaskIndex).
				Msg("assignment send failed")
			o.subtaskFailed(pa.assign.TaskID, pa.assign.SubtaskIndex, pa.nodeID, pa.assign.Attempt, errKindNodeLost)
		}
	}
}

// subtaskFailed handles a failure of the current attempt identified by
// (nodeID, attempt). Stale reports about superseded attempts are ignored.
func (o *Orchestrator) subtaskFailed(taskID string, index int, nodeID string, attempt int, kind string) {
	o.mu.Lock()
	task, st := o.lookupLocked(taskID, index)
	if st == nil || !activeState(st.State) || st.NodeID != nodeID || st.Attempts != attempt {
		o.mu.Unlock()
		return
	}
	o.dispatch.AddLoad(nodeID, -1)
	pa, retry := o.retryLocked(task, st, kind)
	o.mu.Unlock()

	if retry {
		o.deliver([]pendingAssign{pa})
	}
	o.maybeFinalize(taskID)
}

// retryLocked reassigns a subtask if attempts remain, otherwise fails it.
func (o *Orchestrator) retryLocked(task *types.Task, st *types.Subtask, kind string) (pendingAssign, bool) {
	if st.Attempts < o.cfg.Tasks.MaxAttemptsPerSubtask && !task.Status.Terminal() {
		st.State = types.SubtaskReassigned
		st.NodeID = ""
		metrics.SubtasksReassigned.Inc()
		o.broker.Publish(&events.Event{
			Type:    events.EventSubtaskReassigned,
			TaskID:  task.ID,
			Message: kind,
		})
		_ = o.mux.Restart(task.ID, st.Index, st.Attempts+1)
		o.logger.Info().
			Str("task_id", task.ID).
			Int("subtask", st.Index).
			Str("cause", kind).
			Msg("reassigning subtask")
		return o.assignLocked(task, st)
	}
	o.failSubtaskLocked(task, st, kind, types.MarkerError)
	return pendingAssign{}, false
}

func (o *Orchestrator) failSubtaskLocked(task *types.Task, st *types.Subtask, kind string, marker types.MarkerKind) {
	st.State = types.SubtaskFailed
	st.ErrorKind = kind
	if !st.StartedAt.IsZero() {
		st.DurationMs = time.Since(st.StartedAt).Milliseconds()
	}
	_ = o.mux.Finish(task.ID, st.Index, st.Attempts, marker)
}

// HandleStream forwards a worker chunk onto the task's stream queue.
// Implements the registry sink.
func (o *Orchestrator) HandleStream(nodeID string, fr protocol.TaskStream) {
	o.mu.Lock()
	task, st := o.lookupLocked(fr.TaskID, fr.SubtaskIndex)
	if st == nil || !activeState(st.State) || st.NodeID != nodeID || st.Attempts != fr.Attempt {
		o.mu.Unlock()
		return
	}
	st.State = types.SubtaskStreaming
	if task.Status == types.TaskDispatched {
		task.Status = types.TaskStreaming
	}
	o.mu.Unlock()

	_ = o.mux.Publish(fr.TaskID, types.StreamFrame{
		SubtaskIndex: fr.SubtaskIndex,
		Attempt:      fr.Attempt,
		Seq:          fr.Seq,
		Payload:      fr.Chunk,
	})
}

// HandleResult records a finished subtask. An empty payload counts as an
// invalid response: the node is penalised and the subtask fails outright.
func (o *Orchestrator) HandleResult(nodeID string, res protocol.TaskResult) {
	o.mu.Lock()
	task, st := o.lookupLocked(res.TaskID, res.SubtaskIndex)
	if st == nil || !activeState(st.State) || st.NodeID != nodeID || st.Attempts != res.Attempt {
		o.mu.Unlock()
		return
	}
	o.dispatch.AddLoad(nodeID, -1)

	if strings.TrimSpace(res.Payload) == "" {
		o.rep.Record(nodeID, types.RepInvalidResponse)
		o.failSubtaskLocked(task, st, errKindInvalidResponse, types.MarkerError)
		o.mu.Unlock()
		o.maybeFinalize(res.TaskID)
		return
	}

	st.State = types.SubtaskCompleted
	st.Result = res.Payload
	st.DurationMs = time.Since(st.StartedAt).Milliseconds()
	took := time.Duration(res.ExecutionTimeMs) * time.Millisecond
	if res.ExecutionTimeMs <= 0 {
		took = time.Since(st.StartedAt)
	}
	deadline := o.cfg.Tasks.DifficultyTimeout(task.Difficulty)
	o.mu.Unlock()

	o.rep.RecordCompletion(nodeID, took, deadline)
	_ = o.mux.Finish(res.TaskID, res.SubtaskIndex, res.Attempt, types.MarkerNone)
	o.maybeFinalize(res.TaskID)
}

// HandleError retries or fails the subtask a worker reported it cannot do.
// An honest inability is not an invalid response, so no penalty applies.
func (o *Orchestrator) HandleError(nodeID string, te protocol.TaskError) {
	o.logger.Warn().
		Str("task_id", te.TaskID).
		Str("node_id", nodeID).
		Str("kind", te.Kind).
		Msg("worker reported task error")
	o.subtaskFailed(te.TaskID, te.SubtaskIndex, nodeID, te.Attempt, errKindWorkerError)
}

// HandleNodeLost reassigns every in-flight subtask held by a vanished node.
// Each abandoned subtask costs the node a broken promise.
func (o *Orchestrator) HandleNodeLost(nodeID string) {
	o.mu.Lock()
	var assigns []pendingAssign
	var touched []string
	for _, task := range o.tasks {
		if task.Status.Terminal() {
			continue
		}
		for _, st := range task.Subtasks {
			if st.NodeID != nodeID || !activeState(st.State) {
				continue
			}
			o.rep.Record(nodeID, types.RepBrokenPromise)
			if pa, retry := o.retryLocked(task, st, errKindNodeLost); retry {
				assigns = append(assigns, pa)
			}
			touched = append(touched, task.ID)
		}
	}
	o.mu.Unlock()

	o.deliver(assigns)
	for _, id := range touched {
		o.maybeFinalize(id)
	}
}

// onDeadline fires when a task's difficulty budget runs out. Unfinished
// subtasks time out; there is no budget left to reassign against.
func (o *Orchestrator) onDeadline(taskID string) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status.Terminal() {
		o.mu.Unlock()
		return
	}

	var cancels []cancelTarget
	for _, st := range task.Subtasks {
		if terminalSubtask(st.State) {
			continue
		}
		if activeState(st.State) && st.NodeID != "" {
			o.rep.Record(st.NodeID, types.RepTimeout)
			o.dispatch.AddLoad(st.NodeID, -1)
			cancels = append(cancels, cancelTarget{st.NodeID, st.Index})
		}
		o.failSubtaskLocked(task, st, errKindTimeout, types.MarkerAborted)
	}
	rec := o.finalizeLocked(task)
	o.mu.Unlock()

	for _, c := range cancels {
		o.dispatch.Cancel(c.nodeID, taskID, c.index)
	}
	o.persist(rec)
}

type cancelTarget struct {
	nodeID string
	index  int
}

// Cancel aborts a task. Cancelling a terminal or already cancelled task is a
// no-op; workers still running get a best-effort TASK_CANCEL.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		o.mu.Unlock()
		return nil
	}

	var cancels []cancelTarget
	for _, st := range task.Subtasks {
		if activeState(st.State) && st.NodeID != "" {
			o.dispatch.AddLoad(st.NodeID, -1)
			cancels = append(cancels, cancelTarget{st.NodeID, st.Index})
		}
		if !terminalSubtask(st.State) {
			st.State = types.SubtaskCancelled
			_ = o.mux.Finish(taskID, st.Index, st.Attempts, types.MarkerAborted)
		}
	}
	rec := o.settleLocked(task, types.TaskCancelled, ReasonCancelled)
	o.mu.Unlock()

	for _, c := range cancels {
		o.dispatch.Cancel(c.nodeID, taskID, c.index)
	}
	o.persist(rec)
	return nil
}

// maybeFinalize closes the task out once every subtask is terminal.
func (o *Orchestrator) maybeFinalize(taskID string) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status.Terminal() || len(task.Subtasks) == 0 {
		o.mu.Unlock()
		return
	}
	for _, st := range task.Subtasks {
		if !terminalSubtask(st.State) {
			o.mu.Unlock()
			return
		}
	}
	rec := o.finalizeLocked(task)
	o.mu.Unlock()
	o.persist(rec)
}

// finalizeLocked applies the outcome policy and aggregates the result.
func (o *Orchestrator) finalizeLocked(task *types.Task) *types.TaskRecord {
	if task.Status.Terminal() {
		return nil
	}

	completed, failed, timeouts, noNodes := 0, 0, 0, 0
	for _, st := range task.Subtasks {
		switch st.State {
		case types.SubtaskCompleted:
			completed++
		case types.SubtaskFailed:
			failed++
			switch st.ErrorKind {
			case errKindTimeout:
				timeouts++
			case errKindNoNodes:
				noNodes++
			}
		}
	}

	failureStatus := types.TaskFailed
	failureReason := ReasonWorkerFailures
	if timeouts > 0 {
		failureStatus = types.TaskTimedOut
		failureReason = ReasonTimeout
	} else if noNodes == failed && failed > 0 {
		failureReason = ReasonNoNodes
	}

	switch task.Mode {
	case types.ModeConsensus:
		quorum := (len(task.Subtasks) + 1) / 2
		if completed >= quorum {
			task.Result = aggregate.Consensus(task.Subtasks, o.rep.Score, consensusThreshold)
			o.penalizeDissentersLocked(task)
			return o.settleLocked(task, types.TaskCompleted, "")
		}
		if completed > 0 && failureStatus == types.TaskFailed {
			failureReason = ReasonNoQuorum
		}
		return o.settleLocked(task, failureStatus, failureReason)

	case types.ModeContext:
		result, partial := aggregate.Context(task.Subtasks)
		if completed == 0 {
			return o.settleLocked(task, failureStatus, failureReason)
		}
		task.Result = result
		if partial {
			return o.settleLocked(task, types.TaskPartial, ReasonSubtaskFailures)
		}
		return o.settleLocked(task, types.TaskCompleted, "")

	default:
		result, partial := aggregate.Subtasks(task.Subtasks)
		if completed == 0 {
			return o.settleLocked(task, failureStatus, failureReason)
		}
		task.Result = result
		if partial {
			return o.settleLocked(task, types.TaskPartial, ReasonSubtaskFailures)
		}
		return o.settleLocked(task, types.TaskCompleted, "")
	}
}

// penalizeDissentersLocked applies the optional invalid-response penalty to
// replicas that clearly disagree with the winning answer. Off by default.
func (o *Orchestrator) penalizeDissentersLocked(task *types.Task) {
	if !o.cfg.Reputation.ConsensusPenalty {
		return
	}
	winner := strings.TrimPrefix(task.Result, aggregate.LowConsensusNote+"\n\n")
	for _, st := range task.Subtasks {
		if st.State != types.SubtaskCompleted || st.NodeID == "" {
			continue
		}
		if aggregate.Similarity(st.Result, winner) < consensusThreshold {
			o.rep.Record(st.NodeID, types.RepInvalidResponse)
		}
	}
}

// settleLocked stamps the terminal status and emits the bookkeeping tail:
// timer, metrics, event, stream close. The caller persists the returned
// record after releasing the lock.
func (o *Orchestrator) settleLocked(task *types.Task, status types.TaskStatus, reason string) *types.TaskRecord {
	task.Status = status
	task.Reason = reason
	task.FinishedAt = time.Now()

	if timer, ok := o.timers[task.ID]; ok {
		timer.Stop()
		delete(o.timers, task.ID)
	}

	metrics.TasksInFlight.Dec()
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(task.Mode)).Observe(task.FinishedAt.Sub(task.CreatedAt).Seconds())
	o.broker.Publish(&events.Event{Type: eventForStatus(status), TaskID: task.ID, Message: reason})
	o.mux.Close(task.ID)

	o.logger.Info().
		Str("task_id", task.ID).
		Str("status", string(status)).
		Str("reason", reason).
		Dur("took", task.FinishedAt.Sub(task.CreatedAt)).
		Msg("task finished")

	return recordOf(task)
}

func (o *Orchestrator) persist(rec *types.TaskRecord) {
	if rec == nil || o.store == nil {
		return
	}
	if err := o.store.AppendTaskRecord(rec); err != nil {
		o.logger.Error().Err(err).Str("task_id", rec.TaskID).Msg("failed to persist task record")
	}
}

func (o *Orchestrator) armDeadlineLocked(task *types.Task) {
	deadline := o.cfg.Tasks.DifficultyTimeout(task.Difficulty)
	taskID := task.ID
	o.timers[taskID] = time.AfterFunc(deadline, func() { o.onDeadline(taskID) })
}

// lookupLocked resolves a (task, subtask index) pair; nil subtask when
// either is unknown.
func (o *Orchestrator) lookupLocked(taskID string, index int) (*types.Task, *types.Subtask) {
	task, ok := o.tasks[taskID]
	if !ok || index < 0 || index >= len(task.Subtasks) {
		return task, nil
	}
	return task, task.Subtasks[index]
}

// activeState reports whether a subtask currently has a worker attached.
func activeState(s types.SubtaskState) bool {
	return s == types.SubtaskAssigned || s == types.SubtaskStreaming
}

func terminalSubtask(s types.SubtaskState) bool {
	switch s {
	case types.SubtaskCompleted, types.SubtaskFailed, types.SubtaskCancelled:
		return true
	}
	return false
}

func eventForStatus(status types.TaskStatus) events.EventType {
	switch status {
	case types.TaskCompleted:
		return events.EventTaskCompleted
	case types.TaskPartial:
		return events.EventTaskPartial
	case types.TaskCancelled:
		return events.EventTaskCancelled
	default:
		return events.EventTaskFailed
	}
}

func recordOf(task *types.Task) *types.TaskRecord {
	seen := make(map[string]bool)
	var nodes []string
	for _, st := range task.Subtasks {
		for _, id := range st.Attempted {
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, id)
			}
		}
	}
	return &types.TaskRecord{
		TaskID:     task.ID,
		Mode:       task.Mode,
		Difficulty: task.Difficulty,
		CreatedAt:  task.CreatedAt,
		Status:     task.Status,
		DurationMs: task.FinishedAt.Sub(task.CreatedAt).Milliseconds(),
		Nodes:      nodes,
	}
}

func copyTask(task *types.Task) *types.Task {
	out := *task
	out.Subtasks = make([]*types.Subtask, len(task.Subtasks))
	for i, st := range task.Subtasks {
		c := *st
		c.Attempted = append([]string(nil), st.Attempted...)
		out.Subtasks[i] = &c
	}
	return &out
}
