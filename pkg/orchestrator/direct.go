package orchestrator

import (
	"context"
	"time"

	"github.com/iris-network/iris/pkg/types"
)

// runDirect bypasses the worker network and hands the task to the external
// document processor. The task gets one synthetic subtask so streaming and
// history look the same as for network tasks.
func (o *Orchestrator) runDirect(taskID, prompt string, files []types.FileAttachment, explicit types.Difficulty) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	task.Difficulty = types.DifficultyComplex
	if explicit != "" {
		task.Difficulty = explicit
	}
	task.Status = types.TaskDispatched
	st := &types.Subtask{
		TaskID:    taskID,
		Index:     0,
		Prompt:    prompt,
		Attempts:  1,
		State:     types.SubtaskAssigned,
		StartedAt: time.Now(),
	}
	task.Subtasks = []*types.Subtask{st}
	o.armDeadlineLocked(task)
	deadline := o.cfg.Tasks.DifficultyTimeout(task.Difficulty)
	o.mu.Unlock()

	if o.direct == nil || !o.direct.Enabled() {
		o.directDone(taskID, "", ReasonDirectUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	seq := 0
	result, err := o.direct.Process(ctx, prompt, files, func(chunk string) {
		seq++
		_ = o.mux.Publish(taskID, types.StreamFrame{
			SubtaskIndex: 0,
			Attempt:      1,
			Seq:          seq,
			Payload:      chunk,
		})
	})
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("document processor failed")
		o.directDone(taskID, "", ReasonProcessorError)
		return
	}
	o.directDone(taskID, result, "")
}

// directDone settles a direct task. A non-empty reason means failure.
func (o *Orchestrator) directDone(taskID, result, reason string) {
	o.mu.Lock()
	task, st := o.lookupLocked(taskID, 0)
	if st == nil || !activeState(st.State) {
		// The deadline already settled this task.
		o.mu.Unlock()
		return
	}

	var rec *types.TaskRecord
	if reason != "" {
		st.State = types.SubtaskFailed
		st.ErrorKind = errKindProcessorError
		st.DurationMs = time.Since(st.StartedAt).Milliseconds()
		_ = o.mux.Finish(taskID, 0, 1, types.MarkerError)
		rec = o.settleLocked(task, types.TaskFailed, reason)
	} else {
		st.State = types.SubtaskCompleted
		st.Result = result
		st.DurationMs = time.Since(st.StartedAt).Milliseconds()
		task.Result = result
		_ = o.mux.Finish(taskID, 0, 1, types.MarkerNone)
		rec = o.settleLocked(task, types.TaskCompleted, "")
	}
	o.mu.Unlock()
	o.persist(rec)
}
