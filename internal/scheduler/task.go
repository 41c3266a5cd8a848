package scheduler

import (
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/engine"
	"github.com/CZERTAINLY/Fabsim/internal/model"
)

// task is the record of one execution of a simulator's step list. The state
// is guarded by mx, events of a task are only published by the goroutine
// which owns its current state (the worker while running).
type task struct {
	steps  []model.ProcessStep
	engine engine.Engine
	done   chan struct{}

	mx              sync.Mutex
	status          model.TaskStatus
	result          *model.TaskResult
	cancelRequested bool
}

func newTask(id, simulatorID, flow string, steps []model.ProcessStep, eng engine.Engine, now time.Time) *task {
	return &task{
		steps:  steps,
		engine: eng,
		done:   make(chan struct{}),
		status: model.TaskStatus{
			ID:          id,
			SimulatorID: simulatorID,
			Flow:        flow,
			State:       model.TaskCreated,
			Progress:    model.Progress{Operation: "queued", Steps: len(steps)},
			Created:     now,
		},
	}
}

func (t *task) id() string { return t.status.ID }

func (t *task) simulatorID() string { return t.status.SimulatorID }

// snapshot returns the status with Elapsed filled in.
func (t *task) snapshot(now time.Time) model.TaskStatus {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.snapshotLocked(now)
}

func (t *task) snapshotLocked(now time.Time) model.TaskStatus {
	s := t.status
	switch {
	case s.Started.IsZero():
		s.Elapsed = 0
	case s.Finished.IsZero():
		s.Elapsed = now.Sub(s.Started)
	default:
		s.Elapsed = s.Finished.Sub(s.Started)
	}
	return s
}

// begin moves a queued task to running, false if it has been cancelled
// in the meantime.
func (t *task) begin(now time.Time) (model.TaskStatus, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if !t.status.State.CanTransition(model.TaskRunning) {
		return model.TaskStatus{}, false
	}
	t.status.State = model.TaskRunning
	t.status.Started = now
	t.status.Progress.Operation = "started"
	return t.snapshotLocked(now), true
}

// advance raises the progress, the percentage never decreases.
func (t *task) advance(pct float64, operation string, step int) (model.Progress, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.status.State != model.TaskRunning {
		return t.status.Progress, false
	}
	p := &t.status.Progress
	changed := pct > p.Percentage || operation != p.Operation || step > p.Step
	p.Percentage = min(max(p.Percentage, pct), 100)
	p.Step = max(p.Step, step)
	if operation != "" {
		p.Operation = operation
	}
	return *p, changed
}

func (t *task) progress() model.Progress {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.status.Progress
}

func (t *task) cancelled() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.cancelRequested
}

// terminateLocked moves the task to a terminal state, false if the
// transition is not allowed.
func (t *task) terminateLocked(state model.TaskState, detail string, steps []model.StepResult, now time.Time) (model.TaskStatus, bool) {
	if !t.status.State.CanTransition(state) || !state.Terminal() {
		return model.TaskStatus{}, false
	}
	t.status.State = state
	t.status.Finished = now
	t.status.Error = detail
	if state == model.TaskCompleted {
		t.status.Progress.Percentage = 100
		t.status.Progress.Step = len(t.steps)
	}
	t.status.Progress.Operation = string(state)
	t.result = &model.TaskResult{
		TaskID:      t.status.ID,
		SimulatorID: t.status.SimulatorID,
		Flow:        t.status.Flow,
		State:       state,
		Error:       detail,
		Finished:    now,
		Steps:       slices.Clone(steps),
	}
	return t.snapshotLocked(now), true
}

func (t *task) terminate(state model.TaskState, detail string, steps []model.StepResult, now time.Time) (model.TaskStatus, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.terminateLocked(state, detail, steps, now)
}

// plan groups the steps into batches executed one after another. Consecutive
// parallel-compatible steps share a batch unless one of them depends on
// another, batching is off for engines which are not safe for concurrent use.
func plan(steps []model.ProcessStep, concurrent bool) [][]model.ProcessStep {
	var batches [][]model.ProcessStep
	var current []model.ProcessStep
	names := map[string]struct{}{}

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
		}
		current = nil
		clear(names)
	}

	for _, s := range steps {
		if !concurrent || !s.Parallel || !joinable(current, names, s) {
			flush()
		}
		current = append(current, s)
		names[s.Name] = struct{}{}
	}
	flush()
	return batches
}

func joinable(batch []model.ProcessStep, names map[string]struct{}, s model.ProcessStep) bool {
	if len(batch) == 0 || !batch[0].Parallel {
		return false
	}
	for _, pre := range s.Prerequisites {
		if _, ok := names[pre]; ok {
			return false
		}
	}
	return true
}
