// Package scheduler executes the step list of a simulator in the background.
//
// Start only enqueues a task into a bounded queue and returns, a fixed pool
// of workers started by Do picks the tasks up. Every task follows the state
// machine
//
//	created -> running -> completed | failed | cancelled
//	created -> cancelled
//
// Cancellation is cooperative: a cancel request is observed at the next step
// boundary, the engine call in progress is allowed to finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/engine"
	"github.com/CZERTAINLY/Fabsim/internal/hub"
	"github.com/CZERTAINLY/Fabsim/internal/log"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/parallel"
	"github.com/CZERTAINLY/Fabsim/internal/registry"
	"github.com/google/uuid"
)

const (
	defaultWorkers   = 4
	defaultQueue     = 128
	defaultHeartbeat = time.Second
)

var errCancelled = errors.New("cancel requested")

// Lookup finds the simulator a task is started for.
type Lookup interface {
	Get(id string) (*registry.Handle, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic hub.Topic, ev model.Event) int
}

// History records task starts and finishes.
type History interface {
	Started(ctx context.Context, status model.TaskStatus) error
	Finished(ctx context.Context, status model.TaskStatus) error
}

type Options struct {
	Workers   int
	Queue     int
	Heartbeat time.Duration
	History   History
	Now       func() time.Time
}

// OptionsFrom converts the scheduler section of the configuration.
func OptionsFrom(cfg model.Scheduler) Options {
	return Options{
		Workers:   cfg.Workers,
		Queue:     cfg.Queue,
		Heartbeat: model.Duration(cfg.Heartbeat),
	}
}

type Scheduler struct {
	lookup    Lookup
	publisher Publisher
	history   History
	workers   int
	heartbeat time.Duration
	now       func() time.Time

	queue chan *task

	mx     sync.Mutex
	tasks  map[string]*task
	active map[string]string   // simulator id -> unfinished task id
	closed map[string]struct{} // simulators being deleted
}

func New(lookup Lookup, publisher Publisher, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Queue <= 0 {
		opts.Queue = defaultQueue
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		lookup:    lookup,
		publisher: publisher,
		history:   opts.History,
		workers:   opts.Workers,
		heartbeat: opts.Heartbeat,
		now:       func() time.Time { return opts.Now().UTC() },
		queue:     make(chan *task, opts.Queue),
		tasks:     make(map[string]*task),
		active:    make(map[string]string),
		closed:    make(map[string]struct{}),
	}
}

// Start enqueues the current step list of a simulator and returns the status
// of the new task. It never waits for the execution.
func (s *Scheduler) Start(ctx context.Context, simulatorID, flow string) (model.TaskStatus, error) {
	h, err := s.lookup.Get(simulatorID)
	if err != nil {
		return model.TaskStatus{}, err
	}
	_, steps, eng := h.Snapshot()
	if len(steps) == 0 {
		return model.TaskStatus{}, model.Invalid("steps", 0, model.ConstraintRequired, nil,
			"simulator %s has no steps to run", simulatorID)
	}
	if eng == nil {
		return model.TaskStatus{}, model.NotFound("simulator", simulatorID)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.closed[simulatorID]; ok {
		return model.TaskStatus{}, model.NotFound("simulator", simulatorID)
	}
	// a delete may have completed since the snapshot
	if cur, err := s.lookup.Get(simulatorID); err != nil || cur != h {
		return model.TaskStatus{}, model.NotFound("simulator", simulatorID)
	}
	if id, ok := s.active[simulatorID]; ok {
		return model.TaskStatus{}, fmt.Errorf("simulator %s runs task %s: %w", simulatorID, id, model.ErrTaskInProgress)
	}

	t := newTask(uuid.NewString(), simulatorID, flow, steps, eng, s.now())
	select {
	case s.queue <- t:
	default:
		return model.TaskStatus{}, model.ErrQueueFull
	}
	s.tasks[t.id()] = t
	s.active[simulatorID] = t.id()

	slog.InfoContext(ctx, "task queued", "task_id", t.id(), "simulator_id", simulatorID, "steps", len(steps))
	return t.snapshot(s.now()), nil
}

// Do runs the workers until ctx is cancelled. Tasks still queued on exit
// are cancelled, running ones are cancelled at their next step boundary.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting scheduler", "workers", s.workers)
	var wg sync.WaitGroup
	for range s.workers {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-s.queue:
					s.run(ctx, t)
				}
			}
		})
	}
	wg.Wait()
	s.drain(context.WithoutCancel(ctx))
	slog.DebugContext(ctx, "scheduler stopped")
	return nil
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case t := <-s.queue:
			if status, ok := t.terminate(model.TaskCancelled, "scheduler stopped", nil, s.now()); ok {
				s.finished(ctx, t, status)
			}
		default:
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	ctx = log.ContextAttrs(ctx,
		slog.String("task_id", t.id()),
		slog.String("simulator_id", t.simulatorID()),
	)
	status, ok := t.begin(s.now())
	if !ok {
		// cancelled while queued
		return
	}
	slog.InfoContext(ctx, "task started")
	s.record(ctx, status, false)
	s.publish(ctx, t, model.StatusEvent(t.id(), model.TaskRunning, "", s.now()), true)
	s.publish(ctx, t, model.ProgressEvent(t.id(), t.progress(), s.now()), false)

	results, err := s.execute(ctx, t)

	var state model.TaskState
	var detail string
	switch {
	case err == nil:
		state = model.TaskCompleted
	case errors.Is(err, errCancelled), ctx.Err() != nil:
		state, detail = model.TaskCancelled, "cancelled"
	default:
		state, detail = model.TaskFailed, err.Error()
	}
	final, ok := t.terminate(state, detail, results, s.now())
	if !ok {
		return
	}
	s.finished(context.WithoutCancel(ctx), t, final)
}

// execute runs the batches of steps and checks for cancellation between
// them, including after the last one.
func (s *Scheduler) execute(ctx context.Context, t *task) (results []model.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	total := len(t.steps)
	done := 0
	for _, batch := range plan(t.steps, engine.IsConcurrent(t.engine)) {
		if t.cancelled() {
			return results, errCancelled
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		out, err := s.batch(ctx, t, batch, done, total)
		results = append(results, out...)
		if err != nil {
			return results, err
		}
		done += len(batch)
		last := batch[len(batch)-1]
		if p, changed := t.advance(percent(float64(done), total), "finished "+last.Name, done); changed {
			s.publish(ctx, t, model.ProgressEvent(t.id(), p, s.now()), false)
		}
	}
	if t.cancelled() {
		return results, errCancelled
	}
	return results, nil
}

// batch applies the steps of one batch concurrently and publishes heartbeat
// progress until all of them are done.
func (s *Scheduler) batch(ctx context.Context, t *task, batch []model.ProcessStep, done, total int) ([]model.StepResult, error) {
	var mx sync.Mutex
	fractions := make([]float64, len(batch))
	report := func(i int) engine.ProgressFunc {
		return func(f float64, operation string) {
			mx.Lock()
			fractions[i] = max(fractions[i], min(f, 1))
			sum := 0.0
			for _, x := range fractions {
				sum += x
			}
			mx.Unlock()
			t.advance(percent(float64(done)+sum, total), operation, done)
		}
	}

	apply := func(ctx context.Context, i int) (model.StepResult, error) {
		step := batch[i]
		t.advance(percent(float64(done), total), fmt.Sprintf("%s %s", step.Kind, step.Name), done)
		out, err := safeRun(ctx, t.engine, step, report(i))
		if err != nil {
			return model.StepResult{}, err
		}
		return model.StepResult{Name: step.Name, Kind: step.Kind, Outputs: out}, nil
	}

	type outcome struct {
		results []model.StepResult
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		if len(batch) == 1 {
			r, err := apply(ctx, 0)
			if err != nil {
				ch <- outcome{err: err}
				return
			}
			ch <- outcome{results: []model.StepResult{r}}
			return
		}
		rs, err := parallel.All(ctx, len(batch), indexes(len(batch)), apply)
		ok := make([]model.StepResult, 0, len(rs))
		for _, r := range rs {
			if r.Name != "" {
				ok = append(ok, r)
			}
		}
		ch <- outcome{results: ok, err: err}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case o := <-ch:
			return o.results, o.err
		case <-ticker.C:
			s.publish(ctx, t, model.ProgressEvent(t.id(), t.progress(), s.now()), false)
		}
	}
}

func safeRun(ctx context.Context, e engine.Engine, step model.ProcessStep, progress engine.ProgressFunc) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.EngineError{Step: step.Name, Message: fmt.Sprintf("engine panic: %v", r)}
		}
	}()
	return engine.Run(ctx, e, step, progress)
}

func indexes(n int) []int {
	ret := make([]int, n)
	for i := range ret {
		ret[i] = i
	}
	return ret
}

func percent(done float64, total int) float64 {
	if total == 0 {
		return 100
	}
	return done / float64(total) * 100
}

// finished runs the bookkeeping of a task which reached a terminal state.
// The final status event is the last event of the task.
func (s *Scheduler) finished(ctx context.Context, t *task, status model.TaskStatus) {
	s.mx.Lock()
	if s.active[status.SimulatorID] == status.ID {
		delete(s.active, status.SimulatorID)
	}
	s.mx.Unlock()

	s.publish(ctx, t, model.StatusEvent(status.ID, status.State, status.Error, status.Finished), true)
	s.record(ctx, status, true)
	close(t.done)

	slog.InfoContext(ctx, "task finished",
		"task_id", status.ID,
		"simulator_id", status.SimulatorID,
		"state", status.State,
		"elapsed", status.Elapsed,
		"error", status.Error,
	)
}

func (s *Scheduler) publish(ctx context.Context, t *task, ev model.Event, global bool) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, hub.TaskTopic(t.id()), ev)
	if global {
		s.publisher.Publish(ctx, hub.GlobalStatus, ev)
	}
}

func (s *Scheduler) record(ctx context.Context, status model.TaskStatus, finished bool) {
	if s.history == nil {
		return
	}
	var err error
	if finished {
		err = s.history.Finished(ctx, status)
	} else {
		err = s.history.Started(ctx, status)
	}
	if err != nil {
		slog.WarnContext(ctx, "recording task history", "task_id", status.ID, "error", err)
	}
}

func (s *Scheduler) task(id string) (*task, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, model.NotFound("task", id)
	}
	return t, nil
}

// Status returns the current snapshot of a task, it never blocks on the
// execution.
func (s *Scheduler) Status(id string) (model.TaskStatus, error) {
	t, err := s.task(id)
	if err != nil {
		return model.TaskStatus{}, err
	}
	return t.snapshot(s.now()), nil
}

// Result returns the outputs of a finished task.
func (s *Scheduler) Result(id string) (model.TaskResult, error) {
	t, err := s.task(id)
	if err != nil {
		return model.TaskResult{}, err
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.result == nil {
		return model.TaskResult{}, fmt.Errorf("task %s is %s: %w", id, t.status.State, model.ErrNotFinished)
	}
	return *t.result, nil
}

// Steps returns the step list the task was started with.
func (s *Scheduler) Steps(id string) ([]model.ProcessStep, error) {
	t, err := s.task(id)
	if err != nil {
		return nil, err
	}
	return append([]model.ProcessStep(nil), t.steps...), nil
}

// Cancel cancels a queued task immediately and asks a running one to stop
// at the next step boundary.
func (s *Scheduler) Cancel(ctx context.Context, id string) (model.TaskStatus, error) {
	t, err := s.task(id)
	if err != nil {
		return model.TaskStatus{}, err
	}

	t.mx.Lock()
	switch t.status.State {
	case model.TaskCreated:
		status, _ := t.terminateLocked(model.TaskCancelled, "cancelled before start", nil, s.now())
		t.mx.Unlock()
		s.finished(ctx, t, status)
		return status, nil
	case model.TaskRunning:
		t.cancelRequested = true
		status := t.snapshotLocked(s.now())
		t.mx.Unlock()
		slog.InfoContext(ctx, "task cancel requested", "task_id", id)
		return status, nil
	default:
		state := t.status.State
		t.mx.Unlock()
		return model.TaskStatus{}, fmt.Errorf("task %s is %s: %w", id, state, model.ErrAlreadyTerminal)
	}
}

// Wait blocks until the task reaches a terminal state.
func (s *Scheduler) Wait(ctx context.Context, id string) (model.TaskStatus, error) {
	t, err := s.task(id)
	if err != nil {
		return model.TaskStatus{}, err
	}
	select {
	case <-ctx.Done():
		return model.TaskStatus{}, ctx.Err()
	case <-t.done:
		return t.snapshot(s.now()), nil
	}
}

// CancelSimulator refuses new tasks of the simulator, cancels its unfinished
// task and waits until the task is terminal.
func (s *Scheduler) CancelSimulator(ctx context.Context, simulatorID string) error {
	s.mx.Lock()
	s.closed[simulatorID] = struct{}{}
	id, ok := s.active[simulatorID]
	s.mx.Unlock()
	if !ok {
		return nil
	}

	if _, err := s.Cancel(ctx, id); err != nil && !errors.Is(err, model.ErrAlreadyTerminal) {
		return err
	}
	_, err := s.Wait(ctx, id)
	return err
}

func (s *Scheduler) Active(simulatorID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.active[simulatorID]
	return ok
}

func (s *Scheduler) Release(simulatorID string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.closed, simulatorID)
}

// Sweep forgets terminal tasks finished more than ttl ago and returns their
// number.
func (s *Scheduler) Sweep(ctx context.Context, ttl time.Duration) int {
	deadline := s.now().Add(-ttl)
	s.mx.Lock()
	defer s.mx.Unlock()
	var n int
	for id, t := range s.tasks {
		status := t.snapshot(deadline)
		if status.State.Terminal() && status.Finished.Before(deadline) {
			delete(s.tasks, id)
			n++
		}
	}
	if n > 0 {
		slog.DebugContext(ctx, "swept finished tasks", "count", n)
	}
	return n
}
