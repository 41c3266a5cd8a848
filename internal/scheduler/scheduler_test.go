package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/engine"
	"github.com/CZERTAINLY/Fabsim/internal/hub"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/registry"
	"github.com/CZERTAINLY/Fabsim/internal/scheduler"
	"github.com/CZERTAINLY/Fabsim/internal/validate"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	reg   *registry.Registry
	hub   *hub.Hub
	sched *scheduler.Scheduler
}

func newEnv(t *testing.T, delay time.Duration, opts scheduler.Options) env {
	t.Helper()
	cfg := model.DefaultConfig(t.Context())
	factory, err := engine.NewFactory(model.Engine{Kind: model.EngineReference})
	require.NoError(t, err)
	if delay > 0 {
		factory = func(_ context.Context, sc model.SimulatorConfig) (engine.Engine, error) {
			return engine.NewReference(sc, delay), nil
		}
	}
	reg := registry.New(validate.New(cfg.Limits), factory)
	h := hub.New()
	sched := scheduler.New(reg, h, opts)
	reg.SetTasks(sched)
	return env{reg: reg, hub: h, sched: sched}
}

// run starts the workers, the returned function stops them.
func (e env) run(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = e.sched.Do(ctx)
	})
	return func() {
		cancel()
		wg.Wait()
	}
}

func (e env) simulator(t *testing.T, steps ...model.StepSpec) string {
	t.Helper()
	h, err := e.reg.Create(t.Context(), model.SimulatorConfig{Width: 50, Height: 50})
	require.NoError(t, err)
	for _, s := range steps {
		_, err := e.reg.AddStep(t.Context(), h.ID(), s)
		require.NoError(t, err)
	}
	return h.ID()
}

func oxidation(name string) model.StepSpec {
	return model.StepSpec{
		Kind:   "oxidation",
		Name:   name,
		Params: map[string]any{"temperature": 1000, "time": 0.5, "atmosphere": "dry"},
	}
}

func inspection(name string, parallel bool) model.StepSpec {
	return model.StepSpec{Kind: "inspection", Name: name, Parallel: parallel}
}

func events(s *hub.ChanSink) []model.Event {
	var ret []model.Event
	for {
		select {
		case ev := <-s.C():
			ret = append(ret, ev)
		default:
			return ret
		}
	}
}

func TestCompleted(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0, scheduler.Options{})
	defer e.run(t.Context())()

	id := e.simulator(t, oxidation("gate"), inspection("check", false))
	status, err := e.sched.Start(t.Context(), id, "demo")
	require.NoError(t, err)
	require.Equal(t, model.TaskCreated, status.State)
	require.Equal(t, "demo", status.Flow)

	final, err := e.sched.Wait(t.Context(), status.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, final.State)
	require.Equal(t, 100.0, final.Progress.Percentage)
	require.Empty(t, final.Error)

	result, err := e.sched.Result(status.ID)
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
	require.Equal(t, "gate", result.Steps[0].Name)
	require.NotEmpty(t, result.Steps[0].Outputs)

	// terminal state is absorbing
	for range 3 {
		again, err := e.sched.Status(status.ID)
		require.NoError(t, err)
		require.Equal(t, model.TaskCompleted, again.State)
	}
	_, err = e.sched.Cancel(t.Context(), status.ID)
	require.ErrorIs(t, err, model.ErrAlreadyTerminal)

	// a new task can be started once the previous one finished
	second, err := e.sched.Start(t.Context(), id, "")
	require.NoError(t, err)
	require.NotEqual(t, status.ID, second.ID)
	_, err = e.sched.Wait(t.Context(), second.ID)
	require.NoError(t, err)
}

func TestEvents(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, 10*time.Second, scheduler.Options{Heartbeat: time.Second})
		id := e.simulator(t, oxidation("gate"))

		status, err := e.sched.Start(t.Context(), id, "")
		require.NoError(t, err)

		sink := hub.NewChanSink(1024)
		e.hub.Subscribe(hub.TaskTopic(status.ID), sink)
		global := hub.NewChanSink(1024)
		e.hub.Subscribe(hub.GlobalStatus, global)

		stop := e.run(t.Context())
		defer stop()

		_, err = e.sched.Wait(t.Context(), status.ID)
		require.NoError(t, err)

		got := events(sink)
		require.NotEmpty(t, got)
		last := got[len(got)-1]
		require.Equal(t, model.EventStatus, last.Type)
		require.Equal(t, model.TaskCompleted, last.Status)

		var progress []float64
		var terminal int
		for _, ev := range got {
			require.Equal(t, status.ID, ev.TaskID)
			switch ev.Type {
			case model.EventProgress:
				require.Zero(t, terminal, "progress after the terminal status")
				progress = append(progress, *ev.Percentage)
			case model.EventStatus:
				if ev.Status.Terminal() {
					terminal++
				}
			}
		}
		require.Equal(t, 1, terminal)
		require.GreaterOrEqual(t, len(progress), 5, "heartbeat progress during the long step")
		require.IsNonDecreasing(t, progress)
		require.Equal(t, 100.0, progress[len(progress)-1])

		statuses := events(global)
		require.Len(t, statuses, 2)
		require.Equal(t, model.TaskRunning, statuses[0].Status)
		require.Equal(t, model.TaskCompleted, statuses[1].Status)
	})
}

func TestFailed(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0, scheduler.Options{})
	defer e.run(t.Context())()

	id := e.simulator(t,
		oxidation("gate"),
		model.StepSpec{Kind: "custom", Name: "boom", Params: map[string]any{"operation": "fail", "message": "furnace on fire"}},
		inspection("never", false),
	)
	status, err := e.sched.Start(t.Context(), id, "")
	require.NoError(t, err)

	final, err := e.sched.Wait(t.Context(), status.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, final.State)
	require.Equal(t, "furnace on fire", final.Error)

	result, err := e.sched.Result(status.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, result.State)
	require.Len(t, result.Steps, 1, "the failed step and the rest are not run")
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, 10*time.Second, scheduler.Options{})
		stop := e.run(t.Context())
		defer stop()

		id := e.simulator(t, oxidation("one"), oxidation("two"), oxidation("three"))
		status, err := e.sched.Start(t.Context(), id, "")
		require.NoError(t, err)

		time.Sleep(5 * time.Second)
		running, err := e.sched.Status(status.ID)
		require.NoError(t, err)
		require.Equal(t, model.TaskRunning, running.State)
		require.Equal(t, 5*time.Second, running.Elapsed)
		require.True(t, e.sched.Active(id))

		_, err = e.sched.Cancel(t.Context(), status.ID)
		require.NoError(t, err)

		final, err := e.sched.Wait(t.Context(), status.ID)
		require.NoError(t, err)
		require.Equal(t, model.TaskCancelled, final.State)
		// the step in progress finishes, the cancellation is observed after it
		require.Equal(t, 10*time.Second, final.Elapsed)
		require.False(t, e.sched.Active(id))

		result, err := e.sched.Result(status.ID)
		require.NoError(t, err)
		require.Len(t, result.Steps, 1)
	})
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0, scheduler.Options{})
	id := e.simulator(t, oxidation("gate"))

	status, err := e.sched.Start(t.Context(), id, "")
	require.NoError(t, err)

	_, err = e.sched.Result(status.ID)
	require.ErrorIs(t, err, model.ErrNotFinished)

	cancelled, err := e.sched.Cancel(t.Context(), status.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, cancelled.State)
	require.Zero(t, cancelled.Elapsed)

	_, err = e.sched.Cancel(t.Context(), status.ID)
	require.ErrorIs(t, err, model.ErrAlreadyTerminal)

	// the worker skips the cancelled task
	stop := e.run(t.Context())
	stop()
	final, err := e.sched.Status(status.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, final.State)

	_, err = e.sched.Cancel(t.Context(), "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.sched.Status("nope")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStartRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0, scheduler.Options{Queue: 1})

	empty := e.simulator(t)
	_, err := e.sched.Start(t.Context(), empty, "")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = e.sched.Start(t.Context(), "nope", "")
	require.ErrorIs(t, err, model.ErrNotFound)

	first := e.simulator(t, oxidation("gate"))
	_, err = e.sched.Start(t.Context(), first, "")
	require.NoError(t, err)
	_, err = e.sched.Start(t.Context(), first, "")
	require.ErrorIs(t, err, model.ErrTaskInProgress)

	second := e.simulator(t, oxidation("gate"))
	_, err = e.sched.Start(t.Context(), second, "")
	require.ErrorIs(t, err, model.ErrQueueFull)
	require.False(t, e.sched.Active(second))

	// queued tasks are cancelled on shutdown
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, e.sched.Do(ctx))
	require.False(t, e.sched.Active(first))
}

func TestDeleteCancelsRunning(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, 10*time.Second, scheduler.Options{})
		stop := e.run(t.Context())
		defer stop()

		id := e.simulator(t, oxidation("one"), oxidation("two"))
		status, err := e.sched.Start(t.Context(), id, "")
		require.NoError(t, err)
		time.Sleep(time.Second)

		require.NoError(t, e.reg.Delete(t.Context(), id))

		final, err := e.sched.Status(status.ID)
		require.NoError(t, err)
		require.Equal(t, model.TaskCancelled, final.State)
		require.Equal(t, 10*time.Second, time.Since(final.Started))

		_, err = e.reg.Get(id)
		require.ErrorIs(t, err, model.ErrNotFound)
		_, err = e.sched.Start(t.Context(), id, "")
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

// deletingLookup deletes a simulator right after handing out its handle.
type deletingLookup struct {
	t    *testing.T
	reg  *registry.Registry
	once sync.Once
}

func (l *deletingLookup) Get(id string) (*registry.Handle, error) {
	h, err := l.reg.Get(id)
	if err != nil {
		return nil, err
	}
	l.once.Do(func() {
		require.NoError(l.t, l.reg.Delete(l.t.Context(), id))
	})
	return h, nil
}

func TestStartDeletedSimulator(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())
	factory, err := engine.NewFactory(model.Engine{Kind: model.EngineReference})
	require.NoError(t, err)
	reg := registry.New(validate.New(cfg.Limits), factory)
	sched := scheduler.New(&deletingLookup{t: t, reg: reg}, hub.New(), scheduler.Options{})
	reg.SetTasks(sched)

	h, err := reg.Create(t.Context(), model.SimulatorConfig{Width: 50, Height: 50})
	require.NoError(t, err)
	_, err = reg.AddStep(t.Context(), h.ID(), oxidation("one"))
	require.NoError(t, err)

	// the simulator is gone before the task could be queued
	_, err = sched.Start(t.Context(), h.ID(), "")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.False(t, sched.Active(h.ID()))
}

func TestParallelSteps(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, 10*time.Second, scheduler.Options{})
		stop := e.run(t.Context())
		defer stop()

		dependent := inspection("d", true)
		dependent.Prerequisites = []string{"a"}
		id := e.simulator(t,
			inspection("a", true),
			inspection("b", true),
			inspection("c", true),
			dependent,
			inspection("e", false),
		)

		start := time.Now()
		status, err := e.sched.Start(t.Context(), id, "")
		require.NoError(t, err)
		final, err := e.sched.Wait(t.Context(), status.ID)
		require.NoError(t, err)
		require.Equal(t, model.TaskCompleted, final.State)
		// batches: [a b c] [d] [e]
		require.Equal(t, 30*time.Second, time.Since(start))

		result, err := e.sched.Result(status.ID)
		require.NoError(t, err)
		names := make([]string, 0, len(result.Steps))
		for _, s := range result.Steps {
			names = append(names, s.Name)
		}
		require.Equal(t, []string{"a", "b", "c", "d", "e"}, names)
	})
}

type history struct {
	mx     sync.Mutex
	states []model.TaskState
	err    error
}

func (h *history) Started(_ context.Context, s model.TaskStatus) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.states = append(h.states, s.State)
	return h.err
}

func (h *history) Finished(ctx context.Context, s model.TaskStatus) error {
	return h.Started(ctx, s)
}

func TestHistoryAndSweep(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		hist := &history{err: errors.New("disk full")}
		e := newEnv(t, 0, scheduler.Options{History: hist})
		stop := e.run(t.Context())
		defer stop()

		id := e.simulator(t, oxidation("gate"))
		status, err := e.sched.Start(t.Context(), id, "")
		require.NoError(t, err)
		_, err = e.sched.Wait(t.Context(), status.ID)
		require.NoError(t, err, "history errors are not fatal")
		require.Equal(t, []model.TaskState{model.TaskRunning, model.TaskCompleted}, hist.states)

		require.Zero(t, e.sched.Sweep(t.Context(), time.Hour))
		time.Sleep(2 * time.Hour)
		require.Equal(t, 1, e.sched.Sweep(t.Context(), time.Hour))
		_, err = e.sched.Status(status.ID)
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}
