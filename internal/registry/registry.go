// Package registry owns the live simulator handles.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/engine"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/validate"
	"github.com/google/uuid"
)

// Tasks is the part of the scheduler the registry needs to keep the task
// lifecycle consistent with the simulator lifecycle.
type Tasks interface {
	// CancelSimulator refuses new tasks for the simulator, cancels the
	// unfinished ones and waits until none of them is running.
	CancelSimulator(ctx context.Context, simulatorID string) error
	// Active reports whether the simulator has an unfinished task.
	Active(simulatorID string) bool
	// Release is called once the simulator is gone.
	Release(simulatorID string)
}

// Handle is one simulator: its configuration, the step list and the engine
// instance. All accessors return copies.
type Handle struct {
	id      string
	created time.Time

	mx     sync.RWMutex
	cfg    model.SimulatorConfig
	steps  []model.ProcessStep
	engine engine.Engine
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Created() time.Time { return h.created }

func (h *Handle) Config() model.SimulatorConfig {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.cfg.Clone()
}

func (h *Handle) Steps() []model.ProcessStep {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return slices.Clone(h.steps)
}

// Snapshot returns a consistent view for executing the current step list.
func (h *Handle) Snapshot() (model.SimulatorConfig, []model.ProcessStep, engine.Engine) {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return h.cfg.Clone(), slices.Clone(h.steps), h.engine
}

func (h *Handle) Info() model.SimulatorInfo {
	cfg, steps, _ := h.Snapshot()
	return model.SimulatorInfo{
		ID:      h.id,
		Created: h.created,
		Config:  cfg,
		Steps:   steps,
	}
}

type Registry struct {
	gate    *validate.Gate
	factory engine.Factory
	now     func() time.Time

	mx      sync.RWMutex
	handles map[string]*Handle
	tasks   Tasks
}

func New(gate *validate.Gate, factory engine.Factory) *Registry {
	return &Registry{
		gate:    gate,
		factory: factory,
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
}

// SetTasks binds the scheduler, it must be called before the registry is used
// concurrently.
func (r *Registry) SetTasks(t Tasks) {
	r.mx.Lock()
	r.tasks = t
	r.mx.Unlock()
}

func (r *Registry) taskSet() Tasks {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.tasks
}

// Create validates the configuration, applies defaults and creates a new
// simulator with its own engine instance.
func (r *Registry) Create(ctx context.Context, cfg model.SimulatorConfig) (*Handle, error) {
	cfg, err := r.gate.NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := r.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	h := &Handle{
		id:      uuid.NewString(),
		created: r.now().UTC(),
		cfg:     cfg,
		engine:  eng,
	}

	r.mx.Lock()
	r.handles[h.id] = h
	r.mx.Unlock()

	slog.InfoContext(ctx, "simulator created", "simulator_id", h.id, "width", cfg.Width, "height", cfg.Height)
	return h, nil
}

func (r *Registry) Get(id string) (*Handle, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, model.NotFound("simulator", id)
	}
	return h, nil
}

// List returns all simulators, oldest first.
func (r *Registry) List() []model.SimulatorInfo {
	r.mx.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mx.RUnlock()

	slices.SortFunc(handles, func(a, b *Handle) int {
		return cmp.Or(a.created.Compare(b.created), cmp.Compare(a.id, b.id))
	})
	ret := make([]model.SimulatorInfo, 0, len(handles))
	for _, h := range handles {
		ret = append(ret, h.Info())
	}
	return ret
}

// Delete cancels the tasks of the simulator, waits until none of them runs
// and only then removes the simulator. If the wait is interrupted by ctx the
// simulator stays registered but refuses new tasks.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	tasks := r.taskSet()
	if tasks != nil {
		if err := tasks.CancelSimulator(ctx, id); err != nil {
			return fmt.Errorf("cancelling tasks of simulator %s: %w", id, err)
		}
	}

	r.mx.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mx.Unlock()
	if !ok {
		// lost the race with a concurrent delete
		return model.NotFound("simulator", id)
	}

	h.mx.Lock()
	eng := h.engine
	h.engine = nil
	h.mx.Unlock()
	if err := engine.Close(eng); err != nil {
		slog.WarnContext(ctx, "closing engine", "simulator_id", id, "error", err)
	}
	if tasks != nil {
		tasks.Release(id)
	}
	slog.InfoContext(ctx, "simulator deleted", "simulator_id", id)
	return nil
}

// AddStep validates the step on its own and together with the steps already
// added. The step is appended only if both pass.
func (r *Registry) AddStep(ctx context.Context, id string, spec model.StepSpec) (model.ProcessStep, error) {
	h, err := r.Get(id)
	if err != nil {
		return model.ProcessStep{}, err
	}
	step, err := r.gate.ValidateStep(spec)
	if err != nil {
		return model.ProcessStep{}, err
	}

	h.mx.Lock()
	defer h.mx.Unlock()
	flow := append(slices.Clone(h.steps), step)
	if err := r.gate.ValidateFlow(h.cfg, flow); err != nil {
		return model.ProcessStep{}, err
	}
	h.steps = flow
	slog.DebugContext(ctx, "step added", "simulator_id", id, "step", step.Name, "kind", step.Kind)
	return step, nil
}

// UpdateConfig replaces the configuration and the engine instance. It's
// refused while the simulator has an unfinished task.
func (r *Registry) UpdateConfig(ctx context.Context, id string, cfg model.SimulatorConfig) (model.SimulatorConfig, error) {
	h, err := r.Get(id)
	if err != nil {
		return model.SimulatorConfig{}, err
	}
	cfg, err = r.gate.NormalizeConfig(cfg)
	if err != nil {
		return model.SimulatorConfig{}, err
	}

	h.mx.Lock()
	defer h.mx.Unlock()
	if tasks := r.taskSet(); tasks != nil && tasks.Active(id) {
		return model.SimulatorConfig{}, fmt.Errorf("simulator %s: %w", id, model.ErrTaskInProgress)
	}
	if err := r.gate.ValidateFlow(cfg, h.steps); err != nil {
		return model.SimulatorConfig{}, err
	}
	eng, err := r.factory(ctx, cfg)
	if err != nil {
		return model.SimulatorConfig{}, fmt.Errorf("creating engine: %w", err)
	}
	old := h.engine
	h.cfg = cfg
	h.engine = eng
	if err := engine.Close(old); err != nil {
		slog.WarnContext(ctx, "closing engine", "simulator_id", id, "error", err)
	}
	return cfg.Clone(), nil
}

// Close deletes all simulators, used on shutdown.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, info := range r.List() {
		if err := r.Delete(ctx, info.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
