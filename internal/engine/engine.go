// Package engine is the boundary to the computation engine. The engine is
// opaque: it gets one validated step at a time and reports either the step
// outputs or a failure message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/CZERTAINLY/Fabsim/internal/model"
)

// ProgressFunc reports progress within a single step, fraction is 0..1.
type ProgressFunc func(fraction float64, operation string)

// Output is the outcome of one Apply call.
type Output struct {
	Success bool           `json:"success"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Message string         `json:"message,omitempty"`
}

type Engine interface {
	Apply(ctx context.Context, step model.ProcessStep, progress ProgressFunc) (Output, error)
}

// Factory creates an engine instance owned by one simulator.
type Factory func(ctx context.Context, cfg model.SimulatorConfig) (Engine, error)

// NewFactory returns the factory for the configured engine kind.
func NewFactory(cfg model.Engine) (Factory, error) {
	switch cfg.Kind {
	case model.EngineReference, "":
		delay := model.Duration(cfg.StepDelay)
		return func(_ context.Context, sc model.SimulatorConfig) (Engine, error) {
			return NewReference(sc, delay), nil
		}, nil
	case model.EngineExec:
		if cfg.Command == nil {
			return nil, errors.New("exec engine: command is not configured")
		}
		cmd := CommandFrom(*cfg.Command)
		return func(_ context.Context, sc model.SimulatorConfig) (Engine, error) {
			return NewExec(cmd, sc), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine kind %q", cfg.Kind)
	}
}

// Run applies a step and turns an unsuccessful outcome into
// *model.EngineError carrying the engine message verbatim. Context errors
// are returned as they are.
func Run(ctx context.Context, e Engine, step model.ProcessStep, progress ProgressFunc) (map[string]any, error) {
	if progress == nil {
		progress = func(float64, string) {}
	}
	out, err := e.Apply(ctx, step, progress)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, &model.EngineError{Step: step.Name, Message: err.Error()}
	case !out.Success:
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("step %s failed", step.Name)
		}
		return nil, &model.EngineError{Step: step.Name, Message: msg}
	}
	if out.Outputs == nil {
		out.Outputs = map[string]any{}
	}
	return out.Outputs, nil
}

// IsConcurrent reports whether Apply can be called from multiple goroutines.
func IsConcurrent(e Engine) bool {
	c, ok := e.(interface{ Concurrent() bool })
	return ok && c.Concurrent()
}

// Close releases engine resources, if it has any.
func Close(e Engine) error {
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
