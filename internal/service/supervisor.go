package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Fabsim/internal/engine"
	"github.com/CZERTAINLY/Fabsim/internal/hub"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/registry"
	"github.com/CZERTAINLY/Fabsim/internal/scheduler"
	"github.com/CZERTAINLY/Fabsim/internal/server"
	"github.com/CZERTAINLY/Fabsim/internal/store"
	"github.com/CZERTAINLY/Fabsim/internal/validate"
)

type Supervisor struct {
	cfg       model.Config
	registry  *registry.Registry
	hub       *hub.Hub
	scheduler *scheduler.Scheduler
	history   *store.History
	server    *server.Server
	sweeper   gocron.Scheduler
	ttl       time.Duration
}

func New(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}

	factory, err := engine.NewFactory(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}

	s := &Supervisor{
		cfg: cfg,
		hub: hub.New(),
		ttl: model.Duration(cfg.Retention.TTL),
	}

	gate := validate.New(cfg.Limits)
	s.registry = registry.New(gate, factory)

	opts := scheduler.OptionsFrom(cfg.Scheduler)
	deps := server.Deps{Gate: gate, Registry: s.registry, Hub: s.hub}
	if cfg.History != nil && cfg.History.Enabled {
		s.history, err = store.Open(ctx, cfg.History.Path)
		if err != nil {
			return nil, err
		}
		opts.History = s.history
		deps.History = s.history
		slog.DebugContext(ctx, "task history enabled", "path", cfg.History.Path)
	}
	s.scheduler = scheduler.New(s.registry, s.hub, opts)
	s.registry.SetTasks(s.scheduler)
	deps.Scheduler = s.scheduler

	s.server = server.New(deps, server.Options{AllowedOrigins: cfg.Server.AllowedOrigins})

	s.sweeper, err = newSweeper(ctx, cfg.Retention.SweepSchedule(), func() { s.sweep(ctx) })
	if err != nil {
		s.closeHistory(ctx)
		return nil, fmt.Errorf("retention sweeper: %w", err)
	}
	return s, nil
}

// Do listens on server.listen and runs the control plane until ctx is
// cancelled.
func (s *Supervisor) Do(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the control plane on ln until ctx is cancelled. Returns nil on
// graceful cancellation.
func (s *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	slog.DebugContext(ctx, "starting a supervisor")

	s.sweeper.Start()
	defer func() {
		if err := s.sweeper.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()
	defer s.closeHistory(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Do(gctx)
	})
	g.Go(func() error {
		return s.server.Serve(gctx, ln, model.Duration(s.cfg.Server.ShutdownTimeout))
	})
	err := g.Wait()

	// tasks are terminal once the scheduler returned
	if cerr := s.registry.Close(context.WithoutCancel(ctx)); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing simulators: %w", cerr))
	}
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "supervisor stopped")
	return nil
}

func (s *Supervisor) sweep(ctx context.Context) {
	if n := s.scheduler.Sweep(ctx, s.ttl); n > 0 {
		slog.DebugContext(ctx, "finished tasks forgotten", "count", n, "ttl", s.ttl.String())
	}
}

func (s *Supervisor) closeHistory(ctx context.Context) {
	if s.history == nil {
		return
	}
	if err := s.history.Close(); err != nil {
		slog.ErrorContext(ctx, "closing task history has failed", "error", err)
	}
	s.history = nil
}
