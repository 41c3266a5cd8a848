package service_test

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/client"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/service"

	"github.com/stretchr/testify/require"
)

func config(t *testing.T, yaml string) model.Config {
	t.Helper()
	cfg, err := model.LoadConfig(strings.NewReader(yaml))
	require.NoError(t, err)
	return cfg
}

// serve runs the supervisor on a random port, the returned function stops it.
func serve(t *testing.T, cfg model.Config) (*client.Client, func()) {
	t.Helper()
	supervisor, err := service.New(t.Context(), cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.WithoutCancel(t.Context()))
	errs := make(chan error, 1)
	go func() {
		errs <- supervisor.Serve(ctx, ln)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-errs)
		})
	}
	t.Cleanup(stop)

	c, err := client.New("http://"+ln.Addr().String(), client.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	return c, stop
}

var oxidation = model.StepSpec{
	Kind:   "oxidation",
	Name:   "gate",
	Params: map[string]any{"temperature": 1000, "time": 0.5, "atmosphere": "dry"},
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	db := filepath.Join(t.TempDir(), "history.db")
	cfg := config(t, `
version: 0
service:
  log: discard
history:
  enabled: true
  path: `+db+`
`)
	c, stop := serve(t, cfg)
	require.NoError(t, c.Health(t.Context()))

	run, err := c.RunSimple(t.Context(), model.SimulatorConfig{Width: 50, Height: 50}, []model.StepSpec{oxidation}, client.RunOptions{Wait: true})
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, run.Status.State)
	require.NotEmpty(t, run.Result["steps"])

	require.Eventually(t, func() bool {
		rec, err := c.History(t.Context(), run.Status.ID)
		return err == nil && rec.State == model.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// simulators are deleted and running tasks cancelled on shutdown
	info, err := c.CreateSimulator(t.Context(), model.SimulatorConfig{Width: 10, Height: 10})
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)
	stop()

	err = c.Health(t.Context())
	var cerr *client.Error
	require.ErrorAs(t, err, &cerr)
	require.Zero(t, cerr.StatusCode)
}

func TestRetention(t *testing.T) {
	t.Parallel()
	cfg := config(t, `
version: 0
retention:
  ttl: PT0S
  schedule:
    duration: PT0.05S
`)
	c, _ := serve(t, cfg)

	run, err := c.RunSimple(t.Context(), model.SimulatorConfig{Width: 50, Height: 50}, []model.StepSpec{oxidation}, client.RunOptions{Wait: true})
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, run.Status.State)

	require.Eventually(t, func() bool {
		_, err := c.Status(t.Context(), run.Status.ID)
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
	_, err = c.Status(t.Context(), run.Status.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestNew(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func() model.Config
		then     string
	}{
		{
			scenario: "unsupported version",
			given: func() model.Config {
				cfg := model.DefaultConfig(t.Context())
				cfg.Version = 1
				return cfg
			},
			then: "config version 1 is not supported",
		},
		{
			scenario: "exec engine without command",
			given: func() model.Config {
				cfg := model.DefaultConfig(t.Context())
				cfg.Engine.Kind = model.EngineExec
				return cfg
			},
			then: "initializing engine",
		},
		{
			scenario: "history in missing directory",
			given: func() model.Config {
				cfg := model.DefaultConfig(t.Context())
				cfg.History = &model.History{Enabled: true, Path: filepath.Join(t.TempDir(), "missing", "h.db")}
				return cfg
			},
			then: "opening task history",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.New(t.Context(), tc.given())
			require.ErrorContains(t, err, tc.then)
		})
	}
}
