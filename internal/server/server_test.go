package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/codec"
	"github.com/CZERTAINLY/Fabsim/internal/engine"
	"github.com/CZERTAINLY/Fabsim/internal/hub"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/registry"
	"github.com/CZERTAINLY/Fabsim/internal/scheduler"
	"github.com/CZERTAINLY/Fabsim/internal/server"
	"github.com/CZERTAINLY/Fabsim/internal/store"
	"github.com/CZERTAINLY/Fabsim/internal/validate"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	url   string
	sched *scheduler.Scheduler
	run   func()
}

// newFixture serves the API, the workers start with run.
func newFixture(t *testing.T, delay time.Duration, history *store.History) fixture {
	t.Helper()
	cfg := model.DefaultConfig(t.Context())
	factory := func(_ context.Context, sc model.SimulatorConfig) (engine.Engine, error) {
		return engine.NewReference(sc, delay), nil
	}
	gate := validate.New(cfg.Limits)
	reg := registry.New(gate, factory)
	h := hub.New()
	opts := scheduler.Options{Heartbeat: 50 * time.Millisecond}
	deps := server.Deps{Gate: gate, Registry: reg, Hub: h}
	if history != nil {
		opts.History = history
		deps.History = history
	}
	sched := scheduler.New(reg, h, opts)
	reg.SetTasks(sched)
	deps.Scheduler = sched

	srv := httptest.NewServer(server.New(deps, server.Options{}))
	ctx, cancel := context.WithCancel(context.WithoutCancel(t.Context()))
	var wg sync.WaitGroup
	var once sync.Once
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		srv.CloseClientConnections()
		srv.Close()
	})
	return fixture{
		url:   srv.URL + server.Prefix,
		sched: sched,
		run: func() {
			once.Do(func() {
				wg.Go(func() { _ = sched.Do(ctx) })
			})
		},
	}
}

func (f fixture) call(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.url+path, r)
	require.NoError(t, err)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (f fixture) ok(t *testing.T, method, path string, body any, status int) map[string]any {
	t.Helper()
	resp, raw := f.call(t, method, path, body)
	require.Equal(t, status, resp.StatusCode, string(raw))
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var ret map[string]any
	require.NoError(t, json.Unmarshal(raw, &ret))
	return ret
}

func (f fixture) problem(t *testing.T, method, path string, body any, status int) model.Problem {
	t.Helper()
	resp, raw := f.call(t, method, path, body)
	require.Equal(t, status, resp.StatusCode, string(raw))
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p model.Problem
	require.NoError(t, json.Unmarshal(raw, &p))
	require.Equal(t, status, p.Status)
	return p
}

func (f fixture) simulator(t *testing.T) string {
	t.Helper()
	body := f.ok(t, http.MethodPost, "/simulators", map[string]any{"width": 50, "height": 50}, http.StatusCreated)
	require.Equal(t, "ok", body["status"])
	return body["simulatorId"].(string)
}

func (f fixture) wait(t *testing.T, taskID string) model.TaskStatus {
	t.Helper()
	var status model.TaskStatus
	require.Eventually(t, func() bool {
		_, raw := f.call(t, http.MethodGet, "/tasks/"+taskID, nil)
		require.NoError(t, json.Unmarshal(raw, &status))
		return status.State.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return status
}

var oxidation = map[string]any{
	"kind":   "oxidation",
	"name":   "gate",
	"params": map[string]any{"temperature": 1000, "time": 0.5, "atmosphere": "dry"},
}

func TestCompletedFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)
	f.run()

	id := f.simulator(t)
	step := f.ok(t, http.MethodPost, "/simulators/"+id+"/steps", oxidation, http.StatusCreated)
	require.Equal(t, "ok", step["status"])
	require.Equal(t, "gate", step["step"].(map[string]any)["name"])

	started := f.ok(t, http.MethodPost, "/simulators/"+id+"/start", map[string]any{"flow": "demo"}, http.StatusAccepted)
	taskID := started["taskId"].(string)
	require.NotEmpty(t, taskID)

	final := f.wait(t, taskID)
	require.Equal(t, model.TaskCompleted, final.State)
	require.Equal(t, 100.0, final.Progress.Percentage)

	_, raw := f.call(t, http.MethodGet, "/tasks/"+taskID+"/result", nil)
	result, err := codec.Unmarshal(raw)
	require.NoError(t, err)
	record := result.(map[string]any)
	require.Equal(t, "completed", record["state"])
	require.IsType(t, time.Time{}, record["finished"])
	steps := record["steps"].([]any)
	require.Len(t, steps, 1)
	outputs := steps[0].(map[string]any)["outputs"].(map[string]any)
	require.NotEmpty(t, outputs)
	require.IsType(t, codec.Array{}, outputs["profile"])

	info := f.ok(t, http.MethodGet, "/simulators/"+id, nil, http.StatusOK)
	require.Len(t, info["steps"], 1)

	var testCases = []struct {
		scenario    string
		given       string
		contentType string
		contains    string
	}{
		{"default", "", "application/json", `"taskId": "` + taskID + `"`},
		{"yaml", "yaml", "application/yaml", "taskId: " + taskID},
		{"cyclonedx", "cyclonedx", "application/vnd.cyclonedx+json", `"formulation"`},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			resp, raw := f.call(t, http.MethodGet, "/tasks/"+taskID+"/export?format="+tc.given, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, tc.contentType, resp.Header.Get("Content-Type"))
			require.Contains(t, string(raw), tc.contains)
		})
	}

	p := f.problem(t, http.MethodGet, "/tasks/"+taskID+"/export?format=xml", nil, http.StatusBadRequest)
	require.Equal(t, model.CodeValidation, p.Code)

	f.ok(t, http.MethodDelete, "/simulators/"+id, nil, http.StatusOK)
	f.problem(t, http.MethodGet, "/simulators/"+id, nil, http.StatusNotFound)
}

func TestProblems(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)
	id := f.simulator(t)

	// out of range doping temperature, the step is not appended
	p := f.problem(t, http.MethodPost, "/simulators/"+id+"/steps", map[string]any{
		"kind":   "doping",
		"name":   "well",
		"params": map[string]any{"dopant": "boron", "concentration": 1e16, "temperature": 2000},
	}, http.StatusBadRequest)
	require.Equal(t, model.CodeValidation, p.Code)
	require.Len(t, p.Violations, 1)
	require.Equal(t, "temperature", p.Violations[0].Field)
	require.Equal(t, model.ConstraintMax, p.Violations[0].Constraint)
	require.Equal(t, 1200.0, p.Violations[0].Bound)
	info := f.ok(t, http.MethodGet, "/simulators/"+id, nil, http.StatusOK)
	require.Empty(t, info["steps"])

	// duplicate step name
	f.ok(t, http.MethodPost, "/simulators/"+id+"/steps", oxidation, http.StatusCreated)
	p = f.problem(t, http.MethodPost, "/simulators/"+id+"/steps", oxidation, http.StatusBadRequest)
	require.Equal(t, model.ConstraintUnique, p.Violations[0].Constraint)

	var testCases = []struct {
		scenario string
		method   string
		path     string
		body     any
		status   int
		code     string
	}{
		{"unknown simulator", http.MethodGet, "/simulators/nope", nil, http.StatusNotFound, model.CodeNotFound},
		{"unknown task", http.MethodGet, "/tasks/nope", nil, http.StatusNotFound, model.CodeNotFound},
		{"cancel unknown task", http.MethodPost, "/tasks/nope/cancel", nil, http.StatusNotFound, model.CodeNotFound},
		{"malformed json", http.MethodPost, "/simulators", `{"width":`, http.StatusBadRequest, model.CodeMalformed},
		{"unknown field", http.MethodPost, "/simulators", `{"width":5,"height":5,"colour":"red"}`, http.StatusBadRequest, model.CodeMalformed},
		{"invalid config", http.MethodPost, "/simulators", `{"width":0,"height":5}`, http.StatusBadRequest, model.CodeValidation},
		{"history disabled", http.MethodGet, "/history/nope", nil, http.StatusNotFound, model.CodeNotFound},
		{"unknown step kind", http.MethodPost, "/validate/step", `{"kind":"bake","name":"x"}`, http.StatusBadRequest, model.CodeValidation},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			p := f.problem(t, tc.method, tc.path, tc.body, tc.status)
			require.Equal(t, tc.code, p.Code)
			require.NotEmpty(t, p.Detail)
		})
	}

	empty := f.simulator(t)
	p = f.problem(t, http.MethodPost, "/simulators/"+empty+"/start", nil, http.StatusBadRequest)
	_, found := (&model.ValidationError{Violations: p.Violations}).Field("steps")
	require.True(t, found)
}

func TestConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)

	wafer := f.ok(t, http.MethodPost, "/wafers", map[string]any{"width": 10, "height": 20}, http.StatusOK)
	cfg := wafer["config"].(map[string]any)
	require.Equal(t, "silicon", cfg["material"])
	require.Equal(t, "p", cfg["dopingType"])

	id := f.simulator(t)
	updated := f.ok(t, http.MethodPut, "/simulators/"+id+"/config", map[string]any{
		"width": 100, "height": 100, "material": "germanium",
	}, http.StatusOK)
	require.Equal(t, "ok", updated["status"])

	got := f.ok(t, http.MethodGet, "/simulators/"+id+"/config", nil, http.StatusOK)
	require.Equal(t, "germanium", got["material"])
	require.EqualValues(t, 100, got["width"])

	step := f.ok(t, http.MethodPost, "/validate/step", oxidation, http.StatusOK)
	params := step["step"].(map[string]any)["params"].(map[string]any)
	require.EqualValues(t, 1, params["pressure"])

	require.Equal(t, "ok", f.ok(t, http.MethodGet, "/health", nil, http.StatusOK)["status"])
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Second, nil)
	f.run()

	id := f.simulator(t)
	f.ok(t, http.MethodPost, "/simulators/"+id+"/steps", oxidation, http.StatusCreated)
	started := f.ok(t, http.MethodPost, "/simulators/"+id+"/start", nil, http.StatusAccepted)
	taskID := started["taskId"].(string)

	p := f.problem(t, http.MethodPost, "/simulators/"+id+"/start", nil, http.StatusConflict)
	require.Equal(t, model.CodeTaskInProgress, p.Code)

	p = f.problem(t, http.MethodGet, "/tasks/"+taskID+"/result", nil, http.StatusConflict)
	require.Equal(t, model.CodeNotFinished, p.Code)

	f.ok(t, http.MethodPost, "/tasks/"+taskID+"/cancel", nil, http.StatusOK)
	final := f.wait(t, taskID)
	require.Equal(t, model.TaskCancelled, final.State)

	p = f.problem(t, http.MethodPost, "/tasks/"+taskID+"/cancel", nil, http.StatusConflict)
	require.Equal(t, model.CodeTerminal, p.Code)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	history, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	f := newFixture(t, 0, history)
	f.run()

	id := f.simulator(t)
	f.ok(t, http.MethodPost, "/simulators/"+id+"/steps", map[string]any{
		"kind":   "custom",
		"name":   "broken",
		"params": map[string]any{"operation": "fail", "message": "mesh diverged"},
	}, http.StatusCreated)
	started := f.ok(t, http.MethodPost, "/simulators/"+id+"/start", nil, http.StatusAccepted)
	taskID := started["taskId"].(string)

	final := f.wait(t, taskID)
	require.Equal(t, model.TaskFailed, final.State)
	require.Contains(t, final.Error, "mesh diverged")

	var rec store.Record
	require.Eventually(t, func() bool {
		resp, raw := f.call(t, http.MethodGet, "/history/"+taskID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(raw, &rec))
		return !rec.InProgress
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, model.TaskFailed, rec.State)
	require.NotNil(t, rec.FailureReason)
	require.Contains(t, *rec.FailureReason, "mesh diverged")
}

func dial(t *testing.T, f fixture) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.url, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func next(t *testing.T, ws *websocket.Conn) model.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ev model.Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 200*time.Millisecond, nil)
	ws := dial(t, f)

	// liveness and malformed messages keep the connection open
	require.NoError(t, ws.WriteJSON(model.Event{Type: model.EventPing}))
	require.Equal(t, model.EventPong, next(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := next(t, ws)
	require.Equal(t, model.EventError, ev.Type)
	require.Contains(t, ev.Detail, "malformed")

	require.NoError(t, ws.WriteJSON(model.Event{Type: model.EventSubscribe, Topic: "nope"}))
	require.Equal(t, model.EventError, next(t, ws).Type)

	require.NoError(t, ws.WriteJSON(model.Event{Type: model.EventUnsubscribe, SubscriptionID: "nope"}))
	require.Equal(t, model.EventError, next(t, ws).Type)

	id := f.simulator(t)
	f.ok(t, http.MethodPost, "/simulators/"+id+"/steps", oxidation, http.StatusCreated)
	f.ok(t, http.MethodPost, "/simulators/"+id+"/steps", map[string]any{"kind": "inspection", "name": "check"}, http.StatusCreated)
	started := f.ok(t, http.MethodPost, "/simulators/"+id+"/start", nil, http.StatusAccepted)
	taskID := started["taskId"].(string)

	// subscribed before the task runs
	require.NoError(t, ws.WriteJSON(model.Event{Type: model.EventSubscribe, Topic: "task:" + taskID}))
	ack := next(t, ws)
	require.Equal(t, model.EventAck, ack.Type)
	require.Equal(t, "task:"+taskID, ack.Topic)
	require.NotEmpty(t, ack.SubscriptionID)
	f.run()

	var received []model.Event
	for {
		ev := next(t, ws)
		require.Equal(t, taskID, ev.TaskID)
		require.Equal(t, ack.SubscriptionID, ev.SubscriptionID)
		received = append(received, ev)
		if ev.Type == model.EventStatus && ev.Status.Terminal() {
			break
		}
	}

	var progress []float64
	for _, ev := range received {
		if ev.Type == model.EventProgress {
			require.NotNil(t, ev.Percentage)
			progress = append(progress, *ev.Percentage)
		}
	}
	require.NotEmpty(t, progress)
	require.IsNonDecreasing(t, progress)
	last := received[len(received)-1]
	require.Equal(t, model.TaskCompleted, last.Status)

	require.NoError(t, ws.WriteJSON(model.Event{Type: model.EventUnsubscribe, SubscriptionID: ack.SubscriptionID}))
	require.Equal(t, model.EventAck, next(t, ws).Type)
}
