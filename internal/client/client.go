// Package client is a Go client of the fabsim API.
//
// Every failure, whether the server is unreachable, replied with an error or
// sent something unexpected, is returned as *Error. Errors reported by the
// server unwrap to the model errors they were created from, so callers can
// use errors.Is(err, model.ErrNotFound) or errors.As(err, &validationErr).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/codec"
	"github.com/CZERTAINLY/Fabsim/internal/export"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/store"
)

const apiPath = "/api/v1"

// Error is the single error type of the client.
type Error struct {
	Op         string
	StatusCode int // 0 when no response was received
	Problem    *model.Problem
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
	}
	switch {
	case e.Problem != nil && e.Problem.Detail != "":
		sb.WriteString(": " + e.Problem.Detail)
	case e.Err != nil:
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Client struct {
	base *url.URL
	http *http.Client
	poll time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithPollInterval sets how often WaitFor asks for the task status.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.poll = d
		}
	}
}

func New(serverURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("please define the server url with a scheme, e.g. `http://localhost:8080`")
	}
	c := &Client{
		base: u,
		http: &http.Client{},
		poll: 250 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + apiPath + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends body as JSON and decodes a successful reply into out, unless it's
// nil. A raw writer receives the body verbatim instead.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any, raw io.Writer) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), r)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeProblem(op, resp)
	}
	if raw != nil {
		if _, err := io.Copy(raw, resp.Body); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		return nil
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding json response failed: %w", err)}
	}
	return nil
}

func decodeProblem(op string, resp *http.Response) error {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" {
		var p model.Problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding problem failed: %w", err)}
		}
		err := p.Err()
		if err == nil {
			err = errors.New(p.Detail)
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Problem: &p, Err: err}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
	}
}

type simulatorReply struct {
	SimulatorID string              `json:"simulatorId"`
	Simulator   model.SimulatorInfo `json:"simulator"`
}

func (c *Client) CreateSimulator(ctx context.Context, cfg model.SimulatorConfig) (model.SimulatorInfo, error) {
	var reply simulatorReply
	err := c.do(ctx, "create simulator", http.MethodPost, "/simulators", nil, cfg, &reply, nil)
	return reply.Simulator, err
}

func (c *Client) GetSimulator(ctx context.Context, id string) (model.SimulatorInfo, error) {
	var info model.SimulatorInfo
	err := c.do(ctx, "get simulator", http.MethodGet, "/simulators/"+url.PathEscape(id), nil, nil, &info, nil)
	return info, err
}

func (c *Client) DeleteSimulator(ctx context.Context, id string) error {
	return c.do(ctx, "delete simulator", http.MethodDelete, "/simulators/"+url.PathEscape(id), nil, nil, nil, nil)
}

func (c *Client) Config(ctx context.Context, id string) (model.SimulatorConfig, error) {
	var cfg model.SimulatorConfig
	err := c.do(ctx, "get config", http.MethodGet, "/simulators/"+url.PathEscape(id)+"/config", nil, nil, &cfg, nil)
	return cfg, err
}

type configReply struct {
	Config model.SimulatorConfig `json:"config"`
}

func (c *Client) UpdateConfig(ctx context.Context, id string, cfg model.SimulatorConfig) (model.SimulatorConfig, error) {
	var reply configReply
	err := c.do(ctx, "update config", http.MethodPut, "/simulators/"+url.PathEscape(id)+"/config", nil, cfg, &reply, nil)
	return reply.Config, err
}

// Wafer validates a wafer-style configuration and returns it with the
// defaults applied.
func (c *Client) Wafer(ctx context.Context, cfg model.SimulatorConfig) (model.SimulatorConfig, error) {
	var reply configReply
	err := c.do(ctx, "create wafer", http.MethodPost, "/wafers", nil, cfg, &reply, nil)
	return reply.Config, err
}

type stepReply struct {
	Step model.ProcessStep `json:"step"`
}

func (c *Client) ValidateStep(ctx context.Context, spec model.StepSpec) (model.ProcessStep, error) {
	var reply stepReply
	err := c.do(ctx, "validate step", http.MethodPost, "/validate/step", nil, spec, &reply, nil)
	return reply.Step, err
}

func (c *Client) AddStep(ctx context.Context, id string, spec model.StepSpec) (model.ProcessStep, error) {
	var reply stepReply
	err := c.do(ctx, "add step", http.MethodPost, "/simulators/"+url.PathEscape(id)+"/steps", nil, spec, &reply, nil)
	return reply.Step, err
}

type taskReply struct {
	Task model.TaskStatus `json:"task"`
}

func (c *Client) Start(ctx context.Context, id, flow string) (model.TaskStatus, error) {
	var reply taskReply
	body := map[string]string{}
	if flow != "" {
		body["flow"] = flow
	}
	err := c.do(ctx, "start simulation", http.MethodPost, "/simulators/"+url.PathEscape(id)+"/start", nil, body, &reply, nil)
	return reply.Task, err
}

func (c *Client) Status(ctx context.Context, taskID string) (model.TaskStatus, error) {
	var status model.TaskStatus
	err := c.do(ctx, "get status", http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, &status, nil)
	return status, err
}

func (c *Client) Cancel(ctx context.Context, taskID string) (model.TaskStatus, error) {
	var reply taskReply
	err := c.do(ctx, "cancel task", http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil, &reply, nil)
	return reply.Task, err
}

// Result returns the decoded result record of a finished task: numeric
// arrays are codec.Array values and timestamps time.Time.
func (c *Client) Result(ctx context.Context, taskID string) (map[string]any, error) {
	const op = "get result"
	var buf bytes.Buffer
	if err := c.do(ctx, op, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/result", nil, nil, nil, &buf); err != nil {
		return nil, err
	}
	v, err := codec.Unmarshal(buf.Bytes())
	if err != nil {
		return nil, &Error{Op: op, StatusCode: http.StatusOK, Err: err}
	}
	record, ok := v.(map[string]any)
	if !ok {
		return nil, &Error{Op: op, StatusCode: http.StatusOK, Err: fmt.Errorf("expected a record, got %T", v)}
	}
	return record, nil
}

// Export writes the task result in the format to w.
func (c *Client) Export(ctx context.Context, taskID string, format export.Format, w io.Writer) error {
	q := url.Values{}
	q.Set("format", string(format))
	return c.do(ctx, "export", http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/export", q, nil, nil, w)
}

func (c *Client) History(ctx context.Context, taskID string) (store.Record, error) {
	var rec store.Record
	err := c.do(ctx, "get history", http.MethodGet, "/history/"+url.PathEscape(taskID), nil, nil, &rec, nil)
	return rec, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil, nil, nil)
}

// WaitFor polls the status of a task until it's terminal or ctx is done.
func (c *Client) WaitFor(ctx context.Context, taskID string) (model.TaskStatus, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, taskID)
		if err != nil {
			return status, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		slog.DebugContext(ctx, "waiting for task",
			"task_id", taskID,
			"state", status.State,
			"percentage", status.Progress.Percentage,
			"operation", status.Progress.Operation)
		select {
		case <-ctx.Done():
			return status, &Error{Op: "wait for task", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Run is the outcome of RunSimple. Without RunOptions.Wait the Status is
// the handle of the started task and Result is nil.
type Run struct {
	SimulatorID string
	Status      model.TaskStatus
	Result      map[string]any
}

type RunOptions struct {
	Flow string
	// Wait for the task to finish, fetch its result and delete the simulator.
	Wait bool
}

// RunSimple creates a simulator, adds the steps and starts them. The
// simulator is deleted when a stage fails. With opts.Wait it waits for the
// task, returns its result and deletes the simulator afterwards; a failed or
// cancelled task is not an error, see Run.Status.
func (c *Client) RunSimple(ctx context.Context, cfg model.SimulatorConfig, steps []model.StepSpec, opts RunOptions) (run Run, err error) {
	info, err := c.CreateSimulator(ctx, cfg)
	if err != nil {
		return run, err
	}
	run.SimulatorID = info.ID
	defer func() {
		if err == nil && !opts.Wait {
			return
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if derr := c.DeleteSimulator(dctx, info.ID); derr != nil {
			slog.WarnContext(ctx, "deleting simulator failed", "simulator_id", info.ID, "error", derr)
			err = joinErrors("run simple", err, derr)
		}
	}()

	for _, s := range steps {
		if _, err := c.AddStep(ctx, info.ID, s); err != nil {
			return run, err
		}
	}
	run.Status, err = c.Start(ctx, info.ID, opts.Flow)
	if err != nil || !opts.Wait {
		return run, err
	}
	run.Status, err = c.WaitFor(ctx, run.Status.ID)
	if err != nil {
		return run, err
	}
	run.Result, err = c.Result(ctx, run.Status.ID)
	return run, err
}

// joinErrors keeps the status and problem of the first failure.
func joinErrors(op string, first, second error) error {
	if first == nil {
		return second
	}
	ret := &Error{Op: op, Err: errors.Join(first, second)}
	var cerr *Error
	if errors.As(first, &cerr) {
		ret.StatusCode = cerr.StatusCode
		ret.Problem = cerr.Problem
	}
	return ret
}
