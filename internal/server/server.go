// Package server exposes the simulators, tasks and their events over HTTP.
//
// Requests and responses are JSON under /api/v1, failures are reported as
// application/problem+json documents. Task results go through the codec, so
// numeric arrays and timestamps keep their exact type. The event surface is
// a WebSocket at /api/v1/ws.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/codec"
	"github.com/CZERTAINLY/Fabsim/internal/export"
	"github.com/CZERTAINLY/Fabsim/internal/hub"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/CZERTAINLY/Fabsim/internal/registry"
	"github.com/CZERTAINLY/Fabsim/internal/scheduler"
	"github.com/CZERTAINLY/Fabsim/internal/store"
	"github.com/CZERTAINLY/Fabsim/internal/validate"
)

const (
	Prefix = "/api/v1"

	maxBody = 1 << 20
)

// History looks up persisted task records.
type History interface {
	Get(ctx context.Context, taskID string) (store.Record, error)
}

type Deps struct {
	Gate      *validate.Gate
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Hub       *hub.Hub
	History   History
}

type Options struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	ReadTimeout    time.Duration
}

type Server struct {
	Deps
	opts Options
	mux  *http.ServeMux
	now  func() time.Time
}

func New(deps Deps, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	s := &Server{
		Deps: deps,
		opts: opts,
		mux:  http.NewServeMux(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	handle := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, h)
	}
	handle("GET "+Prefix+"/health", s.health)

	handle("POST "+Prefix+"/simulators", s.createSimulator)
	handle("GET "+Prefix+"/simulators", s.listSimulators)
	handle("GET "+Prefix+"/simulators/{id}", s.getSimulator)
	handle("DELETE "+Prefix+"/simulators/{id}", s.deleteSimulator)
	handle("GET "+Prefix+"/simulators/{id}/config", s.getConfig)
	handle("PUT "+Prefix+"/simulators/{id}/config", s.updateConfig)
	handle("POST "+Prefix+"/simulators/{id}/steps", s.addStep)
	handle("POST "+Prefix+"/simulators/{id}/start", s.start)

	handle("POST "+Prefix+"/wafers", s.wafer)
	handle("POST "+Prefix+"/validate/step", s.validateStep)

	handle("GET "+Prefix+"/tasks/{id}", s.status)
	handle("POST "+Prefix+"/tasks/{id}/cancel", s.cancel)
	handle("GET "+Prefix+"/tasks/{id}/result", s.result)
	handle("GET "+Prefix+"/tasks/{id}/export", s.export)

	handle("GET "+Prefix+"/history/{id}", s.history)

	handle("GET "+Prefix+"/ws", s.events)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &recorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if v := recover(); v != nil {
			slog.ErrorContext(r.Context(), "handler panic", "method", r.Method, "path", r.URL.Path, "panic", v)
			if !rec.written {
				s.fail(rec, r, fmt.Errorf("internal error: %v", v))
			}
		}
		slog.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	}()
	s.mux.ServeHTTP(rec, r)
}

// Serve runs the HTTP server on ln until ctx is cancelled, then shuts it
// down gracefully within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type recorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.written = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection over to the websocket upgrader.
func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.written = true
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, ok(nil))
}

// ok returns the body of a successful call: {"status":"ok"} plus fields.
func ok(fields map[string]any) map[string]any {
	ret := map[string]any{"status": "ok"}
	for k, v := range fields {
		ret[k] = v
	}
	return ret
}

func (s *Server) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var p model.Problem
	var cerr *codec.Error
	var merr *malformedError
	switch {
	case errors.As(err, &merr):
		p = model.Problem{
			Type:   "urn:fabsim:problem:" + model.CodeMalformed,
			Title:  http.StatusText(http.StatusBadRequest),
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Code:   model.CodeMalformed,
		}
	case errors.As(err, &cerr):
		p = model.NewProblem(err)
		p.Code = model.CodeCodec
		p.Type = "urn:fabsim:problem:" + model.CodeCodec
	default:
		p = model.NewProblem(err)
	}
	if p.Status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "code", p.Code, "error", err)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string {
	return "malformed request body: " + e.err.Error()
}

func (e *malformedError) Unwrap() error {
	return e.err
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case errors.Is(err, io.EOF) && optional:
		return nil
	case err != nil:
		return &malformedError{err: err}
	}
	if dec.More() {
		return &malformedError{err: errors.New("trailing data after JSON value")}
	}
	return nil
}

func (s *Server) createSimulator(w http.ResponseWriter, r *http.Request) {
	var cfg model.SimulatorConfig
	if err := decode(r, &cfg, false); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.Registry.Create(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", Prefix+"/simulators/"+h.ID())
	s.reply(w, http.StatusCreated, ok(map[string]any{
		"simulatorId": h.ID(),
		"simulator":   h.Info(),
	}))
}

func (s *Server) listSimulators(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, map[string]any{"simulators": s.Registry.List()})
}

func (s *Server) getSimulator(w http.ResponseWriter, r *http.Request) {
	h, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, h.Info())
}

func (s *Server) deleteSimulator(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, ok(nil))
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	h, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, h.Config())
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.SimulatorConfig
	if err := decode(r, &cfg, false); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.Registry.UpdateConfig(r.Context(), r.PathValue("id"), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, ok(map[string]any{"config": cfg}))
}

func (s *Server) addStep(w http.ResponseWriter, r *http.Request) {
	var spec model.StepSpec
	if err := decode(r, &spec, false); err != nil {
		s.fail(w, r, err)
		return
	}
	step, err := s.Registry.AddStep(r.Context(), r.PathValue("id"), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusCreated, ok(map[string]any{"step": step}))
}

type startRequest struct {
	Flow string `json:"flow,omitempty"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := s.Scheduler.Start(r.Context(), r.PathValue("id"), req.Flow)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", Prefix+"/tasks/"+status.ID)
	s.reply(w, http.StatusAccepted, ok(map[string]any{
		"taskId": status.ID,
		"task":   status,
	}))
}

func (s *Server) wafer(w http.ResponseWriter, r *http.Request) {
	var cfg model.SimulatorConfig
	if err := decode(r, &cfg, false); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.Gate.NormalizeConfig(cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, ok(map[string]any{"config": cfg}))
}

func (s *Server) validateStep(w http.ResponseWriter, r *http.Request) {
	var spec model.StepSpec
	if err := decode(r, &spec, false); err != nil {
		s.fail(w, r, err)
		return
	}
	step, err := s.Gate.ValidateStep(spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, ok(map[string]any{"step": step}))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.Scheduler.Status(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, status)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	status, err := s.Scheduler.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, ok(map[string]any{"task": status}))
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	result, err := s.Scheduler.Result(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	wire, err := codec.Encode(result.Payload())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, wire)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	result, err := s.Scheduler.Result(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	steps, err := s.Scheduler.Steps(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// render first, a failure must still be reported as a problem
	var buf bytes.Buffer
	if err := export.Write(&buf, format, result, steps); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "task-"+id+"."+extension(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func extension(f export.Format) string {
	switch f {
	case export.YAML:
		return "yaml"
	case export.CycloneDX:
		return "cdx.json"
	default:
		return "json"
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.History == nil {
		s.fail(w, r, model.NotFound("history", id))
		return
	}
	rec, err := s.History.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, rec)
}
