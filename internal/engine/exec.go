package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/codec"
	"github.com/CZERTAINLY/Fabsim/internal/model"
)

// Command is an external engine binary.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// CommandFrom converts the configuration, values starting with $ are
// expanded from the environment of the control plane. The engine inherits
// the environment, Env only adds or overrides variables.
func CommandFrom(c model.EngineCommand) Command {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Command{
		Path:    c.Path,
		Args:    append([]string(nil), c.Args...),
		Env:     env,
		Timeout: model.Duration(c.Timeout),
	}
}

// Request is written to the stdin of the engine binary.
type Request struct {
	Config model.SimulatorConfig `json:"config"`
	Step   model.StepSpec        `json:"step"`
}

// Exec runs the engine binary once per step. The binary gets a Request on
// stdin and must print an Output to stdout, outputs in the codec wire form.
// Lines on stderr in the form "progress <fraction> [operation]" report
// progress, anything else is logged.
type Exec struct {
	cmd Command
	cfg model.SimulatorConfig
}

func NewExec(cmd Command, cfg model.SimulatorConfig) *Exec {
	return &Exec{cmd: cmd, cfg: cfg.Clone()}
}

// Concurrent is true, every step runs in its own process.
func (*Exec) Concurrent() bool { return true }

func (e *Exec) Apply(ctx context.Context, step model.ProcessStep, progress ProgressFunc) (Output, error) {
	spec, err := step.Spec()
	if err != nil {
		return Output{}, err
	}
	stdin, err := json.Marshal(Request{Config: e.cfg, Step: spec})
	if err != nil {
		return Output{}, fmt.Errorf("marshal request: %w", err)
	}

	if e.cmd.Timeout == 0 {
		slog.WarnContext(ctx, "engine command has no timeout", "path", e.cmd.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cmd.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.cmd.Path, e.cmd.Args...)
	if len(e.cmd.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cmd.Env...)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, err
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Output{}, err
	}
	last := processStderr(ctx, stderr, progress)
	err = cmd.Wait()
	slog.DebugContext(ctx, "engine command finished",
		"path", e.cmd.Path,
		"step", step.Name,
		"elapsed", time.Since(started),
		"error", err,
	)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		if last != "" {
			return Output{}, fmt.Errorf("%w: %s", err, last)
		}
		return Output{}, err
	}
	return decodeOutput(stdout.Bytes())
}

// processStderr reads the stderr until EOF and returns the last line which
// is not a progress report.
func processStderr(ctx context.Context, stderr io.Reader, progress ProgressFunc) string {
	var last string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if fraction, op, ok := parseProgress(line); ok {
			progress(fraction, op)
			continue
		}
		slog.InfoContext(ctx, "engine", "stderr", line)
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing engine stderr", "error", err)
	}
	return last
}

func parseProgress(line string) (float64, string, bool) {
	rest, ok := strings.CutPrefix(line, "progress ")
	if !ok {
		return 0, "", false
	}
	num, op, _ := strings.Cut(strings.TrimSpace(rest), " ")
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 || f > 1 {
		return 0, "", false
	}
	return f, strings.TrimSpace(op), true
}

func decodeOutput(b []byte) (Output, error) {
	var wire struct {
		Success bool   `json:"success"`
		Outputs any    `json:"outputs"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return Output{}, fmt.Errorf("malformed engine output: %w", err)
	}
	out := Output{Success: wire.Success, Message: wire.Message}
	if wire.Outputs == nil {
		return out, nil
	}
	outputs, err := codec.DecodeRecord(wire.Outputs)
	if err != nil {
		return Output{}, fmt.Errorf("engine outputs: %w", err)
	}
	out.Outputs = outputs
	return out, nil
}
