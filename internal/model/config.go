package model

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	EngineReference = "reference"
	EngineExec      = "exec"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	defaultSweep = "PT1M"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service   `json:"service" yaml:"service"`
	Server    Server    `json:"server" yaml:"server"`
	Scheduler Scheduler `json:"scheduler" yaml:"scheduler"`
	Retention Retention `json:"retention" yaml:"retention"`
	Limits    Limits    `json:"limits" yaml:"limits"`
	Engine    Engine    `json:"engine" yaml:"engine"`
	History   *History  `json:"history,omitempty" yaml:"history,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

type Server struct {
	Listen          string   `json:"listen" yaml:"listen"`
	ShutdownTimeout string   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"` // empty => any origin
}

type Scheduler struct {
	Workers   int    `json:"workers" yaml:"workers"`
	Queue     int    `json:"queue" yaml:"queue"`
	Heartbeat string `json:"heartbeat" yaml:"heartbeat"`
}

// Retention controls how long finished tasks are kept in memory.
type Retention struct {
	TTL      string        `json:"ttl" yaml:"ttl"`
	Schedule TimerSchedule `json:"schedule" yaml:"schedule"`
}

// TimerSchedule is either a 5 field cron expression or an ISO-8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Limits struct {
	MaxCells int64         `json:"max_cells" yaml:"max_cells"`
	Thermal  ThermalLimits `json:"thermal" yaml:"thermal"`
	Doping   DopingLimits  `json:"doping" yaml:"doping"`
}

// ThermalLimits is the safe thermal budget of an oxidation step: exceeding
// both the temperature (°C) and the time (h) is rejected.
type ThermalLimits struct {
	MaxTemperature float64 `json:"max_temperature" yaml:"max_temperature"`
	MaxTime        float64 `json:"max_time" yaml:"max_time"`
}

// DopingLimits: implanting above HighConcentration (cm^-3) with less than
// MinEnergy (keV) is rejected.
type DopingLimits struct {
	HighConcentration float64 `json:"high_concentration" yaml:"high_concentration"`
	MinEnergy         float64 `json:"min_energy" yaml:"min_energy"`
}

type Engine struct {
	Kind      string         `json:"kind" yaml:"kind"` // "reference" | "exec"
	StepDelay string         `json:"step_delay" yaml:"step_delay"`
	Command   *EngineCommand `json:"command,omitempty" yaml:"command,omitempty"`
}

// EngineCommand describes an external engine binary.
type EngineCommand struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env" yaml:"env"`
	Timeout string            `json:"timeout" yaml:"timeout"`
}

type History struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.check(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig returns the configuration with all schema defaults applied.
func DefaultConfig(_ context.Context) Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}

// check verifies what the schema can't express: durations and cron expressions
// must parse and an exec engine needs a command.
func (c Config) check() error {
	durations := map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"scheduler.heartbeat":     c.Scheduler.Heartbeat,
		"retention.ttl":           c.Retention.TTL,
		"engine.step_delay":       c.Engine.StepDelay,
	}
	if c.Engine.Command != nil {
		durations["engine.command.timeout"] = c.Engine.Command.Timeout
	}
	for path, value := range durations {
		if _, err := ParseISODuration(value); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := c.Retention.Schedule.Validate(); err != nil {
		return fmt.Errorf("parsing retention.schedule: %w", err)
	}
	if c.Engine.Kind == EngineExec && c.Engine.Command == nil {
		return fmt.Errorf("engine.command is required for engine kind %q", EngineExec)
	}
	return nil
}

// Duration parses one of the ISO-8601 duration fields. The value must have
// been validated by LoadConfig, so the zero duration is returned on error.
func Duration(iso string) time.Duration {
	d, err := ParseISODuration(iso)
	if err != nil {
		return 0
	}
	return d
}

// SweepSchedule returns the retention schedule, defaulting to every minute.
func (r Retention) SweepSchedule() TimerSchedule {
	if r.Schedule.Cron == "" && r.Schedule.Duration == "" {
		return TimerSchedule{Duration: defaultSweep}
	}
	return r.Schedule
}
