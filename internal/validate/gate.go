// Package validate is the gate every simulator configuration and process step
// passes before it is admitted. It has no side effects and never modifies its
// input: the typed values it returns are fresh copies.
package validate

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/go-viper/mapstructure/v2"
)

const (
	minPriority = 0
	maxPriority = 100
	maxGrid     = 10000
	maxNameLen  = 64
)

var nameRx = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var (
	materials    = []string{"silicon", "germanium", "gallium_arsenide", "silicon_carbide"}
	orientations = []string{"100", "110", "111"}
	dopingTypes  = []string{"p", "n"}
)

// Gate holds the configurable thresholds of cross-field rules.
type Gate struct {
	limits model.Limits
}

func New(limits model.Limits) *Gate {
	return &Gate{limits: limits}
}

// ValidateConfig checks a simulator configuration, unset optional fields are
// accepted as they get their defaults by NormalizeConfig.
func (g *Gate) ValidateConfig(cfg model.SimulatorConfig) error {
	var vs violations
	g.config(cfg, &vs)
	return vs.err()
}

// NormalizeConfig validates the configuration and returns a copy with the
// defaults applied.
func (g *Gate) NormalizeConfig(cfg model.SimulatorConfig) (model.SimulatorConfig, error) {
	if err := g.ValidateConfig(cfg); err != nil {
		return model.SimulatorConfig{}, err
	}
	out := cfg.Clone()
	if out.Material == "" {
		out.Material = "silicon"
	}
	if out.Orientation == "" {
		out.Orientation = "100"
	}
	if out.Thickness == 0 {
		out.Thickness = 525
	}
	if out.DopingType == "" {
		out.DopingType = "p"
	}
	if out.Resistivity == 0 {
		out.Resistivity = 10
	}
	return out, nil
}

func (g *Gate) config(cfg model.SimulatorConfig, vs *violations) {
	vs.inRange("width", float64(cfg.Width), 1, maxGrid)
	vs.inRange("height", float64(cfg.Height), 1, maxGrid)
	g.cells(cfg, vs)
	if cfg.Material != "" {
		vs.oneOf("material", cfg.Material, materials)
	}
	if cfg.Orientation != "" {
		vs.oneOf("orientation", cfg.Orientation, orientations)
	}
	if cfg.Thickness != 0 {
		vs.inRange("thickness", cfg.Thickness, 1, 2000)
	}
	if cfg.DopingType != "" {
		vs.oneOf("dopingType", cfg.DopingType, dopingTypes)
	}
	if cfg.Resistivity != 0 {
		vs.inRange("resistivity", cfg.Resistivity, 0.001, 10000)
	}
}

func (g *Gate) cells(cfg model.SimulatorConfig, vs *violations) {
	if g.limits.MaxCells <= 0 {
		return
	}
	if cells := cfg.Cells(); cells > g.limits.MaxCells {
		vs.add("width", cells, model.ConstraintMaxCells, g.limits.MaxCells,
			"grid of %dx%d has %d cells, maximum is %d", cfg.Width, cfg.Height, cells, g.limits.MaxCells)
	}
}

// ValidateStep checks a single step on its own and converts it into the typed
// form. The step is not checked against its siblings, see ValidateFlow.
func (g *Gate) ValidateStep(spec model.StepSpec) (model.ProcessStep, error) {
	var vs violations

	switch {
	case spec.Name == "":
		vs.add("name", spec.Name, model.ConstraintRequired, nil, "is required")
	case len(spec.Name) > maxNameLen:
		vs.add("name", spec.Name, model.ConstraintMax, maxNameLen, "is longer than %d characters", maxNameLen)
	case !nameRx.MatchString(spec.Name):
		vs.add("name", spec.Name, model.ConstraintPattern, nameRx.String(), "must match %s", nameRx)
	}
	vs.inRange("priority", float64(spec.Priority), minPriority, maxPriority)

	kind := model.StepKind(spec.Kind)
	if !kind.Valid() {
		allowed := make([]string, 0, len(model.StepKinds))
		for _, k := range model.StepKinds {
			allowed = append(allowed, string(k))
		}
		vs.add("kind", spec.Kind, model.ConstraintEnum, allowed, "unknown step kind %q", spec.Kind)
		return model.ProcessStep{}, vs.err()
	}

	params := check(kind, schemas[kind], spec.Params, &vs)
	if len(vs) > 0 {
		return model.ProcessStep{}, vs.err()
	}
	g.crossField(kind, params, &vs)
	if len(vs) > 0 {
		return model.ProcessStep{}, vs.err()
	}

	typed, err := decode(kind, params)
	if err != nil {
		return model.ProcessStep{}, err
	}

	return model.ProcessStep{
		Kind:          kind,
		Name:          spec.Name,
		Params:        typed,
		InputFiles:    slices.Clone(spec.InputFiles),
		OutputFiles:   slices.Clone(spec.OutputFiles),
		Prerequisites: slices.Clone(spec.Prerequisites),
		Priority:      spec.Priority,
		Parallel:      spec.Parallel,
	}, nil
}

func (g *Gate) crossField(kind model.StepKind, p map[string]any, vs *violations) {
	switch kind {
	case model.KindOxidation:
		temp, hours := p["temperature"].(float64), p["time"].(float64)
		lim := g.limits.Thermal
		if lim.MaxTemperature > 0 && temp > lim.MaxTemperature && hours > lim.MaxTime {
			vs.add("temperature", temp, model.ConstraintThermal, lim,
				"oxidation at %v °C for %v h exceeds the safe thermal budget (%v °C for at most %v h)",
				temp, hours, lim.MaxTemperature, lim.MaxTime)
		}
	case model.KindDoping:
		conc, energy := p["concentration"].(float64), p["energy"].(float64)
		lim := g.limits.Doping
		if p["method"] == "implantation" && lim.HighConcentration > 0 &&
			conc > lim.HighConcentration && energy < lim.MinEnergy {
			vs.add("energy", energy, model.ConstraintConsistency, lim.MinEnergy,
				"implanting %v cm^-3 needs at least %v keV, got %v keV", conc, lim.MinEnergy, energy)
		}
	}
}

func decode(kind model.StepKind, params map[string]any) (model.Params, error) {
	typed := model.NewParams(kind)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      typed,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return nil, model.Invalid("params", nil, model.ConstraintType, nil, "%s", err)
	}
	return typed, nil
}

// ValidateFlow checks the step list of a simulator as a whole: the grid size,
// unique names and that every prerequisite names a step listed before the one
// that refers to it.
func (g *Gate) ValidateFlow(cfg model.SimulatorConfig, steps []model.ProcessStep) error {
	var vs violations
	g.cells(cfg, &vs)

	seen := make(map[string]int, len(steps))
	for i, s := range steps {
		for _, pre := range s.Prerequisites {
			if _, ok := seen[pre]; !ok {
				vs.add("prerequisites", pre, model.ConstraintPrereq, nil,
					"step %q (#%d) requires %q which is not defined before it", s.Name, i, pre)
			}
		}
		if first, ok := seen[s.Name]; ok {
			vs.add("name", s.Name, model.ConstraintUnique, nil,
				"step name %q (#%d) is already used by step #%d", s.Name, i, first)
			continue
		}
		seen[s.Name] = i
	}
	return vs.err()
}
