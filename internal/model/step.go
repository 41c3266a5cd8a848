package model

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/go-viper/mapstructure/v2"
)

type StepKind string

const (
	KindOxidation     StepKind = "oxidation"
	KindDoping        StepKind = "doping"
	KindLithography   StepKind = "lithography"
	KindDeposition    StepKind = "deposition"
	KindEtching       StepKind = "etching"
	KindMetallization StepKind = "metallization"
	KindAnnealing     StepKind = "annealing"
	KindCMP           StepKind = "cmp"
	KindInspection    StepKind = "inspection"
	KindCustom        StepKind = "custom"
)

// StepKinds lists every supported process step kind.
var StepKinds = []StepKind{
	KindOxidation,
	KindDoping,
	KindLithography,
	KindDeposition,
	KindEtching,
	KindMetallization,
	KindAnnealing,
	KindCMP,
	KindInspection,
	KindCustom,
}

func (k StepKind) Valid() bool {
	return slices.Contains(StepKinds, k)
}

// StepSpec is a process step as submitted by a client: the parameters are a
// loose bag which is turned into typed Params by the validation gate.
type StepSpec struct {
	Kind          string         `json:"kind" yaml:"kind"`
	Name          string         `json:"name" yaml:"name"`
	Params        map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	InputFiles    []string       `json:"inputFiles,omitempty" yaml:"input_files,omitempty"`
	OutputFiles   []string       `json:"outputFiles,omitempty" yaml:"output_files,omitempty"`
	Prerequisites []string       `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Priority      int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Parallel      bool           `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

// ProcessStep is a validated step. Only the validation gate creates it.
type ProcessStep struct {
	Kind          StepKind `json:"kind"`
	Name          string   `json:"name"`
	Params        Params   `json:"params"`
	InputFiles    []string `json:"inputFiles,omitempty"`
	OutputFiles   []string `json:"outputFiles,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	Priority      int      `json:"priority"`
	Parallel      bool     `json:"parallel"`
}

// Spec converts the step back into its loose wire form.
func (s ProcessStep) Spec() (StepSpec, error) {
	params := map[string]any{}
	switch p := s.Params.(type) {
	case nil:
	case *CustomParams:
		for k, v := range p.Values {
			params[k] = v
		}
		params["operation"] = p.Operation
	default:
		if err := mapstructure.Decode(p, &params); err != nil {
			return StepSpec{}, fmt.Errorf("step %s: encoding %s params: %w", s.Name, s.Kind, err)
		}
	}
	return StepSpec{
		Kind:          string(s.Kind),
		Name:          s.Name,
		Params:        params,
		InputFiles:    slices.Clone(s.InputFiles),
		OutputFiles:   slices.Clone(s.OutputFiles),
		Prerequisites: slices.Clone(s.Prerequisites),
		Priority:      s.Priority,
		Parallel:      s.Parallel,
	}, nil
}

// MarshalJSON writes the step in its StepSpec form.
func (s ProcessStep) MarshalJSON() ([]byte, error) {
	spec, err := s.Spec()
	if err != nil {
		return nil, err
	}
	return json.Marshal(spec)
}

// UnmarshalJSON reads a step written by MarshalJSON. The parameters are
// decoded into the typed Params of the kind, they are not validated.
func (s *ProcessStep) UnmarshalJSON(b []byte) error {
	var spec StepSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return err
	}
	kind := StepKind(spec.Kind)
	params := NewParams(kind)
	if params == nil {
		return fmt.Errorf("unknown step kind %q", spec.Kind)
	}
	if err := mapstructure.Decode(spec.Params, params); err != nil {
		return fmt.Errorf("step %s: %w", spec.Name, err)
	}
	*s = ProcessStep{
		Kind:          kind,
		Name:          spec.Name,
		Params:        params,
		InputFiles:    spec.InputFiles,
		OutputFiles:   spec.OutputFiles,
		Prerequisites: spec.Prerequisites,
		Priority:      spec.Priority,
		Parallel:      spec.Parallel,
	}
	return nil
}

// Params is a tagged union of the per-kind parameter structs.
type Params interface {
	Kind() StepKind
}

// NewParams returns a pointer to zero Params of a given kind.
func NewParams(kind StepKind) Params {
	switch kind {
	case KindOxidation:
		return &OxidationParams{}
	case KindDoping:
		return &DopingParams{}
	case KindLithography:
		return &LithographyParams{}
	case KindDeposition:
		return &DepositionParams{}
	case KindEtching:
		return &EtchingParams{}
	case KindMetallization:
		return &MetallizationParams{}
	case KindAnnealing:
		return &AnnealingParams{}
	case KindCMP:
		return &CMPParams{}
	case KindInspection:
		return &InspectionParams{}
	case KindCustom:
		return &CustomParams{}
	default:
		return nil
	}
}

// OxidationParams: temperature in °C, time in hours, pressure in atm.
type OxidationParams struct {
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	Time        float64 `mapstructure:"time" json:"time"`
	Atmosphere  string  `mapstructure:"atmosphere" json:"atmosphere"`
	Pressure    float64 `mapstructure:"pressure" json:"pressure"`
}

func (*OxidationParams) Kind() StepKind { return KindOxidation }

// DopingParams: concentration in cm^-3, energy in keV, temperature in °C.
type DopingParams struct {
	Dopant        string  `mapstructure:"dopant" json:"dopant"`
	Concentration float64 `mapstructure:"concentration" json:"concentration"`
	Energy        float64 `mapstructure:"energy" json:"energy"`
	Temperature   float64 `mapstructure:"temperature" json:"temperature"`
	Method        string  `mapstructure:"method" json:"method"`
}

func (*DopingParams) Kind() StepKind { return KindDoping }

// LithographyParams: wavelength in nm, dose in mJ/cm².
type LithographyParams struct {
	Wavelength float64 `mapstructure:"wavelength" json:"wavelength"`
	Dose       float64 `mapstructure:"dose" json:"dose"`
	Resist     string  `mapstructure:"resist" json:"resist"`
	Mask       string  `mapstructure:"mask" json:"mask,omitempty"`
}

func (*LithographyParams) Kind() StepKind { return KindLithography }

// DepositionParams: thickness in nm, temperature in °C.
type DepositionParams struct {
	Material    string  `mapstructure:"material" json:"material"`
	Thickness   float64 `mapstructure:"thickness" json:"thickness"`
	Method      string  `mapstructure:"method" json:"method"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
}

func (*DepositionParams) Kind() StepKind { return KindDeposition }

// EtchingParams: depth in nm, anisotropy 0 (isotropic) to 1.
type EtchingParams struct {
	Depth       float64 `mapstructure:"depth" json:"depth"`
	Method      string  `mapstructure:"method" json:"method"`
	Selectivity float64 `mapstructure:"selectivity" json:"selectivity"`
	Anisotropy  float64 `mapstructure:"anisotropy" json:"anisotropy"`
}

func (*EtchingParams) Kind() StepKind { return KindEtching }

type MetallizationParams struct {
	Metal     string  `mapstructure:"metal" json:"metal"`
	Thickness float64 `mapstructure:"thickness" json:"thickness"`
	Method    string  `mapstructure:"method" json:"method"`
}

func (*MetallizationParams) Kind() StepKind { return KindMetallization }

type AnnealingParams struct {
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	Time        float64 `mapstructure:"time" json:"time"`
	Atmosphere  string  `mapstructure:"atmosphere" json:"atmosphere"`
}

func (*AnnealingParams) Kind() StepKind { return KindAnnealing }

// CMPParams: removal in nm, pressure in psi.
type CMPParams struct {
	Removal  float64 `mapstructure:"removal" json:"removal"`
	Pressure float64 `mapstructure:"pressure" json:"pressure"`
	Slurry   string  `mapstructure:"slurry" json:"slurry"`
}

func (*CMPParams) Kind() StepKind { return KindCMP }

type InspectionParams struct {
	Method     string  `mapstructure:"method" json:"method"`
	Resolution float64 `mapstructure:"resolution" json:"resolution"`
}

func (*InspectionParams) Kind() StepKind { return KindInspection }

// CustomParams passes arbitrary values to the engine.
type CustomParams struct {
	Operation string         `mapstructure:"operation" json:"operation"`
	Values    map[string]any `mapstructure:",remain" json:"values,omitempty"`
}

func (*CustomParams) Kind() StepKind { return KindCustom }
