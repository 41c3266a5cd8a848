// Package export renders finished tasks in structured formats. Every format
// carries the codec wire form of the results, so numeric arrays and
// timestamps survive the export.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/codec"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	cdx "github.com/CycloneDX/cyclonedx-go"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	JSON      Format = "json"
	YAML      Format = "yaml"
	CycloneDX Format = "cyclonedx"
)

var Formats = []Format{JSON, YAML, CycloneDX}

// ParseFormat accepts a format name, the empty string means JSON.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return JSON, nil
	}
	f := Format(strings.ToLower(s))
	if !slices.Contains(Formats, f) {
		return "", model.Invalid("format", s, model.ConstraintEnum, Formats, "unsupported export format %q", s)
	}
	return f, nil
}

func (f Format) ContentType() string {
	switch f {
	case YAML:
		return "application/yaml"
	case CycloneDX:
		return "application/vnd.cyclonedx+json"
	default:
		return "application/json"
	}
}

// Write exports the result of a finished task together with the steps it
// executed.
func Write(w io.Writer, f Format, result model.TaskResult, steps []model.ProcessStep) error {
	switch f {
	case JSON:
		wire, err := codec.Encode(result.Payload())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(wire)
	case YAML:
		wire, err := codec.Encode(result.Payload())
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(wire); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case CycloneDX:
		b, err := Formulation(result, steps)
		if err != nil {
			return err
		}
		return b.AsJSON(w)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

// Formulation describes a task as a CycloneDX formulation: every step is a
// data component with its parameters and outputs as properties and its
// prerequisites as dependencies.
func Formulation(result model.TaskResult, steps []model.ProcessStep) (*Builder, error) {
	outputs := make(map[string]map[string]any, len(result.Steps))
	for _, s := range result.Steps {
		outputs[s.Name] = s.Outputs
	}

	taskRef := "task/" + result.TaskID
	components := make([]cdx.Component, 0, len(steps))
	dependencies := make([]cdx.Dependency, 0, len(steps)+1)
	refs := make([]string, 0, len(steps))
	for _, s := range steps {
		ref := stepRef(result.TaskID, s.Name)
		refs = append(refs, ref)
		props := []cdx.Property{
			{Name: "fabsim:kind", Value: string(s.Kind)},
			{Name: "fabsim:priority", Value: fmt.Sprint(s.Priority)},
			{Name: "fabsim:parallel", Value: fmt.Sprint(s.Parallel)},
		}
		spec, err := s.Spec()
		if err != nil {
			return nil, err
		}
		params, err := json.Marshal(spec.Params)
		if err != nil {
			return nil, fmt.Errorf("step %s: marshal params: %w", s.Name, err)
		}
		props = append(props, cdx.Property{Name: "fabsim:params", Value: string(params)})
		if out, ok := outputs[s.Name]; ok {
			b, err := codec.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("step %s: %w", s.Name, err)
			}
			props = append(props, cdx.Property{Name: "fabsim:outputs", Value: string(b)})
		} else {
			props = append(props, cdx.Property{Name: "fabsim:executed", Value: "false"})
		}
		components = append(components, cdx.Component{
			BOMRef:     ref,
			Type:       cdx.ComponentTypeData,
			Name:       s.Name,
			Properties: &props,
		})
		if len(s.Prerequisites) > 0 {
			deps := make([]string, 0, len(s.Prerequisites))
			for _, pre := range s.Prerequisites {
				deps = append(deps, stepRef(result.TaskID, pre))
			}
			dependencies = append(dependencies, cdx.Dependency{Ref: ref, Dependencies: &deps})
		}
	}
	dependencies = append(dependencies, cdx.Dependency{Ref: taskRef, Dependencies: &refs})

	props := []cdx.Property{
		{Name: "fabsim:task", Value: result.TaskID},
		{Name: "fabsim:simulator", Value: result.SimulatorID},
		{Name: "fabsim:state", Value: string(result.State)},
		{Name: "fabsim:finished", Value: result.Finished.UTC().Format(time.RFC3339Nano)},
	}
	if result.Flow != "" {
		props = append(props, cdx.Property{Name: "fabsim:flow", Value: result.Flow})
	}
	if result.Error != "" {
		props = append(props, cdx.Property{Name: "fabsim:error", Value: result.Error})
	}

	b := NewBuilder().
		WithTime(result.Finished).
		AppendComponents(cdx.Component{
			BOMRef: "simulator/" + result.SimulatorID,
			Type:   cdx.ComponentTypeDevice,
			Name:   result.SimulatorID,
		}).
		AppendFormulas(cdx.Formula{
			BOMRef:     taskRef,
			Components: &components,
			Properties: &props,
		}).
		AppendDependencies(dependencies...)
	return b, nil
}

func stepRef(taskID, name string) string {
	return "task/" + taskID + "/step/" + name
}
