package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Fabsim/internal/model"
)

type fieldType int

const (
	number fieldType = iota
	text
	enum
)

// field declares one parameter: its type, inclusive range or allowed values
// and the default used when it is omitted. A field without a default and
// with required unset is optional.
type field struct {
	name     string
	typ      fieldType
	min, max float64
	values   []string
	required bool
	def      any
}

func num(name string, lo, hi float64) field {
	return field{name: name, typ: number, min: lo, max: hi, required: true}
}

func oneOf(name string, values ...string) field {
	return field{name: name, typ: enum, values: values, required: true}
}

func str(name string) field {
	return field{name: name, typ: text, required: true}
}

func (f field) or(def any) field {
	f.required = false
	f.def = def
	return f
}

func (f field) optional() field {
	f.required = false
	return f
}

var schemas = map[model.StepKind][]field{
	model.KindOxidation: {
		num("temperature", 700, 1200),
		num("time", 0.01, 24),
		oneOf("atmosphere", "dry", "wet"),
		num("pressure", 0.1, 10).or(1.0),
	},
	model.KindDoping: {
		oneOf("dopant", "boron", "phosphorus", "arsenic", "antimony", "gallium", "indium"),
		num("concentration", 1e10, 1e22),
		num("energy", 0.1, 1000).or(50.0),
		num("temperature", 20, 1200).or(25.0),
		oneOf("method", "implantation", "diffusion").or("implantation"),
	},
	model.KindLithography: {
		num("wavelength", 13, 500),
		num("dose", 1, 1000),
		oneOf("resist", "positive", "negative").or("positive"),
		str("mask").optional(),
	},
	model.KindDeposition: {
		oneOf("material", "silicon_dioxide", "silicon_nitride", "polysilicon", "aluminum", "copper", "tungsten", "titanium"),
		num("thickness", 0.1, 10000),
		oneOf("method", "cvd", "pvd", "ald", "epitaxy").or("cvd"),
		num("temperature", 20, 1200).or(400.0),
	},
	model.KindEtching: {
		num("depth", 0.1, 100000),
		oneOf("method", "wet", "dry", "plasma", "rie").or("dry"),
		num("selectivity", 1, 1000).or(10.0),
		num("anisotropy", 0, 1).or(1.0),
	},
	model.KindMetallization: {
		oneOf("metal", "aluminum", "copper", "tungsten", "titanium", "gold"),
		num("thickness", 1, 5000),
		oneOf("method", "sputtering", "evaporation", "electroplating", "cvd").or("sputtering"),
	},
	model.KindAnnealing: {
		num("temperature", 200, 1300),
		num("time", 0.001, 24),
		oneOf("atmosphere", "nitrogen", "argon", "forming_gas", "vacuum", "oxygen").or("nitrogen"),
	},
	model.KindCMP: {
		num("removal", 1, 10000),
		num("pressure", 0.5, 10).or(3.0),
		oneOf("slurry", "oxide", "metal", "polysilicon").or("oxide"),
	},
	model.KindInspection: {
		oneOf("method", "optical", "sem", "afm", "ellipsometry", "xrd").or("optical"),
		num("resolution", 0.1, 1000).or(10.0),
	},
	model.KindCustom: {
		str("operation"),
	},
}

// openSchema kinds accept parameters which are not declared.
func openSchema(kind model.StepKind) bool {
	return kind == model.KindCustom
}

// violations collects failed constraints of a single validation call.
type violations []model.Violation

func (vs *violations) add(field string, value any, constraint string, bound any, format string, args ...any) {
	*vs = append(*vs, model.Violation{
		Field:      field,
		Value:      value,
		Constraint: constraint,
		Bound:      bound,
		Message:    fmt.Sprintf(format, args...),
	})
}

func (vs violations) err() error {
	if len(vs) == 0 {
		return nil
	}
	return &model.ValidationError{Violations: vs}
}

func (vs *violations) inRange(field string, v, lo, hi float64) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		vs.add(field, strconv.FormatFloat(v, 'g', -1, 64), model.ConstraintType, nil, "must be a finite number")
	case v < lo:
		vs.add(field, v, model.ConstraintMin, lo, "value %v is below minimum %v", v, lo)
	case v > hi:
		vs.add(field, v, model.ConstraintMax, hi, "value %v exceeds maximum %v", v, hi)
	}
}

func (vs *violations) oneOf(field string, v string, allowed []string) {
	if !slices.Contains(allowed, v) {
		vs.add(field, v, model.ConstraintEnum, allowed, "value %q is not one of %s", v, strings.Join(allowed, ", "))
	}
}

// check validates params against the fields and returns a copy with all the
// defaults applied and the numbers converted to float64.
func check(kind model.StepKind, fields []field, params map[string]any, vs *violations) map[string]any {
	out := make(map[string]any, len(params)+len(fields))
	declared := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		declared[f.name] = struct{}{}
	}
	for name, v := range params {
		if _, ok := declared[name]; ok {
			continue
		}
		if !openSchema(kind) {
			vs.add(name, v, model.ConstraintUnknown, nil, "unknown parameter for %s step", kind)
			continue
		}
		out[name] = v
	}

	for _, f := range fields {
		v, ok := params[f.name]
		if !ok || v == nil {
			switch {
			case f.required:
				vs.add(f.name, nil, model.ConstraintRequired, nil, "is required")
			case f.def != nil:
				out[f.name] = f.def
			}
			continue
		}
		switch f.typ {
		case number:
			x, ok := toFloat(v)
			if !ok {
				vs.add(f.name, v, model.ConstraintType, nil, "must be a number, got %T", v)
				continue
			}
			vs.inRange(f.name, x, f.min, f.max)
			out[f.name] = x
		case text, enum:
			s, ok := v.(string)
			if !ok {
				vs.add(f.name, v, model.ConstraintType, nil, "must be a string, got %T", v)
				continue
			}
			if f.typ == enum {
				vs.oneOf(f.name, s, f.values)
			} else if f.required && s == "" {
				vs.add(f.name, s, model.ConstraintRequired, nil, "must not be empty")
			}
			out[f.name] = s
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
