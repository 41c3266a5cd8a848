// Package codec converts result values to and from a JSON safe wire form.
//
// Scalars, strings and booleans pass through unchanged. Timestamps become
// {"__type__": "datetime", "value": "2006-01-02T15:04:05.000000Z"} and
// numeric arrays become
//
//	{"__type__": "ndarray", "dtype": "float64", "shape": [2, 3], "data": "<base64>"}
//
// Records (maps with string keys) and sequences are walked recursively.
// Decoding either recovers the whole value or fails with *Error.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

const (
	TypeKey      = "__type__"
	typeNDArray  = "ndarray"
	typeDatetime = "datetime"

	// TimeLayout is the textual form of timestamps, microsecond resolution.
	TimeLayout = "2006-01-02T15:04:05.000000Z07:00"
	// TimeResolution is the precision kept on a round trip.
	TimeResolution = time.Microsecond
)

// Error is returned for values which can't be encoded or decoded. Path
// points to the offending leaf, e.g. steps[0].outputs.profile.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "codec: " + e.Reason
	}
	return "codec: " + e.Path + ": " + e.Reason
}

func errAt(path string, format string, args ...any) error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Encode converts a value into its wire form.
func Encode(v any) (any, error) {
	return encode("", v)
}

// Decode converts a wire value, typically produced by json.Unmarshal, back
// into a domain value. Envelopes decode to Array and time.Time.
func Decode(wire any) (any, error) {
	return decode("", wire)
}

// Marshal encodes v and renders it as JSON.
func Marshal(v any) ([]byte, error) {
	wire, err := Encode(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, &Error{Reason: err.Error()}
	}
	return b, nil
}

// Unmarshal parses JSON and decodes it.
func Unmarshal(b []byte) (any, error) {
	var wire any
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, &Error{Reason: "malformed json: " + err.Error()}
	}
	return Decode(wire)
}

// DecodeRecord is Decode for values which must be a record.
func DecodeRecord(wire any) (map[string]any, error) {
	v, err := Decode(wire)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("expected a record, got %T", v)}
	}
	return m, nil
}

func encode(path string, v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return x, nil
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, errAt(path, "non finite scalar %v", x)
		}
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errAt(path, "non finite scalar %v", x)
		}
		return x, nil
	case time.Time:
		return map[string]any{
			TypeKey: typeDatetime,
			"value": x.UTC().Format(TimeLayout),
		}, nil
	case Array:
		return encodeArray(path, x)
	case *Array:
		if x == nil {
			return nil, nil
		}
		return encodeArray(path, *x)
	case []float64:
		return encodeSlice(path, x)
	case []float32:
		return encodeSlice(path, x)
	case []int64:
		return encodeSlice(path, x)
	case []int32:
		return encodeSlice(path, x)
	case []int16:
		return encodeSlice(path, x)
	case []int8:
		return encodeSlice(path, x)
	case []uint64:
		return encodeSlice(path, x)
	case []uint32:
		return encodeSlice(path, x)
	case []uint16:
		return encodeSlice(path, x)
	case []uint8:
		return encodeSlice(path, x)
	case map[string]any:
		if _, ok := x[TypeKey]; ok {
			return nil, errAt(path, "the %s key is reserved", TypeKey)
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			w, err := encode(join(path, k), item)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			w, err := encode(index(path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	}
	return encodeReflect(path, v)
}

// encodeReflect handles typed maps and slices, e.g. map[string]float64 or
// []string.
func encodeReflect(path string, v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, errAt(path, "unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if k == TypeKey {
				return nil, errAt(path, "the %s key is reserved", TypeKey)
			}
			w, err := encode(join(path, k), iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			w, err := encode(index(path, i), rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return encode(path, rv.Elem().Interface())
	}
	return nil, errAt(path, "unsupported type %T", v)
}

func encodeSlice[T Number](path string, values []T) (any, error) {
	a, err := NewArray(values)
	if err != nil {
		return nil, withPath(path, err)
	}
	return encodeArray(path, a)
}

func encodeArray(path string, a Array) (any, error) {
	if err := a.Validate(); err != nil {
		return nil, withPath(path, err)
	}
	shape := make([]any, len(a.Shape))
	for i, d := range a.Shape {
		shape[i] = d
	}
	return map[string]any{
		TypeKey: typeNDArray,
		"dtype": string(a.DType),
		"shape": shape,
		"data":  base64.StdEncoding.EncodeToString(a.Data),
	}, nil
}

func decode(path string, wire any) (any, error) {
	switch x := wire.(type) {
	case nil, bool, string, float64, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32:
		return x, nil
	case map[string]any:
		if tag, ok := x[TypeKey]; ok {
			return decodeEnvelope(path, tag, x)
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			v, err := decode(join(path, k), item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			v, err := decode(index(path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, errAt(path, "malformed record: unexpected %T", wire)
}

func decodeEnvelope(path string, tag any, env map[string]any) (any, error) {
	s, ok := tag.(string)
	if !ok {
		return nil, errAt(path, "type tag must be a string, got %T", tag)
	}
	switch s {
	case typeDatetime:
		return decodeTime(path, env)
	case typeNDArray:
		return decodeArray(path, env)
	default:
		return nil, errAt(path, "unrecognized type tag %q", s)
	}
}

func decodeTime(path string, env map[string]any) (time.Time, error) {
	if len(env) != 2 {
		return time.Time{}, errAt(path, "malformed datetime envelope")
	}
	raw, ok := env["value"].(string)
	if !ok {
		return time.Time{}, errAt(path, "datetime value must be a string")
	}
	t, err := time.Parse(TimeLayout, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, raw)
	}
	if err != nil {
		return time.Time{}, errAt(path, "parsing datetime %q: %v", raw, err)
	}
	return t.UTC(), nil
}

func decodeArray(path string, env map[string]any) (Array, error) {
	if len(env) != 4 {
		return Array{}, errAt(path, "malformed ndarray envelope")
	}
	dtype, ok := env["dtype"].(string)
	if !ok {
		return Array{}, errAt(path, "ndarray dtype must be a string")
	}
	if _, ok := DType(dtype).ItemSize(); !ok {
		return Array{}, errAt(path, "unrecognized dtype %q", dtype)
	}
	shape, err := decodeShape(path, env["shape"])
	if err != nil {
		return Array{}, err
	}
	raw, ok := env["data"].(string)
	if !ok {
		return Array{}, errAt(path, "ndarray data must be a base64 string")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Array{}, errAt(path, "decoding ndarray data: %v", err)
	}
	a := Array{DType: DType(dtype), Shape: shape, Data: data}
	if err := a.Validate(); err != nil {
		return Array{}, withPath(path, err)
	}
	return a, nil
}

func decodeShape(path string, v any) ([]int, error) {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case []int:
		for _, d := range x {
			items = append(items, d)
		}
	default:
		return nil, errAt(path, "ndarray shape must be a list, got %T", v)
	}
	shape := make([]int, len(items))
	for i, item := range items {
		d, ok := dimension(item)
		if !ok {
			return nil, errAt(path, "invalid ndarray dimension %v at axis %d", item, i)
		}
		shape[i] = d
	}
	return shape, nil
}

func dimension(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, x >= 0 && x <= math.MaxInt32
	case int64:
		if x < 0 || x > math.MaxInt32 {
			return 0, false
		}
		return int(x), true
	case float64:
		if x < 0 || x != math.Trunc(x) || x > math.MaxInt32 {
			return 0, false
		}
		return int(x), true
	case json.Number:
		n, err := strconv.Atoi(x.String())
		return n, err == nil && n >= 0 && n <= math.MaxInt32
	default:
		return 0, false
	}
}

func withPath(path string, err error) error {
	if e, ok := err.(*Error); ok && e.Path == "" {
		return &Error{Path: path, Reason: e.Reason}
	}
	return err
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func index(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
