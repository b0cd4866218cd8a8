package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// field returns the first present key. Vendors and decoders disagree on
// camelCase vs snake_case, so callers pass both spellings.
func field(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	case []string:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	}
	return nil, false
}

// toFloat coerces the numeric representations produced by JSON and
// structpb decoders, plus numeric strings
func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, typeError("number", v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, typeError("number", v)
		}
		f = parsed
	default:
		return 0, typeError("number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, typeError("finite number", v)
	}
	return f, nil
}

// floatField reads an optional number, returning def when it is absent
func floatField(m map[string]any, def float64, keys ...string) (float64, error) {
	v, ok := field(m, keys...)
	if !ok {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", keys[0], err)
	}
	return f, nil
}

// stringField reads an optional label, returning def when absent or blank
func stringField(m map[string]any, def string, keys ...string) (string, error) {
	v, ok := field(m, keys...)
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: %w", keys[0], typeError("string", v))
	}
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return s, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func typeError(want string, got any) error {
	return &recordError{reason: ReasonTypeMismatch, msg: fmt.Sprintf("expected %s, got %T", want, got)}
}
