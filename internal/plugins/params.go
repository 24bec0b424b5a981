package plugins

import (
	"fmt"
	"math"
	"sort"
)

// ParamType enumerates the value kinds a plugin parameter can declare.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamChoice ParamType = "choice"
	ParamString ParamType = "string"
)

// ParamDef describes a single plugin parameter. Min/Max apply to int and
// float parameters, Choices to choice parameters.
type ParamDef struct {
	Type        ParamType
	Default     any
	Min         *float64
	Max         *float64
	Choices     []string
	Unit        string
	Description string
}

// limit is a shorthand for optional Min/Max bounds in parameter definitions.
func limit(v float64) *float64 {
	return &v
}

// ValidationError reports a parameter value that was rejected against its
// schema entry. The plugin's parameter map is left untouched.
type ValidationError struct {
	Plugin string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plugin %q: parameter %q: %s", e.Plugin, e.Field, e.Reason)
}

// checkValue coerces value to the declared type and validates it against the
// definition. It returns the normalized value, or a non-empty reason when the
// value is rejected. Values are never clamped.
func checkValue(def ParamDef, value any) (any, string) {
	switch def.Type {
	case ParamInt:
		n, ok := intValue(value)
		if !ok {
			return nil, fmt.Sprintf("expected int, got %T", value)
		}
		if def.Min != nil && float64(n) < *def.Min {
			return nil, fmt.Sprintf("value %d below minimum %v", n, *def.Min)
		}
		if def.Max != nil && float64(n) > *def.Max {
			return nil, fmt.Sprintf("value %d above maximum %v", n, *def.Max)
		}
		return n, ""

	case ParamFloat:
		f, ok := floatValue(value)
		if !ok {
			return nil, fmt.Sprintf("expected float, got %T", value)
		}
		if def.Min != nil && f < *def.Min {
			return nil, fmt.Sprintf("value %v below minimum %v", f, *def.Min)
		}
		if def.Max != nil && f > *def.Max {
			return nil, fmt.Sprintf("value %v above maximum %v", f, *def.Max)
		}
		return f, ""

	case ParamBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Sprintf("expected bool, got %T", value)
		}
		return b, ""

	case ParamChoice:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Sprintf("expected string choice, got %T", value)
		}
		for _, c := range def.Choices {
			if s == c {
				return s, ""
			}
		}
		return nil, fmt.Sprintf("%q is not one of %v", s, def.Choices)

	case ParamString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Sprintf("expected string, got %T", value)
		}
		return s, ""
	}
	return nil, fmt.Sprintf("unknown parameter type %q", def.Type)
}

// intValue accepts the integer representations produced by Go literals, JSON
// decoding (float64) and YAML decoding (int).
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// sortedKeys returns map keys in a stable order for deterministic iteration.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
