package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"datapilot/internal/domain"
)

// ArgKind enumerates the argument types the validator can coerce.
type ArgKind string

const (
	KindString    ArgKind = "string"
	KindInt       ArgKind = "int"
	KindBool      ArgKind = "bool"
	KindDecimal   ArgKind = "decimal"
	KindStringMap ArgKind = "string_map" // flat object of string values
	KindObject    ArgKind = "object"     // free-form object, passed through
)

// ArgSpec declares one argument of a tool. The set of declared names is the
// tool's allowed-argument set: any other key is rejected, never dropped.
type ArgSpec struct {
	Kind     ArgKind
	Required bool
	Min      *int // int range lower bound, nil = unbounded
	Max      *int // int range upper bound, nil = unbounded
}

// IntRange is a convenience for bounded integer specs.
func IntRange(required bool, min, max int) ArgSpec {
	return ArgSpec{Kind: KindInt, Required: required, Min: &min, Max: &max}
}

// Definition is an immutable tool declaration, registered once at startup.
type Definition struct {
	Name          string
	Description   string
	Resource      string // queryable resource for filter composition, "" if none
	RequiresWrite bool
	Args          map[string]ArgSpec
	Schema        json.RawMessage // optional JSON Schema applied before coercion
	Handler       domain.ToolHandler
}

// coerce converts a raw JSON-decoded value per its ArgSpec. Error messages are
// stable and safe to surface to the caller.
func coerce(name string, spec ArgSpec, v any) (any, error) {
	switch spec.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("'%s' must be a string", name)
		}
		return s, nil

	case KindInt:
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("'%s' must be an integer", name)
		}
		if spec.Min != nil && n < *spec.Min {
			return nil, fmt.Errorf("'%s' must be >= %d", name, *spec.Min)
		}
		if spec.Max != nil && n > *spec.Max {
			return nil, fmt.Errorf("'%s' must be <= %d", name, *spec.Max)
		}
		return n, nil

	case KindBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return nil, fmt.Errorf("'%s' must be a boolean", name)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("'%s' must be a boolean", name)
		}

	case KindDecimal:
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("'%s' must be a decimal number", name)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("'%s' must be a decimal number", name)
		}

	case KindStringMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("'%s' must be an object of string values", name)
		}
		out := make(map[string]string, len(m))
		for k, mv := range m {
			switch t := mv.(type) {
			case string:
				out[k] = t
			case nil:
				out[k] = "" // explicit null clears the key downstream
			default:
				return nil, fmt.Errorf("'%s.%s' must be a string", name, k)
			}
		}
		return out, nil

	case KindObject:
		if _, ok := v.(map[string]any); !ok {
			return nil, fmt.Errorf("'%s' must be an object", name)
		}
		return v, nil

	default:
		return nil, fmt.Errorf("'%s' has unsupported kind %q", name, spec.Kind)
	}
}

// toInt accepts the integer encodings JSON decoding produces: float64 with
// an integral value, int, or a digit string.
func toInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("not integral")
		}
		return int(t), nil
	case int:
		return t, nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("not an integer")
	}
}
