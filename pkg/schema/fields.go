package schema

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Field describes one top-level payload key.
type Field struct {
	name     string
	required bool
	check    func(path *field.Path, v any) *field.Error
}

// Optional returns a copy of f that may be absent. A present value is still
// checked.
func (f Field) Optional() Field {
	f.required = false
	return f
}

func (f Field) Name() string { return f.name }

// Object validates the listed fields. Keys not listed are ignored so that
// newer senders can add fields without breaking older receivers.
func Object(fields ...Field) Validator {
	return func(p types.Payload) field.ErrorList {
		var allErrors field.ErrorList
		for _, f := range fields {
			path := field.NewPath(f.name)
			v, ok := p[f.name]
			if !ok || v == nil {
				if f.required {
					allErrors = append(allErrors, field.Required(path, fmt.Sprintf("%s is required", f.name)))
				}
				continue
			}
			if err := f.check(path, v); err != nil {
				allErrors = append(allErrors, err)
			}
		}
		return allErrors
	}
}

// String accepts any string, including the empty string.
func String(name string) Field {
	return Field{name: name, required: true, check: func(path *field.Path, v any) *field.Error {
		if _, ok := v.(string); !ok {
			return field.TypeInvalid(path, v, "must be a string")
		}
		return nil
	}}
}

// NonEmptyString rejects "".
func NonEmptyString(name string) Field {
	return Field{name: name, required: true, check: func(path *field.Path, v any) *field.Error {
		s, ok := v.(string)
		if !ok {
			return field.TypeInvalid(path, v, "must be a string")
		}
		if s == "" {
			return field.Required(path, fmt.Sprintf("%s must not be empty", path.String()))
		}
		return nil
	}}
}

// Enum accepts one of values.
func Enum(name string, values ...string) Field {
	return Field{name: name, required: true, check: func(path *field.Path, v any) *field.Error {
		s, ok := v.(string)
		if !ok {
			return field.TypeInvalid(path, v, "must be a string")
		}
		for _, allowed := range values {
			if s == allowed {
				return nil
			}
		}
		return field.NotSupported(path, s, values)
	}}
}

// Integer accepts integral JSON numbers no smaller than min.
func Integer(name string, min int64) Field {
	return Field{name: name, required: true, check: func(path *field.Path, v any) *field.Error {
		n, ok := asInt(v)
		if !ok {
			return field.TypeInvalid(path, v, "must be an integer")
		}
		if n < min {
			return field.Invalid(path, n, fmt.Sprintf("must be greater than or equal to %d", min))
		}
		return nil
	}}
}

// Map accepts a JSON object with arbitrary contents.
func Map(name string) Field {
	return Field{name: name, required: true, check: func(path *field.Path, v any) *field.Error {
		switch v.(type) {
		case map[string]any, types.Payload:
			return nil
		}
		return field.TypeInvalid(path, v, "must be an object")
	}}
}

// Version is the required protocol version field.
func Version() Field {
	return Integer(types.VersionKey, 1)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
