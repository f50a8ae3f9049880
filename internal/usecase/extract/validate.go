package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/user/pt-crawler/internal/entity"
)

// ValidatorFunc returns a non-nil error when the value is rejected.
type ValidatorFunc func(v any) error

// CompileValidator resolves a declarative validator.
func CompileValidator(spec *entity.ValidatorSpec) (ValidatorFunc, error) {
	if spec == nil {
		return nil, nil
	}
	var check ValidatorFunc
	switch spec.Type {
	case "nonEmpty":
		check = func(v any) error {
			if isEmpty(v) {
				return fmt.Errorf("value is empty")
			}
			return nil
		}
	case "regex":
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("validator regex: %w", err)
		}
		check = func(v any) error {
			if !re.MatchString(asString(v)) {
				return fmt.Errorf("%q does not match %s", asString(v), re.String())
			}
			return nil
		}
	case "range":
		if spec.Min == nil && spec.Max == nil {
			return nil, fmt.Errorf("validator range: min or max is required")
		}
		check = func(v any) error {
			n, err := numeric(v)
			if err != nil {
				return err
			}
			if spec.Min != nil && n < *spec.Min {
				return fmt.Errorf("%v is below minimum %v", n, *spec.Min)
			}
			if spec.Max != nil && n > *spec.Max {
				return fmt.Errorf("%v is above maximum %v", n, *spec.Max)
			}
			return nil
		}
	case "oneOf":
		check = func(v any) error {
			if !slices.Contains(spec.Values, asString(v)) {
				return fmt.Errorf("%q is not one of %s", asString(v), strings.Join(spec.Values, ", "))
			}
			return nil
		}
	default:
		return nil, fmt.Errorf("unknown validator type %q", spec.Type)
	}
	// Multi-valued fields are validated element-wise.
	return func(v any) error {
		if list, ok := v.([]any); ok {
			for i, item := range list {
				if err := check(item); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
			return nil
		}
		return check(v)
	}, nil
}

func numeric(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	}
	return parseNumber(asString(v))
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}
