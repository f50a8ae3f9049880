package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/user/pt-crawler/internal/entity"
)

// TransformFunc maps one extracted value to another. Returning a nil value
// drops it from the rule's output.
type TransformFunc func(v any) (any, error)

type transformFactory func(spec entity.TransformSpec) (TransformFunc, error)

var numberPattern = regexp.MustCompile(`[-+]?\d[\d,]*(?:\.\d+)?|[-+]?\.\d+`)

var sizeWithUnitPattern = regexp.MustCompile(`([-+]?\d[\d,]*(?:\.\d+)?)\s*([A-Za-z]+)`)

// binaryByteUnits is the size table used by PT sites for upload/download amounts.
var binaryByteUnits = map[string]float64{
	"B":   1,
	"KB":  1 << 10,
	"MB":  1 << 20,
	"GB":  1 << 30,
	"TB":  1 << 40,
	"PB":  1 << 50,
	"EB":  1 << 60,
	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
	"TIB": 1 << 40,
	"PIB": 1 << 50,
	"EIB": 1 << 60,
}

var defaultDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	time.RFC3339,
}

var registry = map[string]transformFactory{
	"trim":               func(entity.TransformSpec) (TransformFunc, error) { return stringFn(strings.TrimSpace), nil },
	"lower":              func(entity.TransformSpec) (TransformFunc, error) { return stringFn(strings.ToLower), nil },
	"upper":              func(entity.TransformSpec) (TransformFunc, error) { return stringFn(strings.ToUpper), nil },
	"replace":            newReplace,
	"regexExtract":       newRegexExtract,
	"regexExtractNumber": newRegexExtractNumber,
	"unitConvert":        newUnitConvert,
	"dateParse":          newDateParse,
	"toInt":              func(entity.TransformSpec) (TransformFunc, error) { return toInt, nil },
	"toFloat":            func(entity.TransformSpec) (TransformFunc, error) { return toFloat, nil },
	"ratio":              func(entity.TransformSpec) (TransformFunc, error) { return ratio, nil },
}

// CompileTransforms resolves a chain of descriptors against the registry.
func CompileTransforms(specs []entity.TransformSpec) (TransformFunc, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	chain := make([]TransformFunc, 0, len(specs))
	for i, spec := range specs {
		factory, ok := registry[spec.Type]
		if !ok {
			return nil, fmt.Errorf("transform %d: unknown type %q", i, spec.Type)
		}
		fn, err := factory(spec)
		if err != nil {
			return nil, fmt.Errorf("transform %d (%s): %w", i, spec.Type, err)
		}
		chain = append(chain, fn)
	}
	return func(v any) (any, error) {
		var err error
		for _, fn := range chain {
			if v == nil {
				return nil, nil
			}
			if v, err = fn(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

func stringFn(fn func(string) string) TransformFunc {
	return func(v any) (any, error) { return fn(asString(v)), nil }
}

func compilePattern(spec entity.TransformSpec, fallback *regexp.Regexp) (*regexp.Regexp, error) {
	if spec.Pattern == "" {
		if fallback == nil {
			return nil, fmt.Errorf("pattern is required")
		}
		return fallback, nil
	}
	pattern := spec.Pattern
	if spec.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// submatch returns the requested group, defaulting to the first capture group
// when the pattern has one and to the whole match otherwise.
func submatch(re *regexp.Regexp, s string, group int) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if group == 0 && len(m) > 1 {
		group = 1
	}
	if group >= len(m) {
		return "", false
	}
	return m[group], true
}

func newReplace(spec entity.TransformSpec) (TransformFunc, error) {
	re, err := compilePattern(spec, nil)
	if err != nil {
		return nil, err
	}
	return func(v any) (any, error) {
		return re.ReplaceAllString(asString(v), spec.Replacement), nil
	}, nil
}

func newRegexExtract(spec entity.TransformSpec) (TransformFunc, error) {
	re, err := compilePattern(spec, nil)
	if err != nil {
		return nil, err
	}
	return func(v any) (any, error) {
		s, ok := submatch(re, asString(v), spec.Group)
		if !ok {
			return nil, fmt.Errorf("pattern %q did not match %q", re.String(), asString(v))
		}
		return s, nil
	}, nil
}

func newRegexExtractNumber(spec entity.TransformSpec) (TransformFunc, error) {
	re, err := compilePattern(spec, numberPattern)
	if err != nil {
		return nil, err
	}
	return func(v any) (any, error) {
		s, ok := submatch(re, asString(v), spec.Group)
		if !ok {
			return nil, fmt.Errorf("no number in %q", asString(v))
		}
		return parseNumber(s)
	}, nil
}

func newUnitConvert(spec entity.TransformSpec) (TransformFunc, error) {
	re, err := compilePattern(spec, sizeWithUnitPattern)
	if err != nil {
		return nil, err
	}
	if re.NumSubexp() < 2 {
		return nil, fmt.Errorf("pattern must capture a number and a unit")
	}
	units := binaryByteUnits
	fold := true
	if len(spec.Units) > 0 {
		units = spec.Units
		fold = spec.CaseInsensitive
	}
	if fold {
		folded := make(map[string]float64, len(units))
		for k, m := range units {
			folded[strings.ToUpper(k)] = m
		}
		units = folded
	}
	return func(v any) (any, error) {
		m := re.FindStringSubmatch(asString(v))
		if m == nil {
			return nil, fmt.Errorf("no amount with unit in %q", asString(v))
		}
		n, err := parseNumber(m[1])
		if err != nil {
			return nil, err
		}
		unit := m[2]
		if fold {
			unit = strings.ToUpper(unit)
		}
		mult, ok := units[unit]
		if !ok {
			return nil, fmt.Errorf("unknown unit %q", m[2])
		}
		return n * mult, nil
	}, nil
}

func newDateParse(spec entity.TransformSpec) (TransformFunc, error) {
	layouts := spec.Layouts
	if len(layouts) == 0 {
		layouts = defaultDateLayouts
	}
	loc := time.UTC
	if spec.Timezone != "" {
		l, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	return func(v any) (any, error) {
		s := strings.TrimSpace(asString(v))
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, fmt.Errorf("unrecognized date %q", s)
	}, nil
}

func parseNumber(s string) (float64, error) {
	clean := strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(s))
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return f, nil
}

func toFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	}
	return parseNumber(asString(v))
}

func toInt(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	}
	f, err := parseNumber(asString(v))
	if err != nil {
		return nil, err
	}
	return int64(f), nil
}

// ratio parses share ratios; infinite ratios are kept as the string "inf"
// and placeholder dashes yield no value.
func ratio(v any) (any, error) {
	s := strings.TrimSpace(asString(v))
	switch strings.ToLower(s) {
	case "∞", "inf", "infinity", "无限":
		return "inf", nil
	case "", "---", "--", "-", "n/a":
		return nil, nil
	}
	if m := numberPattern.FindString(s); m != "" {
		return parseNumber(m)
	}
	return nil, fmt.Errorf("invalid ratio %q", s)
}
