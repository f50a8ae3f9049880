// Package extract applies declarative field rules to page snapshots.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
)

type compiledRule struct {
	entity.ExtractRule
	transform TransformFunc
	validate  ValidatorFunc
}

// Result is the outcome of one extraction pass.
type Result struct {
	Data   *entity.Record
	Errors []string
}

// ValidationError is reported by the validation pass.
type ValidationError struct {
	Rule    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for rule %s: %s", e.Rule, e.Message)
}

// Engine evaluates a fixed rule set. It is safe for concurrent use.
type Engine struct {
	rules  []compiledRule
	logger *zap.Logger
}

// NewEngine resolves every rule's transforms and validator up front.
func NewEngine(rules []entity.ExtractRule, logger *zap.Logger) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}

		tf, err := CompileTransforms(r.Transform)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		vf, err := CompileValidator(r.Validator)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{ExtractRule: r, transform: tf, validate: vf})
	}
	return &Engine{rules: compiled, logger: logger}, nil
}

// ExtractHTML parses a page snapshot and extracts every rule.
func (e *Engine) ExtractHTML(html string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: parse page: %v", entity.ErrExtraction, err)
	}
	return e.Extract(doc.Selection), nil
}

// Extract evaluates every rule independently; one rule's failure never
// prevents its siblings from producing values.
func (e *Engine) Extract(root *goquery.Selection) *Result {
	res := &Result{Data: entity.NewRecord()}
	for _, r := range e.rules {
		matches := root.Find(r.Selector)
		if matches.Length() == 0 {
			res.Errors = append(res.Errors, "no data found for rule: "+r.Name)
			continue
		}

		var values []any
		matches.Each(func(i int, s *goquery.Selection) {
			if !r.Multiple && len(values) > 0 {
				return
			}
			raw, ok, err := read(r.ExtractRule, s)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("read failed for rule %s: %v", r.Name, err))
				return
			}
			if !ok {
				return
			}
			v, err := e.apply(r, raw)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("transform failed for rule %s: %v", r.Name, err))
				return
			}
			if isEmpty(v) {
				return
			}
			values = append(values, v)
		})

		if len(values) == 0 {
			continue
		}
		var field any = values[0]
		if r.Multiple {
			field = values
		}
		if err := res.Data.Set(r.Name, field); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}
	if e.logger != nil && len(res.Errors) > 0 {
		e.logger.Debug("extraction finished with soft errors",
			zap.Int("fields", res.Data.Len()),
			zap.Strings("errors", res.Errors))
	}
	return res
}

// apply runs the transform chain, converting panics into rule-scoped errors.
func (e *Engine) apply(r compiledRule, raw string) (v any, err error) {
	if r.transform == nil {
		return raw, nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.transform(raw)
}

func read(r entity.ExtractRule, s *goquery.Selection) (string, bool, error) {
	switch r.Kind {
	case entity.KindAttribute:
		v, ok := s.Attr(r.Attribute)
		return strings.TrimSpace(v), ok, nil
	case entity.KindHTML:
		h, err := s.Html()
		if err != nil {
			return "", false, err
		}
		return strings.TrimSpace(h), true, nil
	default:
		return strings.TrimSpace(s.Text()), true, nil
	}
}

// Validate checks required fields and custom validators. The returned errors
// are distinct from the soft extraction errors so callers can enforce them.
func (e *Engine) Validate(rec *entity.Record) []ValidationError {
	var errs []ValidationError
	for _, r := range e.rules {
		v, ok := rec.Get(r.Name)
		if !ok {
			if r.Required {
				errs = append(errs, ValidationError{Rule: r.Name, Message: "required field is missing"})
			}
			continue
		}
		if r.validate == nil {
			continue
		}
		if err := r.validate(v); err != nil {
			errs = append(errs, ValidationError{Rule: r.Name, Message: err.Error()})
		}
	}
	return errs
}
