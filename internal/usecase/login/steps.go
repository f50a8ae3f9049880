package login

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/session"
)

func (o *Orchestrator) navigate(ctx context.Context, page repository.Page) error {
	timeout := o.cfg.NavigationTimeout.Or(defaultNavigationTimeout)
	err := page.Navigate(ctx, o.cfg.LoginURL, repository.NavigateOptions{WaitUntil: "load", Timeout: timeout})
	if err != nil {
		return entity.NetworkError("navigate to login page", err)
	}
	return nil
}

func (o *Orchestrator) preSteps(ctx context.Context, page repository.Page) error {
	for i, s := range o.cfg.PreLoginSteps {
		timeout := s.Timeout.Or(defaultStepTimeout)
		o.logger.Debug("pre-login step", zap.Int("step", i), zap.String("action", string(s.Action)), zap.String("selector", s.Selector))

		switch s.Action {
		case entity.ActionClick:
			if err := o.waitSelector(ctx, page, s.Selector, timeout); err != nil {
				return stepError(i, s, err)
			}
			if err := page.Click(ctx, s.Selector); err != nil {
				return stepError(i, s, err)
			}
		case entity.ActionFill:
			if err := o.waitSelector(ctx, page, s.Selector, timeout); err != nil {
				return stepError(i, s, err)
			}
			if err := page.Fill(ctx, s.Selector, s.Value); err != nil {
				return stepError(i, s, err)
			}
		case entity.ActionWait:
			if s.Selector != "" {
				if err := o.waitSelector(ctx, page, s.Selector, timeout); err != nil {
					return stepError(i, s, err)
				}
			}
		}

		if s.WaitFor != "" {
			if err := o.waitSelector(ctx, page, s.WaitFor, timeout); err != nil {
				return stepError(i, s, err)
			}
		}
		if s.WaitFunction != "" {
			ok, err := session.WaitFor(ctx, timeout, func(ctx context.Context) (bool, error) {
				return page.EvaluateBool(ctx, s.WaitFunction)
			})
			if err != nil {
				return stepError(i, s, err)
			}
			if !ok {
				return stepError(i, s, fmt.Errorf("condition %q not met within %s", s.WaitFunction, timeout))
			}
		}
	}
	return nil
}

func stepError(i int, s entity.PreLoginStep, err error) error {
	return &entity.LoginError{
		Field: s.Selector,
		Err:   fmt.Errorf("pre-login step %d (%s): %w", i, s.Action, err),
	}
}

// waitSelector waits until selector matches at least one element.
func (o *Orchestrator) waitSelector(ctx context.Context, page repository.Page, selector string, timeout time.Duration) error {
	ok, err := session.WaitFor(ctx, timeout, func(ctx context.Context) (bool, error) {
		n, err := page.Count(ctx, selector)
		return n > 0, err
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("selector %q not present after %s", selector, timeout)
	}
	return nil
}

func (o *Orchestrator) awaitForm(ctx context.Context, page repository.Page) error {
	timeout := o.cfg.FormTimeout.Or(defaultFormTimeout)
	ok, err := session.WaitFor(ctx, timeout, func(ctx context.Context) (bool, error) {
		return page.IsReady(ctx, o.cfg.FormSelector)
	})
	if err != nil {
		return err
	}
	if !ok {
		return &entity.LoginError{
			Field: o.cfg.FormSelector,
			Err:   fmt.Errorf("form is not visible and interactive after %s", timeout),
		}
	}
	return nil
}

func (o *Orchestrator) fillCredentials(ctx context.Context, page repository.Page) error {
	user := o.cfg.Fields.Username
	if user.Value == "" {
		user.Value = o.creds.Username
	}
	if user.Name == "" {
		user.Name = "username"
	}
	pass := o.cfg.Fields.Password
	if pass.Value == "" {
		pass.Value = o.creds.Password
	}
	if pass.Name == "" {
		pass.Name = "password"
	}

	fields := append([]entity.FieldConfig{user, pass}, o.cfg.Fields.Other...)
	for _, f := range fields {
		if err := o.writeField(ctx, page, f); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) writeField(ctx context.Context, page repository.Page, f entity.FieldConfig) error {
	name := f.Name
	if name == "" {
		name = f.Selector
	}
	n, err := page.Count(ctx, f.Selector)
	if err != nil {
		return &entity.LoginError{Field: name, Err: err}
	}
	if n == 0 {
		if f.Optional {
			o.logger.Debug("optional field absent", zap.String("field", name))
			return nil
		}
		return &entity.LoginError{Field: name, Err: fmt.Errorf("selector %q matched no element", f.Selector)}
	}

	typ := f.Type
	if typ == "" {
		t, err := page.InputType(ctx, f.Selector)
		if err != nil {
			return &entity.LoginError{Field: name, Err: err}
		}
		typ = entity.FieldType(t)
	}

	switch typ {
	case entity.FieldHidden:
		err = page.SetValue(ctx, f.Selector, f.Value)
	case entity.FieldCheckbox, entity.FieldRadio:
		err = page.SetChecked(ctx, f.Selector, checkedValue(f.Value))
	default:
		err = page.Fill(ctx, f.Selector, f.Value)
	}
	if err != nil {
		return &entity.LoginError{Field: name, Err: err}
	}
	o.logger.Debug("field written", zap.String("field", name), zap.String("type", string(typ)))
	return nil
}

func checkedValue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "off", "no", "unchecked":
		return false
	}
	return true
}

func (o *Orchestrator) solveCaptcha(ctx context.Context, page repository.Page) error {
	field := *o.cfg.Fields.Captcha
	ch := &entity.CaptchaChallenge{
		Field:        field,
		ResolverType: field.Resolver.Type,
		CreatedAt:    time.Now(),
		Acquire: func() ([]byte, error) {
			return o.captchaImage(ctx, page, field)
		},
	}
	text, err := o.deps.Resolver.Resolve(ctx, ch)
	if err != nil {
		return &entity.LoginError{Field: field.InputSelector, Err: err}
	}
	o.logger.Info("captcha resolved", zap.String("resolver", string(field.Resolver.Type)), zap.Int("length", len(text)))

	if err := page.Fill(ctx, field.InputSelector, text); err != nil {
		return &entity.LoginError{Field: field.InputSelector, Err: err}
	}
	// The nonce is read last so it matches the image the answer was given for.
	return o.mirrorHash(ctx, page, field)
}

func (o *Orchestrator) captchaImage(ctx context.Context, page repository.Page, field entity.CaptchaField) ([]byte, error) {
	if field.ImageSelector != "" {
		if err := o.waitSelector(ctx, page, field.ImageSelector, defaultStepTimeout); err != nil {
			return nil, err
		}
		return page.ElementScreenshot(ctx, field.ImageSelector)
	}
	src := field.ImageURL
	if current, err := page.URL(ctx); err == nil {
		if base, err := url.Parse(current); err == nil {
			if ref, err := url.Parse(src); err == nil {
				src = base.ResolveReference(ref).String()
			}
		}
	}
	encoded, err := page.FetchBase64(ctx, src)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (o *Orchestrator) mirrorHash(ctx context.Context, page repository.Page, field entity.CaptchaField) error {
	if field.HashSelector == "" || field.HashTargetSelector == "" {
		return nil
	}
	var (
		hash string
		err  error
	)
	if field.HashAttribute != "" {
		hash, _, err = page.Attribute(ctx, field.HashSelector, field.HashAttribute)
	} else {
		hash, err = page.Value(ctx, field.HashSelector)
	}
	if err != nil {
		return &entity.LoginError{Field: field.HashSelector, Err: fmt.Errorf("read captcha hash: %w", err)}
	}
	if err := page.SetValue(ctx, field.HashTargetSelector, hash); err != nil {
		return &entity.LoginError{Field: field.HashTargetSelector, Err: fmt.Errorf("write captcha hash: %w", err)}
	}
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, page repository.Page) error {
	sel := o.cfg.FormSelector + " " + o.submitSelector()
	timeout := o.cfg.SubmitTimeout.Or(defaultSubmitTimeout)
	if err := page.ClickAndWaitNavigation(ctx, sel, timeout); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) submitSelector() string {
	if o.cfg.SubmitSelector != "" {
		return o.cfg.SubmitSelector
	}
	return "[type=submit]"
}

func (o *Orchestrator) verify(ctx context.Context, page repository.Page) error {
	check := o.cfg.SuccessCheck
	timeout := check.Timeout.Or(defaultVerifyTimeout)
	if err := o.waitSelector(ctx, page, check.Selector, timeout); err != nil {
		return &entity.LoginError{Field: check.Selector, Err: err}
	}
	if check.ExpectedText == "" {
		return nil
	}
	actual, err := page.Text(ctx, check.Selector)
	if err != nil {
		return &entity.LoginError{Field: check.Selector, Err: err}
	}
	if !strings.Contains(actual, check.ExpectedText) {
		return &entity.LoginError{
			Field:    check.Selector,
			Expected: check.ExpectedText,
			Actual:   actual,
		}
	}
	return nil
}
