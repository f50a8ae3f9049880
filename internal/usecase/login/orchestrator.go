// Package login drives a browser page through a site's login form.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/captcha"
	"github.com/user/pt-crawler/internal/usecase/session"
	"github.com/user/pt-crawler/pkg/metrics"
)

// State is a node of the login state machine.
type State string

const (
	StateStart     State = "START"
	StateNavigate  State = "NAVIGATE_LOGIN_PAGE"
	StatePreSteps  State = "PRE_STEPS"
	StateAwaitForm State = "AWAIT_FORM_READY"
	StateFill      State = "FILL_CREDENTIALS"
	StateCaptcha   State = "CAPTCHA"
	StateSubmit    State = "SUBMIT"
	StateVerify    State = "VERIFY"
	StateLoggedIn  State = "LOGGED_IN"
	StateFailed    State = "FAILED"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultStepTimeout       = 5 * time.Second
	defaultFormTimeout       = 10 * time.Second
	defaultSubmitTimeout     = 30 * time.Second
	defaultVerifyTimeout     = 10 * time.Second
)

// Dependencies are the collaborators of an Orchestrator. Resolver is required
// only when the form declares a CAPTCHA that is not skipped.
type Dependencies struct {
	Resolver       captcha.Resolver
	Store          *session.Store
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	ErrorSelectors []string
}

// Orchestrator runs one login flow at a time; it keeps no state between calls
// beyond the last reached state.
type Orchestrator struct {
	cfg   entity.LoginConfig
	creds entity.Credentials
	deps  Dependencies

	logger *zap.Logger
	state  State
}

func New(cfg entity.LoginConfig, creds entity.Credentials, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("login: session store is required")
	}
	if cfg.NeedsCaptcha() && deps.Resolver == nil {
		return nil, fmt.Errorf("login: form declares a %s captcha but no resolver was provided", cfg.Fields.Captcha.Resolver.Type)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		creds:  creds,
		deps:   deps,
		logger: logger.With(zap.String("site", deps.Store.Site()), zap.String("login_url", cfg.LoginURL)),
		state:  StateStart,
	}, nil
}

// State returns the last state entered.
func (o *Orchestrator) State() State { return o.state }

type step struct {
	state State
	run   func(ctx context.Context, page repository.Page) error
}

// Login runs the full flow on page. On success the session snapshot is
// persisted and returned. Any failure is a *entity.LoginError whose
// DiagnosticKey names the persisted diagnostic bundle.
func (o *Orchestrator) Login(ctx context.Context, page repository.Page) (*entity.SessionState, error) {
	start := time.Now()
	o.state = StateStart

	steps := []step{
		{StateNavigate, o.navigate},
		{StatePreSteps, o.preSteps},
		{StateAwaitForm, o.awaitForm},
		{StateFill, o.fillCredentials},
	}
	if o.cfg.NeedsCaptcha() {
		steps = append(steps, step{StateCaptcha, o.solveCaptcha})
	}
	steps = append(steps, step{StateSubmit, o.submit}, step{StateVerify, o.verify})

	for _, s := range steps {
		o.enter(s.state)
		if err := s.run(ctx, page); err != nil {
			return nil, o.fail(ctx, page, s.state, err, start)
		}
	}

	state, err := session.Snapshot(ctx, page, o.creds.Username, true)
	if err != nil {
		return nil, o.fail(ctx, page, StateVerify, err, start)
	}
	if err := o.deps.Store.SaveState(ctx, state); err != nil {
		return nil, o.fail(ctx, page, StateVerify, err, start)
	}
	o.saveSuccessSnapshot(ctx, page)

	o.enter(StateLoggedIn)
	o.observe("success", start)
	o.logger.Info("login succeeded",
		zap.String("username", o.creds.Username),
		zap.Int("cookies", len(state.Cookies)),
		zap.Duration("elapsed", time.Since(start)))
	return state, nil
}

func (o *Orchestrator) enter(s State) {
	o.logger.Debug("login state", zap.String("from", string(o.state)), zap.String("to", string(s)))
	o.state = s
}

func (o *Orchestrator) fail(ctx context.Context, page repository.Page, at State, err error, start time.Time) error {
	var le *entity.LoginError
	if !errors.As(err, &le) {
		le = &entity.LoginError{Err: err}
	}
	le.State = string(at)

	// Diagnostics are written even when the run is being cancelled.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	d := session.Capture(dctx, page, "login failed", o.deps.ErrorSelectors)
	d.State = string(at)
	d.Error = le.Error()
	key, serr := o.deps.Store.SaveDiagnostics(dctx, "login-failure", d)
	if serr != nil {
		o.logger.Error("failed to persist login diagnostics", zap.Error(serr))
	}
	le.DiagnosticKey = key

	o.enter(StateFailed)
	o.observe("failure", start)
	o.logger.Error("login failed",
		zap.String("state", string(at)),
		zap.String("field", le.Field),
		zap.String("page_error", d.ErrorMessage),
		zap.String("diagnostics", key),
		zap.Error(le.Err))
	return le
}

func (o *Orchestrator) saveSuccessSnapshot(ctx context.Context, page repository.Page) {
	d := session.Capture(ctx, page, "login succeeded", nil)
	if _, err := o.deps.Store.SaveDiagnostics(ctx, "login-success", d); err != nil {
		o.logger.Warn("failed to persist login success snapshot", zap.Error(err))
	}
}

func (o *Orchestrator) observe(status string, start time.Time) {
	if o.deps.Metrics == nil {
		return
	}
	site := o.deps.Store.Site()
	o.deps.Metrics.LoginAttemptsTotal.WithLabelValues(site, status).Inc()
	o.deps.Metrics.LoginDuration.WithLabelValues(site).Observe(time.Since(start).Seconds())
}
