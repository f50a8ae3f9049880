package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/session"
)

// CodeNoSlotAvailable is returned by createTask when the service is saturated.
const CodeNoSlotAvailable = "ERROR_NO_SLOT_AVAILABLE"

const defaultTaskType = "ImageToTextTask"

// PollingConfig bounds the remote two-phase protocol.
type PollingConfig struct {
	// Timeout caps task creation plus polling.
	Timeout time.Duration
	// PollStep grows the delay before each poll: min(n*PollStep, MaxPollInterval).
	PollStep        time.Duration
	MaxPollInterval time.Duration
	// BackoffStep grows the delay before retrying a poll that hit a connection
	// reset or timeout: min(n*BackoffStep, MaxBackoff).
	BackoffStep    time.Duration
	MaxBackoff     time.Duration
	SlotRetries    int
	SlotRetryDelay time.Duration
}

// DefaultPolling returns the production schedule.
func DefaultPolling() PollingConfig {
	return PollingConfig{
		Timeout:         120 * time.Second,
		PollStep:        time.Second,
		MaxPollInterval: 5 * time.Second,
		BackoffStep:     2 * time.Second,
		MaxBackoff:      10 * time.Second,
		SlotRetries:     3,
		SlotRetryDelay:  2 * time.Second,
	}
}

func (p PollingConfig) withDefaults() PollingConfig {
	d := DefaultPolling()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.PollStep <= 0 {
		p.PollStep = d.PollStep
	}
	if p.MaxPollInterval <= 0 {
		p.MaxPollInterval = d.MaxPollInterval
	}
	if p.BackoffStep <= 0 {
		p.BackoffStep = d.BackoffStep
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.SlotRetries < 0 {
		p.SlotRetries = 0
	}
	if p.SlotRetryDelay <= 0 {
		p.SlotRetryDelay = d.SlotRetryDelay
	}
	return p
}

// APIResolver drives a remote paid CAPTCHA service.
type APIResolver struct {
	api     repository.CaptchaAPI
	cfg     entity.CaptchaConfig
	polling PollingConfig
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewAPIResolver(api repository.CaptchaAPI, cfg entity.CaptchaConfig, polling PollingConfig, logger *zap.Logger) *APIResolver {
	return &APIResolver{
		api:     api,
		cfg:     cfg,
		polling: polling.withDefaults(),
		logger:  logger,
		sleep:   session.Sleep,
	}
}

func (r *APIResolver) Type() entity.ResolverType { return entity.ResolverAPI }

func (r *APIResolver) Resolve(ctx context.Context, ch *entity.CaptchaChallenge) (string, error) {
	img, err := challengeImage(ch)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.polling.Timeout)
	defer cancel()

	taskType := r.cfg.TaskType
	if taskType == "" {
		taskType = defaultTaskType
	}
	taskID, err := r.createTask(ctx, repository.CreateTaskRequest{
		Type:      taskType,
		Body:      base64.StdEncoding.EncodeToString(img),
		Case:      r.cfg.Case,
		Numeric:   r.cfg.Numeric,
		MinLength: r.cfg.MinLength,
		MaxLength: r.cfg.MaxLength,
	})
	if err != nil {
		return "", err
	}
	r.logger.Debug("captcha task created", zap.String("captcha_task_id", taskID))
	return r.poll(ctx, taskID)
}

func (r *APIResolver) createTask(ctx context.Context, req repository.CreateTaskRequest) (string, error) {
	for attempt := 0; ; attempt++ {
		id, err := r.api.CreateTask(ctx, req)
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return "", r.interrupted(ctx)
		}
		var ce *entity.CaptchaError
		if errors.As(err, &ce) && ce.Code == CodeNoSlotAvailable && attempt < r.polling.SlotRetries {
			r.logger.Info("captcha service has no free slot, retrying",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", r.polling.SlotRetryDelay))
			if err := r.sleep(ctx, r.polling.SlotRetryDelay); err != nil {
				return "", r.interrupted(ctx)
			}
			continue
		}
		return "", classify(err)
	}
}

func (r *APIResolver) poll(ctx context.Context, taskID string) (string, error) {
	for pollCount := 0; ; pollCount++ {
		delay := min(time.Duration(pollCount)*r.polling.PollStep, r.polling.MaxPollInterval)
		if err := r.sleep(ctx, delay); err != nil {
			return "", r.interrupted(ctx)
		}

		res, err := r.pollOnce(ctx, taskID)
		if err != nil {
			return "", err
		}
		if !res.Ready {
			continue
		}
		if res.Text == "" {
			return "", &entity.CaptchaError{Kind: entity.CaptchaUnrecognized, Err: fmt.Errorf("task %s solved with empty text", taskID)}
		}
		r.logger.Debug("captcha task solved", zap.String("captcha_task_id", taskID), zap.Int("polls", pollCount+1))
		return res.Text, nil
	}
}

// pollOnce retries the same poll with a growing backoff while the transport
// reports connection resets or timeouts.
func (r *APIResolver) pollOnce(ctx context.Context, taskID string) (repository.TaskResult, error) {
	for retry := 1; ; retry++ {
		res, err := r.api.GetTaskResult(ctx, taskID)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, r.interrupted(ctx)
		}
		if !isTransient(err) {
			return res, classify(err)
		}
		wait := min(time.Duration(retry)*r.polling.BackoffStep, r.polling.MaxBackoff)
		r.logger.Warn("captcha poll failed, backing off",
			zap.String("captcha_task_id", taskID),
			zap.Int("retry", retry),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := r.sleep(ctx, wait); err != nil {
			return res, r.interrupted(ctx)
		}
	}
}

func (r *APIResolver) interrupted(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &entity.CaptchaError{Kind: entity.CaptchaTimeout, Err: fmt.Errorf("no solution within %s", r.polling.Timeout)}
	}
	return fmt.Errorf("captcha: %w", err)
}

func classify(err error) error {
	var ce *entity.CaptchaError
	if errors.As(err, &ce) {
		return ce
	}
	return &entity.CaptchaError{Kind: entity.CaptchaNetwork, Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
