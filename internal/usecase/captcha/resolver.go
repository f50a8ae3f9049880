// Package captcha turns challenge images into text guesses using a strategy
// selected per site.
package captcha

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/pkg/metrics"
)

// Resolver produces the text answer for a challenge or a typed failure.
type Resolver interface {
	Resolve(ctx context.Context, ch *entity.CaptchaChallenge) (string, error)
	Type() entity.ResolverType
}

// Dependencies are the capabilities a resolver may need.
type Dependencies struct {
	OCR     repository.OCREngine
	API     repository.CaptchaAPI
	Polling PollingConfig
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// New selects the resolver for cfg. Unavailable capabilities are a
// configuration error, never a silent fallback to another strategy.
func New(cfg entity.CaptchaConfig, deps Dependencies) (Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var r Resolver
	switch cfg.Type {
	case entity.ResolverSkip:
		r = skipResolver{}
	case entity.ResolverOCR:
		if deps.OCR == nil {
			return nil, fmt.Errorf("captcha: ocr resolver requires an OCR engine")
		}
		r = NewOCRResolver(deps.OCR, logger)
	case entity.ResolverAPI:
		if deps.API == nil {
			return nil, fmt.Errorf("captcha: api resolver requires a remote API client")
		}
		polling := deps.Polling
		if cfg.Timeout > 0 {
			polling.Timeout = cfg.Timeout.Std()
		}
		r = NewAPIResolver(deps.API, cfg, polling, logger)
	}
	if deps.Metrics != nil {
		r = instrumented{Resolver: r, metrics: deps.Metrics}
	}
	return r, nil
}

type skipResolver struct{}

func (skipResolver) Resolve(context.Context, *entity.CaptchaChallenge) (string, error) {
	return "", nil
}

func (skipResolver) Type() entity.ResolverType { return entity.ResolverSkip }

type instrumented struct {
	Resolver
	metrics *metrics.Metrics
}

func (i instrumented) Resolve(ctx context.Context, ch *entity.CaptchaChallenge) (string, error) {
	text, err := i.Resolver.Resolve(ctx, ch)
	status := "success"
	if err != nil {
		status = "failure"
	}
	i.metrics.CaptchaSolvesTotal.WithLabelValues(string(i.Type()), status).Inc()
	return text, err
}

func challengeImage(ch *entity.CaptchaChallenge) ([]byte, error) {
	if ch == nil {
		return nil, &entity.CaptchaError{Kind: entity.CaptchaInvalidImage, Err: fmt.Errorf("no challenge")}
	}
	img, err := ch.ImageBytes()
	if err != nil {
		return nil, &entity.CaptchaError{Kind: entity.CaptchaInvalidImage, Err: err}
	}
	if len(img) == 0 {
		return nil, &entity.CaptchaError{Kind: entity.CaptchaInvalidImage, Err: fmt.Errorf("empty image")}
	}
	return img, nil
}
