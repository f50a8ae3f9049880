package captcha

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

// OCRResolver runs an offline recognition pass.
type OCRResolver struct {
	engine repository.OCREngine
	logger *zap.Logger
}

func NewOCRResolver(engine repository.OCREngine, logger *zap.Logger) *OCRResolver {
	return &OCRResolver{engine: engine, logger: logger}
}

func (r *OCRResolver) Type() entity.ResolverType { return entity.ResolverOCR }

func (r *OCRResolver) Resolve(ctx context.Context, ch *entity.CaptchaChallenge) (string, error) {
	img, err := challengeImage(ch)
	if err != nil {
		return "", err
	}
	raw, err := r.engine.Recognize(ctx, img)
	if err != nil {
		return "", &entity.CaptchaError{Kind: entity.CaptchaInvalidImage, Err: err}
	}
	text := alphanumeric(raw)
	r.logger.Debug("ocr recognized captcha", zap.String("raw", raw), zap.String("text", text))
	if text == "" {
		return "", &entity.CaptchaError{Kind: entity.CaptchaUnrecognized, Err: fmt.Errorf("no alphanumeric text in %q", raw)}
	}
	return text, nil
}

// alphanumeric keeps ASCII letters and digits only.
func alphanumeric(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c < unicode.MaxASCII && (unicode.IsLetter(c) || unicode.IsDigit(c)) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
