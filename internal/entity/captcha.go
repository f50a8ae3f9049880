package entity

import (
	"fmt"
	"time"
)

// ResolverType selects the CAPTCHA resolution strategy.
type ResolverType string

const (
	ResolverSkip ResolverType = "skip"
	ResolverOCR  ResolverType = "ocr"
	ResolverAPI  ResolverType = "api"
)

// CaptchaConfig is the per-site resolver selection.
type CaptchaConfig struct {
	Type ResolverType `json:"type" yaml:"type"`
	// TaskType is the remote task type, e.g. "ImageToTextTask".
	TaskType string   `json:"taskType,omitempty" yaml:"taskType,omitempty"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Case, Numeric, MinLength and MaxLength are hints forwarded to the remote solver.
	Case      bool `json:"case,omitempty" yaml:"case,omitempty"`
	Numeric   int  `json:"numeric,omitempty" yaml:"numeric,omitempty"`
	MinLength int  `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength int  `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
}

func (c CaptchaConfig) Validate() error {
	switch c.Type {
	case ResolverSkip, ResolverOCR, ResolverAPI:
		return nil
	case "":
		return fmt.Errorf("captcha resolver type is required")
	default:
		return fmt.Errorf("unknown captcha resolver type %q", c.Type)
	}
}

// CaptchaChallenge is created on demand during login and discarded after one
// resolution attempt.
type CaptchaChallenge struct {
	Image []byte
	// Acquire is used when Image is empty.
	Acquire      func() ([]byte, error)
	Field        CaptchaField
	ResolverType ResolverType
	CreatedAt    time.Time
}

// ImageBytes returns the challenge image, acquiring it if necessary.
func (c *CaptchaChallenge) ImageBytes() ([]byte, error) {
	if len(c.Image) > 0 {
		return c.Image, nil
	}
	if c.Acquire == nil {
		return nil, nil
	}
	img, err := c.Acquire()
	if err != nil {
		return nil, err
	}
	c.Image = img
	return img, nil
}
