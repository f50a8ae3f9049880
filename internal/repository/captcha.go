package repository

import "context"

// CreateTaskRequest is an image-to-text task for a remote CAPTCHA service.
type CreateTaskRequest struct {
	Type      string
	Body      string // base64
	Case      bool
	Numeric   int
	MinLength int
	MaxLength int
}

// TaskResult is one poll outcome. Ready is false while the task is processing.
type TaskResult struct {
	Ready bool
	Text  string
}

// CaptchaAPI is the remote paid CAPTCHA service. Service-level failures are
// returned as *entity.CaptchaError; transport failures are returned as-is.
type CaptchaAPI interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (string, error)
	GetTaskResult(ctx context.Context, taskID string) (TaskResult, error)
}

// OCREngine runs offline text recognition over an image.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}
