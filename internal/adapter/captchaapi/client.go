// Package captchaapi talks to anti-captcha style remote solvers
// (createTask / getTaskResult JSON protocol, also served by 2captcha).
package captchaapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

type Client struct {
	http   *resty.Client
	apiKey string
}

var _ repository.CaptchaAPI = (*Client)(nil)

// New returns a client for the service at baseURL, e.g. https://api.anti-captcha.com.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)
	return &Client{http: client, apiKey: apiKey}
}

type imageTask struct {
	Type      string `json:"type"`
	Body      string `json:"body"`
	Case      bool   `json:"case,omitempty"`
	Numeric   int    `json:"numeric,omitempty"`
	MinLength int    `json:"minLength,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
}

type createTaskRequest struct {
	ClientKey string    `json:"clientKey"`
	Task      imageTask `json:"task"`
}

type envelope struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

type createTaskResponse struct {
	envelope
	TaskID json.RawMessage `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

// taskResultResponse covers both reply shapes: {status:"ready",solution:{text}}
// and the legacy {status:0|1,request:<answer, CAPCHA_NOT_READY or ERROR_*>}.
type taskResultResponse struct {
	envelope
	Status   json.RawMessage `json:"status"`
	Request  string          `json:"request"`
	Solution struct {
		Text string `json:"text"`
	} `json:"solution"`
}

const notReady = "CAPCHA_NOT_READY"

type balanceResponse struct {
	envelope
	Balance float64 `json:"balance"`
}

func (c *Client) CreateTask(ctx context.Context, req repository.CreateTaskRequest) (string, error) {
	var out createTaskResponse
	err := c.post(ctx, "/createTask", createTaskRequest{
		ClientKey: c.apiKey,
		Task: imageTask{
			Type:      req.Type,
			Body:      req.Body,
			Case:      req.Case,
			Numeric:   req.Numeric,
			MinLength: req.MinLength,
			MaxLength: req.MaxLength,
		},
	}, &out, &out.envelope)
	if err != nil {
		return "", err
	}
	id := strings.Trim(string(out.TaskID), `"`)
	if id == "" || id == "0" || id == "null" {
		return "", &entity.CaptchaError{Kind: entity.CaptchaAPI, Err: fmt.Errorf("createTask returned no task id")}
	}
	return id, nil
}

func (c *Client) GetTaskResult(ctx context.Context, taskID string) (repository.TaskResult, error) {
	var out taskResultResponse
	if err := c.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: c.apiKey, TaskID: taskID}, &out, &out.envelope); err != nil {
		return repository.TaskResult{}, err
	}
	if out.Request == notReady {
		return repository.TaskResult{}, nil
	}
	if strings.HasPrefix(out.Request, "ERROR_") {
		return repository.TaskResult{}, serviceError(out.Request, "")
	}

	status := strings.Trim(string(out.Status), `"`)
	switch status {
	case "ready":
		return repository.TaskResult{Ready: true, Text: out.Solution.Text}, nil
	case "1":
		return repository.TaskResult{Ready: true, Text: out.Request}, nil
	case "processing", "0", "", "null":
		if out.Request != "" {
			return repository.TaskResult{}, &entity.CaptchaError{Kind: entity.CaptchaAPI, Code: out.Request, Err: fmt.Errorf("unexpected reply %q", out.Request)}
		}
		return repository.TaskResult{}, nil
	default:
		return repository.TaskResult{}, &entity.CaptchaError{Kind: entity.CaptchaAPI, Err: fmt.Errorf("unexpected task status %s", status)}
	}
}

// Balance returns the account balance in the service's currency.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var out balanceResponse
	if err := c.post(ctx, "/getBalance", map[string]string{"clientKey": c.apiKey}, &out, &out.envelope); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// post sends body and decodes the reply into out. Transport failures are
// returned unchanged so callers can tell resets from service errors.
func (c *Client) post(ctx context.Context, path string, body, out any, env *envelope) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		ForceContentType("application/json").
		Post(path)
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("captcha service %s: status %d", path, res.StatusCode())
	}
	if env.ErrorID != 0 {
		return serviceError(env.ErrorCode, env.ErrorDescription)
	}
	return nil
}

func serviceError(code, description string) error {
	kind := entity.CaptchaAPI
	switch code {
	case "ERROR_ZERO_BALANCE":
		kind = entity.CaptchaBalance
	case "ERROR_CAPTCHA_UNSOLVABLE":
		kind = entity.CaptchaUnrecognized
	case "ERROR_IMAGE_TYPE_NOT_SUPPORTED", "ERROR_ZERO_CAPTCHA_FILESIZE", "ERROR_TOO_BIG_CAPTCHA_FILESIZE":
		kind = entity.CaptchaInvalidImage
	}
	if description == "" {
		description = strings.ToLower(code)
	}
	return &entity.CaptchaError{Kind: kind, Code: code, Err: errors.New(description)}
}
