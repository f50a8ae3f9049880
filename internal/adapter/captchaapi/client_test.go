package captchaapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

func newServer(t *testing.T, handler func(path string, body map[string]any) any) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key-1", body["clientKey"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handler(r.URL.Path, body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "key-1", 5*time.Second)
}

func TestCreateTaskAndPoll(t *testing.T) {
	ctx := context.Background()
	polls := 0
	c := newServer(t, func(path string, body map[string]any) any {
		switch path {
		case "/createTask":
			task := body["task"].(map[string]any)
			assert.Equal(t, "ImageToTextTask", task["type"])
			assert.Equal(t, "aW1n", task["body"])
			assert.Equal(t, float64(4), task["minLength"])
			return map[string]any{"errorId": 0, "taskId": 7654321}
		case "/getTaskResult":
			assert.Equal(t, "7654321", body["taskId"])
			polls++
			if polls == 1 {
				return map[string]any{"errorId": 0, "status": "processing"}
			}
			return map[string]any{"errorId": 0, "status": "ready", "solution": map[string]any{"text": "x7kq"}}
		}
		return map[string]any{"errorId": 1, "errorCode": "ERROR_NO_SUCH_METHOD"}
	})

	id, err := c.CreateTask(ctx, repository.CreateTaskRequest{Type: "ImageToTextTask", Body: "aW1n", MinLength: 4})
	require.NoError(t, err)
	require.Equal(t, "7654321", id)

	res, err := c.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.False(t, res.Ready)

	res, err = c.GetTaskResult(ctx, id)
	require.NoError(t, err)
	require.Equal(t, repository.TaskResult{Ready: true, Text: "x7kq"}, res)
}

func TestServiceErrorsAreTyped(t *testing.T) {
	for code, kind := range map[string]entity.CaptchaKind{
		"ERROR_ZERO_BALANCE":       entity.CaptchaBalance,
		"ERROR_KEY_DOES_NOT_EXIST": entity.CaptchaAPI,
		"ERROR_NO_SLOT_AVAILABLE":  entity.CaptchaAPI,
		"ERROR_CAPTCHA_UNSOLVABLE": entity.CaptchaUnrecognized,
	} {
		t.Run(code, func(t *testing.T) {
			c := newServer(t, func(string, map[string]any) any {
				return map[string]any{"errorId": 1, "errorCode": code, "errorDescription": "nope"}
			})
			_, err := c.CreateTask(context.Background(), repository.CreateTaskRequest{Type: "ImageToTextTask", Body: "aW1n"})
			var ce *entity.CaptchaError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, kind, ce.Kind)
			require.Equal(t, code, ce.Code)
			require.ErrorIs(t, err, entity.ErrCaptcha)
		})
	}
}

func TestBalance(t *testing.T) {
	c := newServer(t, func(path string, _ map[string]any) any {
		assert.Equal(t, "/getBalance", path)
		return map[string]any{"errorId": 0, "balance": 3.25}
	})
	b, err := c.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3.25, b)
}

func TestHTTPFailureIsNotAServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k", time.Second).GetTaskResult(context.Background(), "1")
	require.Error(t, err)
	var ce *entity.CaptchaError
	require.False(t, errors.As(err, &ce))
}

func TestTaskResultRequestField(t *testing.T) {
	cases := []struct {
		name  string
		reply map[string]any
		want  repository.TaskResult
		kind  entity.CaptchaKind
	}{
		{"not ready", map[string]any{"status": 0, "request": "CAPCHA_NOT_READY"}, repository.TaskResult{}, ""},
		{"not ready without status", map[string]any{"request": "CAPCHA_NOT_READY"}, repository.TaskResult{}, ""},
		{"legacy answer", map[string]any{"status": 1, "request": "x7kq"}, repository.TaskResult{Ready: true, Text: "x7kq"}, ""},
		{"unsolvable", map[string]any{"request": "ERROR_CAPTCHA_UNSOLVABLE"}, repository.TaskResult{}, entity.CaptchaUnrecognized},
		{"unknown error code", map[string]any{"status": 0, "request": "ERROR_WRONG_CAPTCHA_ID"}, repository.TaskResult{}, entity.CaptchaAPI},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newServer(t, func(string, map[string]any) any { return tc.reply })
			res, err := c.GetTaskResult(context.Background(), "1")
			if tc.kind == "" {
				require.NoError(t, err)
				require.Equal(t, tc.want, res)
				return
			}
			var ce *entity.CaptchaError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tc.kind, ce.Kind)
			require.False(t, res.Ready)
		})
	}
}
