// Package backend is the client for the aggregation backend: batch upload of
// crawl results and remote site task definitions.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
)

const (
	batchPath = "/api/v1/data/batch"
	tasksPath = "/api/v1/tasks"
)

type Client struct {
	http *resty.Client
}

var (
	_ repository.BatchSender = (*Client)(nil)
	_ repository.TaskSource  = (*Client)(nil)
)

func New(baseURL, token string, timeout time.Duration) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetHeader("Accept", "application/json")
	client.SetTimeout(timeout)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{http: client}
}

type batchRequest struct {
	TaskID string               `json:"taskId"`
	Data   []entity.CrawlResult `json:"data"`
}

// SendBatch posts one batch. Any non-2xx answer is a failed delivery.
func (c *Client) SendBatch(ctx context.Context, taskID string, results []entity.CrawlResult) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(batchRequest{TaskID: taskID, Data: results}).
		Post(batchPath)
	if err != nil {
		return entity.NetworkError("sync batch", err)
	}
	if !res.IsSuccess() {
		return entity.NetworkError("sync batch", fmt.Errorf("status %d: %s", res.StatusCode(), snippet(res.String())))
	}
	return nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*entity.SiteTaskConfig, error) {
	var task entity.SiteTaskConfig
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&task).
		ForceContentType("application/json").
		Get(tasksPath + "/" + url.PathEscape(taskID))
	if err != nil {
		return nil, entity.NetworkError("get task "+taskID, err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("task %s: %w", taskID, entity.ErrNotFound)
	}
	if !res.IsSuccess() {
		return nil, entity.NetworkError("get task "+taskID, fmt.Errorf("status %d", res.StatusCode()))
	}
	if task.TaskID == "" {
		task.TaskID = taskID
	}
	return &task, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]string, error) {
	var tasks []struct {
		TaskID string `json:"taskId"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&tasks).
		ForceContentType("application/json").
		Get(tasksPath)
	if err != nil {
		return nil, entity.NetworkError("list tasks", err)
	}
	if !res.IsSuccess() {
		return nil, entity.NetworkError("list tasks", fmt.Errorf("status %d", res.StatusCode()))
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.TaskID)
	}
	return ids, nil
}

const snippetRunes = 200

// snippet shortens an error body to snippetRunes characters.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	n := 0
	for i := range s {
		if n == snippetRunes {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
