package repository

import (
	"context"

	"github.com/user/pt-crawler/internal/entity"
)

// BatchSender delivers a batch of results to the backend aggregation API.
type BatchSender interface {
	SendBatch(ctx context.Context, taskID string, results []entity.CrawlResult) error
}

// TaskSource resolves site task configuration by id.
type TaskSource interface {
	GetTask(ctx context.Context, taskID string) (*entity.SiteTaskConfig, error)
	ListTasks(ctx context.Context) ([]string, error)
}
