// Package syncer batches crawl results, delivers them to the backend with
// bounded retry and replays batches that had to be deferred.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/session"
	"github.com/user/pt-crawler/pkg/metrics"
)

// Config bounds batching and delivery.
type Config struct {
	BatchSize int
	// RetryTimes is the number of attempts after the first failed one.
	RetryTimes int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, RetryTimes: 3, RetryDelay: time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RetryTimes < 0 {
		c.RetryTimes = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Stats counts what one pipeline did over its lifetime.
type Stats struct {
	Records   int `json:"records"`
	Delivered int `json:"delivered"`
	Deferred  int `json:"deferred"`
}

// Pipeline is one sync session for a task. Add and Flush are safe for
// concurrent use.
type Pipeline struct {
	taskID  string
	sender  repository.BatchSender
	store   *session.Store
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	buf   []entity.CrawlResult
	stats Stats
}

func New(taskID string, sender repository.BatchSender, store *session.Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		taskID:  taskID,
		sender:  sender,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("task_id", taskID)),
		sleep:   session.Sleep,
		buf:     make([]entity.CrawlResult, 0, cfg.BatchSize),
	}
}

// Add buffers r. The insert that fills the batch delivers it before
// returning; a *entity.DeliveryError means the batch was deferred, not lost.
func (p *Pipeline) Add(ctx context.Context, r entity.CrawlResult) error {
	p.mu.Lock()
	p.buf = append(p.buf, r)
	p.stats.Records++
	var batch []entity.CrawlResult
	if len(p.buf) >= p.cfg.BatchSize {
		batch = p.take()
	}
	p.mu.Unlock()

	if batch == nil {
		return nil
	}
	return p.deliver(ctx, batch)
}

// Flush delivers any partially filled batch.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.take()
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return p.deliver(ctx, batch)
}

// Buffered returns the number of records waiting for the next flush.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// take hands the buffer over to the caller. p.mu must be held.
func (p *Pipeline) take() []entity.CrawlResult {
	if len(p.buf) == 0 {
		return nil
	}
	batch := p.buf
	p.buf = make([]entity.CrawlResult, 0, p.cfg.BatchSize)
	return batch
}

func (p *Pipeline) deliver(ctx context.Context, batch []entity.CrawlResult) error {
	attempts, err := p.send(ctx, batch)
	if err == nil {
		p.mu.Lock()
		p.stats.Delivered++
		p.mu.Unlock()
		p.count("delivered")
		p.logger.Info("batch delivered", zap.Int("records", len(batch)), zap.Int("attempts", attempts))
		return nil
	}

	// The batch must reach durable storage even when the run is being stopped.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	key, serr := p.store.SavePending(sctx, &entity.PendingBatch{
		TaskID:    p.taskID,
		Data:      batch,
		CreatedAt: time.Now().UTC(),
		Attempts:  attempts,
		LastError: err.Error(),
	})
	if serr != nil {
		p.logger.Error("failed to persist undelivered batch",
			zap.Int("records", len(batch)),
			zap.NamedError("delivery_error", err),
			zap.Error(serr))
		return &entity.DeliveryError{Attempts: attempts, Err: errors.Join(err, serr)}
	}

	p.mu.Lock()
	p.stats.Deferred++
	p.mu.Unlock()
	p.count("deferred")
	p.logger.Warn("batch deferred to pending storage",
		zap.String("pending_key", key),
		zap.Int("records", len(batch)),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return &entity.DeliveryError{Attempts: attempts, PendingKey: key, Err: err}
}

// send posts batch, retrying with a fixed delay. Cancellation is observed
// between attempts only.
func (p *Pipeline) send(ctx context.Context, batch []entity.CrawlResult) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryTimes+1; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.cfg.RetryDelay); err != nil {
				return attempt - 1, fmt.Errorf("%w (stopped before retry: %v)", lastErr, err)
			}
		}
		err := p.sender.SendBatch(ctx, p.taskID, batch)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		p.logger.Warn("batch delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.RetryTimes+1),
			zap.Error(err))
	}
	return p.cfg.RetryTimes + 1, lastErr
}

// ReplayReport summarises one ProcessPending scan.
type ReplayReport struct {
	Found    int `json:"found"`
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Records  int `json:"records"`
}

// ProcessPending tries to deliver every pending batch of the task once. Each
// batch is handled independently and is deleted only after the backend
// accepted it.
func (p *Pipeline) ProcessPending(ctx context.Context) (ReplayReport, error) {
	var rep ReplayReport
	keys, err := p.store.PendingKeys(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending batches: %w", err)
	}
	rep.Found = len(keys)
	if len(keys) > 0 {
		p.logger.Info("replaying pending batches", zap.Int("pending", len(keys)))
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			p.logger.Info("pending replay interrupted", zap.Int("remaining", rep.Found-rep.Replayed-rep.Failed))
			p.setPending(rep.Found - rep.Replayed)
			return rep, err
		}
		n, err := p.replay(ctx, key)
		if err != nil {
			rep.Failed++
			p.count("replay_failed")
			p.logger.Warn("pending batch replay failed", zap.String("pending_key", key), zap.Error(err))
			continue
		}
		rep.Replayed++
		rep.Records += n
		p.count("replayed")
	}
	p.setPending(rep.Found - rep.Replayed)
	return rep, nil
}

func (p *Pipeline) replay(ctx context.Context, key string) (int, error) {
	batch, err := p.store.LoadPending(ctx, key)
	if err != nil {
		return 0, err
	}
	taskID := batch.TaskID
	if taskID == "" {
		taskID = p.taskID
	}
	if err := p.sender.SendBatch(ctx, taskID, batch.Data); err != nil {
		return 0, err
	}
	removed, err := p.store.DeletePending(ctx, key)
	if err != nil {
		// Delivered but still stored: the next scan sends it again.
		return 0, fmt.Errorf("delete replayed batch: %w", err)
	}
	if !removed {
		p.logger.Info("pending batch already removed by a concurrent replay", zap.String("pending_key", key))
	}
	p.logger.Info("pending batch replayed", zap.String("pending_key", key), zap.Int("records", len(batch.Data)))
	return len(batch.Data), nil
}

func (p *Pipeline) count(status string) {
	if p.metrics != nil {
		p.metrics.SyncBatchesTotal.WithLabelValues(p.taskID, status).Inc()
	}
}

func (p *Pipeline) setPending(n int) {
	if p.metrics != nil {
		p.metrics.PendingBatches.WithLabelValues(p.taskID).Set(float64(n))
	}
}
