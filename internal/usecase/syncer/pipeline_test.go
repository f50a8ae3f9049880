package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/pt-crawler/internal/adapter/sqlite"
	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/usecase/session"
	"github.com/user/pt-crawler/pkg/metrics"
)

type fakeSender struct {
	mu      sync.Mutex
	fail    func(call int, results []entity.CrawlResult) error
	calls   int
	batches [][]entity.CrawlResult
}

func (f *fakeSender) SendBatch(_ context.Context, _ string, results []entity.CrawlResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls, results); err != nil {
			return err
		}
	}
	f.batches = append(f.batches, append([]entity.CrawlResult(nil), results...))
	return nil
}

func (f *fakeSender) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	kv, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return session.NewStore(kv, "task-1", zaptest.NewLogger(t))
}

func result(i int) entity.CrawlResult {
	rec := entity.NewRecord()
	_ = rec.Set("n", i)
	return entity.CrawlResult{
		URL:       fmt.Sprintf("https://pt.example.org/details.php?id=%d", i),
		Data:      rec,
		Timestamp: time.Date(2024, 5, 1, 0, 0, i, 0, time.UTC),
		TaskID:    "task-1",
	}
}

func newPipeline(t *testing.T, sender *fakeSender, store *session.Store, cfg Config) (*Pipeline, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	p := New("task-1", sender, store, cfg, m, zaptest.NewLogger(t))
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p, m
}

func TestBatchCountIsCeilOfRecordsOverSize(t *testing.T) {
	for _, tc := range []struct{ records, size int }{{0, 3}, {1, 3}, {3, 3}, {7, 3}, {10, 5}, {11, 5}} {
		t.Run(fmt.Sprintf("%d/%d", tc.records, tc.size), func(t *testing.T) {
			ctx := context.Background()
			sender := &fakeSender{}
			p, _ := newPipeline(t, sender, newStore(t), Config{BatchSize: tc.size})

			for i := 0; i < tc.records; i++ {
				require.NoError(t, p.Add(ctx, result(i)))
			}
			require.NoError(t, p.Flush(ctx))

			want := (tc.records + tc.size - 1) / tc.size
			require.Len(t, sender.batches, want)
			for i, b := range sender.batches {
				if i < len(sender.batches)-1 {
					require.Len(t, b, tc.size)
				}
				require.LessOrEqual(t, len(b), tc.size)
			}
			require.Equal(t, tc.records, sender.delivered())
			require.Zero(t, p.Buffered())
		})
	}
}

func TestFullBatchFlushesImmediately(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	p, _ := newPipeline(t, sender, newStore(t), Config{BatchSize: 2})

	require.NoError(t, p.Add(ctx, result(1)))
	require.Empty(t, sender.batches)
	require.NoError(t, p.Add(ctx, result(2)))
	require.Len(t, sender.batches, 1)
	require.Equal(t, "https://pt.example.org/details.php?id=1", sender.batches[0][0].URL)
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{fail: func(call int, _ []entity.CrawlResult) error {
		if call < 3 {
			return errors.New("502 bad gateway")
		}
		return nil
	}}
	store := newStore(t)
	p, m := newPipeline(t, sender, store, Config{BatchSize: 1, RetryTimes: 3})

	require.NoError(t, p.Add(ctx, result(1)))
	require.Equal(t, 3, sender.calls)
	keys, err := store.PendingKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Equal(t, 1.0, testutil.ToFloat64(m.SyncBatchesTotal.WithLabelValues("task-1", "delivered")))
}

func TestExhaustedRetriesSpillToPending(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	sender := &fakeSender{fail: func(int, []entity.CrawlResult) error { return boom }}
	store := newStore(t)
	p, _ := newPipeline(t, sender, store, Config{BatchSize: 2, RetryTimes: 3})

	require.NoError(t, p.Add(ctx, result(1)))
	err := p.Add(ctx, result(2))

	var de *entity.DeliveryError
	require.ErrorAs(t, err, &de)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, entity.ErrNetwork)
	require.Equal(t, 4, de.Attempts)
	require.Equal(t, 4, sender.calls)

	batch, err := store.LoadPending(ctx, de.PendingKey)
	require.NoError(t, err)
	require.Len(t, batch.Data, 2)
	require.Equal(t, "connection refused", batch.LastError)
	require.Equal(t, 1, batch.Data[0].Data.Len())
	require.Equal(t, 1, p.Stats().Deferred)
}

func TestCancelledRunStillSpills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &fakeSender{fail: func(int, []entity.CrawlResult) error {
		cancel()
		return errors.New("timeout")
	}}
	store := newStore(t)
	p, _ := newPipeline(t, sender, store, Config{BatchSize: 10, RetryTimes: 3})

	require.NoError(t, p.Add(ctx, result(1)))
	err := p.Flush(ctx)
	var de *entity.DeliveryError
	require.ErrorAs(t, err, &de)
	require.Equal(t, 1, sender.calls)

	keys, err := store.PendingKeys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{de.PendingKey}, keys)
}

func TestProcessPendingIsIndependentPerBatch(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.SavePending(ctx, &entity.PendingBatch{
			TaskID: "task-1",
			Data:   []entity.CrawlResult{result(i)},
		})
		require.NoError(t, err)
	}

	// The middle batch keeps failing.
	sender := &fakeSender{fail: func(_ int, rs []entity.CrawlResult) error {
		if rs[0].URL == result(1).URL {
			return errors.New("503")
		}
		return nil
	}}
	p, m := newPipeline(t, sender, store, Config{})

	rep, err := p.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, ReplayReport{Found: 3, Replayed: 2, Failed: 1, Records: 2}, rep)
	require.Equal(t, 1.0, testutil.ToFloat64(m.PendingBatches.WithLabelValues("task-1")))

	keys, err := store.PendingKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	left, err := store.LoadPending(ctx, keys[0])
	require.NoError(t, err)
	require.Equal(t, result(1).URL, left.Data[0].URL)

	// Once the backend recovers the last batch goes through and is removed.
	sender.fail = nil
	rep, err = p.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Replayed)
	keys, err = store.PendingKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Equal(t, 3, sender.delivered())
}

func TestConcurrentAddsDeliverEveryRecordOnce(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	p, _ := newPipeline(t, sender, newStore(t), Config{BatchSize: 7})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, p.Add(ctx, result(w*100+i)))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, p.Flush(ctx))

	seen := map[string]bool{}
	for _, b := range sender.batches {
		for _, r := range b {
			require.False(t, seen[r.URL], "duplicate %s", r.URL)
			seen[r.URL] = true
		}
	}
	require.Len(t, seen, 100)
	require.Equal(t, 100, p.Stats().Records)
}
