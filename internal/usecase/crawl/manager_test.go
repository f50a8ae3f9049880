package crawl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/pt-crawler/internal/browsertest"
	"github.com/user/pt-crawler/internal/entity"
)

type taskMap map[string]*entity.SiteTaskConfig

func (m taskMap) GetTask(_ context.Context, id string) (*entity.SiteTaskConfig, error) {
	t, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, entity.ErrNotFound)
	}
	return t, nil
}

func (m taskMap) ListTasks(context.Context) ([]string, error) {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids, nil
}

func waitTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestManagerStartAndWait(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.runner(t), taskMap{"task-1": newTask()}, zaptest.NewLogger(t))

	started, err := m.Start(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, started.Status)
	require.NotEmpty(t, started.RunID)

	report, err := m.Wait(waitTimeout(t), started.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, report.Status)
	require.Equal(t, 3, report.Records)
	require.Len(t, m.List(), 1)

	sum, err := m.SessionSummary(context.Background(), "task-1")
	require.NoError(t, err)
	require.True(t, sum.Present)
	require.True(t, sum.IsLoggedIn)
	require.True(t, sum.Fresh)
	require.Equal(t, []string{"uid"}, sum.CookieNames)
}

func TestManagerRejectsSecondRunAndCancels(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.site.Handle(listURL, func(*browsertest.Request) (string, error) {
		close(entered)
		<-release
		return `<html><body><h1>Torrents</h1></body></html>`, nil
	})
	task := newTask()
	task.Login = nil
	m := NewManager(f.runner(t), taskMap{"task-1": task}, zaptest.NewLogger(t))

	first, err := m.Start(context.Background(), "task-1")
	require.NoError(t, err)
	<-entered

	_, err = m.Start(context.Background(), "task-1")
	require.ErrorIs(t, err, ErrRunActive)

	require.NoError(t, m.Cancel(first.RunID))
	close(release)

	report, err := m.Wait(waitTimeout(t), first.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, report.Status)

	// The task is free again once the run finished.
	f.site.HTML(listURL, `<html><body><h1>Torrents</h1></body></html>`)
	second, err := m.Start(context.Background(), "task-1")
	require.NoError(t, err)
	report, err = m.Wait(waitTimeout(t), second.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, report.Status)
}

func TestManagerUnknownTaskAndRun(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.runner(t), taskMap{}, zaptest.NewLogger(t))

	_, err := m.Start(context.Background(), "nope")
	require.ErrorIs(t, err, entity.ErrNotFound)
	_, err = m.Get("nope")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, m.Cancel("nope"), ErrRunNotFound)
}

func TestManagerPendingReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := NewManager(f.runner(t), taskMap{"task-1": newTask()}, zaptest.NewLogger(t))

	_, err := f.store(t).SavePending(ctx, &entity.PendingBatch{
		TaskID: "task-1",
		Data:   []entity.CrawlResult{{URL: listURL, Data: entity.NewRecord(), TaskID: "task-1"}},
	})
	require.NoError(t, err)

	n, err := m.PendingCount(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rep, err := m.Replay(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Replayed)
	require.Equal(t, 1, rep.Records)

	n, err = m.PendingCount(ctx, "task-1")
	require.NoError(t, err)
	require.Zero(t, n)

	sum, err := m.SessionSummary(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, sum.Present)
}

func TestManagerShutdownCancelsRuns(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.site.Handle(listURL, func(*browsertest.Request) (string, error) {
		close(entered)
		<-release
		return `<html><body></body></html>`, nil
	})
	task := newTask()
	task.Login = nil
	m := NewManager(f.runner(t), taskMap{"task-1": task}, zaptest.NewLogger(t))

	run, err := m.Start(context.Background(), "task-1")
	require.NoError(t, err)
	<-entered
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, m.Shutdown(waitTimeout(t)))
	report, err := m.Get(run.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, report.Status)
}
