package crawl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/pt-crawler/internal/entity"
	"github.com/user/pt-crawler/internal/repository"
	"github.com/user/pt-crawler/internal/usecase/session"
	"github.com/user/pt-crawler/internal/usecase/syncer"
)

var (
	ErrRunActive   = errors.New("task already has an active run")
	ErrRunNotFound = errors.New("run not found")
)

// SessionSummary describes the stored session of a task without secrets.
type SessionSummary struct {
	TaskID        string    `json:"taskId"`
	Site          string    `json:"site"`
	Present       bool      `json:"present"`
	IsLoggedIn    bool      `json:"isLoggedIn"`
	Fresh         bool      `json:"fresh"`
	Username      string    `json:"username,omitempty"`
	LastLoginTime time.Time `json:"lastLoginTime,omitempty"`
	Cookies       int       `json:"cookies"`
	CookieNames   []string  `json:"cookieNames,omitempty"`
}

type activeRun struct {
	report *RunReport
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager tracks runs started on behalf of operators. At most one run per
// task is active at a time.
type Manager struct {
	runner *Runner
	tasks  repository.TaskSource
	logger *zap.Logger

	mu     sync.Mutex
	runs   map[string]*activeRun
	active map[string]string // task id -> run id
	wg     sync.WaitGroup
}

func NewManager(runner *Runner, tasks repository.TaskSource, logger *zap.Logger) *Manager {
	return &Manager{
		runner: runner,
		tasks:  tasks,
		logger: logger,
		runs:   make(map[string]*activeRun),
		active: make(map[string]string),
	}
}

// Start launches a run of taskID in the background and returns its initial
// report. The run outlives ctx; use Cancel or Shutdown to stop it.
func (m *Manager) Start(ctx context.Context, taskID string) (RunReport, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return RunReport{}, err
	}
	if err := task.Validate(); err != nil {
		return RunReport{}, err
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{
		report: &RunReport{RunID: runID, TaskID: task.TaskID, Status: StatusRunning, StartedAt: time.Now().UTC()},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if id, busy := m.active[task.TaskID]; busy {
		m.mu.Unlock()
		cancel()
		return RunReport{}, fmt.Errorf("%w: %s", ErrRunActive, id)
	}
	m.runs[runID] = ar
	m.active[task.TaskID] = runID
	initial := *ar.report
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ar.done)
		defer cancel()

		report, err := m.runner.Run(runCtx, task, runID)
		if err != nil {
			m.logger.Error("crawl run failed", zap.String("task_id", task.TaskID), zap.String("run_id", runID), zap.Error(err))
		}
		m.mu.Lock()
		ar.report = report
		delete(m.active, task.TaskID)
		m.mu.Unlock()
	}()

	m.logger.Info("crawl run started", zap.String("task_id", task.TaskID), zap.String("run_id", runID))
	return initial, nil
}

// Run executes taskID in the foreground.
func (m *Manager) Run(ctx context.Context, taskID string) (*RunReport, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return m.runner.Run(ctx, task, uuid.NewString())
}

func (m *Manager) Get(runID string) (RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[runID]
	if !ok {
		return RunReport{}, ErrRunNotFound
	}
	return *ar.report, nil
}

// List returns all known runs, newest first.
func (m *Manager) List() []RunReport {
	m.mu.Lock()
	out := make([]RunReport, 0, len(m.runs))
	for _, ar := range m.runs {
		out = append(out, *ar.report)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel requests cancellation of a run. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	ar, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	ar.cancel()
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (RunReport, error) {
	m.mu.Lock()
	ar, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return RunReport{}, ErrRunNotFound
	}
	select {
	case <-ar.done:
		return m.Get(runID)
	case <-ctx.Done():
		return RunReport{}, ctx.Err()
	}
}

// Replay delivers the pending batches of taskID outside a run.
func (m *Manager) Replay(ctx context.Context, taskID string) (syncer.ReplayReport, error) {
	task, store, err := m.store(ctx, taskID)
	if err != nil {
		return syncer.ReplayReport{}, err
	}
	r := m.runner
	p := syncer.New(task.TaskID, r.deps.Sender, store, r.settings.Sync, r.deps.Metrics, r.deps.Logger)
	return p.ProcessPending(ctx)
}

func (m *Manager) PendingCount(ctx context.Context, taskID string) (int, error) {
	_, store, err := m.store(ctx, taskID)
	if err != nil {
		return 0, err
	}
	keys, err := store.PendingKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (m *Manager) SessionSummary(ctx context.Context, taskID string) (*SessionSummary, error) {
	task, store, err := m.store(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sum := &SessionSummary{TaskID: task.TaskID, Site: task.Site()}
	state, err := store.LoadState(ctx)
	switch {
	case err == nil:
	case session.IsNotFound(err), errors.Is(err, entity.ErrSessionExpired):
		return sum, nil
	default:
		return nil, err
	}
	sum.Present = true
	sum.IsLoggedIn = state.IsLoggedIn
	sum.Fresh = state.Fresh(time.Now(), m.runner.settings.SessionMaxAge)
	sum.Username = state.Username
	sum.LastLoginTime = state.LastLoginTime
	sum.Cookies = len(state.Cookies)
	for _, c := range state.Cookies {
		sum.CookieNames = append(sum.CookieNames, c.Name)
	}
	return sum, nil
}

// Tasks lists the task ids of the task source.
func (m *Manager) Tasks(ctx context.Context) ([]string, error) {
	return m.tasks.ListTasks(ctx)
}

// Ping checks the storage backend.
func (m *Manager) Ping(ctx context.Context) error {
	return m.runner.deps.Storage.Ping(ctx)
}

// Shutdown cancels every active run and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, runID := range m.active {
		m.runs[runID].cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) store(ctx context.Context, taskID string) (*entity.SiteTaskConfig, *session.Store, error) {
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, session.NewStore(m.runner.deps.Storage, task.Site(), m.runner.deps.Logger), nil
}
