package crawl

import (
	"sync"
	"time"
)

// RunReport is the outcome of one crawl run.
type RunReport struct {
	RunID           string    `json:"runId"`
	TaskID          string    `json:"taskId"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
	LoggedIn        bool      `json:"loggedIn"`
	SessionRestored bool      `json:"sessionRestored"`

	Pages            int `json:"pages"`
	PageFailures     int `json:"pageFailures"`
	Records          int `json:"records"`
	ExtractionErrors int `json:"extractionErrors"`
	ValidationErrors int `json:"validationErrors"`

	Delivered int `json:"delivered"`
	Deferred  int `json:"deferred"`
	Replayed  int `json:"replayed"`

	Err string `json:"error,omitempty"`
}

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// tally collects per-page counters from concurrent workers.
type tally struct {
	mu     sync.Mutex
	report *RunReport
}

func (t *tally) page(ok bool, extractionErrs, validationErrs int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Pages++
	if !ok {
		t.report.PageFailures++
		return
	}
	t.report.Records++
	t.report.ExtractionErrors += extractionErrs
	t.report.ValidationErrors += validationErrs
}
