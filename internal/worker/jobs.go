package worker

import (
	"sync"
	"time"

	"github.com/smazurov/upscaler/internal/supervisor"
	"github.com/smazurov/upscaler/internal/upscale"
)

// JobState is the lifecycle state of a tracked job.
type JobState string

// Job states.
const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobRecord is a snapshot of one job.
type JobRecord struct {
	ID         string    `json:"id" example:"01J9Z8X7T6D5K4M3N2P1Q0R9S8" doc:"Job identifier"`
	InputPath  string    `json:"input_path" doc:"Source image"`
	OutputPath string    `json:"output_path" doc:"Destination image"`
	Scale      int       `json:"scale" example:"2" doc:"Upscale factor"`
	State      JobState  `json:"state" enum:"queued,running,succeeded,failed" doc:"Job state"`
	Progress   float64   `json:"progress" example:"42.5" doc:"Last reported progress in percent"`
	ErrorKind  string    `json:"error_kind,omitempty" example:"PROCESS_FAILED" doc:"Failure category"`
	Error      string    `json:"error,omitempty" doc:"Failure message"`
	ExitCode   int       `json:"exit_code" doc:"Upscaler exit code, -1 if it never ran"`
	QueuedAt   time.Time `json:"queued_at" doc:"When the request was accepted"`
	StartedAt  time.Time `json:"started_at,omitempty" doc:"When the job left the queue"`
	FinishedAt time.Time `json:"finished_at,omitempty" doc:"When the reply was sent"`
	DurationMs int64     `json:"duration_ms" doc:"Run time, excluding the queue wait"`
}

// Finished reports whether the job reached a terminal state.
func (r JobRecord) Finished() bool {
	return r.State == JobSucceeded || r.State == JobFailed
}

// JobTracker keeps the most recent jobs in memory. Finished jobs beyond the limit are
// dropped oldest first; queued and running jobs are always kept.
type JobTracker struct {
	mu    sync.RWMutex
	order []string
	jobs  map[string]*JobRecord
	limit int
}

// NewJobTracker creates a tracker that retains up to limit finished jobs.
func NewJobTracker(limit int) *JobTracker {
	if limit <= 0 {
		limit = defaultHistorySize
	}
	return &JobTracker{
		jobs:  make(map[string]*JobRecord),
		limit: limit,
	}
}

// Queued records an accepted job.
func (t *JobTracker) Queued(job supervisor.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = &JobRecord{
		ID:         job.ID,
		InputPath:  job.Request.InputPath,
		OutputPath: job.Request.OutputPath,
		Scale:      job.Request.Scale,
		State:      JobQueued,
		ExitCode:   -1,
		QueuedAt:   job.StartedAt,
	}
	t.order = append(t.order, job.ID)
	t.trimLocked()
}

// Started marks a job as running.
func (t *JobTracker) Started(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.jobs[id]; ok {
		rec.State = JobRunning
		rec.StartedAt = at
	}
}

// Progress records the last progress of a running job.
func (t *JobTracker) Progress(id string, percentage float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.jobs[id]; ok && !rec.Finished() {
		rec.Progress = percentage
	}
}

// Finished records the outcome of a job.
func (t *JobTracker) Finished(id string, outcome supervisor.Outcome, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.jobs[id]
	if !ok {
		return
	}
	rec.FinishedAt = at
	rec.ExitCode = outcome.ExitCode
	rec.DurationMs = outcome.Elapsed.Milliseconds()
	if outcome.Err == nil {
		rec.State = JobSucceeded
		rec.Progress = 100
	} else {
		rec.State = JobFailed
		rec.ErrorKind = string(upscale.KindOf(outcome.Err))
		rec.Error = outcome.Err.Error()
	}
	t.trimLocked()
}

// Get returns a snapshot of one job.
func (t *JobTracker) Get(id string) (JobRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.jobs[id]
	if !ok {
		return JobRecord{}, false
	}
	return *rec, true
}

// List returns snapshots of all tracked jobs, newest first.
func (t *JobTracker) List() []JobRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]JobRecord, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, *t.jobs[t.order[i]])
	}
	return out
}

// Active returns the number of queued and running jobs.
func (t *JobTracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rec := range t.jobs {
		if !rec.Finished() {
			n++
		}
	}
	return n
}

func (t *JobTracker) trimLocked() {
	finished := 0
	for _, id := range t.order {
		if t.jobs[id].Finished() {
			finished++
		}
	}
	if finished <= t.limit {
		return
	}

	drop := finished - t.limit
	kept := t.order[:0]
	for _, id := range t.order {
		if drop > 0 && t.jobs[id].Finished() {
			delete(t.jobs, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
