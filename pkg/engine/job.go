package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tagsift/tagsift/pkg/domain"
)

// Job is one asynchronous classification run against a single tag. Its
// lifecycle fields are written only by the worker goroutine driving it;
// readers take a snapshot through Status.
type Job struct {
	id     string
	tagURL string
	cancel context.CancelFunc

	mu          sync.Mutex
	state       domain.JobState
	progress    float64
	errMsg      string
	createdAt   time.Time
	completedAt time.Time
	targets     []string // pending target item ids, consumed in batches while scoring
	cancelled   bool
}

// ID returns the job's identifier
func (j *Job) ID() string { return j.id }

// TagURL returns the resolved tag reference the job classifies against
func (j *Job) TagURL() string { return j.tagURL }

// Status returns a consistent snapshot of the job's externally visible state
func (j *Job) Status() domain.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	duration := time.Since(j.createdAt)
	if !j.completedAt.IsZero() {
		duration = j.completedAt.Sub(j.createdAt)
	}
	return domain.JobStatus{
		ID:           j.id,
		TagReference: j.tagURL,
		State:        j.state,
		Progress:     j.progress,
		ErrorMessage: j.errMsg,
		CreatedAt:    j.createdAt,
		Duration:     duration,
	}
}

// setState advances the job. Progress never moves backwards so pollers see a
// monotonic value even across retries.
func (j *Job) setState(state domain.JobState, progress float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return
	}
	j.state = state
	if progress > j.progress {
		j.progress = progress
	}
}

func (j *Job) setProgress(progress float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if progress > j.progress {
		j.progress = progress
	}
}

func (j *Job) fail(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return
	}
	j.state = domain.JobError
	j.errMsg = msg
	j.completedAt = time.Now()
}

func (j *Job) complete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return
	}
	j.state = domain.JobComplete
	j.progress = 100
	j.completedAt = time.Now()
}

func (j *Job) markCancelled() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	j.state = domain.JobCancelled
	j.completedAt = time.Now()
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// addTargets merges target item ids into the pending batch
func (j *Job) addTargets(targets []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.targets = append(j.targets, targets...)
}

// takeTargets consumes and returns the pending batch
func (j *Job) takeTargets() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	targets := j.targets
	j.targets = nil
	return targets
}

func (j *Job) pendingTargets() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.targets...)
}
