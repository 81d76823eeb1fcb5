package domain

import "time"

// JobState is the lifecycle state of a classification job
type JobState string

// job states, in order of normal progression
const (
	JobQueued          JobState = "Queued"
	JobFetching        JobState = "Fetching"
	JobWaitingForItems JobState = "Waiting For Items"
	JobScoring         JobState = "Scoring"
	JobPublishing      JobState = "Publishing"
	JobComplete        JobState = "Complete"
	JobError           JobState = "Error"
	JobCancelled       JobState = "Cancelled"
)

// Terminal reports whether the state admits no further transitions
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobError || s == JobCancelled
}

// JobStatus is a point-in-time snapshot of a job, safe to hand to callers
// while the owning worker keeps mutating the job
type JobStatus struct {
	ID           string
	TagReference string
	State        JobState
	Progress     float64
	ErrorMessage string
	CreatedAt    time.Time
	Duration     time.Duration
}

// Scored is one classification result: an entry and the probability the tag
// applies to it
type Scored struct {
	FullID   string
	Strength float64
}
