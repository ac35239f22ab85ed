package job

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Job is the mutable lifecycle state wrapped around a Descriptor. A Job is
// not safe for concurrent use; it belongs to the queue that created it while
// queued or active, and to the history once terminal.
type Job struct {
	desc            Descriptor
	status          Status
	progress        float64
	results         []ResultRef
	preview         []ResultRef
	err             error
	promptID        string
	cancelRequested bool

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

func New(desc Descriptor) *Job {
	return &Job{
		desc:        desc.Clone(),
		status:      StatusQueued,
		SubmittedAt: time.Now(),
	}
}

func (j *Job) ID() string { return j.desc.ID }
func (j *Job) Descriptor() Descriptor { return j.desc.Clone() }
func (j *Job) Status() Status { return j.status }
func (j *Job) Progress() float64 { return j.progress }
func (j *Job) Err() error { return j.err }
func (j *Job) PromptID() string { return j.promptID }
func (j *Job) CancelRequested() bool { return j.cancelRequested }
func (j *Job) Results() []ResultRef { return append([]ResultRef(nil), j.results...) }
func (j *Job) Target() *Bounds { return j.desc.Target() }
func (j *Job) SetPromptID(id string) { j.promptID = id }
func (j *Job) RequestCancel() { j.cancelRequested = true }
func (j *Job) HasResults() bool { return len(j.results) > 0 }

// ErrorDetail is the human-readable reason a job failed, empty otherwise.
func (j *Job) ErrorDetail() string {
	if j.err == nil {
		return ""
	}
	return j.err.Error()
}

// Transition moves the job forward. Backward or sideways edges are rejected.
func (j *Job) Transition(to Status) error {
	if !j.status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.status, to)
	}
	now := time.Now()
	switch to {
	case StatusActive:
		j.StartedAt = now
	case StatusFinished:
		j.progress = 1
		j.FinishedAt = now
	case StatusFailed, StatusCancelled:
		j.FinishedAt = now
	}
	j.status = to
	return nil
}

// Fail marks the job failed with err.
func (j *Job) Fail(err error) error {
	if err := j.Transition(StatusFailed); err != nil {
		return err
	}
	j.err = err
	return nil
}

// Cancel marks the job cancelled, keeping any results it already has.
func (j *Job) Cancel() error {
	if err := j.Transition(StatusCancelled); err != nil {
		return err
	}
	j.err = ErrCancelled
	return nil
}

// Apply folds a backend event into the job and reports whether anything
// observable changed. Events for terminal jobs are ignored, so repeated
// terminal events are harmless. Progress never decreases.
func (j *Job) Apply(ev Event) bool {
	if j.status != StatusActive {
		return false
	}
	switch ev.Type {
	case EventProgress, EventPartial:
		changed := false
		if p := clamp(ev.Progress); p > j.progress {
			j.progress = p
			changed = true
		}
		if ev.Type == EventPartial && len(ev.Results) > 0 {
			j.preview = append([]ResultRef(nil), ev.Results...)
			changed = true
		}
		return changed
	case EventFinished:
		j.results = append([]ResultRef(nil), ev.Results...)
		if j.cancelRequested {
			// the cancellation was acknowledged by completion; keep what was produced
			return j.Cancel() == nil
		}
		return j.Transition(StatusFinished) == nil
	case EventInterrupted:
		return j.Cancel() == nil
	case EventFailed:
		if j.cancelRequested {
			return j.Cancel() == nil
		}
		err := ev.Err
		if err == nil {
			err = errors.New("backend reported failure")
		}
		return j.Fail(err) == nil
	}
	return false
}

func clamp(p float64) float64 {
	return min(max(p, 0), 1)
}

// Snapshot is an immutable copy of a job's observable state.
type Snapshot struct {
	ID          string      `json:"id"`
	Descriptor  Descriptor  `json:"descriptor"`
	Status      Status      `json:"status"`
	Progress    float64     `json:"progress"`
	Results     []ResultRef `json:"results,omitempty"`
	Preview     []ResultRef `json:"preview,omitempty"`
	Error       string      `json:"error,omitempty"`
	PromptID    string      `json:"prompt_id,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		ID:          j.desc.ID,
		Descriptor:  j.desc.Clone(),
		Status:      j.status,
		Progress:    j.progress,
		Results:     j.Results(),
		Preview:     append([]ResultRef(nil), j.preview...),
		Error:       j.ErrorDetail(),
		PromptID:    j.promptID,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}
