// Package queue orders generation jobs for one document. Jobs run first in,
// first out, except that two jobs whose target regions overlap never run at
// the same time: the later one waits until the earlier one is done.
package queue

import (
	"fmt"

	"github.com/richinsley/comfyjobs/job"
)

// Queue is not safe for concurrent use. It is owned by a single coordinator,
// which serializes every call.
type Queue struct {
	entries  []*job.Job
	capacity int
}

// New creates a queue holding at most capacity queued and active jobs.
// A capacity of zero means unbounded.
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Submit appends a queued job for desc. It does not admit it; call Admit.
func (q *Queue) Submit(desc job.Descriptor) (*job.Job, error) {
	if q.capacity > 0 && len(q.entries) >= q.capacity {
		return nil, fmt.Errorf("%w: queue holds %d jobs", job.ErrCapacityExceeded, q.capacity)
	}
	if q.Get(desc.ID) != nil {
		return nil, fmt.Errorf("%w: duplicate job id %s", job.ErrInvalidDescriptor, desc.ID)
	}
	j := job.New(desc)
	q.entries = append(q.entries, j)
	return j, nil
}

// Admit activates every queued job that can run now, in submission order, and
// returns them. A queued job is admitted when its region overlaps neither an
// active job nor a job submitted before it that is still waiting.
func (q *Queue) Admit() []*job.Job {
	var admitted []*job.Job
	var waiting []*job.Job
	for _, j := range q.entries {
		if j.Status() != job.StatusQueued {
			continue
		}
		if q.overlapsActive(j) || overlapsAny(waiting, j) {
			waiting = append(waiting, j)
			continue
		}
		if err := j.Transition(job.StatusActive); err != nil {
			continue
		}
		admitted = append(admitted, j)
	}
	return admitted
}

func overlapsAny(jobs []*job.Job, j *job.Job) bool {
	for _, other := range jobs {
		if job.RegionsOverlap(other.Target(), j.Target()) {
			return true
		}
	}
	return false
}

func (q *Queue) overlapsActive(j *job.Job) bool {
	for _, other := range q.entries {
		if other == j || other.Status() != job.StatusActive {
			continue
		}
		if job.RegionsOverlap(other.Target(), j.Target()) {
			return true
		}
	}
	return false
}

// Cancel cancels the job with the given id. A queued job is cancelled and
// removed immediately. An active job is only flagged; the caller owns the
// backend cancellation and completes the job once it is acknowledged. The
// returned status is the one the job had before the call.
func (q *Queue) Cancel(id string) (*job.Job, job.Status, bool) {
	i := q.index(id)
	if i < 0 {
		return nil, "", false
	}
	j := q.entries[i]
	prev := j.Status()
	switch prev {
	case job.StatusQueued:
		if err := j.Cancel(); err != nil {
			return j, prev, false
		}
		q.remove(i)
	case job.StatusActive:
		j.RequestCancel()
	default:
		return j, prev, false
	}
	return j, prev, true
}

// Complete removes a terminal job from the queue and hands it back.
func (q *Queue) Complete(id string) (*job.Job, error) {
	i := q.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", job.ErrUnknownJob, id)
	}
	j := q.entries[i]
	if !j.Status().Terminal() {
		return nil, fmt.Errorf("job %s is %s, not terminal", id, j.Status())
	}
	q.remove(i)
	return j, nil
}

func (q *Queue) Get(id string) *job.Job {
	if i := q.index(id); i >= 0 {
		return q.entries[i]
	}
	return nil
}

// FindByPrompt returns the job the backend knows under promptID.
func (q *Queue) FindByPrompt(promptID string) *job.Job {
	for _, j := range q.entries {
		if j.PromptID() != "" && j.PromptID() == promptID {
			return j
		}
	}
	return nil
}

// Active returns snapshots of the active jobs in submission order.
func (q *Queue) Active() []job.Snapshot {
	return q.filter(job.StatusActive)
}

// Pending returns snapshots of the jobs still waiting for admission.
func (q *Queue) Pending() []job.Snapshot {
	return q.filter(job.StatusQueued)
}

// All returns snapshots of every job the queue holds.
func (q *Queue) All() []job.Snapshot {
	out := make([]job.Snapshot, 0, len(q.entries))
	for _, j := range q.entries {
		out = append(out, j.Snapshot())
	}
	return out
}

func (q *Queue) Len() int { return len(q.entries) }

func (q *Queue) filter(s job.Status) []job.Snapshot {
	var out []job.Snapshot
	for _, j := range q.entries {
		if j.Status() == s {
			out = append(out, j.Snapshot())
		}
	}
	return out
}

func (q *Queue) index(id string) int {
	for i, j := range q.entries {
		if j.ID() == id {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(i int) {
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
}
