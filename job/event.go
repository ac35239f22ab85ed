package job

import "context"

type EventType string

const (
	EventProgress EventType = "progress"
	// EventPartial carries preview images produced before the job completes.
	EventPartial     EventType = "partial"
	EventFinished    EventType = "finished"
	EventFailed      EventType = "failed"
	EventInterrupted EventType = "interrupted"
)

func (t EventType) Terminal() bool {
	return t == EventFinished || t == EventFailed || t == EventInterrupted
}

// Event is one backend-reported step of a job.
type Event struct {
	JobID    string
	Type     EventType
	Progress float64
	Results  []ResultRef
	Err      error
}

// ResultRef points at an image stored by the backend.
type ResultRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Submission is the backend's acknowledgment of a dispatched descriptor.
type Submission struct {
	PromptID string
	// Number is the position the backend assigned in its own queue.
	Number int
}

// Stream yields the events of one dispatched job in the order the backend sent them.
// Next blocks until an event arrives, the stream breaks or ctx is done.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}
