package coordinator

import (
	"sync"

	"github.com/richinsley/comfyjobs/job"
)

type NotificationKind string

const (
	KindStatus   NotificationKind = "status"
	KindProgress NotificationKind = "progress"
)

// Notification tells the host that a job changed.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	Document string           `json:"document"`
	JobID    string           `json:"job_id"`
	Status   job.Status       `json:"status"`
	Progress float64          `json:"progress"`
	Results  []job.ResultRef  `json:"results,omitempty"`
	Preview  []job.ResultRef  `json:"preview,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Subscribe returns a channel receiving every notification of the document in
// order, and a function ending the subscription. Status notifications are
// always delivered; progress notifications are dropped while the subscriber
// is more than NotifyBuffer notifications behind.
func (c *Coordinator) Subscribe() (<-chan Notification, func()) {
	s := &subscriber{
		out:   make(chan Notification),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		limit: c.opts.NotifyBuffer,
	}
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = s
	c.subsMu.Unlock()
	go s.pump()

	select {
	case <-c.stopped:
		// closed before the subscription was registered
		c.unsubscribe(id)
	default:
	}
	return s.out, func() { c.unsubscribe(id) }
}

func (c *Coordinator) unsubscribe(id int) {
	c.subsMu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		s.close()
	}
}

func (c *Coordinator) notifyStatus(j *job.Job) {
	c.publish(c.notification(KindStatus, j))
}

func (c *Coordinator) notifyProgress(j *job.Job) {
	c.publish(c.notification(KindProgress, j))
}

func (c *Coordinator) notification(kind NotificationKind, j *job.Job) Notification {
	snap := j.Snapshot()
	return Notification{
		Kind:     kind,
		Document: c.doc,
		JobID:    snap.ID,
		Status:   snap.Status,
		Progress: snap.Progress,
		Results:  snap.Results,
		Preview:  snap.Preview,
		Error:    snap.Error,
	}
}

func (c *Coordinator) publish(n Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, s := range c.subs {
		s.push(n)
	}
}

// subscriber buffers notifications so a slow reader never blocks the loop.
type subscriber struct {
	out   chan Notification
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	limit int

	mu      sync.Mutex
	pending []Notification
}

func (s *subscriber) push(n Notification) {
	s.mu.Lock()
	if n.Kind == KindProgress && len(s.pending) >= s.limit {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, n)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		n := s.pending[0]
		s.pending[0] = Notification{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}
