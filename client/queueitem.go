package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/richinsley/comfyjobs/job"
)

// QueueItem follows one prompt this client queued. Websocket messages for
// the prompt are folded into progress and results; the first terminal
// message settles the item.
type QueueItem struct {
	PromptID string
	Number   int

	mu       sync.Mutex
	total    int
	finished map[string]bool
	current  string
	value    int
	max      int
	results  []job.ResultRef
	previews []job.ResultRef

	events   chan job.Event
	done     chan struct{}
	once     sync.Once
	terminal job.Event
}

const queueItemBuffer = 32

func newQueueItem(promptID string, nodes int) *QueueItem {
	return &QueueItem{
		PromptID: promptID,
		total:    nodes,
		finished: make(map[string]bool),
		events:   make(chan job.Event, queueItemBuffer),
		done:     make(chan struct{}),
	}
}

// Done is closed once the prompt reached a terminal state.
func (qi *QueueItem) Done() <-chan struct{} {
	return qi.done
}

// Terminal returns the terminal event, valid after Done is closed.
func (qi *QueueItem) Terminal() job.Event {
	<-qi.done
	return qi.terminal
}

// progress is the share of finished nodes plus the sampling fraction of the
// running node. Caller holds mu.
func (qi *QueueItem) progress() float64 {
	if qi.total <= 0 {
		return 0
	}
	done := float64(len(qi.finished))
	if qi.current != "" && !qi.finished[qi.current] && qi.max > 0 {
		done += float64(qi.value) / float64(qi.max)
	}
	p := done / float64(qi.total)
	if p > 1 {
		p = 1
	}
	return p
}

func (qi *QueueItem) cached(nodes []string) {
	qi.mu.Lock()
	for _, n := range nodes {
		qi.finished[n] = true
	}
	p := qi.progress()
	qi.mu.Unlock()
	qi.publish(job.Event{Type: job.EventProgress, Progress: p})
}

func (qi *QueueItem) executing(node string) {
	qi.mu.Lock()
	if qi.current != "" {
		qi.finished[qi.current] = true
	}
	qi.current = node
	qi.value, qi.max = 0, 0
	p := qi.progress()
	qi.mu.Unlock()
	qi.publish(job.Event{Type: job.EventProgress, Progress: p})
}

func (qi *QueueItem) step(value, max int) {
	qi.mu.Lock()
	qi.value, qi.max = value, max
	p := qi.progress()
	qi.mu.Unlock()
	qi.publish(job.Event{Type: job.EventProgress, Progress: p})
}

// executed records the images a node produced. Saved outputs become results;
// temporary images are published as previews.
func (qi *QueueItem) executed(node string, output map[string][]DataOutput) {
	var saved, temp []job.ResultRef
	for _, items := range output {
		for _, o := range items {
			if o.Filename == "" {
				continue
			}
			if o.Type == string(OutputImageType) {
				saved = append(saved, o.Ref())
			} else {
				temp = append(temp, o.Ref())
			}
		}
	}

	qi.mu.Lock()
	qi.finished[node] = true
	qi.results = append(qi.results, saved...)
	qi.previews = append(qi.previews, temp...)
	p := qi.progress()
	qi.mu.Unlock()

	if len(temp) > 0 {
		qi.publish(job.Event{Type: job.EventPartial, Progress: p, Results: temp})
	} else {
		qi.publish(job.Event{Type: job.EventProgress, Progress: p})
	}
}

// succeed settles the item as finished. Workflows without a save node report
// their previews as results.
func (qi *QueueItem) succeed() bool {
	qi.mu.Lock()
	results := qi.results
	if len(results) == 0 {
		results = qi.previews
	}
	results = append([]job.ResultRef(nil), results...)
	qi.mu.Unlock()
	return qi.settle(job.Event{Type: job.EventFinished, Progress: 1, Results: results})
}

func (qi *QueueItem) interrupt() bool {
	return qi.settle(job.Event{Type: job.EventInterrupted})
}

func (qi *QueueItem) fail(err error) bool {
	return qi.settle(job.Event{Type: job.EventFailed, Err: err})
}

// settle records the first terminal event; later ones are ignored.
func (qi *QueueItem) settle(ev job.Event) bool {
	settled := false
	qi.once.Do(func() {
		ev.JobID = qi.PromptID
		qi.terminal = ev
		close(qi.done)
		settled = true
	})
	return settled
}

// publish never blocks the websocket reader. A full buffer drops the event;
// progress is cumulative so the next one supersedes it.
func (qi *QueueItem) publish(ev job.Event) {
	ev.JobID = qi.PromptID
	select {
	case qi.events <- ev:
	default:
	}
}

func executionError(m *WSMessageExecutionError) error {
	return fmt.Errorf("%w: %s in node %s (%s): %s", job.ErrBackendRejected, m.ExceptionType, m.Node, m.NodeType, m.ExceptionMessage)
}

// promptStream is the job.Stream over one QueueItem on one websocket session.
// It breaks when the session ends.
type promptStream struct {
	client  *ComfyClient
	item    *QueueItem
	session <-chan struct{}
}

func (s *promptStream) Next(ctx context.Context) (job.Event, error) {
	select {
	case ev := <-s.item.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.item.events:
		return ev, nil
	case <-s.item.done:
		// progress queued ahead of the terminal event is flushed first
		select {
		case ev := <-s.item.events:
			return ev, nil
		default:
		}
		return s.item.terminal, nil
	case <-s.session:
		return job.Event{}, fmt.Errorf("%w: websocket session ended", job.ErrConnectivity)
	case <-ctx.Done():
		return job.Event{}, ctx.Err()
	}
}

func (s *promptStream) Close() error {
	select {
	case <-s.item.done:
		s.client.forget(s.item.PromptID)
	default:
	}
	return nil
}
