// Package tracker follows dispatched jobs on the backend and reports their
// progress and outcome.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/retry"
)

// Streamer opens the event stream of a dispatched prompt.
type Streamer interface {
	StreamProgress(ctx context.Context, promptID string) (job.Stream, error)
}

// Sink receives tracked events. Calls for one job happen in stream order from
// a single goroutine.
type Sink func(job.Event)

type Tracker struct {
	streamer Streamer
	sink     Sink
	policy   retry.Policy
	log      zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(streamer Streamer, sink Sink, policy retry.Policy, logger zerolog.Logger) *Tracker {
	return &Tracker{
		streamer: streamer,
		sink:     sink,
		policy:   policy,
		log:      logger.With().Str("component", "tracker").Logger(),
		running:  make(map[string]context.CancelFunc),
	}
}

// Attach starts following jobID, known to the backend as promptID. Attaching a
// job that is already tracked does nothing.
func (t *Tracker) Attach(ctx context.Context, jobID, promptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[jobID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.running[jobID] = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.forget(jobID)
		t.follow(ctx, jobID, promptID)
	}()
}

// Detach stops following jobID. No further events are delivered for it once
// the tracking goroutine notices.
func (t *Tracker) Detach(jobID string) {
	t.mu.Lock()
	cancel, ok := t.running[jobID]
	delete(t.running, jobID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Tracking reports whether jobID is currently followed.
func (t *Tracker) Tracking(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[jobID]
	return ok
}

// Wait blocks until every tracking goroutine has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) forget(jobID string) {
	t.mu.Lock()
	if cancel, ok := t.running[jobID]; ok {
		cancel()
		delete(t.running, jobID)
	}
	t.mu.Unlock()
}

// follow reads the job's stream until a terminal event. A broken stream is
// reopened with exponential backoff; the retry budget is restored each time an
// event gets through. When the budget is exhausted the job fails with a
// connectivity error.
func (t *Tracker) follow(ctx context.Context, jobID, promptID string) {
	log := t.log.With().Str("job", jobID).Str("prompt", promptID).Logger()
	last := -1.0
	attempt := 0
	var lastErr error

	for {
		if ctx.Err() != nil {
			return
		}
		stream, err := t.streamer.StreamProgress(ctx, promptID)
		if err == nil {
			var done bool
			done, err = t.drain(ctx, jobID, stream, &last, &attempt)
			stream.Close()
			if done {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, job.ErrBackendRejected) {
			t.deliver(ctx, job.Event{JobID: jobID, Type: job.EventFailed, Err: err})
			return
		}
		lastErr = err
		if attempt >= t.policy.MaxRetries {
			log.Error().Err(lastErr).Int("attempts", attempt+1).Msg("giving up on job stream")
			t.deliver(ctx, job.Event{
				JobID: jobID,
				Type:  job.EventFailed,
				Err:   fmt.Errorf("%w: lost connection to backend after %d attempts: %v", job.ErrConnectivity, attempt+1, lastErr),
			})
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", t.policy.Delay(attempt)).Msg("job stream dropped, reconnecting")
		if t.policy.Sleep(ctx, attempt) != nil {
			return
		}
		attempt++
	}
}

// drain forwards events from one stream. It reports done once a terminal event
// was delivered, otherwise the error that broke the stream.
func (t *Tracker) drain(ctx context.Context, jobID string, stream job.Stream, last *float64, attempt *int) (bool, error) {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return false, err
		}
		*attempt = 0
		ev.JobID = jobID
		if ev.Type.Terminal() {
			t.deliver(ctx, ev)
			return true, nil
		}
		// superseded progress is dropped; partial results always go through
		if ev.Type == job.EventProgress && ev.Progress <= *last {
			continue
		}
		if ev.Progress > *last {
			*last = ev.Progress
		}
		t.deliver(ctx, ev)
	}
}

func (t *Tracker) deliver(ctx context.Context, ev job.Event) {
	if ctx.Err() != nil {
		return
	}
	t.sink(ev)
}
