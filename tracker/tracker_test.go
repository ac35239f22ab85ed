package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/retry"
)

// scriptedStream replays events and then fails with err.
type scriptedStream struct {
	events []job.Event
	err    error
}

func (s *scriptedStream) Next(ctx context.Context) (job.Event, error) {
	if len(s.events) == 0 {
		if s.err == nil {
			<-ctx.Done()
			return job.Event{}, ctx.Err()
		}
		return job.Event{}, s.err
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// fakeStreamer hands out one scripted stream per StreamProgress call, or
// openErr once the scripts run out.
type fakeStreamer struct {
	mu      sync.Mutex
	scripts []*scriptedStream
	openErr error
	opens   int
}

func (f *fakeStreamer) StreamProgress(ctx context.Context, promptID string) (job.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.scripts) == 0 {
		return nil, f.openErr
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	return s, nil
}

func (f *fakeStreamer) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type recorder struct {
	mu     sync.Mutex
	events []job.Event
}

func (r *recorder) sink(ev job.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []job.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Event(nil), r.events...)
}

var fastPolicy = retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestForwardsEventsInOrderAndStopsAtTerminal(t *testing.T) {
	streamer := &fakeStreamer{scripts: []*scriptedStream{{events: []job.Event{
		{Type: job.EventProgress, Progress: 0.1},
		{Type: job.EventProgress, Progress: 0.5},
		{Type: job.EventProgress, Progress: 0.3},
		{Type: job.EventFinished, Results: []job.ResultRef{{Filename: "a.png"}}},
		{Type: job.EventFinished, Results: []job.ResultRef{{Filename: "b.png"}}},
	}}}}
	rec := &recorder{}
	tr := New(streamer, rec.sink, fastPolicy, zerolog.Nop())

	tr.Attach(context.Background(), "job-1", "prompt-1")
	tr.Wait()

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, 0.1, events[0].Progress)
	assert.Equal(t, 0.5, events[1].Progress)
	assert.Equal(t, job.EventFinished, events[2].Type)
	assert.Equal(t, "a.png", events[2].Results[0].Filename)
	for _, ev := range events {
		assert.Equal(t, "job-1", ev.JobID)
	}
	assert.False(t, tr.Tracking("job-1"))
}

func TestReconnectsAfterDrop(t *testing.T) {
	streamer := &fakeStreamer{scripts: []*scriptedStream{
		{events: []job.Event{{Type: job.EventProgress, Progress: 0.4}}, err: io.ErrUnexpectedEOF},
		{events: []job.Event{
			{Type: job.EventProgress, Progress: 0.4},
			{Type: job.EventProgress, Progress: 0.8},
			{Type: job.EventFinished},
		}},
	}}
	rec := &recorder{}
	tr := New(streamer, rec.sink, fastPolicy, zerolog.Nop())

	tr.Attach(context.Background(), "job-1", "prompt-1")
	tr.Wait()

	events := rec.Events()
	require.Len(t, events, 3, "duplicate progress after reconnect is dropped")
	assert.Equal(t, 0.8, events[1].Progress)
	assert.Equal(t, job.EventFinished, events[2].Type)
	assert.Equal(t, 2, streamer.Opens())
}

func TestRetriesExhaustedFailsWithConnectivityError(t *testing.T) {
	streamer := &fakeStreamer{
		scripts: []*scriptedStream{{events: []job.Event{{Type: job.EventProgress, Progress: 0.2}}, err: io.EOF}},
		openErr: job.ErrConnectivity,
	}
	rec := &recorder{}
	tr := New(streamer, rec.sink, fastPolicy, zerolog.Nop())

	tr.Attach(context.Background(), "job-1", "prompt-1")
	tr.Wait()

	events := rec.Events()
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, job.EventFailed, last.Type)
	assert.ErrorIs(t, last.Err, job.ErrConnectivity)
	// the first stream plus three failed reconnects
	assert.Equal(t, 4, streamer.Opens())
}

func TestRejectedStreamFailsWithoutRetry(t *testing.T) {
	streamer := &fakeStreamer{openErr: job.ErrBackendRejected}
	rec := &recorder{}
	tr := New(streamer, rec.sink, fastPolicy, zerolog.Nop())

	tr.Attach(context.Background(), "job-1", "prompt-1")
	tr.Wait()

	events := rec.Events()
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, job.ErrBackendRejected)
	assert.Equal(t, 1, streamer.Opens())
}

func TestDetachStopsDelivery(t *testing.T) {
	streamer := &fakeStreamer{scripts: []*scriptedStream{{}}}
	rec := &recorder{}
	tr := New(streamer, rec.sink, fastPolicy, zerolog.Nop())

	tr.Attach(context.Background(), "job-1", "prompt-1")
	require.True(t, tr.Tracking("job-1"))
	tr.Detach("job-1")
	tr.Wait()

	assert.Empty(t, rec.Events())
	assert.False(t, tr.Tracking("job-1"))
}

func TestAttachTwiceIsNoop(t *testing.T) {
	streamer := &fakeStreamer{scripts: []*scriptedStream{{}, {}}}
	tr := New(streamer, func(job.Event) {}, fastPolicy, zerolog.Nop())

	tr.Attach(context.Background(), "job-1", "prompt-1")
	tr.Attach(context.Background(), "job-1", "prompt-1")
	assert.Eventually(t, func() bool { return streamer.Opens() == 1 }, time.Second, time.Millisecond)
	tr.Detach("job-1")
	tr.Wait()
	assert.Equal(t, 1, streamer.Opens())
}

func TestPartialResultsForwarded(t *testing.T) {
	streamer := &fakeStreamer{scripts: []*scriptedStream{{events: []job.Event{
		{Type: job.EventProgress, Progress: 0.5},
		{Type: job.EventPartial, Progress: 0.5, Results: []job.ResultRef{{Filename: "preview.png", Type: "temp"}}},
		{Type: job.EventFailed, Err: errors.New("node exploded")},
	}}}}
	rec := &recorder{}
	tr := New(streamer, rec.sink, fastPolicy, zerolog.Nop())
	tr.Attach(context.Background(), "job-1", "prompt-1")
	tr.Wait()

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, job.EventPartial, events[1].Type)
	assert.Equal(t, job.EventFailed, events[2].Type)
}
