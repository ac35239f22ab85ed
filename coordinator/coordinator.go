// Package coordinator runs one generation pipeline per open document. A
// single goroutine owns the document's queue and history; the host, the
// backend and the job trackers talk to it only by message.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/richinsley/comfyjobs/history"
	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/queue"
	"github.com/richinsley/comfyjobs/retry"
	"github.com/richinsley/comfyjobs/tracker"
)

var ErrClosed = errors.New("coordinator closed")

// Backend is the connection a coordinator dispatches its jobs through.
type Backend interface {
	Dispatch(ctx context.Context, desc job.Descriptor) (job.Submission, error)
	StreamProgress(ctx context.Context, promptID string) (job.Stream, error)
	Cancel(ctx context.Context, promptID string) error
}

// Releaser is implemented by backends holding per-prompt state that must be
// dropped once the coordinator stops following a prompt.
type Releaser interface {
	Release(promptID string)
}

type Options struct {
	// QueueCapacity bounds queued plus active jobs; zero means unbounded.
	QueueCapacity int `koanf:"capacity"`
	// CancelTimeout is how long an active job waits for the backend to
	// confirm a cancellation before it is cancelled locally.
	CancelTimeout time.Duration `koanf:"cancel_timeout"`
	DispatchRetry retry.Policy  `koanf:"dispatch_retry"`
	StreamRetry   retry.Policy  `koanf:"stream_retry"`
	// NotifyBuffer is the number of undelivered notifications a subscriber
	// may fall behind before progress updates are dropped for it.
	NotifyBuffer int `koanf:"notify_buffer"`

	// RecentJobs is how many finished jobs stay visible to Job whether or
	// not history keeps them.
	RecentJobs int `koanf:"recent_jobs"`

	HistoryCapacity int               `koanf:"history_capacity"`
	KeepFailed      bool              `koanf:"keep_failed"`
	Persister       history.Persister `koanf:"-"`
}

func DefaultOptions() Options {
	return Options{
		QueueCapacity:   64,
		CancelTimeout:   10 * time.Second,
		DispatchRetry:   retry.DefaultPolicy(),
		StreamRetry:     retry.DefaultPolicy(),
		NotifyBuffer:    64,
		RecentJobs:      256,
		HistoryCapacity: 100,
	}
}

// Coordinator serializes every mutation of one document's jobs through its
// run loop.
type Coordinator struct {
	doc     string
	backend Backend
	opts    Options
	log     zerolog.Logger

	// owned by the run loop
	queue   *queue.Queue
	history *history.Store
	recent  *recentJobs
	tracker *tracker.Tracker

	cmds    chan func()
	events  chan job.Event
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup

	subsMu sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// New starts the coordinator of document doc. Persisted history is restored
// before it accepts commands.
func New(ctx context.Context, doc string, backend Backend, opts Options, log zerolog.Logger) (*Coordinator, error) {
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultOptions().CancelTimeout
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = DefaultOptions().NotifyBuffer
	}
	log = log.With().Str("component", "coordinator").Str("document", doc).Logger()

	store := history.NewStore(history.Config{
		Document:   doc,
		Capacity:   opts.HistoryCapacity,
		KeepFailed: opts.KeepFailed,
		Persister:  opts.Persister,
		Logger:     log,
	})
	if err := store.Restore(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		doc:     doc,
		backend: backend,
		opts:    opts,
		log:     log,
		queue:   queue.New(opts.QueueCapacity),
		history: store,
		recent:  newRecentJobs(opts.RecentJobs),
		cmds:    make(chan func()),
		events:  make(chan job.Event),
		ctx:     runCtx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		subs:    make(map[int]*subscriber),
	}
	c.tracker = tracker.New(backend, c.deliver, opts.StreamRetry, log)
	go c.run()
	return c, nil
}

func (c *Coordinator) Document() string { return c.doc }

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// call runs fn on the loop and waits for it.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post hands fn to the loop without waiting. It is dropped once the
// coordinator is closed.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopped:
	}
}

// deliver is the tracker sink.
func (c *Coordinator) deliver(ev job.Event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// Submit queues a new job built from draft and returns its id. Jobs that can
// run immediately are dispatched before Submit returns.
func (c *Coordinator) Submit(ctx context.Context, draft job.Descriptor) (string, error) {
	desc, err := job.NewDescriptor(draft)
	if err != nil {
		return "", err
	}
	var submitErr error
	err = c.call(ctx, func() {
		j, err := c.queue.Submit(desc)
		if err != nil {
			submitErr = err
			return
		}
		c.log.Info().Str("job", j.ID()).Str("kind", string(desc.Kind)).Str("region", region(desc.Region)).Msg("job queued")
		c.notifyStatus(j)
		c.admit()
	})
	if err != nil {
		return "", err
	}
	if submitErr != nil {
		return "", submitErr
	}
	return desc.ID, nil
}

// Cancel requests cancellation of a queued or active job. It reports false
// for a job that is already terminal.
func (c *Coordinator) Cancel(ctx context.Context, id string) (bool, error) {
	var ok bool
	var cancelErr error
	err := c.call(ctx, func() {
		if j := c.queue.Get(id); j != nil && j.CancelRequested() {
			ok = true
			return
		}
		j, prev, cancelled := c.queue.Cancel(id)
		if j == nil {
			if _, ok := c.recent.get(id); !ok && c.history.Get(id) == nil {
				cancelErr = fmt.Errorf("%w: %s", job.ErrUnknownJob, id)
			}
			return
		}
		ok = cancelled
		if !cancelled {
			return
		}
		switch prev {
		case job.StatusQueued:
			c.log.Info().Str("job", id).Msg("queued job cancelled")
			c.notifyStatus(j)
			c.record(j)
			c.admit()
		case job.StatusActive:
			c.log.Info().Str("job", id).Str("prompt", j.PromptID()).Msg("cancelling active job")
			c.cancelActive(j)
		}
	})
	if err != nil {
		return false, err
	}
	return ok, cancelErr
}

// Active returns the jobs currently running on the backend.
func (c *Coordinator) Active(ctx context.Context) ([]job.Snapshot, error) {
	var out []job.Snapshot
	err := c.call(ctx, func() { out = c.queue.Active() })
	return out, err
}

// Pending returns the jobs waiting for admission.
func (c *Coordinator) Pending(ctx context.Context) ([]job.Snapshot, error) {
	var out []job.Snapshot
	err := c.call(ctx, func() { out = c.queue.Pending() })
	return out, err
}

// Jobs returns every queued and active job in submission order.
func (c *Coordinator) Jobs(ctx context.Context) ([]job.Snapshot, error) {
	var out []job.Snapshot
	err := c.call(ctx, func() { out = c.queue.All() })
	return out, err
}

// History lists retained entries, oldest first.
func (c *Coordinator) History(ctx context.Context, limit, offset int) ([]history.Entry, error) {
	var out []history.Entry
	err := c.call(ctx, func() { out = c.history.List(limit, offset) })
	return out, err
}

// Job looks a job up in the queue, then among recently finished jobs, then
// in the history.
func (c *Coordinator) Job(ctx context.Context, id string) (job.Snapshot, error) {
	var snap job.Snapshot
	found := false
	err := c.call(ctx, func() {
		if j := c.queue.Get(id); j != nil {
			snap, found = j.Snapshot(), true
			return
		}
		if snap, found = c.recent.get(id); found {
			return
		}
		if e := c.history.Get(id); e != nil {
			snap, found = entrySnapshot(*e), true
		}
	})
	if err != nil {
		return job.Snapshot{}, err
	}
	if !found {
		return job.Snapshot{}, fmt.Errorf("%w: %s", job.ErrUnknownJob, id)
	}
	return snap, nil
}

// Close stops the loop and every tracker. Jobs still running on the backend
// are left there.
func (c *Coordinator) Close() error {
	c.cancel()
	<-c.stopped
	c.tracker.Wait()
	c.wg.Wait()

	c.subsMu.Lock()
	for id, s := range c.subs {
		s.close()
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
	return nil
}

// admit dispatches every job the queue can start now.
func (c *Coordinator) admit() {
	for _, j := range c.queue.Admit() {
		c.log.Info().Str("job", j.ID()).Msg("job admitted")
		c.notifyStatus(j)
		c.dispatch(j)
	}
}

// dispatch submits the job to the backend off the loop. Connectivity errors
// are retried; a rejection fails the job at once.
func (c *Coordinator) dispatch(j *job.Job) {
	id, desc := j.ID(), j.Descriptor()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var sub job.Submission
		err := retry.Do(c.ctx, c.opts.DispatchRetry, job.Retryable, func(ctx context.Context) error {
			var err error
			sub, err = c.backend.Dispatch(ctx, desc)
			if err != nil && job.Retryable(err) {
				c.log.Warn().Err(err).Str("job", id).Msg("dispatch failed, retrying")
			}
			return err
		})
		if c.ctx.Err() != nil {
			return
		}
		c.post(func() { c.dispatched(id, sub, err) })
	}()
}

func (c *Coordinator) dispatched(id string, sub job.Submission, err error) {
	j := c.queue.Get(id)
	if j == nil || j.Status().Terminal() {
		// cancelled locally while the dispatch was in flight
		if err == nil {
			c.log.Debug().Str("job", id).Str("prompt", sub.PromptID).Msg("withdrawing orphaned prompt")
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				ctx, cancel := context.WithTimeout(c.ctx, c.opts.CancelTimeout)
				defer cancel()
				_ = c.backend.Cancel(ctx, sub.PromptID)
				c.release(sub.PromptID)
			}()
		}
		return
	}
	if err != nil {
		if j.CancelRequested() {
			_ = j.Cancel()
		} else {
			c.log.Error().Err(err).Str("job", id).Msg("dispatch failed")
			_ = j.Fail(err)
		}
		c.finish(j)
		return
	}
	j.SetPromptID(sub.PromptID)
	c.log.Debug().Str("job", id).Str("prompt", sub.PromptID).Int("number", sub.Number).Msg("job dispatched")
	c.tracker.Attach(c.ctx, id, sub.PromptID)
	if j.CancelRequested() {
		c.cancelActive(j)
	}
}

// cancelActive asks the backend to stop an active job. The job is cancelled
// on acknowledgment, or by its own terminal event, or locally once
// CancelTimeout has passed. A job still being dispatched is handled when the
// dispatch returns, subject to the same deadline.
func (c *Coordinator) cancelActive(j *job.Job) {
	id, promptID := j.ID(), j.PromptID()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.CancelTimeout)
		defer cancel()
		if promptID == "" {
			<-ctx.Done()
			c.post(func() { c.forceCancel(id, ctx.Err()) })
			return
		}
		err := c.backend.Cancel(ctx, promptID)
		if err == nil {
			c.post(func() { c.cancelAcked(id) })
			return
		}
		c.log.Warn().Err(err).Str("job", id).Msg("backend cancellation failed")
		<-ctx.Done()
		c.post(func() { c.forceCancel(id, err) })
	}()
}

func (c *Coordinator) cancelAcked(id string) {
	j := c.queue.Get(id)
	if j == nil || j.Status().Terminal() {
		return
	}
	c.tracker.Detach(id)
	c.release(j.PromptID())
	_ = j.Cancel()
	c.log.Info().Str("job", id).Msg("cancellation acknowledged")
	c.finish(j)
}

func (c *Coordinator) forceCancel(id string, cause error) {
	j := c.queue.Get(id)
	if j == nil || j.Status().Terminal() {
		return
	}
	c.tracker.Detach(id)
	c.release(j.PromptID())
	_ = j.Cancel()
	c.log.Warn().Err(cause).Str("job", id).Msg("cancellation not confirmed, cancelled locally")
	c.finish(j)
}

func (c *Coordinator) release(promptID string) {
	if r, ok := c.backend.(Releaser); ok && promptID != "" {
		r.Release(promptID)
	}
}

func (c *Coordinator) handleEvent(ev job.Event) {
	j := c.queue.Get(ev.JobID)
	if j == nil {
		// late event for a job that already left the queue
		return
	}
	if !j.Apply(ev) {
		return
	}
	if j.Status().Terminal() {
		c.finish(j)
		return
	}
	c.notifyProgress(j)
}

// finish moves a terminal job from the queue to the history and admits
// whatever it was blocking.
func (c *Coordinator) finish(j *job.Job) {
	if _, err := c.queue.Complete(j.ID()); err != nil {
		c.log.Error().Err(err).Str("job", j.ID()).Msg("complete job")
		return
	}
	ev := c.log.Info()
	if j.Status() == job.StatusFailed {
		ev = c.log.Warn().Str("error", j.ErrorDetail())
	}
	ev.Str("job", j.ID()).Str("status", string(j.Status())).Int("results", len(j.Results())).Msg("job finished")

	c.notifyStatus(j)
	c.record(j)
	c.admit()
}

func (c *Coordinator) record(j *job.Job) {
	c.recent.add(j.Snapshot())
	if err := c.history.Record(j); err != nil {
		c.log.Error().Err(err).Str("job", j.ID()).Msg("record history")
	}
}

func entrySnapshot(e history.Entry) job.Snapshot {
	snap := job.Snapshot{
		ID:         e.JobID,
		Descriptor: e.Descriptor,
		Status:     e.Status,
		Results:    e.Results,
		Error:      e.Error,
		FinishedAt: e.Timestamp,
	}
	if e.Status == job.StatusFinished {
		snap.Progress = 1
	}
	return snap
}

func region(b *job.Bounds) string {
	if b == nil {
		return "canvas"
	}
	return b.String()
}
