package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfyjobs/coordinator"
	"github.com/richinsley/comfyjobs/history"
	"github.com/richinsley/comfyjobs/job"
	"github.com/richinsley/comfyjobs/retry"
)

type fakeStream struct {
	events chan job.Event
}

func (s *fakeStream) Next(ctx context.Context) (job.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return job.Event{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error { return nil }

type fakeBackend struct {
	mu          sync.Mutex
	dispatchErr error
	streams     map[string]*fakeStream
	images      map[string][]byte
	closed      bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		streams: make(map[string]*fakeStream),
		images:  make(map[string][]byte),
	}
}

func (b *fakeBackend) Dispatch(ctx context.Context, desc job.Descriptor) (job.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dispatchErr != nil {
		return job.Submission{}, b.dispatchErr
	}
	b.streams["p-"+desc.ID] = &fakeStream{events: make(chan job.Event, 16)}
	return job.Submission{PromptID: "p-" + desc.ID}, nil
}

func (b *fakeBackend) StreamProgress(ctx context.Context, promptID string) (job.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[promptID]
	if !ok {
		return nil, job.ErrUnknownJob
	}
	return s, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, promptID string) error { return nil }

func (b *fakeBackend) FetchImage(ctx context.Context, ref job.ResultRef) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[ref.Filename]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrMissingResource, ref.Filename)
	}
	return img, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) send(t *testing.T, jobID string, ev job.Event) {
	t.Helper()
	var s *fakeStream
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		s = b.streams["p-"+jobID]
		return s != nil
	}, 5*time.Second, time.Millisecond, "job %s was not dispatched", jobID)
	s.events <- ev
}

type testServer struct {
	*httptest.Server
	backend  *fakeBackend
	registry *coordinator.Registry
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	backend := newFakeBackend()
	fast := retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	opts := coordinator.DefaultOptions()
	opts.QueueCapacity = 2
	opts.DispatchRetry = fast
	opts.StreamRetry = fast
	registry := coordinator.NewRegistry(func(string) (coordinator.Backend, error) {
		return backend, nil
	}, opts, zerolog.Nop())
	srv := New(Config{Token: token}, registry, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		registry.CloseAll()
	})
	return &testServer{Server: ts, backend: backend, registry: registry}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func generateBody(x int) map[string]any {
	return map[string]any{
		"kind":   "generate",
		"prompt": "a lighthouse at dusk",
		"extent": map[string]int{"width": 512, "height": 512},
		"region": map[string]int{"x": x, "y": 0, "width": 64, "height": 64},
	}
}

func (ts *testServer) submit(t *testing.T, doc string, body any) job.Snapshot {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/documents/"+doc+"/jobs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[job.Snapshot](t, resp)
}

func (ts *testServer) waitStatus(t *testing.T, doc, id string, want job.Status) job.Snapshot {
	t.Helper()
	var snap job.Snapshot
	require.Eventually(t, func() bool {
		resp, err := ts.Client().Get(ts.URL + "/documents/" + doc + "/jobs/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return false
		}
		return snap.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return snap
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "secret")

	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitAndComplete(t *testing.T) {
	ts := newTestServer(t, "")
	ts.backend.images["out_00001_.png"] = []byte("\x89PNG\r\n\x1a\nfake")

	snap := ts.submit(t, "doc", generateBody(0))
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, job.KindGenerate, snap.Descriptor.Kind)

	ts.waitStatus(t, "doc", snap.ID, job.StatusActive)
	ts.backend.send(t, snap.ID, job.Event{Type: job.EventProgress, Progress: 0.5})
	ts.backend.send(t, snap.ID, job.Event{
		Type:    job.EventFinished,
		Results: []job.ResultRef{{Filename: "out_00001_.png", Type: "output"}},
	})
	done := ts.waitStatus(t, "doc", snap.ID, job.StatusFinished)
	require.Len(t, done.Results, 1)

	resp := ts.do(t, http.MethodGet, "/documents/doc/jobs/"+snap.ID+"/results/0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp = ts.do(t, http.MethodGet, "/documents/doc/jobs/"+snap.ID+"/results/1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/documents/doc/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]history.Entry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, snap.ID, entries[0].JobID)
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		name string
		body any
		code int
		kind string
	}{
		{"unknown kind", map[string]any{"kind": "paint", "prompt": "x"}, http.StatusBadRequest, "invalid_descriptor"},
		{"missing extent", map[string]any{"prompt": "x"}, http.StatusBadRequest, "invalid_descriptor"},
		{"inpaint without mask", map[string]any{"kind": "inpaint", "image": map[string]string{"path": "a.png"}}, http.StatusBadRequest, "invalid_descriptor"},
		{"unknown field", map[string]any{"prompt": "x", "colour": "red"}, http.StatusBadRequest, "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/documents/doc/jobs", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.kind, decode[errorResponse](t, resp).Error)
		})
	}
}

func TestCapacityAndListing(t *testing.T) {
	ts := newTestServer(t, "")

	first := ts.submit(t, "doc", generateBody(0))
	ts.waitStatus(t, "doc", first.ID, job.StatusActive)
	// Same region, so it waits behind the first.
	second := ts.submit(t, "doc", generateBody(0))

	resp := ts.do(t, http.MethodPost, "/documents/doc/jobs", generateBody(200))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	active := decode[[]job.Snapshot](t, ts.do(t, http.MethodGet, "/documents/doc/jobs?status=active", nil))
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)

	queued := decode[[]job.Snapshot](t, ts.do(t, http.MethodGet, "/documents/doc/jobs?status=queued", nil))
	require.Len(t, queued, 1)
	assert.Equal(t, second.ID, queued[0].ID)

	all := decode[[]job.Snapshot](t, ts.do(t, http.MethodGet, "/documents/doc/jobs", nil))
	assert.Len(t, all, 2)

	resp = ts.do(t, http.MethodGet, "/documents/doc/jobs?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelQueuedJob(t *testing.T) {
	ts := newTestServer(t, "")

	first := ts.submit(t, "doc", generateBody(0))
	ts.waitStatus(t, "doc", first.ID, job.StatusActive)
	second := ts.submit(t, "doc", generateBody(0))

	resp := ts.do(t, http.MethodDelete, "/documents/doc/jobs/"+second.ID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, resp)["cancelled"])
	ts.waitStatus(t, "doc", second.ID, job.StatusCancelled)

	resp = ts.do(t, http.MethodDelete, "/documents/doc/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_job", decode[errorResponse](t, resp).Error)
}

func TestUnknownDocument(t *testing.T) {
	ts := newTestServer(t, "")

	for _, path := range []string{"/documents/missing/jobs", "/documents/missing/history", "/documents/missing/jobs/x"} {
		resp := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "unknown_document", decode[errorResponse](t, resp).Error, path)
	}
	resp := ts.do(t, http.MethodDelete, "/documents/missing/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCloseDocument(t *testing.T) {
	ts := newTestServer(t, "")
	ts.submit(t, "doc", generateBody(0))

	resp := ts.do(t, http.MethodDelete, "/documents/doc/", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, ts.registry.Documents())
	ts.backend.mu.Lock()
	assert.True(t, ts.backend.closed)
	ts.backend.mu.Unlock()
}

func TestBackendUnreachable(t *testing.T) {
	ts := newTestServer(t, "")
	ts.backend.dispatchErr = fmt.Errorf("%w: dial tcp: refused", job.ErrConnectivity)

	snap := ts.submit(t, "doc", generateBody(0))
	failed := ts.waitStatus(t, "doc", snap.ID, job.StatusFailed)
	assert.Contains(t, failed.Error, "refused")
}

func TestBearerAuth(t *testing.T) {
	ts := newTestServer(t, "secret")

	resp := ts.do(t, http.MethodGet, "/documents/doc/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/documents/doc/jobs", strings.NewReader(`{"prompt":"x","extent":{"width":64,"height":64}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	ok, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusAccepted, ok.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv := New(Config{}, nil, zerolog.Nop())
	tests := []struct {
		err  error
		code int
	}{
		{job.ErrInvalidDescriptor, http.StatusBadRequest},
		{job.ErrUnknownJob, http.StatusNotFound},
		{job.ErrMissingResource, http.StatusNotFound},
		{job.ErrCapacityExceeded, http.StatusTooManyRequests},
		{fmt.Errorf("%w: %w", job.ErrConnectivity, job.ErrBackendRejected), http.StatusUnprocessableEntity},
		{job.ErrConnectivity, http.StatusBadGateway},
		{coordinator.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.fail(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, "")

	first := ts.submit(t, "doc", generateBody(0))
	ts.waitStatus(t, "doc", first.ID, job.StatusActive)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/documents/doc/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription exists once the handshake has completed.
	ts.backend.send(t, first.ID, job.Event{Type: job.EventProgress, Progress: 0.25})
	ts.backend.send(t, first.ID, job.Event{Type: job.EventFinished, Results: []job.ResultRef{{Filename: "a.png"}}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []coordinator.Notification
	for {
		var n coordinator.Notification
		require.NoError(t, conn.ReadJSON(&n))
		got = append(got, n)
		if n.Status == job.StatusFinished {
			break
		}
	}
	assert.Equal(t, coordinator.KindProgress, got[0].Kind)
	assert.InDelta(t, 0.25, got[0].Progress, 1e-9)
	last := got[len(got)-1]
	assert.Equal(t, coordinator.KindStatus, last.Kind)
	assert.Equal(t, first.ID, last.JobID)
	assert.Equal(t, "doc", last.Document)

	// Closing the document ends the stream.
	ts.registry.Close("doc")
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
			break
		}
	}
}
