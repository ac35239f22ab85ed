package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/richinsley/comfyjobs/coordinator"
	"github.com/richinsley/comfyjobs/job"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

// submitRequest is a descriptor draft. Kind is parsed separately so the
// host may use its own aliases.
type submitRequest struct {
	job.Descriptor
	Kind string `json:"kind"`
}

func (s *Server) coordinator(w http.ResponseWriter, r *http.Request, open bool) (*coordinator.Coordinator, bool) {
	doc := chi.URLParam(r, "doc")
	if open {
		c, err := s.registry.Open(r.Context(), doc)
		if err != nil {
			s.fail(w, r, err)
			return nil, false
		}
		return c, true
	}
	c, ok := s.registry.Get(doc)
	if !ok {
		s.error(w, http.StatusNotFound, "unknown_document", fmt.Sprintf("document %q is not open", doc))
		return nil, false
	}
	return c, true
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	kind, err := job.ParseKind(req.Kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	draft := req.Descriptor
	draft.Kind = kind

	c, ok := s.coordinator(w, r, true)
	if !ok {
		return
	}
	id, err := c.Submit(r.Context(), draft)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := c.Job(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/documents/%s/jobs/%s", c.Document(), id))
	s.json(w, http.StatusAccepted, snap)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r, false)
	if !ok {
		return
	}
	var (
		jobs []job.Snapshot
		err  error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "":
		jobs, err = c.Jobs(r.Context())
	case string(job.StatusActive):
		jobs, err = c.Active(r.Context())
	case string(job.StatusQueued):
		jobs, err = c.Pending(r.Context())
	default:
		s.error(w, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unsupported status filter %q", status))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Snapshot{}
	}
	s.json(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r, false)
	if !ok {
		return
	}
	snap, err := c.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusOK, snap)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r, false)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	cancelled, err := c.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusAccepted, map[string]any{"id": id, "cancelled": cancelled})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r, false)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.error(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.error(w, http.StatusBadRequest, "invalid_offset", err.Error())
		return
	}
	entries, err := c.History(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusOK, entries)
}

// result proxies the n-th result image of a job from the backend.
func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r, false)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 {
		s.error(w, http.StatusBadRequest, "invalid_index", "result index must be a non-negative integer")
		return
	}
	snap, err := c.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	refs := snap.Results
	if len(refs) == 0 {
		refs = snap.Preview
	}
	if n >= len(refs) {
		s.error(w, http.StatusNotFound, "no_result", fmt.Sprintf("job has %d results", len(refs)))
		return
	}
	backend, _ := s.registry.Backend(c.Document())
	fetcher, ok := backend.(ImageFetcher)
	if !ok {
		s.error(w, http.StatusNotImplemented, "unsupported", "backend cannot fetch images")
		return
	}
	img, err := fetcher.FetchImage(r.Context(), refs[n])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(img))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", refs[n].Filename))
	http.ServeContent(w, r, refs[n].Filename, time.Time{}, bytes.NewReader(img))
}

func (s *Server) closeDocument(w http.ResponseWriter, r *http.Request) {
	doc := chi.URLParam(r, "doc")
	closed, err := s.registry.Close(doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !closed {
		s.error(w, http.StatusNotFound, "unknown_document", fmt.Sprintf("document %q is not open", doc))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams the document's notifications until the client goes away
// or the document is closed.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r, false)
	if !ok {
		return
	}
	// Subscribe first so nothing published after the handshake is missed.
	notes, unsubscribe := c.Subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Debug().Err(err).Msg("events upgrade failed")
		return
	}
	defer conn.Close()

	// The reader only exists to process control frames and notice the peer leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := s.log.With().Str("document", c.Document()).Logger()
	log.Debug().Msg("events subscriber connected")
	defer log.Debug().Msg("events subscriber disconnected")

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case n, ok := <-notes:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "document closed"))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				log.Debug().Err(err).Msg("events write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
