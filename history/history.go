// Package history keeps a bounded, append-only record of finished jobs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/richinsley/comfyjobs/job"
)

var ErrNotTerminal = errors.New("job is not terminal")

// Entry is the retained record of one job. It is never modified after creation.
type Entry struct {
	JobID      string          `json:"job_id"`
	Document   string          `json:"document"`
	Descriptor job.Descriptor  `json:"descriptor"`
	Status     job.Status      `json:"status"`
	Results    []job.ResultRef `json:"results"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Persister stores entries outside the process so history survives restarts.
type Persister interface {
	Append(ctx context.Context, e Entry) error
	Delete(ctx context.Context, document string, jobIDs ...string) error
	// Load returns the newest limit entries of document, oldest first.
	Load(ctx context.Context, document string, limit int) ([]Entry, error)
}

type Config struct {
	Document string
	// Capacity bounds the number of entries. Zero or less means unbounded.
	Capacity int
	// KeepFailed retains failed jobs; otherwise they are dropped.
	KeepFailed bool
	Persister  Persister
	Logger     zerolog.Logger
}

// Store is the in-memory history of one document, optionally mirrored to a
// Persister. Like the queue it is owned by a single coordinator.
type Store struct {
	cfg     Config
	entries []Entry
	log     zerolog.Logger
}

func NewStore(cfg Config) *Store {
	return &Store{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "history").Str("document", cfg.Document).Logger(),
	}
}

// Restore loads previously persisted entries, trimming them to capacity.
func (s *Store) Restore(ctx context.Context) error {
	if s.cfg.Persister == nil {
		return nil
	}
	entries, err := s.cfg.Persister.Load(ctx, s.cfg.Document, s.cfg.Capacity)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.entries = entries
	s.EvictIfOverCapacity()
	s.log.Debug().Int("entries", len(s.entries)).Msg("history restored")
	return nil
}

// Record appends a terminal job. Cancelled jobs without results are skipped,
// as are failed jobs unless KeepFailed is set. Eviction runs before Record
// returns, so the store never holds more than Capacity entries.
func (s *Store) Record(j *job.Job) error {
	if !j.Status().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, j.ID(), j.Status())
	}
	switch j.Status() {
	case job.StatusCancelled:
		if !j.HasResults() {
			return nil
		}
	case job.StatusFailed:
		if !s.cfg.KeepFailed {
			s.log.Debug().Str("job", j.ID()).Str("error", j.ErrorDetail()).Msg("dropping failed job")
			return nil
		}
	}
	if s.Get(j.ID()) != nil {
		return nil
	}
	e := Entry{
		JobID:      j.ID(),
		Document:   s.cfg.Document,
		Descriptor: j.Descriptor(),
		Status:     j.Status(),
		Results:    j.Results(),
		Error:      j.ErrorDetail(),
		Timestamp:  time.Now(),
	}
	s.entries = append(s.entries, e)
	if s.cfg.Persister != nil {
		if err := s.cfg.Persister.Append(context.Background(), e); err != nil {
			s.log.Error().Err(err).Str("job", e.JobID).Msg("persist history entry")
		}
	}
	s.EvictIfOverCapacity()
	return nil
}

// EvictIfOverCapacity drops the oldest entries until the store fits its capacity.
func (s *Store) EvictIfOverCapacity() []Entry {
	if s.cfg.Capacity <= 0 || len(s.entries) <= s.cfg.Capacity {
		return nil
	}
	n := len(s.entries) - s.cfg.Capacity
	evicted := append([]Entry(nil), s.entries[:n]...)
	s.entries = append(s.entries[:0:0], s.entries[n:]...)

	if s.cfg.Persister != nil {
		ids := make([]string, len(evicted))
		for i, e := range evicted {
			ids[i] = e.JobID
		}
		if err := s.cfg.Persister.Delete(context.Background(), s.cfg.Document, ids...); err != nil {
			s.log.Error().Err(err).Strs("jobs", ids).Msg("delete evicted history entries")
		}
	}
	return evicted
}

// List returns up to limit entries starting at offset, oldest first.
// A limit of zero or less returns everything after offset.
func (s *Store) List(limit, offset int) []Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.entries) {
		return []Entry{}
	}
	end := len(s.entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Entry, 0, end-offset)
	for _, e := range s.entries[offset:end] {
		out = append(out, e.clone())
	}
	return out
}

func (s *Store) Get(jobID string) *Entry {
	for i := range s.entries {
		if s.entries[i].JobID == jobID {
			e := s.entries[i].clone()
			return &e
		}
	}
	return nil
}

func (s *Store) Len() int { return len(s.entries) }

func (e Entry) clone() Entry {
	e.Descriptor = e.Descriptor.Clone()
	e.Results = append([]job.ResultRef(nil), e.Results...)
	return e
}
