package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// BackendFactory opens the backend connection of one document.
type BackendFactory func(doc string) (Backend, error)

// Registry holds the coordinator and backend connection of every open
// document. Documents never share a connection.
type Registry struct {
	factory BackendFactory
	opts    Options
	log     zerolog.Logger

	mu   sync.Mutex
	docs map[string]*document
}

type document struct {
	coord   *Coordinator
	backend Backend
}

func NewRegistry(factory BackendFactory, opts Options, log zerolog.Logger) *Registry {
	return &Registry{
		factory: factory,
		opts:    opts,
		log:     log,
		docs:    make(map[string]*document),
	}
}

// Open returns the coordinator of doc, starting one if the document is not open.
func (r *Registry) Open(ctx context.Context, doc string) (*Coordinator, error) {
	if doc == "" {
		return nil, errors.New("document id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[doc]; ok {
		return d.coord, nil
	}

	backend, err := r.factory(doc)
	if err != nil {
		return nil, fmt.Errorf("open backend for %s: %w", doc, err)
	}
	coord, err := New(ctx, doc, backend, r.opts, r.log)
	if err != nil {
		closeBackend(backend)
		return nil, err
	}
	r.docs[doc] = &document{coord: coord, backend: backend}
	r.log.Info().Str("document", doc).Msg("document opened")
	return coord, nil
}

func (r *Registry) Get(doc string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[doc]
	if !ok {
		return nil, false
	}
	return d.coord, true
}

// Backend returns the backend connection of an open document.
func (r *Registry) Backend(doc string) (Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[doc]
	if !ok {
		return nil, false
	}
	return d.backend, true
}

// Documents returns the open document ids, sorted.
func (r *Registry) Documents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for doc := range r.docs {
		out = append(out, doc)
	}
	sort.Strings(out)
	return out
}

// Close stops the coordinator of doc and closes its backend connection. It
// reports false if the document was not open.
func (r *Registry) Close(doc string) (bool, error) {
	r.mu.Lock()
	d, ok := r.docs[doc]
	delete(r.docs, doc)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	err := errors.Join(d.coord.Close(), closeBackend(d.backend))
	r.log.Info().Str("document", doc).Msg("document closed")
	return true, err
}

func (r *Registry) CloseAll() error {
	var errs []error
	for _, doc := range r.Documents() {
		if _, err := r.Close(doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeBackend(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
