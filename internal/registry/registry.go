// Package registry is the document lookup/lifecycle layer (component C):
// single-flight creation, ref-counted sharing between connections, and
// idle-triggered eviction. It is grounded on the hub-and-spoke document
// registries sketched across the example pack (notably
// other_examples' internal/hub "GetOrCreateDocument" pattern and the
// teacher's own session.Hub), generalized to single-flight creation plus a
// proper eviction scheduler.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Factory constructs a new document for name. It is called outside the
// registry's own lock so a slow construction (subscribing to the bus,
// warming state) never blocks unrelated Get calls.
type Factory func(ctx context.Context, name string) (Document, error)

// Document is the subset of internal/document.Document the registry depends
// on, kept as an interface here to avoid an import cycle (document imports
// nothing from registry, registry only needs this much of it).
type Document interface {
	Name() string
	RefCount() int32
	LastAccessed() time.Time
	HasPendingDebounce() bool
	Close(ctx context.Context) error
}

type entry struct {
	doc   Document
	ready chan struct{}
	err   error
}

// Registry is the process-wide document table.
type Registry struct {
	mu      sync.Mutex
	docs    map[string]*entry
	factory Factory
	idleTTL time.Duration
	log     zerolog.Logger
}

// New builds a Registry. idleTTL is how long a document with zero attached
// connections and no pending debounce flush is kept warm before eviction.
func New(factory Factory, idleTTL time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		docs:    make(map[string]*entry),
		factory: factory,
		idleTTL: idleTTL,
		log:     log,
	}
}

// Get returns the document for name, creating it via Factory if this is the
// first request for it. Concurrent callers for the same name that arrive
// while creation is in flight block on the same construction (single-flight)
// rather than racing separate factory calls.
func (r *Registry) Get(ctx context.Context, name string) (Document, error) {
	r.mu.Lock()
	if e, ok := r.docs[name]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.doc, nil
	}

	e := &entry{ready: make(chan struct{})}
	r.docs[name] = e
	r.mu.Unlock()

	doc, err := r.factory(ctx, name)
	if err != nil {
		r.mu.Lock()
		delete(r.docs, name)
		r.mu.Unlock()
		e.err = err
		close(e.ready)
		return nil, fmt.Errorf("registry: create document %q: %w", name, err)
	}
	e.doc = doc
	close(e.ready)
	return doc, nil
}

// Release schedules idle-eviction for name once its connection count has
// dropped to zero. It does not evict immediately: the document stays warm
// for idleTTL in case a new connection attaches right away.
func (r *Registry) Release(name string) {
	if r.idleTTL <= 0 {
		r.tryEvict(name)
		return
	}
	time.AfterFunc(r.idleTTL, func() { r.tryEvict(name) })
}

// tryEvict removes name from the table if it is still idle (refCount zero,
// no pending debounce) at the time of the call. Anything else — a fresh
// connection attached in the meantime, a flush still pending — aborts the
// eviction.
func (r *Registry) tryEvict(name string) bool {
	r.mu.Lock()
	e, ok := r.docs[name]
	if !ok || e.doc == nil {
		r.mu.Unlock()
		return false
	}
	if e.doc.RefCount() > 0 || e.doc.HasPendingDebounce() {
		r.mu.Unlock()
		return false
	}
	delete(r.docs, name)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.doc.Close(ctx); err != nil {
		r.log.Warn().Err(err).Str("doc", name).Msg("error closing evicted document")
	}
	r.log.Info().Str("doc", name).Msg("document evicted")
	return true
}

// EvictNow forces an immediate eviction attempt, bypassing idleTTL. Used by
// the memory manager under pressure. Returns whether eviction actually
// happened.
func (r *Registry) EvictNow(name string) bool {
	return r.tryEvict(name)
}

// ForEach calls fn for every currently resident, fully-constructed document.
// It takes a snapshot under the registry lock and invokes fn outside it, so
// fn may take as long as it likes (e.g. sampling memory, checking eviction
// eligibility) without blocking concurrent Get/Release calls.
func (r *Registry) ForEach(fn func(name string, doc Document)) {
	r.mu.Lock()
	snapshot := make([]Document, 0, len(r.docs))
	names := make([]string, 0, len(r.docs))
	for name, e := range r.docs {
		if e.doc != nil && e.err == nil {
			snapshot = append(snapshot, e.doc)
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	for i, doc := range snapshot {
		fn(names[i], doc)
	}
}

// Count returns the number of resident documents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.docs {
		if e.doc != nil && e.err == nil {
			n++
		}
	}
	return n
}
