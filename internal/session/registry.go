package session

import (
	"sort"
	"sync"
)

// DefaultDocument is the id used when a request names no document.
const DefaultDocument = "default"

// Registry lazily creates one Session per document id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     []Option
}

// NewRegistry creates an empty registry. The options are applied to every
// session it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
}

// Get returns the session for a document, creating it on first use.
func (r *Registry) Get(document string) *Session {
	if document == "" {
		document = DefaultDocument
	}

	r.mu.RLock()
	s, ok := r.sessions[document]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[document]; ok {
		return s
	}
	s = New(document, r.opts...)
	r.sessions[document] = s
	return s
}

// Discard drops the session of a document. The next Get starts afresh.
func (r *Registry) Discard(document string) {
	if document == "" {
		document = DefaultDocument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, document)
}

// Documents lists the ids that have a session.
func (r *Registry) Documents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
