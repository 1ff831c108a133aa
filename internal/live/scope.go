package live

import (
	"sort"
	"sync"
)

// Scope owns a keyed set of disposers. Adding under an existing key
// releases the previous disposer first, so a scope never holds two live
// subscriptions for the same key.
type Scope struct {
	mu     sync.Mutex
	fns    map[string]func()
	closed bool
}

func NewScope() *Scope {
	return &Scope{fns: make(map[string]func())}
}

// Add registers fn under key. If the scope is already closed fn is called
// immediately.
func (s *Scope) Add(key string, fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	prev := s.fns[key]
	s.fns[key] = fn
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Has reports whether a disposer is registered under key.
func (s *Scope) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fns[key]
	return ok
}

// Release disposes the entry under key, if any.
func (s *Scope) Release(key string) {
	s.mu.Lock()
	fn := s.fns[key]
	delete(s.fns, key)
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Keys returns the registered keys in sorted order.
func (s *Scope) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.fns))
	for k := range s.fns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// ReleaseAll disposes every entry but leaves the scope usable.
func (s *Scope) ReleaseAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns = make(map[string]func())
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close disposes every entry; later Adds are disposed immediately.
func (s *Scope) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ReleaseAll()
}
