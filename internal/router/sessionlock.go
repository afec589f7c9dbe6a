// ABOUTME: Per-session mutex keyed by session id
// ABOUTME: Serializes routing within a session while cross-session work stays concurrent

package router

import "sync"

// sessionLock hands out one mutex per session id. Entries are reference
// counted and removed once the last holder releases, so the map does not
// grow with the number of sessions ever seen.
type sessionLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLock() *sessionLock {
	return &sessionLock{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key and returns its release func.
func (s *sessionLock) Lock(key string) func() {
	s.mu.Lock()
	entry, ok := s.locks[key]
	if !ok {
		entry = &lockEntry{}
		s.locks[key] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
