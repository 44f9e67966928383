package upload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the in-memory lifecycle state of an upload session.
type State string

const (
	StateOpen         State = "OPEN"
	StateReassembling State = "REASSEMBLING"
	StateDone         State = "DONE"
	StateReclaimed    State = "RECLAIMED"
)

// Transition is emitted whenever a session changes state.
type Transition struct {
	Token     string    `json:"upload_id"`
	Filename  string    `json:"filename,omitempty"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Fragments int       `json:"fragments"`
	Err       string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Observer receives session transitions. Errors are logged by the caller
// and never fail the upload.
type Observer interface {
	Observe(ctx context.Context, t Transition) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition) error

func (f ObserverFunc) Observe(ctx context.Context, t Transition) error {
	return f(ctx, t)
}

// session guards one token. Fragment writers hold the read lock so they
// proceed in parallel; the reassembly lease and the janitor take the write
// lock to change state.
type session struct {
	mu        sync.RWMutex
	state     State
	changed   time.Time
	lastWrite atomic.Int64

	// Set when the reassembly lease is taken.
	filename string
	total    int
	// Closed when the session leaves REASSEMBLING.
	settled chan struct{}
}

// sameUpload reports whether f belongs to the upload this session is
// reassembling or has finished. The caller holds s.mu.
func (s *session) sameUpload(f Fragment) bool {
	return s.filename == f.Filename && s.total == f.Total
}

func (s *session) touch(t time.Time) {
	s.lastWrite.Store(t.UnixNano())
}

func (s *session) lastWriteTime() time.Time {
	n := s.lastWrite.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// registry maps tokens to sessions. Lock order is session.mu before
// registry.mu; the registry never blocks on a session lock.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

func newRegistry(now func() time.Time) *registry {
	return &registry{sessions: make(map[string]*session), now: now}
}

// get returns the session for token, creating an OPEN one if needed.
func (r *registry) get(token string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		s = &session{state: StateOpen, changed: r.now()}
		r.sessions[token] = s
	}
	return s
}

func (r *registry) lookup(token string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	return s, ok
}

// forget drops token if it still maps to s. The caller holds s.mu.
func (r *registry) forget(token string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[token] == s {
		delete(r.sessions, token)
	}
}

// acquireWrite returns the live session for f.Token with its read lock
// held. A reclaimed session has already been detached from the map, so the
// writer retries and lands on a fresh OPEN session. A finished session only
// absorbs retries of the upload it produced within grace; any other write
// replaces it with a fresh OPEN session. A write for a different upload
// waits for an in-flight reassembly to settle first.
func (r *registry) acquireWrite(ctx context.Context, f Fragment, grace time.Duration) (*session, error) {
	for {
		s := r.get(f.Token)
		s.mu.RLock()
		switch {
		case s.state == StateReclaimed:
			s.mu.RUnlock()
		case s.state == StateDone && (!s.sameUpload(f) || r.now().Sub(s.changed) > grace):
			r.replace(f.Token, s)
			s.mu.RUnlock()
		case s.state == StateReassembling && !s.sameUpload(f):
			settled := s.settled
			s.mu.RUnlock()
			select {
			case <-settled:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return s, nil
		}
	}
}

// replace swaps a fresh OPEN session in for s if token still maps to s.
func (r *registry) replace(token string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[token] == s {
		r.sessions[token] = &session{state: StateOpen, changed: r.now()}
	}
}

// prune drops DONE entries whose last change is older than cutoff. Entries
// that are locked right now are left for the next sweep.
func (r *registry) prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for token, s := range r.sessions {
		if !s.mu.TryLock() {
			continue
		}
		if s.state == StateDone && s.changed.Before(cutoff) {
			delete(r.sessions, token)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// state reports the current state of token, or OPEN when unknown.
func (r *registry) state(token string) State {
	s, ok := r.lookup(token)
	if !ok {
		return StateOpen
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
