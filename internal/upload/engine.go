package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"lan-file-drop/internal/artifact"
	"lan-file-drop/internal/logging"
	"lan-file-drop/internal/metrics"
	"lan-file-drop/internal/pathsafe"
)

// Outcome is the result of one fragment write.
type Outcome string

const (
	OutcomeReceived       Outcome = "received"
	OutcomeReassembled    Outcome = "reassembled"
	OutcomeAlreadyHandled Outcome = "already_handled"
)

// Fragment is one validated upload request.
type Fragment struct {
	Token    string
	Index    int
	Total    int
	Filename string
}

// Options configures an Engine. Zero values are valid.
type Options struct {
	Observer Observer
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	// MaxFragmentBytes caps a single fragment body; 0 means unlimited.
	MaxFragmentBytes int64
	// DoneGrace is how long a finished session answers retries of its own
	// fragments with OutcomeAlreadyHandled. Defaults to DefaultDoneGrace.
	DoneGrace time.Duration
	Now       func() time.Time
}

// DefaultDoneGrace bounds how long a finished session absorbs late
// duplicates before its token can carry a new upload of the same file.
const DefaultDoneGrace = 2 * time.Minute

// Engine drives the upload flow: store a fragment, check completeness,
// reassemble under a per-session lease.
type Engine struct {
	store    Backend
	repo     *artifact.Repository
	reasm    *Reassembler
	sessions *registry
	observer Observer
	metrics  *metrics.Metrics
	log      *logging.Logger
	maxBytes int64
	grace    time.Duration
	now      func() time.Time
}

// NewEngine wires an engine over store and repo.
func NewEngine(store Backend, repo *artifact.Repository, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	grace := opts.DoneGrace
	if grace <= 0 {
		grace = DefaultDoneGrace
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		store:    store,
		repo:     repo,
		reasm:    NewReassembler(store, repo),
		sessions: newRegistry(now),
		observer: opts.Observer,
		metrics:  opts.Metrics,
		log:      log.With(map[string]any{"service": "upload"}),
		maxBytes: opts.MaxFragmentBytes,
		grace:    grace,
		now:      now,
	}
}

// ParseFragment validates raw request values. Every failure matches
// pathsafe.ErrInvalid.
func (e *Engine) ParseFragment(token, index, total, filename string) (Fragment, error) {
	if err := pathsafe.ValidateSessionToken(token); err != nil {
		return Fragment{}, err
	}
	idx, err := strconv.Atoi(index)
	if err != nil {
		return Fragment{}, &pathsafe.Error{Field: "chunk index", Reason: "not an integer"}
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return Fragment{}, &pathsafe.Error{Field: "total chunks", Reason: "not an integer"}
	}
	f := Fragment{Token: token, Index: idx, Total: n, Filename: filename}
	if err := e.validate(&f); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

func (e *Engine) validate(f *Fragment) error {
	if err := pathsafe.ValidateSessionToken(f.Token); err != nil {
		return err
	}
	if f.Total < 1 {
		return &pathsafe.Error{Field: "total chunks", Reason: "must be at least 1"}
	}
	if f.Index < 0 || f.Index >= f.Total {
		return &pathsafe.Error{Field: "chunk index", Reason: fmt.Sprintf("must be in [0, %d)", f.Total)}
	}
	name, err := e.repo.Policy().ValidateFilename(f.Filename)
	if err != nil {
		return err
	}
	f.Filename = name
	return nil
}

// WriteFragment stores one fragment and, if that completes the session,
// reassembles it. Losing the reassembly race, or retrying a fragment of an
// upload that just finished, is reported as OutcomeAlreadyHandled. A token
// reused for a different file, or after the grace period, starts a new
// session.
func (e *Engine) WriteFragment(ctx context.Context, f Fragment, body io.Reader) (Outcome, error) {
	if err := e.validate(&f); err != nil {
		e.metrics.RecordFragment("invalid", 0)
		return "", err
	}
	if e.maxBytes > 0 {
		body = &capReader{r: body, left: e.maxBytes}
	}

	s, err := e.sessions.acquireWrite(ctx, f, e.grace)
	if err != nil {
		return "", err
	}
	if s.state != StateOpen {
		s.mu.RUnlock()
		e.metrics.RecordFragment(string(OutcomeAlreadyHandled), 0)
		return OutcomeAlreadyHandled, nil
	}
	n, err := e.store.WriteFragment(ctx, f.Token, f.Index, body)
	if err == nil {
		s.touch(e.now())
	}
	s.mu.RUnlock()
	if err != nil {
		e.metrics.RecordFragment("error", 0)
		return "", err
	}
	e.metrics.RecordFragment(string(OutcomeReceived), n)

	complete, err := IsComplete(ctx, e.store, f.Token, f.Total)
	if err != nil {
		return "", fmt.Errorf("check completeness: %w", err)
	}
	if !complete {
		// The namespace may have just been consumed by a concurrent
		// reassembly of this session.
		s.mu.RLock()
		done := s.state != StateOpen
		s.mu.RUnlock()
		if done {
			return OutcomeAlreadyHandled, nil
		}
		return OutcomeReceived, nil
	}

	return e.reassemble(ctx, s, f)
}

// reassemble takes the OPEN -> REASSEMBLING lease, runs the reassembler and
// settles the session. Only the caller holding the lease reassembles.
func (e *Engine) reassemble(ctx context.Context, s *session, f Fragment) (Outcome, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return OutcomeAlreadyHandled, nil
	}
	s.state = StateReassembling
	s.filename = f.Filename
	s.total = f.Total
	s.settled = make(chan struct{})
	s.changed = e.now()
	s.mu.Unlock()
	e.emit(ctx, f, StateOpen, StateReassembling, nil)

	// A client disconnect must not abandon a lease halfway.
	start := e.now()
	ref, err := e.reasm.Reassemble(context.WithoutCancel(ctx), f.Token, f.Total, f.Filename)

	s.mu.Lock()
	switch {
	case err == nil, errors.Is(err, ErrAlreadyHandled):
		s.state = StateDone
	case ref.Name != "":
		// Published but the session could not be removed.
		s.state = StateDone
	default:
		s.state = StateOpen
	}
	next := s.state
	s.changed = e.now()
	close(s.settled)
	s.mu.Unlock()
	e.emit(ctx, f, StateReassembling, next, err)

	switch {
	case err == nil:
		e.metrics.RecordReassembly("ok", e.now().Sub(start))
		e.log.Info("file reassembled", map[string]any{
			"upload_id": f.Token,
			"filename":  ref.Name,
			"size":      ref.Size,
			"chunks":    f.Total,
		})
		return OutcomeReassembled, nil
	case errors.Is(err, ErrAlreadyHandled):
		e.metrics.RecordReassembly("already_handled", 0)
		return OutcomeAlreadyHandled, nil
	case ref.Name != "":
		e.metrics.RecordReassembly("ok", e.now().Sub(start))
		e.log.Warn("artifact published but session cleanup failed", map[string]any{
			"upload_id": f.Token,
			"filename":  ref.Name,
			"error":     err.Error(),
		})
		return OutcomeReassembled, nil
	case errors.Is(err, ErrDataCorruption):
		e.metrics.RecordReassembly("corrupt", 0)
		e.log.Error("reassembly failed", map[string]any{"upload_id": f.Token, "filename": f.Filename}, err)
		return "", err
	default:
		e.metrics.RecordReassembly("error", 0)
		e.log.Error("reassembly failed", map[string]any{"upload_id": f.Token, "filename": f.Filename}, err)
		return "", err
	}
}

// Status returns the sorted indices received so far. An unknown session has
// no fragments.
func (e *Engine) Status(ctx context.Context, token string) ([]int, error) {
	if err := pathsafe.ValidateSessionToken(token); err != nil {
		return nil, err
	}
	indices, err := e.store.ListIndices(ctx, token)
	if err != nil {
		return nil, err
	}
	if indices == nil {
		indices = []int{}
	}
	sort.Ints(indices)
	return indices, nil
}

// State reports the in-memory state of token. Unknown tokens are OPEN.
func (e *Engine) State(token string) State {
	return e.sessions.state(token)
}

func (e *Engine) emit(ctx context.Context, f Fragment, from, to State, cause error) {
	if e.observer == nil {
		return
	}
	t := Transition{
		Token:     f.Token,
		Filename:  f.Filename,
		From:      from,
		To:        to,
		Fragments: f.Total,
		At:        e.now(),
	}
	if cause != nil {
		t.Err = cause.Error()
	}
	if err := e.observer.Observe(context.WithoutCancel(ctx), t); err != nil {
		e.log.Warn("session observer failed", map[string]any{
			"upload_id": f.Token,
			"to":        string(to),
			"error":     err.Error(),
		})
	}
}

// capReader fails once more than left bytes are read, so an oversized body
// aborts the backend write instead of being stored truncated.
type capReader struct {
	r    io.Reader
	left int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.left <= 0 {
		var probe [1]byte
		n, err := c.r.Read(probe[:])
		if n > 0 {
			return 0, ErrFragmentTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	return n, err
}
