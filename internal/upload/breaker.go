package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"lan-file-drop/internal/logging"
)

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails calls fast until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen admits a single probe call.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBackendUnavailable is returned while the breaker is open.
var ErrBackendUnavailable = errors.New("fragment store unavailable")

// BreakerStats is a snapshot of a Breaker.
type BreakerStats struct {
	State            BreakerState `json:"state"`
	Failures         uint32       `json:"failures"`
	TotalRequests    uint64       `json:"total_requests"`
	FailedRequests   uint64       `json:"failed_requests"`
	RejectedRequests uint64       `json:"rejected_requests"`
	LastFailureTime  time.Time    `json:"last_failure_time"`
}

// Breaker opens after maxFailures consecutive backend failures and rejects
// calls for the cool-down period, so a dead object store fails uploads fast
// instead of stalling every request on network timeouts.
type Breaker struct {
	mu sync.Mutex

	maxFailures uint32
	cooldown    time.Duration
	now         func() time.Time
	log         *logging.Logger

	state           BreakerState
	failures        uint32
	lastFailureTime time.Time
	probing         bool

	totalRequests    uint64
	failedRequests   uint64
	rejectedRequests uint64
}

// NewBreaker returns a closed breaker.
func NewBreaker(maxFailures uint32, cooldown time.Duration) *Breaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		log:         logging.Default().With(map[string]any{"service": "breaker"}),
	}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.totalRequests++
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailureTime) < b.cooldown {
			b.rejectedRequests++
			b.mu.Unlock()
			return ErrBackendUnavailable
		}
		b.state = BreakerHalfOpen
		b.log.Info("breaker half-open", map[string]any{"cooldown": b.cooldown.String()})
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			b.rejectedRequests++
			b.mu.Unlock()
			return ErrBackendUnavailable
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if isBackendFailure(err) {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return err
}

func (b *Breaker) onSuccess() {
	if b.state != BreakerClosed {
		b.log.Info("breaker closed", nil)
	}
	b.state = BreakerClosed
	b.failures = 0
}

func (b *Breaker) onFailure() {
	b.failedRequests++
	b.failures++
	b.lastFailureTime = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			b.log.Warn("breaker opened", map[string]any{
				"failures": b.failures,
				"cooldown": b.cooldown.String(),
			})
		}
		b.state = BreakerOpen
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:            b.state,
		Failures:         b.failures,
		TotalRequests:    b.totalRequests,
		FailedRequests:   b.failedRequests,
		RejectedRequests: b.rejectedRequests,
		LastFailureTime:  b.lastFailureTime,
	}
}

// Check is a health probe: it fails while the breaker is open.
func (b *Breaker) Check(context.Context) error {
	if b.State() == BreakerOpen {
		return ErrBackendUnavailable
	}
	return nil
}

// isBackendFailure separates outages from answers. A missing fragment, an
// oversized body or a cancelled request says nothing about backend health.
func isBackendFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrFragmentNotFound),
		errors.Is(err, ErrFragmentTooLarge),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// BreakerBackend guards every call to a Backend with a Breaker.
type BreakerBackend struct {
	next    Backend
	breaker *Breaker
}

// WithBreaker wraps next.
func WithBreaker(next Backend, b *Breaker) *BreakerBackend {
	return &BreakerBackend{next: next, breaker: b}
}

// Breaker returns the guarding breaker.
func (b *BreakerBackend) Breaker() *Breaker {
	return b.breaker
}

func (b *BreakerBackend) WriteFragment(ctx context.Context, token string, index int, r io.Reader) (int64, error) {
	var n int64
	err := b.breaker.Execute(func() (err error) {
		n, err = b.next.WriteFragment(ctx, token, index, r)
		return err
	})
	return n, err
}

func (b *BreakerBackend) ListIndices(ctx context.Context, token string) ([]int, error) {
	var out []int
	err := b.breaker.Execute(func() (err error) {
		out, err = b.next.ListIndices(ctx, token)
		return err
	})
	return out, err
}

func (b *BreakerBackend) OpenFragment(ctx context.Context, token string, index int) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := b.breaker.Execute(func() (err error) {
		rc, err = b.next.OpenFragment(ctx, token, index)
		return err
	})
	return rc, err
}

func (b *BreakerBackend) SessionExists(ctx context.Context, token string) (bool, error) {
	var ok bool
	err := b.breaker.Execute(func() (err error) {
		ok, err = b.next.SessionExists(ctx, token)
		return err
	})
	return ok, err
}

func (b *BreakerBackend) RemoveSession(ctx context.Context, token string) error {
	return b.breaker.Execute(func() error {
		return b.next.RemoveSession(ctx, token)
	})
}

func (b *BreakerBackend) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := b.breaker.Execute(func() (err error) {
		out, err = b.next.ListSessions(ctx)
		return err
	})
	return out, err
}
