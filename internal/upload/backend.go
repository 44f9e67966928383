// Package upload implements chunked uploads: fragments are written into a
// per-session namespace, checked for completeness after every write, and
// concatenated into an artifact once every index is present. Abandoned
// sessions are reclaimed by the Janitor.
package upload

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"
)

var (
	// ErrDataCorruption reports a fragment that vanished or could not be
	// read after the session was found complete.
	ErrDataCorruption = errors.New("fragment missing or unreadable during reassembly")
	// ErrAlreadyHandled reports a session that another worker reassembled or
	// is reassembling. Callers treat it as success.
	ErrAlreadyHandled = errors.New("session already handled by another worker")
	// ErrFragmentNotFound is returned by Backend.OpenFragment.
	ErrFragmentNotFound = errors.New("fragment not found")
	// ErrFragmentTooLarge reports a fragment body above the configured cap.
	ErrFragmentTooLarge = errors.New("fragment too large")
)

// SessionInfo is one session namespace as seen by the Janitor.
type SessionInfo struct {
	Token   string
	ModTime time.Time
}

// Backend is the capability set the engine needs from fragment storage.
// Tokens and indices passed in have already been validated.
type Backend interface {
	// WriteFragment stores r as fragment index of the session, creating the
	// session namespace on first use. A concurrent reader never observes a
	// partially written fragment; the last complete write wins.
	WriteFragment(ctx context.Context, token string, index int, r io.Reader) (int64, error)
	// ListIndices returns the fragment indices present, in any order. A
	// missing session yields an empty result and no error.
	ListIndices(ctx context.Context, token string) ([]int, error)
	// OpenFragment opens one fragment. Missing fragments report
	// ErrFragmentNotFound.
	OpenFragment(ctx context.Context, token string, index int) (io.ReadCloser, error)
	// SessionExists reports whether the session namespace exists.
	SessionExists(ctx context.Context, token string) (bool, error)
	// RemoveSession deletes the namespace. Removing a missing session is
	// not an error.
	RemoveSession(ctx context.Context, token string) error
	// ListSessions enumerates namespaces with their last modification time.
	ListSessions(ctx context.Context) ([]SessionInfo, error)
}

// parseIndex accepts only the canonical decimal form written by the
// backends, so entries like "007", "-1" or ".3.part" are ignored.
func parseIndex(name string) (int, bool) {
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 || strconv.Itoa(n) != name {
		return 0, false
	}
	return n, true
}
