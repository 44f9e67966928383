package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"lan-file-drop/internal/artifact"
)

// Reassembler concatenates the fragments of a complete session into an
// artifact.
type Reassembler struct {
	store Backend
	repo  *artifact.Repository
}

// NewReassembler returns a Reassembler reading from store and publishing
// into repo.
func NewReassembler(store Backend, repo *artifact.Repository) *Reassembler {
	return &Reassembler{store: store, repo: repo}
}

// Reassemble writes fragments 0..count-1 in order into a temp file inside
// the artifact root, publishes it as dest and removes the session.
//
// A session that is already gone, at the start or because a concurrent
// caller consumed it midway, yields ErrAlreadyHandled. A fragment that is
// missing or unreadable while the session still exists yields
// ErrDataCorruption. On either error the temp file is removed and dest is
// left untouched.
func (r *Reassembler) Reassemble(ctx context.Context, token string, count int, dest string) (artifact.Ref, error) {
	exists, err := r.store.SessionExists(ctx, token)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("reassemble %s: %w", token, err)
	}
	if !exists {
		return artifact.Ref{}, ErrAlreadyHandled
	}

	tmp, err := r.repo.CreateTemp()
	if err != nil {
		return artifact.Ref{}, err
	}
	tmpPath := tmp.Name()

	if err := r.concat(ctx, tmp, token, count); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return artifact.Ref{}, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return artifact.Ref{}, fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return artifact.Ref{}, fmt.Errorf("close artifact: %w", err)
	}
	if r.consumed(ctx, token) {
		_ = os.Remove(tmpPath)
		return artifact.Ref{}, ErrAlreadyHandled
	}

	ref, err := r.repo.Publish(tmpPath, dest)
	if err != nil {
		_ = os.Remove(tmpPath)
		return artifact.Ref{}, err
	}

	// The artifact is durable at this point; a failed cleanup only leaves an
	// orphan for the janitor.
	if err := r.store.RemoveSession(ctx, token); err != nil {
		return ref, fmt.Errorf("remove session %s: %w", token, err)
	}
	return ref, nil
}

func (r *Reassembler) concat(ctx context.Context, w io.Writer, token string, count int) error {
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.appendFragment(ctx, w, token, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reassembler) appendFragment(ctx context.Context, w io.Writer, token string, index int) error {
	rc, err := r.store.OpenFragment(ctx, token, index)
	if err != nil {
		if r.consumed(ctx, token) {
			return ErrAlreadyHandled
		}
		if errors.Is(err, ErrFragmentNotFound) {
			return fmt.Errorf("fragment %d: %w", index, ErrDataCorruption)
		}
		return fmt.Errorf("fragment %d: %w: %v", index, ErrDataCorruption, err)
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && pathErr.Op == "write" {
			return fmt.Errorf("write artifact: %w", err)
		}
		if r.consumed(ctx, token) {
			return ErrAlreadyHandled
		}
		return fmt.Errorf("fragment %d: %w: %v", index, ErrDataCorruption, err)
	}
	return nil
}

// consumed reports whether the session namespace has disappeared since
// reassembly began. A failed lookup is not treated as consumed.
func (r *Reassembler) consumed(ctx context.Context, token string) bool {
	exists, err := r.store.SessionExists(ctx, token)
	return err == nil && !exists
}
