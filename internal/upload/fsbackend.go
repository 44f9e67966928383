package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// FSBackend stores fragments as files: <root>/<token>/<index>.
type FSBackend struct {
	root string
}

// NewFSBackend creates root if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &FSBackend{root: abs}, nil
}

// Root returns the absolute fragment root.
func (b *FSBackend) Root() string {
	return b.root
}

func (b *FSBackend) sessionDir(token string) string {
	return filepath.Join(b.root, token)
}

// WriteFragment writes to a uniquely named temp file beside the target and
// renames it into place, so racing writers of one index never interleave.
func (b *FSBackend) WriteFragment(_ context.Context, token string, index int, r io.Reader) (int64, error) {
	dir := b.sessionDir(token)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create session dir: %w", err)
	}

	tmpPath := filepath.Join(dir, "."+strconv.Itoa(index)+"."+uuid.NewString()+".part")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create fragment: %w", err)
	}

	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("write fragment %d: %w", index, err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, strconv.Itoa(index))); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("publish fragment %d: %w", index, err)
	}
	return n, nil
}

// ListIndices reads the session directory.
func (b *FSBackend) ListIndices(_ context.Context, token string) ([]int, error) {
	entries, err := os.ReadDir(b.sessionDir(token))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list fragments: %w", err)
	}

	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if n, ok := parseIndex(e.Name()); ok {
			indices = append(indices, n)
		}
	}
	return indices, nil
}

// OpenFragment opens one fragment file.
func (b *FSBackend) OpenFragment(_ context.Context, token string, index int) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(b.sessionDir(token), strconv.Itoa(index)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("fragment %d: %w", index, ErrFragmentNotFound)
		}
		return nil, fmt.Errorf("open fragment %d: %w", index, err)
	}
	return f, nil
}

// SessionExists stats the session directory.
func (b *FSBackend) SessionExists(_ context.Context, token string) (bool, error) {
	_, err := os.Stat(b.sessionDir(token))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat session: %w", err)
}

// RemoveSession renames the session directory out of the way and then
// deletes it, so the session stops existing in one step even while its
// fragments are still being removed.
func (b *FSBackend) RemoveSession(_ context.Context, token string) error {
	trash := filepath.Join(b.root, ".trash-"+token+"-"+uuid.NewString())
	if err := os.Rename(b.sessionDir(token), trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove session: %w", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// ListSessions returns every session directory with its mtime. Renaming a
// fragment into the directory updates the mtime, so it tracks the last write.
func (b *FSBackend) ListSessions(_ context.Context) ([]SessionInfo, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		sessions = append(sessions, SessionInfo{Token: e.Name(), ModTime: info.ModTime()})
	}
	return sessions, nil
}
