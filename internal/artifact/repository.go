// Package artifact is the durable store of completed uploads. Artifacts are
// regular files living flat under one root directory, one file per name.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"lan-file-drop/internal/pathsafe"
)

// ErrNotFound is returned when a named artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// tempPrefix marks in-flight files; they are hidden from listings and cannot
// collide with artifact names because those may not start with a dot.
const tempPrefix = ".reassembly-"

// Ref describes a stored artifact.
type Ref struct {
	Name    string    `json:"name"`
	Path    string    `json:"-"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Repository manages artifacts under a single root.
type Repository struct {
	root   string
	policy pathsafe.Policy
}

// NewRepository creates the root directory if needed and returns a
// repository that validates names with policy.
func NewRepository(root string, policy pathsafe.Policy) (*Repository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Repository{root: filepath.Clean(abs), policy: policy}, nil
}

// Root returns the absolute repository root.
func (r *Repository) Root() string {
	return r.root
}

// Policy returns the filename policy applied by the repository.
func (r *Repository) Policy() pathsafe.Policy {
	return r.policy
}

// Resolve validates name and returns its path inside the root. The
// returned name is the sanitized form.
func (r *Repository) Resolve(name string) (string, string, error) {
	clean, err := r.policy.ValidateFilename(name)
	if err != nil {
		return "", "", err
	}
	full, err := pathsafe.ResolveInside(r.root, clean)
	if err != nil {
		return "", "", err
	}
	return clean, full, nil
}

// Stat returns the artifact called name. Names that fail validation,
// missing files and non-regular files all report ErrNotFound or a
// validation error; nothing outside the root is ever touched.
func (r *Repository) Stat(name string) (Ref, error) {
	clean, full, err := r.Resolve(name)
	if err != nil {
		return Ref{}, err
	}
	fi, err := os.Lstat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Ref{}, fmt.Errorf("%s: %w", clean, ErrNotFound)
		}
		return Ref{}, fmt.Errorf("stat artifact: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return Ref{}, fmt.Errorf("%s: %w", clean, ErrNotFound)
	}
	return Ref{Name: clean, Path: full, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Open opens the artifact for reading. The caller closes the file.
func (r *Repository) Open(name string) (*os.File, Ref, error) {
	ref, err := r.Stat(name)
	if err != nil {
		return nil, Ref{}, err
	}
	f, err := os.Open(ref.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Ref{}, fmt.Errorf("%s: %w", ref.Name, ErrNotFound)
		}
		return nil, Ref{}, fmt.Errorf("open artifact: %w", err)
	}
	return f, ref, nil
}

// List returns the names of all artifacts, sorted.
func (r *Repository) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list upload dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CreateTemp creates a hidden temp file inside the root. Publishing it with
// a rename is atomic because source and destination share a filesystem.
func (r *Repository) CreateTemp() (*os.File, error) {
	path := filepath.Join(r.root, tempPrefix+uuid.NewString()+".tmp")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}
	return f, nil
}

// Publish atomically moves the closed temp file at tmpPath into place as
// name, replacing any previous artifact with that name.
func (r *Repository) Publish(tmpPath, name string) (Ref, error) {
	clean, full, err := r.Resolve(name)
	if err != nil {
		return Ref{}, err
	}
	if filepath.Dir(tmpPath) != r.root {
		return Ref{}, fmt.Errorf("publish %s: temp file outside upload dir", clean)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		return Ref{}, fmt.Errorf("publish %s: %w", clean, err)
	}
	return r.Stat(clean)
}
