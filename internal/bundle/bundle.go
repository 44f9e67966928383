// Package bundle packs stored artifacts into a zip archive. Small requests
// are built in memory; requests whose combined input exceeds the threshold
// are spooled to a temp file that is removed when the archive is closed.
package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"lan-file-drop/internal/artifact"
	"lan-file-drop/internal/logging"
	"lan-file-drop/internal/metrics"
)

// DefaultThreshold is the combined input size above which archives are
// spooled to disk.
const DefaultThreshold int64 = 2 << 30

// Strategy selects where the archive is built.
type Strategy string

const (
	StrategyMemory Strategy = "memory"
	StrategyDisk   Strategy = "disk"
)

// DownloadName returns the attachment name used for a strategy.
func (s Strategy) DownloadName() string {
	if s == StrategyDisk {
		return "download_large.zip"
	}
	return "download.zip"
}

// ChooseStrategy picks disk only when total strictly exceeds threshold.
func ChooseStrategy(total, threshold int64) Strategy {
	if total > threshold {
		return StrategyDisk
	}
	return StrategyMemory
}

// Archive is a finished zip ready to be served. Close must be called; for
// the disk strategy it removes the backing file.
type Archive struct {
	Strategy     Strategy
	Entries      []string
	Size         int64
	InputBytes   int64
	DownloadName string

	content io.ReadSeeker
	cleanup func() error
	once    sync.Once
	err     error
}

func (a *Archive) Read(p []byte) (int, error) {
	return a.content.Read(p)
}

func (a *Archive) Seek(offset int64, whence int) (int64, error) {
	return a.content.Seek(offset, whence)
}

// Close releases the archive. It is safe to call more than once.
func (a *Archive) Close() error {
	a.once.Do(func() {
		if a.cleanup != nil {
			a.err = a.cleanup()
		}
	})
	return a.err
}

// Bundler builds archives from the artifact repository.
type Bundler struct {
	repo      *artifact.Repository
	tempDir   string
	threshold int64
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// Options configures a Bundler.
type Options struct {
	// TempDir receives disk-strategy archives; empty means os.TempDir().
	TempDir string
	// Threshold defaults to DefaultThreshold when zero.
	Threshold int64
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// New returns a Bundler over repo.
func New(repo *artifact.Repository, opts Options) *Bundler {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Bundler{
		repo:      repo,
		tempDir:   opts.TempDir,
		threshold: opts.Threshold,
		metrics:   opts.Metrics,
		log:       log.With(map[string]any{"service": "bundle"}),
	}
}

// Resolve maps requested names to artifacts in request order. Invalid and
// missing names are skipped, and a name resolving to an artifact already
// in the list is kept only at its first position.
func (b *Bundler) Resolve(names []string) ([]artifact.Ref, []string) {
	refs := make([]artifact.Ref, 0, len(names))
	var skipped []string
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		ref, err := b.repo.Stat(name)
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		if seen[ref.Path] {
			continue
		}
		seen[ref.Path] = true
		refs = append(refs, ref)
	}
	return refs, skipped
}

// Bundle builds an archive of the named artifacts. An empty resolved set
// yields a valid empty zip.
func (b *Bundler) Bundle(ctx context.Context, names []string) (*Archive, error) {
	refs, skipped := b.Resolve(names)
	if len(skipped) > 0 {
		b.log.Warn("skipping unavailable files", map[string]any{"files": skipped})
	}

	var total int64
	for _, ref := range refs {
		total += ref.Size
	}

	strategy := ChooseStrategy(total, b.threshold)
	var (
		a   *Archive
		err error
	)
	switch strategy {
	case StrategyDisk:
		a, err = b.bundleDisk(ctx, refs)
	default:
		a, err = b.bundleMemory(ctx, refs)
	}
	if err != nil {
		return nil, err
	}
	a.Strategy = strategy
	a.InputBytes = total
	a.DownloadName = strategy.DownloadName()

	b.metrics.RecordBundle(string(strategy), a.Size)
	b.log.Info("archive built", map[string]any{
		"strategy": string(strategy),
		"entries":  len(a.Entries),
		"input":    units.HumanSize(float64(total)),
		"size":     units.HumanSize(float64(a.Size)),
	})
	return a, nil
}

func (b *Bundler) bundleMemory(ctx context.Context, refs []artifact.Ref) (*Archive, error) {
	var buf bytes.Buffer
	entries, err := writeZip(ctx, &buf, refs)
	if err != nil {
		return nil, err
	}
	return &Archive{
		Entries: entries,
		Size:    int64(buf.Len()),
		content: bytes.NewReader(buf.Bytes()),
	}, nil
}

func (b *Bundler) bundleDisk(ctx context.Context, refs []artifact.Ref) (*Archive, error) {
	f, err := os.CreateTemp(b.tempDir, "bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	remove := func() error {
		cerr := f.Close()
		rerr := os.Remove(f.Name())
		if errors.Is(cerr, os.ErrClosed) {
			cerr = nil
		}
		return errors.Join(cerr, rerr)
	}

	entries, err := writeZip(ctx, f, refs)
	if err != nil {
		_ = remove()
		return nil, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = remove()
		return nil, fmt.Errorf("rewind archive: %w", err)
	}

	return &Archive{
		Entries: entries,
		Size:    size,
		content: f,
		cleanup: remove,
	}, nil
}

// writeZip is shared by both strategies so their output is identical for
// the same input. Files that disappear between Resolve and here are
// skipped.
func writeZip(ctx context.Context, out io.Writer, refs []artifact.Ref) ([]string, error) {
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	entries := make([]string, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return nil, err
		}
		ok, err := addEntry(zw, ref)
		if err != nil {
			_ = zw.Close()
			return nil, err
		}
		if ok {
			entries = append(entries, ref.Name)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return entries, nil
}

func addEntry(zw *zip.Writer, ref artifact.Ref) (bool, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", ref.Name, err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     ref.Name,
		Method:   zip.Deflate,
		Modified: ref.ModTime,
	})
	if err != nil {
		return false, fmt.Errorf("add %s: %w", ref.Name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return false, fmt.Errorf("compress %s: %w", ref.Name, err)
	}
	return true, nil
}
