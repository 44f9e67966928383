package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"lan-file-drop/internal/pathsafe"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "uploads"), pathsafe.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return repo
}

func writeArtifact(t *testing.T, repo *Repository, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repo.Root(), name), []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRepository_ListSortedAndHidesTemp(t *testing.T) {
	repo := newTestRepo(t)
	writeArtifact(t, repo, "b.txt", "b")
	writeArtifact(t, repo, "a.txt", "a")

	tmp, err := repo.CreateTemp()
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	_ = tmp.Close()

	if err := os.Mkdir(filepath.Join(repo.Root(), "subdir"), 0o750); err != nil {
		t.Fatal(err)
	}

	got, err := repo.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"a.txt", "b.txt"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
}

func TestRepository_StatMissing(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.Stat("nope.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_StatRejectsTraversal(t *testing.T) {
	repo := newTestRepo(t)
	outside := filepath.Join(filepath.Dir(repo.Root()), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := repo.Stat("../secret.txt")
	if !errors.Is(err, pathsafe.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRepository_PublishReplaces(t *testing.T) {
	repo := newTestRepo(t)
	writeArtifact(t, repo, "doc.txt", "old")

	tmp, err := repo.CreateTemp()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.WriteString("new content"); err != nil {
		t.Fatal(err)
	}
	_ = tmp.Close()

	ref, err := repo.Publish(tmp.Name(), "doc.txt")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ref.Size != int64(len("new content")) {
		t.Fatalf("size = %d", ref.Size)
	}

	f, _, err := repo.Open("doc.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	b, _ := io.ReadAll(f)
	if string(b) != "new content" {
		t.Fatalf("content = %q", b)
	}

	if _, err := os.Stat(tmp.Name()); !os.IsNotExist(err) {
		t.Fatalf("temp file should be gone, stat err = %v", err)
	}
}

func TestRepository_PublishRejectsForeignTemp(t *testing.T) {
	repo := newTestRepo(t)
	foreign := filepath.Join(t.TempDir(), "x.tmp")
	if err := os.WriteFile(foreign, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Publish(foreign, "x.txt"); err == nil {
		t.Fatal("expected error for temp file outside the root")
	}
}
