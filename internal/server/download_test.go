package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"lan-file-drop/internal/bundle"
	"lan-file-drop/internal/logging"
)

func readZip(t *testing.T, body []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := make(map[string]string, len(zr.File))
	var order []string
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		out[f.Name] = string(b)
		order = append(order, f.Name)
	}
	out["__order"] = strings.Join(order, ",")
	return out
}

func TestDownloadZip_JSON(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.publish(t, "one.txt", "first")
	ts.publish(t, "two.txt", "second")

	body := `{"filenames":["two.txt","missing.txt","../etc/passwd","one.txt","two.txt"]}`
	req := httptest.NewRequest(http.MethodPost, "/download-zip", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := ts.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if s := rr.Header().Get("X-Archive-Strategy"); s != string(bundle.StrategyMemory) {
		t.Fatalf("strategy = %q", s)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "download.zip") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	files := readZip(t, rr.Body.Bytes())
	if files["__order"] != "two.txt,one.txt" {
		t.Fatalf("entries = %s", files["__order"])
	}
	if files["one.txt"] != "first" || files["two.txt"] != "second" {
		t.Fatalf("unexpected contents %v", files)
	}
}

func TestDownloadZip_Form(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.publish(t, "a.txt", "A")
	ts.publish(t, "b.txt", "B")

	form := url.Values{"filenames": {"b.txt", " a.txt "}}
	req := httptest.NewRequest(http.MethodPost, "/download-zip", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := ts.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	files := readZip(t, rr.Body.Bytes())
	if files["__order"] != "b.txt,a.txt" {
		t.Fatalf("entries = %s", files["__order"])
	}
}

func TestDownloadZip_DiskStrategy(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.publish(t, "large.bin", strings.Repeat("x", 4096))
	ts.srv.bundler = bundle.New(ts.repo, bundle.Options{
		TempDir:   ts.tempDir,
		Threshold: 1024,
		Logger:    logging.New(io.Discard, logging.LogLevelError, true),
	})

	req := httptest.NewRequest(http.MethodPost, "/download-zip", strings.NewReader(`{"filenames":["large.bin"]}`))
	req.Header.Set("Content-Type", "application/json")
	rr := ts.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if s := rr.Header().Get("X-Archive-Strategy"); s != string(bundle.StrategyDisk) {
		t.Fatalf("strategy = %q", s)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "download_large.zip") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if files := readZip(t, rr.Body.Bytes()); len(files["large.bin"]) != 4096 {
		t.Fatalf("large.bin has %d bytes", len(files["large.bin"]))
	}

	entries, err := os.ReadDir(ts.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("spooled archive not removed: %d entries left", len(entries))
	}
}

func TestDownloadZip_BadSelections(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantMsg     string
	}{
		{"empty json list", "application/json", `{"filenames":[]}`, "No files selected"},
		{"blank names", "application/json", `{"filenames":["  ",""]}`, "No files selected"},
		{"empty form", "application/x-www-form-urlencoded", "", "No files selected"},
		{"malformed json", "application/json", `{"filenames":`, "bad request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/download-zip", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rr := ts.do(req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.wantMsg) {
				t.Fatalf("body = %s, want %q", rr.Body.String(), tt.wantMsg)
			}
		})
	}

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/download-zip", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: expected 405, got %d", rr.Code)
	}
}

func TestDownloadZip_OnlyMissingFiles(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/download-zip", strings.NewReader(`{"filenames":["ghost.txt"]}`))
	req.Header.Set("Content-Type", "application/json")
	rr := ts.do(req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if files := readZip(t, rr.Body.Bytes()); files["__order"] != "" {
		t.Fatalf("expected empty archive, got %s", files["__order"])
	}
}
