package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"lan-file-drop/internal/artifact"
	"lan-file-drop/internal/bundle"
	"lan-file-drop/internal/logging"
	"lan-file-drop/internal/metrics"
	"lan-file-drop/internal/pathsafe"
	"lan-file-drop/internal/upload"
)

type testServer struct {
	srv     *Server
	handler http.Handler
	repo    *artifact.Repository
	engine  *upload.Engine
	tempDir string
}

func newTestServer(t *testing.T, cfg Config, checks map[string]HealthCheck) *testServer {
	t.Helper()
	dir := t.TempDir()
	log := logging.New(io.Discard, logging.LogLevelError, true)

	store, err := upload.NewFSBackend(filepath.Join(dir, "temp"))
	if err != nil {
		t.Fatal(err)
	}
	repo, err := artifact.NewRepository(filepath.Join(dir, "uploads"), pathsafe.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	spool := filepath.Join(dir, "spool")
	if err := os.MkdirAll(spool, 0o750); err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	engine := upload.NewEngine(store, repo, upload.Options{Metrics: m, Logger: log})
	bundler := bundle.New(repo, bundle.Options{TempDir: spool, Metrics: m, Logger: log})

	srv := New(cfg, Deps{
		Engine:  engine,
		Repo:    repo,
		Bundler: bundler,
		Metrics: m,
		Logger:  log,
		Checks:  checks,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testServer{srv: srv, handler: srv.Handler(), repo: repo, engine: engine, tempDir: spool}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func chunkRequest(id string, index, total int, name, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/upload-chunk", strings.NewReader(body))
	req.Header.Set(headerUploadID, id)
	req.Header.Set(headerChunkIndex, strconv.Itoa(index))
	req.Header.Set(headerTotalChunks, strconv.Itoa(total))
	req.Header.Set(headerFileName, name)
	return req
}

func (ts *testServer) sendChunk(t *testing.T, id string, index, total int, name, body string) uploadChunkResp {
	t.Helper()
	rr := ts.do(chunkRequest(id, index, total, name, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("chunk %d: expected 200, got %d: %s", index, rr.Code, rr.Body.String())
	}
	var resp uploadChunkResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// publish stores a finished artifact through a one-chunk upload.
func (ts *testServer) publish(t *testing.T, name, body string) {
	t.Helper()
	resp := ts.sendChunk(t, "pub-"+strings.ReplaceAll(name, ".", "-"), 0, 1, name, body)
	if resp.Status != string(upload.OutcomeReassembled) {
		t.Fatalf("publish %s: status %s", name, resp.Status)
	}
}

func TestUploadChunk_OutOfOrderFlow(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	parts := []string{"alpha-", "beta-", "gamma"}
	order := []int{2, 0, 1}
	for i, idx := range order {
		resp := ts.sendChunk(t, "flow1", idx, len(parts), "report.txt", parts[idx])
		want := upload.OutcomeReceived
		if i == len(order)-1 {
			want = upload.OutcomeReassembled
		}
		if resp.Status != string(want) || !resp.Success {
			t.Fatalf("chunk %d: got %+v, want status %s", idx, resp, want)
		}
		if want == upload.OutcomeReassembled && resp.Filename != "report.txt" {
			t.Fatalf("expected filename in final response, got %+v", resp)
		}
	}

	// A late duplicate is acknowledged, not reassembled again.
	resp := ts.sendChunk(t, "flow1", 1, len(parts), "report.txt", "beta-")
	if resp.Status != string(upload.OutcomeAlreadyHandled) {
		t.Fatalf("late duplicate: got %s", resp.Status)
	}

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/uploads/report.txt", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "alpha-beta-gamma" {
		t.Fatalf("artifact = %q", got)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename=report.txt`) {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
}

func TestUploadChunk_BadRequests(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	tests := []struct {
		name  string
		id    string
		index string
		total string
		file  string
	}{
		{"missing id", "", "0", "1", "a.txt"},
		{"bad id", "../x", "0", "1", "a.txt"},
		{"non numeric index", "u1", "x", "1", "a.txt"},
		{"index out of range", "u1", "3", "3", "a.txt"},
		{"zero total", "u1", "0", "0", "a.txt"},
		{"traversal name", "u1", "0", "1", "../a.txt"},
		{"blocked extension", "u1", "0", "1", "setup.exe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/upload-chunk", strings.NewReader("data"))
			req.Header.Set(headerUploadID, tt.id)
			req.Header.Set(headerChunkIndex, tt.index)
			req.Header.Set(headerTotalChunks, tt.total)
			req.Header.Set(headerFileName, tt.file)
			rr := ts.do(req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/upload-chunk", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /upload-chunk: expected 405, got %d", rr.Code)
	}
}

func TestUploadStatus(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.sendChunk(t, "resume1", 3, 4, "big.bin", "d")
	ts.sendChunk(t, "resume1", 1, 4, "big.bin", "b")

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/upload-status?id=resume1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp uploadStatusResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != upload.StateOpen || len(resp.Received) != 2 || resp.Received[0] != 1 || resp.Received[1] != 3 {
		t.Fatalf("unexpected status %+v", resp)
	}

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/upload-status?id=bad%2Fid", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid id: expected 400, got %d", rr.Code)
	}
}

func TestListFiles(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/files", nil))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"files":[]}` {
		t.Fatalf("empty list: %d %s", rr.Code, rr.Body.String())
	}

	ts.publish(t, "b.txt", "bb")
	ts.publish(t, "a.txt", "aa")

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/files", nil))
	var resp listFilesResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if strings.Join(resp.Files, ",") != "a.txt,b.txt" {
		t.Fatalf("files = %v", resp.Files)
	}
}

func TestFileDownload_RangeAndNotFound(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.publish(t, "digits.txt", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/uploads/digits.txt", nil)
	req.Header.Set("Range", "bytes=2-5")
	rr := ts.do(req)
	if rr.Code != http.StatusPartialContent || rr.Body.String() != "2345" {
		t.Fatalf("range: got %d %q", rr.Code, rr.Body.String())
	}

	for _, path := range []string{"/uploads/missing.txt", "/uploads/..%5Cdigits.txt", "/uploads/.hidden"} {
		rr := ts.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rr.Code)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	dir := t.TempDir()
	failing := errors.New("connection refused")
	ts := newTestServer(t, Config{Version: "test"}, map[string]HealthCheck{
		"uploads": DirCheck(dir),
		"ledger":  func(context.Context) error { return failing },
	})

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/live", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("live: %d", rr.Code)
	}

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("health: expected 503, got %d", rr.Code)
	}
	var h Health
	if err := json.Unmarshal(rr.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Components["uploads"].Status != ComponentStatusUp || h.Components["ledger"].Status != ComponentStatusDown {
		t.Fatalf("components = %+v", h.Components)
	}
	if h.Version != "test" {
		t.Fatalf("version = %q", h.Version)
	}

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "ledger") {
		t.Fatalf("ready: %d %s", rr.Code, rr.Body.String())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("DirCheck left %d files behind", len(entries))
	}
}

func TestDirCheck_Missing(t *testing.T) {
	check := DirCheck(filepath.Join(t.TempDir(), "nope"))
	if err := check(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.publish(t, "m.txt", "x")

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "reassemblies_total") {
		t.Fatalf("expected reassembly counter in metrics output")
	}
}

func TestCompression(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.publish(t, "z.txt", strings.Repeat("z", 100))

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := ts.do(req)
	if rr.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip JSON response")
	}
	zr, err := gzip.NewReader(bytes.NewReader(rr.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.Contains(string(body), "z.txt") {
		t.Fatalf("decompressed body = %s", body)
	}

	// Attachments are passed through untouched.
	req = httptest.NewRequest(http.MethodGet, "/uploads/z.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr = ts.do(req)
	if rr.Header().Get("Content-Encoding") != "" || rr.Body.Len() != 100 {
		t.Fatalf("download should not be compressed")
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/live", nil))
	for _, h := range []string{"X-Frame-Options", "X-Content-Type-Options", "Content-Security-Policy", "X-Request-Id"} {
		if rr.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rr = ts.do(req)
	if rr.Header().Get("X-Request-Id") != "abc-123" {
		t.Fatalf("client request id not echoed")
	}
}
