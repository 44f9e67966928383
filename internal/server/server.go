// Package server exposes the upload engine, the artifact repository and the
// archive bundler over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"lan-file-drop/internal/artifact"
	"lan-file-drop/internal/bundle"
	"lan-file-drop/internal/logging"
	"lan-file-drop/internal/metrics"
	"lan-file-drop/internal/upload"
)

// Config holds the HTTP settings.
type Config struct {
	Addr string // e.g. ":5000"
	// SharedSecret, when set, must accompany every non-probe request. It may
	// be a bcrypt hash.
	SharedSecret string
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit float64
	RateBurst int
	// AuthMaxFailures wrong secrets within AuthWindow lock a client out for
	// AuthLockout. Zero values pick 10, 10m and 15m.
	AuthMaxFailures int
	AuthWindow      time.Duration
	AuthLockout     time.Duration
	Version         string
}

// Deps are the components the handlers drive.
type Deps struct {
	Engine  *upload.Engine
	Repo    *artifact.Repository
	Bundler *bundle.Bundler
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	// Checks are reported by /health and gate /ready.
	Checks map[string]HealthCheck
}

type Server struct {
	httpServer *http.Server
	limiter    *rateLimiterStore

	cfg     Config
	engine  *upload.Engine
	repo    *artifact.Repository
	bundler *bundle.Bundler
	metrics *metrics.Metrics
	log     *logging.Logger
	checks  map[string]HealthCheck
	started time.Time
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logging.Default()
	}

	s := &Server{
		cfg:     cfg,
		engine:  deps.Engine,
		repo:    deps.Repo,
		bundler: deps.Bundler,
		metrics: deps.Metrics,
		log:     log,
		checks:  deps.Checks,
		started: time.Now(),
	}

	mux := http.NewServeMux()

	mux.Handle("/upload-chunk", s.uploadChunkHandler())
	mux.Handle("/upload-status", s.uploadStatusHandler())
	mux.Handle("/files", s.listFilesHandler())
	mux.Handle("/uploads/", s.fileHandler())
	mux.Handle("/download-zip", s.downloadZipHandler())

	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/live", s.HandleLive)
	mux.HandleFunc("/ready", s.HandleReady)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}

	// Wrap middleware: requestID -> logging -> security -> rate limit ->
	// compression -> shared secret -> mux
	var handler http.Handler = mux
	handler = sharedSecretMiddleware(cfg.SharedSecret, newClientLockout(cfg.lockoutSettings()), log, handler)
	handler = compressionMiddleware(handler)
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiterStore(cfg.RateLimit, cfg.RateBurst)
		handler = s.limiter.middleware(handler)
	}
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(log, deps.Metrics, handler)
	handler = requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (c Config) lockoutSettings() (int, time.Duration, time.Duration) {
	maxFailures, lockout, window := c.AuthMaxFailures, c.AuthLockout, c.AuthWindow
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return maxFailures, lockout, window
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
