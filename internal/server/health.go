package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp   ComponentStatus = "up"
	ComponentStatusDown ComponentStatus = "down"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms"`
}

// DirCheck verifies that dir exists and accepts new files.
func DirCheck(dir string) HealthCheck {
	return func(ctx context.Context) error {
		fi, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		probe := filepath.Join(dir, ".health-"+uuid.NewString())
		f, err := os.OpenFile(probe, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("not writable: %w", err)
		}
		_ = f.Close()
		return os.Remove(probe)
	}
}

// HandleHealth provides a detailed health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// HandleReady reports whether every dependency answers.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())
	if health.Status != HealthStatusHealthy {
		var down []string
		for name, c := range health.Components {
			if c.Status != ComponentStatusUp {
				down = append(down, name)
			}
		}
		sort.Strings(down)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"down":   down,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Status:     HealthStatusHealthy,
		Timestamp:  time.Now(),
		Version:    s.cfg.Version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Components: make(map[string]ComponentHealth, len(s.checks)),
	}

	for name, check := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		start := time.Now()
		err := check(cctx)
		cancel()

		c := ComponentHealth{
			Status:    ComponentStatusUp,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			c.Status = ComponentStatusDown
			c.Message = err.Error()
			health.Status = HealthStatusUnhealthy
		}
		health.Components[name] = c
	}
	return health
}
