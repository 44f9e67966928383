package upload

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"lan-file-drop/internal/logging"
	"lan-file-drop/internal/metrics"
)

// JanitorConfig holds configuration for the session janitor.
type JanitorConfig struct {
	// MaxAge is the idle time after which a session is reclaimed.
	MaxAge time.Duration
	// Schedule is a cron expression, e.g. "@every 10m" or "0 */1 * * *".
	Schedule string
	// Workers bounds concurrent removals within one sweep.
	Workers int
}

// Report summarises one sweep.
type Report struct {
	Scanned   int           `json:"scanned"`
	Reclaimed []string      `json:"reclaimed"`
	Skipped   int           `json:"skipped"`
	Pruned    int           `json:"pruned"`
	Duration  time.Duration `json:"duration"`
}

// Janitor removes sessions that have not been written to for MaxAge.
type Janitor struct {
	engine  *Engine
	cfg     JanitorConfig
	metrics *metrics.Metrics
	log     *logging.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewJanitor returns a janitor sweeping the engine's store.
func NewJanitor(engine *Engine, cfg JanitorConfig, m *metrics.Metrics) *Janitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	return &Janitor{
		engine:  engine,
		cfg:     cfg,
		metrics: m,
		log:     engine.log.With(map[string]any{"service": "janitor"}),
		now:     engine.now,
	}
}

// ReclaimStale removes every session idle for longer than maxAge, except
// sessions being reassembled. Sessions that vanish mid-sweep count as
// removed.
func (j *Janitor) ReclaimStale(ctx context.Context, maxAge time.Duration) (Report, error) {
	// Overlapping cron ticks would only duplicate work.
	j.mu.Lock()
	defer j.mu.Unlock()

	start := j.now()
	cutoff := start.Add(-maxAge)

	sessions, err := j.engine.store.ListSessions(ctx)
	if err != nil {
		j.metrics.RecordJanitorRun(0, err)
		return Report{}, fmt.Errorf("list sessions: %w", err)
	}

	var (
		rmu    sync.Mutex
		report = Report{Scanned: len(sessions), Reclaimed: []string{}}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Workers)
	for _, info := range sessions {
		if !info.ModTime.Before(cutoff) {
			continue
		}
		g.Go(func() error {
			removed, err := j.reclaim(gctx, info.Token, cutoff)
			rmu.Lock()
			defer rmu.Unlock()
			if err != nil {
				return err
			}
			if removed {
				report.Reclaimed = append(report.Reclaimed, info.Token)
			} else {
				report.Skipped++
			}
			return nil
		})
	}
	err = g.Wait()
	sort.Strings(report.Reclaimed)

	report.Pruned = j.engine.sessions.prune(start.Add(-j.engine.grace))
	report.Duration = j.now().Sub(start)
	j.metrics.RecordJanitorRun(len(report.Reclaimed), err)
	if err != nil {
		return report, err
	}
	return report, nil
}

// reclaim removes one session under its write lock so no fragment write
// or reassembly lease can interleave with the removal.
func (j *Janitor) reclaim(ctx context.Context, token string, cutoff time.Time) (bool, error) {
	s := j.engine.sessions.get(token)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReassembling {
		return false, nil
	}
	// Written to after the listing was taken.
	if s.lastWriteTime().After(cutoff) {
		return false, nil
	}

	if err := j.engine.store.RemoveSession(ctx, token); err != nil {
		return false, fmt.Errorf("remove session %s: %w", token, err)
	}

	from := s.state
	if from == StateDone {
		// Leftover namespace; the DONE marker stays until pruned.
		return true, nil
	}
	s.state = StateReclaimed
	s.changed = j.now()
	j.engine.sessions.forget(token, s)
	j.engine.emit(ctx, Fragment{Token: token}, from, StateReclaimed, nil)

	j.log.Info("session reclaimed", map[string]any{"upload_id": token})
	return true, nil
}

// Start runs one sweep immediately and then on the configured schedule
// until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.cfg.Schedule, func() { j.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule janitor %q: %w", j.cfg.Schedule, err)
	}

	j.log.Info("starting", map[string]any{
		"schedule": j.cfg.Schedule,
		"max_age":  j.cfg.MaxAge.String(),
	})

	j.sweep(ctx)
	c.Start()

	<-ctx.Done()
	j.log.Info("shutting down", nil)
	<-c.Stop().Done()
	return nil
}

func (j *Janitor) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := j.ReclaimStale(ctx, j.cfg.MaxAge)
	if err != nil {
		j.log.Error("sweep failed", map[string]any{"reclaimed": len(report.Reclaimed)}, err)
		return
	}
	j.log.Debug("sweep complete", map[string]any{
		"scanned":     report.Scanned,
		"reclaimed":   len(report.Reclaimed),
		"skipped":     report.Skipped,
		"pruned":      report.Pruned,
		"duration_ms": report.Duration.Milliseconds(),
	})
}

// ValidateSchedule reports whether expr parses as a cron schedule.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
