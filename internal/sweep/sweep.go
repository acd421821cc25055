// Package sweep runs scheduled retention maintenance: evicting terminal runs
// past their retention window, expiring idempotency keys, and deleting
// orphaned blobs.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/runs"
	"github.com/loomhq/loom/internal/store"
)

// Config tunes the sweeper.
type Config struct {
	// Schedule is a cron expression or descriptor ("@every 5m").
	Schedule string

	// Timeout bounds one sweep pass.
	Timeout time.Duration
}

// Sweeper periodically reclaims expired state.
type Sweeper struct {
	store       *store.Store
	tracker     *runs.Tracker
	idempotency *runs.IdempotencyCache
	logger      *observability.Logger
	cfg         Config

	cron *cron.Cron
}

// New builds a sweeper. Any collaborator may be nil; its sweep is skipped.
func New(st *store.Store, tracker *runs.Tracker, idem *runs.IdempotencyCache, logger *observability.Logger, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Sweeper{
		store:       st,
		tracker:     tracker,
		idempotency: idem,
		logger:      logger,
		cfg:         cfg,
	}
}

// Start schedules sweeps until Stop is called.
func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	if s.logger != nil {
		s.logger.Info(context.Background(), "sweeper started", "schedule", s.cfg.Schedule)
	}
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Result reports what one sweep pass reclaimed.
type Result struct {
	RunsEvicted     int
	KeysEvicted     int
	BlobsReclaimed  int64
	BlobSweepFailed error
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result
	if s.tracker != nil {
		res.RunsEvicted = s.tracker.Sweep()
	}
	if s.idempotency != nil {
		res.KeysEvicted = s.idempotency.Sweep()
	}
	if s.store != nil {
		n, err := s.store.SweepOrphanedBlobs(ctx)
		res.BlobsReclaimed = n
		res.BlobSweepFailed = err
	}

	if s.logger != nil {
		if res.BlobSweepFailed != nil {
			s.logger.Warn(ctx, "blob sweep failed", "error", res.BlobSweepFailed)
		}
		if res.RunsEvicted > 0 || res.KeysEvicted > 0 || res.BlobsReclaimed > 0 {
			s.logger.Info(ctx, "sweep pass reclaimed state",
				"runs_evicted", res.RunsEvicted,
				"keys_evicted", res.KeysEvicted,
				"blobs_reclaimed", res.BlobsReclaimed,
			)
		}
	}
	return res
}
