package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
)

type Worker struct {
	id        int
	workQueue <-chan *WarJob
	scheduler *Scheduler
	logger    *zap.Logger
}

func NewWorker(id int, workQueue <-chan *WarJob, s *Scheduler, logger *zap.Logger) *Worker {
	return &Worker{
		id:        id,
		workQueue: workQueue,
		scheduler: s,
		logger:    logger.With(zap.Int("worker_id", id)),
	}
}

// Start processes jobs until the queue is closed. Jobs still queued when
// ctx ends are drained without being run.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Debug("Worker started")

	for job := range w.workQueue {
		if ctx.Err() != nil {
			job.finish()
			continue
		}
		w.processJob(ctx, job)
	}

	w.logger.Debug("Worker stopped")
}

func (w *Worker) processJob(ctx context.Context, job *WarJob) {
	defer job.finish()

	s := w.scheduler
	start := time.Now()
	m := job.Monitor

	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	logger := w.logger.With(
		zap.String("guild_id", m.GuildID),
		zap.String("clan_tag", m.ClanTag),
	)

	if !w.monitored(ctx, m) {
		logger.Debug("Monitor removed before the job ran")
		s.metrics.RecordJob("removed", time.Since(start).Seconds())
		return
	}

	tenant, err := s.repo.GetTenant(ctx, m.GuildID)
	if errors.Is(err, core.ErrNotFound) {
		tenant = &core.Tenant{GuildID: m.GuildID}
	} else if err != nil {
		logger.Error("Failed to load tenant", zap.Error(err))
		s.metrics.RecordJob("failed", time.Since(start).Seconds())
		return
	}

	obs, err := s.tracker.Observe(ctx, m)
	if err != nil {
		if !core.IsFetchFailure(err) {
			logger.Error("Failed to observe war", zap.Error(err))
		}
		s.metrics.RecordJob("fetch_failed", time.Since(start).Seconds())
		return
	}

	sent, err := s.reminders.Process(ctx, tenant, obs)
	if err != nil {
		logger.Error("Failed to process reminders", zap.Error(err))
		s.metrics.RecordJob("failed", time.Since(start).Seconds())
		return
	}

	// The monitor may be gone if it was removed without taking its lock.
	if !w.monitored(ctx, m) {
		logger.Debug("Monitor removed during the job, not committing")
		s.metrics.RecordJob("removed", time.Since(start).Seconds())
		return
	}

	if err := s.tracker.Commit(ctx, obs); err != nil {
		logger.Error("Failed to commit war state", zap.Error(err))
		s.metrics.RecordJob("failed", time.Since(start).Seconds())
		return
	}

	if s.cache != nil {
		if err := s.cache.CacheSnapshot(ctx, obs.Snapshot); err != nil {
			logger.Debug("Failed to cache snapshot", zap.Error(err))
		}
	}

	s.metrics.RecordJob("ok", time.Since(start).Seconds())
	logger.Debug("Job completed",
		zap.String("mode", string(obs.Snapshot.Mode)),
		zap.String("phase", string(obs.Snapshot.Phase)),
		zap.String("round_id", obs.Snapshot.RoundID),
		zap.Int("notifications", len(sent)),
		zap.Duration("duration", time.Since(start)),
	)
}

// monitored reports whether m is still stored. Lookup failures other than
// not found count as monitored so an outage does not drop state.
func (w *Worker) monitored(ctx context.Context, m *core.ClanMonitor) bool {
	_, err := w.scheduler.repo.GetClanMonitor(ctx, m.GuildID, m.ClanTag)
	return !errors.Is(err, core.ErrNotFound)
}
