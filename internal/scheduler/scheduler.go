package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/config"
	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/keylock"
	"github.com/leozw/clan-war-guardian/internal/metrics"
	"github.com/leozw/clan-war-guardian/internal/reminders"
	"github.com/leozw/clan-war-guardian/internal/tracker"
)

// ErrStopped is returned by RunOnce after the scheduler shut down.
var ErrStopped = errors.New("scheduler stopped")

// SnapshotCache stores the latest snapshot of each monitor for display.
type SnapshotCache interface {
	CacheSnapshot(ctx context.Context, snap *core.WarSnapshot) error
}

type Scheduler struct {
	repo      *db.Repository
	tracker   *tracker.Tracker
	reminders *reminders.Service
	cache     SnapshotCache
	metrics   *metrics.Collector
	logger    *zap.Logger
	config    config.SchedulerConfig

	monitors  *keylock.Map
	workQueue chan *WarJob
	workers   []*Worker
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewScheduler builds the scheduler. monitors is the per-monitor lock map
// shared with the command service; a nil map gives the scheduler its own.
func NewScheduler(repo *db.Repository, tr *tracker.Tracker, rem *reminders.Service, cache SnapshotCache, monitors *keylock.Map, metrics *metrics.Collector, logger *zap.Logger, cfg config.SchedulerConfig) *Scheduler {
	if monitors == nil {
		monitors = keylock.New()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 45 * time.Second
	}

	return &Scheduler{
		repo:      repo,
		tracker:   tr,
		reminders: rem,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		monitors:  monitors,
		workQueue: make(chan *WarJob, cfg.QueueSize),
	}
}

// Start runs the workers and triggers a dispatch every interval until ctx
// is cancelled. It blocks until all workers have finished. Jobs dispatched
// before Start are served once the workers are up.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		zap.Int("worker_count", s.config.WorkerCount),
		zap.Duration("interval", s.config.Interval),
	)

	s.workers = make([]*Worker, s.config.WorkerCount)
	for i := 0; i < s.config.WorkerCount; i++ {
		worker := NewWorker(i, s.workQueue, s, s.logger)
		s.workers[i] = worker
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+s.config.Interval.String(), func() { s.Dispatch(ctx) }); err != nil {
		s.logger.Error("Failed to schedule dispatch", zap.Error(err))
	}
	c.Start()

	<-ctx.Done()
	s.logger.Info("Stopping scheduler")

	<-c.Stop().Done()

	s.mu.Lock()
	s.closed = true
	close(s.workQueue)
	s.mu.Unlock()

	s.wg.Wait()
}

// Dispatch enqueues one job per monitor. Monitors whose previous job has
// not finished are skipped, and jobs are dropped when the queue is full.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	n, _ := s.dispatch(ctx, nil)
	return n
}

// RunOnce dispatches one tick and waits for its jobs to finish.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var done sync.WaitGroup
	if _, err := s.dispatch(ctx, &done); err != nil {
		return err
	}

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) dispatch(ctx context.Context, done *sync.WaitGroup) (int, error) {
	s.metrics.RecordTick()

	monitors, err := s.repo.ListAllClanMonitors(ctx)
	if err != nil {
		s.logger.Error("Failed to list clan monitors", zap.Error(err))
		return 0, err
	}

	counts := make(map[string]int)
	for _, m := range monitors {
		counts[m.GuildID]++
	}
	s.metrics.RecordMonitorCounts(counts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStopped
	}

	enqueued := 0
	for _, monitor := range monitors {
		unlock, ok := s.monitors.TryLock(core.MonitorKey(monitor.GuildID, monitor.ClanTag))
		if !ok {
			s.logger.Debug("Previous job still running, skipping monitor",
				zap.String("guild_id", monitor.GuildID),
				zap.String("clan_tag", monitor.ClanTag),
			)
			s.metrics.RecordJob("skipped", 0)
			continue
		}

		job := &WarJob{Monitor: monitor, release: unlock}
		if done != nil {
			done.Add(1)
			job.done = done.Done
		}

		select {
		case s.workQueue <- job:
			enqueued++
		default:
			job.finish()
			s.logger.Warn("Work queue full, dropping job",
				zap.String("guild_id", monitor.GuildID),
				zap.String("clan_tag", monitor.ClanTag),
			)
			s.metrics.RecordJob("dropped", 0)
		}
	}

	s.metrics.RecordQueueDepth(len(s.workQueue))
	s.logger.Debug("Dispatched tick", zap.Int("monitors", len(monitors)), zap.Int("enqueued", enqueued))
	return enqueued, nil
}

// WarJob polls one monitor.
type WarJob struct {
	Monitor *core.ClanMonitor
	release func()
	done    func()
}

func (j *WarJob) finish() {
	j.release()
	if j.done != nil {
		j.done()
	}
}
