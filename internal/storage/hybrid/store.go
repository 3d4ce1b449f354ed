// Package hybrid fronts the durable store with the file store. Operations
// go to the primary while it is healthy, are retried once on failure and
// then served by the file store until a cooldown-gated probe finds the
// primary reachable again.
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/storage"
)

type Health int

const (
	Healthy Health = iota
	// Degraded means the primary failed and will be probed after the
	// cooldown.
	Degraded
	// Failed means at least one probe after degrading also failed.
	Failed
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "failed"
	}
}

// Fallback is the file store contract needed for shadow writes, mirror
// refreshes and reconciliation.
type Fallback interface {
	storage.Store
	MarkDeleted(ctx context.Context, c storage.Collection, tenant, key string) error
	Shadows(ctx context.Context) ([]storage.Record, error)
	Replace(ctx context.Context, c storage.Collection, recs []storage.Record) error
}

// Observer receives health changes and failovers, typically the metrics
// collector.
type Observer interface {
	StorageFailover(op string)
	StorageHealth(state string)
}

type Options struct {
	Cooldown    time.Duration
	MaxCooldown time.Duration
	Now         func() time.Time
	Observer    Observer
}

type Store struct {
	primary  storage.Store
	fallback Fallback
	logger   *zap.Logger
	opts     Options

	// opMu is held for reading by every operation and for writing while
	// shadow records are replayed into the primary.
	opMu sync.RWMutex

	mu        sync.Mutex
	health    Health
	cooldown  time.Duration
	nextProbe time.Time
}

func New(primary storage.Store, fallback Fallback, logger *zap.Logger, opts Options) *Store {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.MaxCooldown < opts.Cooldown {
		opts.MaxCooldown = opts.Cooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With(zap.String("component", "hybrid_store")),
		opts:     opts,
		cooldown: opts.Cooldown,
	}
	s.report()
	return s
}

func (s *Store) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Store) Get(ctx context.Context, c storage.Collection, tenant, key string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.do(ctx, "get",
		func() (err error) {
			rec, err = s.primary.Get(ctx, c, tenant, key)
			return err
		},
		func() (err error) {
			rec, err = s.fallback.Get(ctx, c, tenant, key)
			return err
		},
	)
	return rec, err
}

func (s *Store) Put(ctx context.Context, rec storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.opts.Now()
	}

	return s.do(ctx, "put",
		func() error {
			if err := s.primary.Put(ctx, rec); err != nil {
				return err
			}
			mirror := rec
			mirror.Shadow = false
			if err := s.fallback.Put(ctx, mirror); err != nil {
				s.logger.Warn("Failed to mirror record to file store",
					zap.String("collection", string(rec.Collection)),
					zap.String("key", rec.Key),
					zap.Error(err),
				)
			}
			return nil
		},
		func() error {
			shadow := rec
			shadow.Shadow = true
			return s.fallback.Put(ctx, shadow)
		},
	)
}

func (s *Store) Delete(ctx context.Context, c storage.Collection, tenant, key string) error {
	return s.do(ctx, "delete",
		func() error {
			if err := s.primary.Delete(ctx, c, tenant, key); err != nil {
				return err
			}
			if err := s.fallback.Delete(ctx, c, tenant, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("Failed to mirror delete to file store",
					zap.String("collection", string(c)),
					zap.String("key", key),
					zap.Error(err),
				)
			}
			return nil
		},
		func() error {
			return s.fallback.MarkDeleted(ctx, c, tenant, key)
		},
	)
}

func (s *Store) List(ctx context.Context, c storage.Collection, tenant string) ([]storage.Record, error) {
	var recs []storage.Record
	err := s.do(ctx, "list",
		func() (err error) {
			recs, err = s.primary.List(ctx, c, tenant)
			return err
		},
		func() (err error) {
			recs, err = s.fallback.List(ctx, c, tenant)
			return err
		},
	)
	return recs, err
}

func (s *Store) ListAll(ctx context.Context, c storage.Collection) ([]storage.Record, error) {
	var recs []storage.Record
	err := s.do(ctx, "list_all",
		func() (err error) {
			recs, err = s.primary.ListAll(ctx, c)
			return err
		},
		func() (err error) {
			recs, err = s.fallback.ListAll(ctx, c)
			return err
		},
	)
	return recs, err
}

// Ping reports whether at least one backend can serve requests.
func (s *Store) Ping(ctx context.Context) error {
	if s.Health() == Healthy {
		if err := s.primary.Ping(ctx); err == nil {
			return nil
		}
	}
	if err := s.fallback.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageExhausted, err)
	}
	return nil
}

// Sync copies every collection from the primary into the file store so a
// later failover serves what the primary held. It is a no-op while the
// primary is unavailable.
func (s *Store) Sync(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Health() != Healthy {
		return nil
	}
	return s.syncMirror(ctx)
}

func (s *Store) syncMirror(ctx context.Context) error {
	total := 0
	for _, c := range storage.Collections {
		recs, err := s.primary.ListAll(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to list %s from primary: %w", c, err)
		}
		if err := s.fallback.Replace(ctx, c, recs); err != nil {
			return fmt.Errorf("failed to mirror %s: %w", c, err)
		}
		total += len(recs)
	}
	s.logger.Info("File store mirror refreshed", zap.Int("records", total))
	return nil
}

func (s *Store) Close() error {
	return errors.Join(s.primary.Close(), s.fallback.Close())
}

func (s *Store) do(ctx context.Context, op string, primary, fallback func() error) error {
	s.maybeRecover(ctx)

	s.opMu.RLock()
	defer s.opMu.RUnlock()

	if s.Health() == Healthy {
		err := primary()
		if done(err) || ctx.Err() != nil {
			return err
		}

		s.logger.Debug("Primary store operation failed, retrying", zap.String("op", op), zap.Error(err))
		err = primary()
		if done(err) || ctx.Err() != nil {
			return err
		}
		s.degrade(op, err)
	}

	if err := fallback(); !done(err) {
		return fmt.Errorf("%w: %s: %v", core.ErrStorageExhausted, op, err)
	} else {
		return err
	}
}

func done(err error) bool {
	return err == nil || errors.Is(err, storage.ErrNotFound)
}

func (s *Store) degrade(op string, cause error) {
	s.mu.Lock()
	wasHealthy := s.health == Healthy
	if wasHealthy {
		s.health = Degraded
		s.cooldown = s.opts.Cooldown
		s.nextProbe = s.opts.Now().Add(s.cooldown)
	}
	s.mu.Unlock()

	if wasHealthy {
		s.logger.Warn("Primary store unavailable, serving from file store",
			zap.String("op", op),
			zap.Duration("cooldown", s.opts.Cooldown),
			zap.Error(cause),
		)
		s.report()
	}
	if s.opts.Observer != nil {
		s.opts.Observer.StorageFailover(op)
	}
}

// maybeRecover probes the primary when the cooldown elapsed. A successful
// probe replays shadow records before the primary serves requests again.
func (s *Store) maybeRecover(ctx context.Context) {
	s.mu.Lock()
	due := s.health != Healthy && !s.opts.Now().Before(s.nextProbe)
	if due {
		s.nextProbe = s.opts.Now().Add(s.cooldown)
	}
	s.mu.Unlock()
	if !due {
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.primary.Ping(ctx); err != nil {
		s.probeFailed(err)
		return
	}

	replayed, err := s.reconcile(ctx)
	if err != nil {
		s.probeFailed(err)
		return
	}

	s.mu.Lock()
	s.health = Healthy
	s.cooldown = s.opts.Cooldown
	s.mu.Unlock()

	s.logger.Info("Primary store recovered", zap.Int("replayed_records", replayed))
	s.report()

	if err := s.syncMirror(ctx); err != nil {
		s.logger.Warn("Failed to refresh file store mirror after recovery", zap.Error(err))
	}
}

func (s *Store) probeFailed(cause error) {
	s.mu.Lock()
	s.health = Failed
	s.cooldown *= 2
	if s.cooldown > s.opts.MaxCooldown {
		s.cooldown = s.opts.MaxCooldown
	}
	s.nextProbe = s.opts.Now().Add(s.cooldown)
	cooldown := s.cooldown
	s.mu.Unlock()

	s.logger.Warn("Primary store probe failed",
		zap.Duration("next_probe_in", cooldown),
		zap.Error(cause),
	)
	s.report()
}

// reconcile replays shadow records into the primary. A shadow loses to the
// primary's copy when that copy is newer or, for registry claims, when it
// names a different owner; the file store then takes the primary's copy.
func (s *Store) reconcile(ctx context.Context) (int, error) {
	shadows, err := s.fallback.Shadows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list shadow records: %w", err)
	}

	for _, rec := range shadows {
		current, err := s.primary.Get(ctx, rec.Collection, rec.Tenant, rec.Key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			current = nil
		case err != nil:
			return 0, err
		}

		if current != nil && conflicts(rec, *current) {
			s.logger.Warn("Shadow record conflicts with primary, keeping primary",
				zap.String("collection", string(rec.Collection)),
				zap.String("tenant", rec.Tenant),
				zap.String("key", rec.Key),
				zap.Bool("deleted", rec.Deleted),
				zap.Time("shadow_updated_at", rec.UpdatedAt),
				zap.Time("primary_updated_at", current.UpdatedAt),
			)
			current.Shadow, current.Deleted = false, false
			if err := s.fallback.Put(ctx, *current); err != nil {
				return 0, err
			}
			continue
		}

		if rec.Deleted {
			if err := s.primary.Delete(ctx, rec.Collection, rec.Tenant, rec.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return 0, err
			}
			if err := s.fallback.Delete(ctx, rec.Collection, rec.Tenant, rec.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return 0, err
			}
			continue
		}

		rec.Shadow = false
		if err := s.primary.Put(ctx, rec); err != nil {
			return 0, err
		}
		if err := s.fallback.Put(ctx, rec); err != nil {
			return 0, err
		}
	}
	return len(shadows), nil
}

func conflicts(shadow, primary storage.Record) bool {
	if primary.UpdatedAt.After(shadow.UpdatedAt) {
		return true
	}
	if shadow.Collection != storage.ClanRegistry || shadow.Deleted {
		return false
	}
	return owner(shadow.Payload) != owner(primary.Payload)
}

// owner reads the guild that holds a registry claim.
func owner(payload json.RawMessage) string {
	var claim struct {
		GuildID string `json:"guild_id"`
	}
	if err := json.Unmarshal(payload, &claim); err != nil {
		return ""
	}
	return claim.GuildID
}

func (s *Store) report() {
	if s.opts.Observer != nil {
		s.opts.Observer.StorageHealth(s.Health().String())
	}
}
