package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/core"
	"github.com/leozw/clan-war-guardian/internal/storage"
)

// Repository maps domain entities onto storage records. Every value is
// validated on the way in and on the way out; a stored value that no
// longer validates is logged and treated as absent.
type Repository struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRepository(store storage.Store, logger *zap.Logger) *Repository {
	return &Repository{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Store exposes the underlying store for health checks.
func (r *Repository) Store() storage.Store {
	return r.store
}

// Tenant operations
func (r *Repository) GetTenant(ctx context.Context, guildID string) (*core.Tenant, error) {
	return get[core.Tenant](ctx, r, storage.Tenants, guildID, guildID)
}

func (r *Repository) SaveTenant(ctx context.Context, t *core.Tenant) error {
	now := r.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return put(ctx, r, storage.Tenants, t.GuildID, t.GuildID, t)
}

// Clan monitor operations
func (r *Repository) GetClanMonitor(ctx context.Context, guildID, clanTag string) (*core.ClanMonitor, error) {
	return get[core.ClanMonitor](ctx, r, storage.ClanMonitors, guildID, clanTag)
}

func (r *Repository) SaveClanMonitor(ctx context.Context, m *core.ClanMonitor) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	return put(ctx, r, storage.ClanMonitors, m.GuildID, m.ClanTag, m)
}

func (r *Repository) DeleteClanMonitor(ctx context.Context, guildID, clanTag string) error {
	return r.delete(ctx, storage.ClanMonitors, guildID, clanTag)
}

func (r *Repository) ListClanMonitors(ctx context.Context, guildID string) ([]*core.ClanMonitor, error) {
	return list[core.ClanMonitor](ctx, r, storage.ClanMonitors, guildID)
}

// ListAllClanMonitors returns the monitors of every guild; the scheduler
// dispatches one job per entry.
func (r *Repository) ListAllClanMonitors(ctx context.Context) ([]*core.ClanMonitor, error) {
	return list[core.ClanMonitor](ctx, r, storage.ClanMonitors, "")
}

// Registry operations
func (r *Repository) GetRegistryEntry(ctx context.Context, clanTag string) (*core.RegistryEntry, error) {
	return get[core.RegistryEntry](ctx, r, storage.ClanRegistry, storage.GlobalTenant, clanTag)
}

func (r *Repository) SaveRegistryEntry(ctx context.Context, e *core.RegistryEntry) error {
	if e.ClaimedAt.IsZero() {
		e.ClaimedAt = r.now()
	}
	return put(ctx, r, storage.ClanRegistry, storage.GlobalTenant, e.ClanTag, e)
}

func (r *Repository) DeleteRegistryEntry(ctx context.Context, clanTag string) error {
	return r.delete(ctx, storage.ClanRegistry, storage.GlobalTenant, clanTag)
}

// Account link operations
func (r *Repository) GetAccountLink(ctx context.Context, guildID, userID, playerTag string) (*core.AccountLink, error) {
	return get[core.AccountLink](ctx, r, storage.AccountLinks, guildID, core.AccountLinkKey(userID, playerTag))
}

func (r *Repository) SaveAccountLink(ctx context.Context, l *core.AccountLink) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.now()
	}
	return put(ctx, r, storage.AccountLinks, l.GuildID, l.Key(), l)
}

func (r *Repository) DeleteAccountLink(ctx context.Context, guildID, userID, playerTag string) error {
	return r.delete(ctx, storage.AccountLinks, guildID, core.AccountLinkKey(userID, playerTag))
}

func (r *Repository) ListAccountLinks(ctx context.Context, guildID string) ([]*core.AccountLink, error) {
	return list[core.AccountLink](ctx, r, storage.AccountLinks, guildID)
}

// Prep notifier operations
func (r *Repository) SavePrepNotifier(ctx context.Context, p *core.PrepNotifierAssignment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	return put(ctx, r, storage.PrepNotifiers, p.GuildID, p.Key(), p)
}

func (r *Repository) DeletePrepNotifier(ctx context.Context, guildID, clanTag, userID string) error {
	return r.delete(ctx, storage.PrepNotifiers, guildID, core.PrepNotifierKey(clanTag, userID))
}

func (r *Repository) ListPrepNotifiers(ctx context.Context, guildID string) ([]*core.PrepNotifierAssignment, error) {
	return list[core.PrepNotifierAssignment](ctx, r, storage.PrepNotifiers, guildID)
}

// ListClanPrepNotifiers filters the guild's assignments to one clan.
func (r *Repository) ListClanPrepNotifiers(ctx context.Context, guildID, clanTag string) ([]*core.PrepNotifierAssignment, error) {
	all, err := r.ListPrepNotifiers(ctx, guildID)
	if err != nil {
		return nil, err
	}
	out := make([]*core.PrepNotifierAssignment, 0, len(all))
	for _, p := range all {
		if p.ClanTag == clanTag {
			out = append(out, p)
		}
	}
	return out, nil
}

// Reminder state operations
func (r *Repository) GetReminderState(ctx context.Context, guildID, clanTag, roundID string) (*core.ReminderState, error) {
	return get[core.ReminderState](ctx, r, storage.ReminderState, guildID, core.ReminderStateKey(clanTag, roundID))
}

func (r *Repository) SaveReminderState(ctx context.Context, s *core.ReminderState) error {
	s.UpdatedAt = r.now()
	return put(ctx, r, storage.ReminderState, s.GuildID, s.Key(), s)
}

// War state operations
func (r *Repository) GetWarState(ctx context.Context, guildID, clanTag string) (*core.WarState, error) {
	return get[core.WarState](ctx, r, storage.WarState, guildID, clanTag)
}

func (r *Repository) SaveWarState(ctx context.Context, w *core.WarState) error {
	return put(ctx, r, storage.WarState, w.GuildID, w.ClanTag, w)
}

func (r *Repository) DeleteWarState(ctx context.Context, guildID, clanTag string) error {
	return r.delete(ctx, storage.WarState, guildID, clanTag)
}

func get[T any](ctx context.Context, r *Repository, c storage.Collection, tenant, key string) (*T, error) {
	rec, err := r.store.Get(ctx, c, tenant, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get", c, err)
	}

	var v T
	if !r.decodeInto(c, rec, &v) {
		return nil, core.ErrNotFound
	}
	return &v, nil
}

// list reads one tenant, or every tenant when tenant is empty.
func list[T any](ctx context.Context, r *Repository, c storage.Collection, tenant string) ([]*T, error) {
	var (
		recs []storage.Record
		err  error
	)
	if tenant == "" {
		recs, err = r.store.ListAll(ctx, c)
	} else {
		recs, err = r.store.List(ctx, c, tenant)
	}
	if err != nil {
		return nil, persistErr("list", c, err)
	}

	out := make([]*T, 0, len(recs))
	for i := range recs {
		var v T
		if r.decodeInto(c, &recs[i], &v) {
			out = append(out, &v)
		}
	}
	return out, nil
}

func put(ctx context.Context, r *Repository, c storage.Collection, tenant, key string, v interface{}) error {
	if err := core.Validator().Struct(v); err != nil {
		return core.InvalidInput("%s %s: %v", c, key, err)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c, err)
	}

	err = r.store.Put(ctx, storage.Record{
		Collection: c,
		Tenant:     tenant,
		Key:        key,
		Payload:    payload,
		UpdatedAt:  r.now(),
	})
	if err != nil {
		return persistErr("put", c, err)
	}
	return nil
}

func (r *Repository) delete(ctx context.Context, c storage.Collection, tenant, key string) error {
	err := r.store.Delete(ctx, c, tenant, key)
	if errors.Is(err, storage.ErrNotFound) {
		return core.ErrNotFound
	}
	if err != nil {
		return persistErr("delete", c, err)
	}
	return nil
}

func (r *Repository) decodeInto(c storage.Collection, rec *storage.Record, v interface{}) bool {
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		r.logger.Warn("Skipping unreadable record",
			zap.String("collection", string(c)),
			zap.String("tenant", rec.Tenant),
			zap.String("key", rec.Key),
			zap.Error(err),
		)
		return false
	}
	if err := core.Validator().Struct(v); err != nil {
		r.logger.Warn("Skipping invalid record",
			zap.String("collection", string(c)),
			zap.String("tenant", rec.Tenant),
			zap.String("key", rec.Key),
			zap.Error(err),
		)
		return false
	}
	return true
}

func persistErr(op string, c storage.Collection, err error) error {
	if errors.Is(err, core.ErrStorageExhausted) {
		return fmt.Errorf("%s %s: %w", op, c, err)
	}
	return fmt.Errorf("%w: %s %s: %v", core.ErrPersistenceUnavailable, op, c, err)
}
