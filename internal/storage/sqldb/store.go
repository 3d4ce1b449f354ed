package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/leozw/clan-war-guardian/internal/storage"
)

type recordRow struct {
	TenantID  string `db:"tenant_id"`
	RecordKey string `db:"record_key"`
	Payload   string `db:"payload"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r recordRow) toRecord(c storage.Collection) storage.Record {
	return storage.Record{
		Collection: c,
		Tenant:     r.TenantID,
		Key:        r.RecordKey,
		Payload:    []byte(r.Payload),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

// Store implements storage.Store with one table per collection.
type Store struct {
	db       *DB
	migrated atomic.Bool
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func table(c storage.Collection) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("unknown collection %q", c)
	}
	return string(c), nil
}

func (s *Store) Get(ctx context.Context, c storage.Collection, tenant, key string) (*storage.Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}

	var row recordRow
	query := s.db.Rebind(fmt.Sprintf(`
        SELECT tenant_id, record_key, payload, updated_at
        FROM %s
        WHERE tenant_id = ? AND record_key = ?`, t))

	err = s.db.GetContext(ctx, &row, query, tenant, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := row.toRecord(c)
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, rec storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	t, _ := table(rec.Collection)

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := s.db.Rebind(fmt.Sprintf(`
        INSERT INTO %s (tenant_id, record_key, payload, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (tenant_id, record_key) DO UPDATE SET
            payload = excluded.payload,
            updated_at = excluded.updated_at`, t))

	_, err := s.db.ExecContext(ctx, query, rec.Tenant, rec.Key, string(rec.Payload), updatedAt.UnixMilli())
	return err
}

func (s *Store) Delete(ctx context.Context, c storage.Collection, tenant, key string) error {
	t, err := table(c)
	if err != nil {
		return err
	}

	query := s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ? AND record_key = ?`, t))
	res, err := s.db.ExecContext(ctx, query, tenant, key)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, c storage.Collection, tenant string) ([]storage.Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}

	rows := []recordRow{}
	query := s.db.Rebind(fmt.Sprintf(`
        SELECT tenant_id, record_key, payload, updated_at
        FROM %s
        WHERE tenant_id = ?
        ORDER BY record_key`, t))

	if err := s.db.SelectContext(ctx, &rows, query, tenant); err != nil {
		return nil, err
	}
	return toRecords(c, rows), nil
}

func (s *Store) ListAll(ctx context.Context, c storage.Collection) ([]storage.Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}

	rows := []recordRow{}
	query := fmt.Sprintf(`
        SELECT tenant_id, record_key, payload, updated_at
        FROM %s
        ORDER BY tenant_id, record_key`, t)

	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	return toRecords(c, rows), nil
}

// Ping checks the connection and applies pending migrations the first time
// the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	if s.migrated.Load() {
		return nil
	}
	if err := s.db.Migrate(); err != nil {
		return err
	}
	s.migrated.Store(true)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toRecords(c storage.Collection, rows []recordRow) []storage.Record {
	out := make([]storage.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord(c))
	}
	return out
}
