// Package jsonfile is the file fallback store: one JSON document per
// collection holding the same tenant and key layout as the SQL tables.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/storage"
)

const documentVersion = 1

type document struct {
	Version    int                                  `json:"version"`
	Collection storage.Collection                   `json:"collection"`
	Tenants    map[string]map[string]storage.Record `json:"tenants"`
}

type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	docs map[storage.Collection]*document
}

func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		docs:   make(map[storage.Collection]*document),
	}, nil
}

func (s *Store) path(c storage.Collection) string {
	return filepath.Join(s.dir, string(c)+".json")
}

// load returns the cached document, reading it from disk on first use. A
// corrupt file is moved aside and replaced by an empty document.
func (s *Store) load(c storage.Collection) (*document, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	if doc, ok := s.docs[c]; ok {
		return doc, nil
	}

	doc := &document{Version: documentVersion, Collection: c, Tenants: map[string]map[string]storage.Record{}}

	data, err := os.ReadFile(s.path(c))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		s.logger.Error("Failed to read fallback file, treating as empty",
			zap.String("collection", string(c)),
			zap.Error(err),
		)
	default:
		var parsed document
		if err := json.Unmarshal(data, &parsed); err != nil {
			s.quarantine(c, err)
		} else {
			if parsed.Tenants != nil {
				doc.Tenants = parsed.Tenants
			}
			s.dropInvalid(c, doc)
		}
	}

	s.docs[c] = doc
	return doc, nil
}

// dropInvalid removes records whose payload is not valid JSON.
func (s *Store) dropInvalid(c storage.Collection, doc *document) {
	for tenant, recs := range doc.Tenants {
		for key, rec := range recs {
			if rec.Deleted || json.Valid(rec.Payload) {
				continue
			}
			s.logger.Warn("Dropping unreadable fallback record",
				zap.String("collection", string(c)),
				zap.String("tenant", tenant),
				zap.String("key", key),
			)
			delete(recs, key)
		}
	}
}

func (s *Store) quarantine(c storage.Collection, cause error) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path(c), s.now().Unix())
	s.logger.Error("Corrupt fallback file, moving aside",
		zap.String("collection", string(c)),
		zap.String("moved_to", aside),
		zap.Error(cause),
	)
	if err := os.Rename(s.path(c), aside); err != nil {
		s.logger.Error("Failed to move corrupt fallback file", zap.Error(err))
	}
}

func (s *Store) flush(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", doc.Collection, err)
	}

	tmp, err := os.CreateTemp(s.dir, string(doc.Collection)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(doc.Collection))
}

func (s *Store) Get(_ context.Context, c storage.Collection, tenant, key string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(c)
	if err != nil {
		return nil, err
	}

	rec, ok := doc.Tenants[tenant][key]
	if !ok || rec.Deleted {
		return nil, storage.ErrNotFound
	}
	rec.Collection, rec.Tenant, rec.Key = c, tenant, key
	return &rec, nil
}

func (s *Store) Put(_ context.Context, rec storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(rec.Collection)
	if err != nil {
		return err
	}
	return s.write(doc, rec)
}

func (s *Store) write(doc *document, rec storage.Record) error {
	recs, ok := doc.Tenants[rec.Tenant]
	if !ok {
		recs = map[string]storage.Record{}
		doc.Tenants[rec.Tenant] = recs
	}

	prev, existed := recs[rec.Key]
	recs[rec.Key] = rec

	if err := s.flush(doc); err != nil {
		if existed {
			recs[rec.Key] = prev
		} else {
			delete(recs, rec.Key)
		}
		return err
	}
	return nil
}

func (s *Store) Delete(_ context.Context, c storage.Collection, tenant, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(c)
	if err != nil {
		return err
	}

	recs := doc.Tenants[tenant]
	prev, ok := recs[key]
	if !ok {
		return storage.ErrNotFound
	}

	delete(recs, key)
	if len(recs) == 0 {
		delete(doc.Tenants, tenant)
	}

	if err := s.flush(doc); err != nil {
		if doc.Tenants[tenant] == nil {
			doc.Tenants[tenant] = recs
		}
		recs[key] = prev
		return err
	}
	if prev.Deleted {
		return storage.ErrNotFound
	}
	return nil
}

// MarkDeleted records a shadow tombstone so the delete can be replayed
// against the primary store later. The key need not exist locally since the
// primary may hold records this file never saw.
func (s *Store) MarkDeleted(_ context.Context, c storage.Collection, tenant, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(c)
	if err != nil {
		return err
	}

	if rec, ok := doc.Tenants[tenant][key]; ok && rec.Deleted {
		return storage.ErrNotFound
	}

	return s.write(doc, storage.Record{
		Collection: c,
		Tenant:     tenant,
		Key:        key,
		UpdatedAt:  s.now(),
		Shadow:     true,
		Deleted:    true,
	})
}

// Replace swaps the mirrored records of a collection for recs in a single
// write. Shadow records and tombstones are kept and win over recs for the
// same key.
func (s *Store) Replace(_ context.Context, c storage.Collection, recs []storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(c)
	if err != nil {
		return err
	}

	next := map[string]map[string]storage.Record{}
	put := func(rec storage.Record) {
		if next[rec.Tenant] == nil {
			next[rec.Tenant] = map[string]storage.Record{}
		}
		next[rec.Tenant][rec.Key] = rec
	}
	for tenant, kept := range doc.Tenants {
		for key, rec := range kept {
			if rec.Shadow {
				rec.Tenant, rec.Key = tenant, key
				put(rec)
			}
		}
	}
	for _, rec := range recs {
		if rec.Collection != c {
			return fmt.Errorf("record for %q passed to %q", rec.Collection, c)
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		if prev, ok := next[rec.Tenant][rec.Key]; ok && prev.Shadow {
			continue
		}
		rec.Shadow, rec.Deleted = false, false
		put(rec)
	}

	prev := doc.Tenants
	doc.Tenants = next
	if err := s.flush(doc); err != nil {
		doc.Tenants = prev
		return err
	}
	return nil
}

func (s *Store) List(_ context.Context, c storage.Collection, tenant string) ([]storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(c)
	if err != nil {
		return nil, err
	}
	return collect(c, tenant, doc.Tenants[tenant], false), nil
}

func (s *Store) ListAll(_ context.Context, c storage.Collection) ([]storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(c)
	if err != nil {
		return nil, err
	}

	tenants := make([]string, 0, len(doc.Tenants))
	for t := range doc.Tenants {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	var out []storage.Record
	for _, t := range tenants {
		out = append(out, collect(c, t, doc.Tenants[t], false)...)
	}
	return out, nil
}

// Shadows returns every shadow record, tombstones included, across all
// collections.
func (s *Store) Shadows(_ context.Context) ([]storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Record
	for _, c := range storage.Collections {
		doc, err := s.load(c)
		if err != nil {
			return nil, err
		}
		for tenant, recs := range doc.Tenants {
			for _, rec := range collect(c, tenant, recs, true) {
				if rec.Shadow {
					out = append(out, rec)
				}
			}
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}

func (s *Store) Close() error {
	return nil
}

func collect(c storage.Collection, tenant string, recs map[string]storage.Record, withDeleted bool) []storage.Record {
	keys := make([]string, 0, len(recs))
	for k, rec := range recs {
		if rec.Deleted && !withDeleted {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]storage.Record, 0, len(keys))
	for _, k := range keys {
		rec := recs[k]
		rec.Collection, rec.Tenant, rec.Key = c, tenant, k
		out = append(out, rec)
	}
	return out
}
