// Package storage defines the tenant-scoped record contract shared by the
// durable SQL store, the JSON file store and the hybrid façade over both.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get and Delete for absent records. It is never
// treated as a backend failure.
var ErrNotFound = errors.New("record not found")

// GlobalTenant scopes records that belong to no guild (the clan registry).
const GlobalTenant = "_global"

type Collection string

const (
	Tenants       Collection = "tenants"
	ClanMonitors  Collection = "clan_monitors"
	ClanRegistry  Collection = "clan_registry"
	AccountLinks  Collection = "account_links"
	PrepNotifiers Collection = "prep_notifiers"
	ReminderState Collection = "reminder_state"
	WarState      Collection = "war_state"
)

// Collections lists every collection, in migration order.
var Collections = []Collection{
	Tenants, ClanMonitors, ClanRegistry, AccountLinks, PrepNotifiers, ReminderState, WarState,
}

func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// Record is one stored value. Payload is opaque JSON owned by the caller.
type Record struct {
	Collection Collection      `json:"-"`
	Tenant     string          `json:"-"`
	Key        string          `json:"-"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
	// Shadow marks a record written to the fallback store while the
	// primary store was unavailable.
	Shadow bool `json:"shadow,omitempty"`
	// Deleted marks a shadow tombstone; readers treat it as absent.
	Deleted bool `json:"deleted,omitempty"`
}

func (r Record) Validate() error {
	if !r.Collection.Valid() {
		return fmt.Errorf("unknown collection %q", r.Collection)
	}
	if r.Tenant == "" {
		return fmt.Errorf("record in %s has no tenant", r.Collection)
	}
	if r.Key == "" {
		return fmt.Errorf("record in %s has no key", r.Collection)
	}
	if !r.Deleted && !json.Valid(r.Payload) {
		return fmt.Errorf("record %s/%s payload is not valid JSON", r.Collection, r.Key)
	}
	return nil
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, c Collection, tenant, key string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, c Collection, tenant, key string) error
	List(ctx context.Context, c Collection, tenant string) ([]Record, error)
	ListAll(ctx context.Context, c Collection) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}
