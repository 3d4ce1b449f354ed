// Package redis caches the latest war snapshot of every monitor so status
// queries do not hit the provider.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leozw/clan-war-guardian/internal/core"
)

const defaultSnapshotTTL = 10 * time.Minute

// ErrCacheMiss is returned when no snapshot is cached for a monitor.
var ErrCacheMiss = errors.New("snapshot not cached")

type Client struct {
	*redis.Client
	ttl time.Duration
}

func NewClient(redisURL string, ttl time.Duration) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}

	return &Client{Client: redis.NewClient(opt), ttl: ttl}
}

func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.Set(ctx, key, data, expiration).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

func snapshotKey(guildID, clanTag string) string {
	return fmt.Sprintf("war:snapshot:%s:%s", guildID, clanTag)
}

func (c *Client) CacheSnapshot(ctx context.Context, snap *core.WarSnapshot) error {
	return c.SetJSON(ctx, snapshotKey(snap.GuildID, snap.ClanTag), snap, c.ttl)
}

func (c *Client) GetCachedSnapshot(ctx context.Context, guildID, clanTag string) (*core.WarSnapshot, error) {
	var snap core.WarSnapshot
	if err := c.GetJSON(ctx, snapshotKey(guildID, clanTag), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, guildID, clanTag string) error {
	return c.Del(ctx, snapshotKey(guildID, clanTag)).Err()
}
