package materials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const stockBumpChannel = "materials.stock.bump"

// StockCache keeps replayed stock views in Redis under a per-location
// version. Bumping a location's version orphans every cached view there.
// Cached views are never used for validation.
type StockCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewStockCache builds a cache. A nil client disables caching.
func NewStockCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *StockCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &StockCache{client: client, ttl: ttl, logger: logger}
}

func versionKey(loc LocationID) string {
	return "materials:stock:version:" + string(loc)
}

// Version returns the location's cache version, initialising it when missing.
func (c *StockCache) Version(ctx context.Context, loc LocationID) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey(loc)).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, versionKey(loc), 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey(loc)).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the versioned cache key of k.
func (c *StockCache) BuildKey(ctx context.Context, k StockKey) (string, error) {
	ver, err := c.Version(ctx, k.LocationID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("materials:stock:%s:%s:%d", k.LocationID, k.ItemID, ver), nil
}

// View returns the cached view of k or computes it with load. Redis failures
// fall back to load; concurrent misses for one key share a single load.
func (c *StockCache) View(ctx context.Context, k StockKey, load func(context.Context) (LocationStockView, error)) (LocationStockView, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	key, err := c.BuildKey(ctx, k)
	if err != nil {
		c.logger.Warn("stock cache unavailable", slog.String("location_id", string(k.LocationID)), slog.Any("error", err))
		return load(ctx)
	}
	if view, ok, err := c.get(ctx, key); err == nil && ok {
		return view, nil
	} else if err != nil {
		c.logger.Warn("stock cache read failed", slog.String("key", key), slog.Any("error", err))
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Callers share this load, so one caller's cancellation must not
		// fail the others.
		loadCtx := context.WithoutCancel(ctx)
		view, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if err := c.set(loadCtx, key, view); err != nil {
			c.logger.Warn("stock cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return view, nil
	})
	if err != nil {
		return LocationStockView{}, err
	}
	return v.(LocationStockView), nil
}

// Peek reads the cached view of k without loading.
func (c *StockCache) Peek(ctx context.Context, k StockKey) (LocationStockView, bool, error) {
	if c == nil || c.client == nil {
		return LocationStockView{}, false, nil
	}
	key, err := c.BuildKey(ctx, k)
	if err != nil {
		return LocationStockView{}, false, err
	}
	return c.get(ctx, key)
}

// Put stores view under its current versioned key.
func (c *StockCache) Put(ctx context.Context, view LocationStockView) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.BuildKey(ctx, view.Key())
	if err != nil {
		return err
	}
	return c.set(ctx, key, view)
}

// PutAt stores view under key, a versioned key taken with BuildKey before the
// view was computed. A bump in between leaves the entry orphaned.
func (c *StockCache) PutAt(ctx context.Context, key string, view LocationStockView) error {
	if c == nil || c.client == nil || key == "" {
		return nil
	}
	return c.set(ctx, key, view)
}

// Drop removes the current cached view of k.
func (c *StockCache) Drop(ctx context.Context, k StockKey) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.BuildKey(ctx, k)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

// Invalidate bumps the version of every location in keys and publishes the
// bump.
func (c *StockCache) Invalidate(ctx context.Context, keys []StockKey) error {
	if c == nil || c.client == nil {
		return nil
	}
	seen := make(map[LocationID]struct{})
	for _, k := range keys {
		if _, ok := seen[k.LocationID]; ok {
			continue
		}
		seen[k.LocationID] = struct{}{}
		ver, err := c.client.Incr(ctx, versionKey(k.LocationID)).Result()
		if err != nil {
			return err
		}
		if err := c.client.Publish(ctx, stockBumpChannel, string(k.LocationID)+":"+strconv.FormatInt(ver, 10)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *StockCache) get(ctx context.Context, key string) (LocationStockView, bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return LocationStockView{}, false, nil
	}
	if err != nil {
		return LocationStockView{}, false, err
	}
	var view LocationStockView
	if err := json.Unmarshal(payload, &view); err != nil {
		return LocationStockView{}, false, err
	}
	return view, true, nil
}

func (c *StockCache) set(ctx context.Context, key string, view LocationStockView) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}
