// Package backend owns the live record-store connection for the current region.
//
// Cache.GetClient resolves the region on every call and hands back a Handle
// bound to it. A handle is never mutated: when the region changes, a new one
// is built and the old one is closed.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/store"
)

// ErrIncompleteRegionConfig marks a region without both an endpoint and a key.
// It is a configuration error and is never retried.
var ErrIncompleteRegionConfig = errors.New("incomplete region configuration")

// RetireGrace is how long a replaced handle stays open for calls already using it.
const RetireGrace = 30 * time.Second

// RegionConfig is the endpoint and access key of one deployment.
// URL is a store DSN: a postgres:// URL, a SQLite path, or "memory:".
type RegionConfig struct {
	Region models.Region
	URL    string
	Key    string
}

// Configs maps every region to its deployment.
type Configs map[models.Region]RegionConfig

// ValidateRegions fails if any known region lacks an endpoint or key.
func ValidateRegions(cfgs Configs) error {
	var missing []string
	for _, r := range models.AllRegions() {
		c, ok := cfgs[r]
		if !ok || strings.TrimSpace(c.URL) == "" || strings.TrimSpace(c.Key) == "" {
			missing = append(missing, string(r))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: regions %s need both URL and key", ErrIncompleteRegionConfig, strings.Join(missing, ", "))
	}
	return nil
}

// RegionSource is the part of the region resolver the cache needs.
type RegionSource interface {
	Resolve(ctx context.Context) models.Region
}

// Factory opens a store for a region.
type Factory func(ctx context.Context, cfg RegionConfig) (store.Store, error)

// OpenStore is the default Factory. The region key is passed as the database password.
func OpenStore(_ context.Context, cfg RegionConfig) (store.Store, error) {
	return store.Open(store.WithDSN(cfg.URL), store.WithPassword(cfg.Key))
}

// Handle is one live store connection bound to one region.
type Handle struct {
	ID        string
	Region    models.Region
	Store     store.Store
	CreatedAt time.Time
}

// Cache memoizes the Handle for the current region.
type Cache struct {
	regions RegionSource
	configs Configs
	factory Factory
	grace   time.Duration

	mu      sync.Mutex
	current *Handle
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithFactory replaces the store factory.
func WithFactory(f Factory) CacheOption {
	return func(c *Cache) { c.factory = f }
}

// WithRetireGrace overrides how long replaced handles stay open.
func WithRetireGrace(d time.Duration) CacheOption {
	return func(c *Cache) { c.grace = d }
}

// NewCache builds a Cache. Configs should already have passed ValidateRegions.
func NewCache(regions RegionSource, configs Configs, opts ...CacheOption) *Cache {
	c := &Cache{regions: regions, configs: configs, factory: OpenStore, grace: RetireGrace}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetClient returns the handle for the freshly resolved region, building it if needed.
func (c *Cache) GetClient(ctx context.Context) (*Handle, error) {
	reg := c.regions.Resolve(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Region == reg {
		return c.current, nil
	}

	cfg, ok := c.configs[reg]
	if !ok || cfg.URL == "" || cfg.Key == "" {
		slog.Error("Cache.GetClient: region not configured", "region", reg)
		return nil, fmt.Errorf("%w: region %s", ErrIncompleteRegionConfig, reg)
	}
	cfg.Region = reg
	st, err := c.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store for region %s: %w", reg, err)
	}

	old := c.current
	c.current = &Handle{ID: uuid.NewString(), Region: reg, Store: st, CreatedAt: time.Now()}
	slog.Info("Cache.GetClient: built client", "region", reg, "handleID", c.current.ID)
	if old != nil {
		c.retire(old)
	}
	return c.current, nil
}

func (c *Cache) retire(h *Handle) {
	slog.Info("Cache.retire: replacing client", "region", h.Region, "handleID", h.ID)
	closeFn := func() {
		if err := h.Store.Close(); err != nil {
			slog.Warn("Cache.retire: close failed", "handleID", h.ID, "error", err)
		}
	}
	if c.grace <= 0 {
		closeFn()
		return
	}
	time.AfterFunc(c.grace, closeFn)
}

// Current returns the cached handle without resolving, or nil.
func (c *Cache) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close closes the current handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	err := c.current.Store.Close()
	c.current = nil
	return err
}
