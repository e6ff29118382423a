// Package region decides which backend deployment a user's data lives in.
//
// Resolution walks a fixed priority chain and stops at the first hit: the
// stored explicit preference, the device timezone, IP geolocation, and finally
// the default region. Every step's failure falls through to the next one, so
// Resolve never returns an error.
package region

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/meeka/internal/kv"
	"github.com/BTreeMap/meeka/internal/models"
)

// PreferenceKey is the kv key holding the explicit region choice.
const PreferenceKey = "region_preference"

// DefaultFreshness is how long a resolved region is reused before re-resolving.
const DefaultFreshness = time.Second

// Source names the step of the chain that produced a region.
type Source string

const (
	SourcePreference Source = "preference"
	SourceTimezone   Source = "timezone"
	SourceIP         Source = "ip"
	SourceDefault    Source = "default"
)

// Resolution is a resolved region and where it came from.
type Resolution struct {
	Region     models.Region `json:"region"`
	Source     Source        `json:"source"`
	ResolvedAt time.Time     `json:"resolved_at"`

	// unsure is set when the preference could not be read, so a
	// heuristic answer may be hiding a stored choice.
	unsure bool
}

// Opts configures a Resolver.
type Opts struct {
	Timezone      func() string
	Geo           GeoLocator
	DefaultRegion models.Region
	Freshness     time.Duration
	Now           func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithTimezone sets a fixed timezone name for the timezone step.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = func() string { return tz } }
}

// WithTimezoneFunc sets a timezone provider for the timezone step.
func WithTimezoneFunc(fn func() string) Option {
	return func(o *Opts) { o.Timezone = fn }
}

// WithGeoLocator enables the IP geolocation step.
func WithGeoLocator(g GeoLocator) Option {
	return func(o *Opts) { o.Geo = g }
}

// WithDefaultRegion overrides the last-resort region.
func WithDefaultRegion(r models.Region) Option {
	return func(o *Opts) { o.DefaultRegion = r }
}

// WithFreshness overrides the cache freshness window.
func WithFreshness(d time.Duration) Option {
	return func(o *Opts) { o.Freshness = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Resolver resolves and caches the process-wide current region.
type Resolver struct {
	prefs kv.Store
	opts  Opts
	group singleflight.Group

	mu     sync.Mutex
	cached Resolution
}

// NewResolver builds a Resolver reading the explicit preference from prefs.
// Without WithTimezone the TZ environment variable and then the local zone are used.
func NewResolver(prefs kv.Store, opts ...Option) *Resolver {
	o := Opts{
		Timezone:      localTimezone,
		DefaultRegion: models.DefaultRegion,
		Freshness:     DefaultFreshness,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.DefaultRegion.IsValid() {
		o.DefaultRegion = models.DefaultRegion
	}
	return &Resolver{prefs: prefs, opts: o}
}

func localTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	return time.Local.String()
}

// Resolve returns the current region. Concurrent callers share one resolution.
func (r *Resolver) Resolve(ctx context.Context) models.Region {
	return r.Lookup(ctx).Region
}

// CurrentRegion is Resolve under the name the chat UI uses.
func (r *Resolver) CurrentRegion(ctx context.Context) models.Region {
	return r.Resolve(ctx)
}

// Lookup is Resolve with the source of the answer.
func (r *Resolver) Lookup(ctx context.Context) Resolution {
	now := r.opts.Now()
	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached.Region != "" && now.Sub(cached.ResolvedAt) < r.opts.Freshness {
		return cached
	}

	// The chain runs detached from the caller so that one cancelled
	// request cannot skip the preference read for every caller sharing it.
	// The geolocation step carries its own timeout.
	v, _, _ := r.group.Do("resolve", func() (any, error) {
		return r.resolveChain(context.WithoutCancel(ctx)), nil
	})
	res := v.(Resolution)

	if !res.unsure {
		r.mu.Lock()
		if res.ResolvedAt.After(r.cached.ResolvedAt) || r.cached.Region == "" {
			r.cached = res
		}
		r.mu.Unlock()
	}

	// A cancelled caller gets the last good answer rather than a fallback.
	if ctx.Err() != nil && cached.Region != "" {
		slog.Debug("Resolver.Lookup: context done, using cached region", "region", cached.Region)
		return cached
	}
	return res
}

func (r *Resolver) resolveChain(ctx context.Context) Resolution {
	var unsure bool
	done := func(reg models.Region, src Source) Resolution {
		slog.Debug("Resolver.resolveChain: resolved", "region", reg, "source", src, "unsure", unsure)
		return Resolution{Region: reg, Source: src, ResolvedAt: r.opts.Now(), unsure: unsure}
	}

	if r.prefs != nil {
		v, ok, err := r.prefs.Get(ctx, PreferenceKey)
		switch {
		case err != nil:
			unsure = true
			slog.Debug("Resolver.resolveChain: preference read failed", "error", err)
		case ok:
			if reg, valid := models.ParseRegion(v); valid {
				return done(reg, SourcePreference)
			}
			slog.Debug("Resolver.resolveChain: ignoring unknown stored preference", "value", v)
		}
	}

	if r.opts.Timezone != nil {
		if reg, ok := FromTimezone(r.opts.Timezone()); ok {
			return done(reg, SourceTimezone)
		}
	}

	if r.opts.Geo != nil {
		code, err := r.opts.Geo.Country(ctx)
		if err != nil {
			slog.Debug("Resolver.resolveChain: geolocation skipped", "error", err)
		} else if reg, ok := FromCountry(code); ok {
			return done(reg, SourceIP)
		}
	}

	return done(r.opts.DefaultRegion, SourceDefault)
}

// SetPreference persists an explicit choice and updates the cache immediately.
func (r *Resolver) SetPreference(ctx context.Context, reg models.Region) error {
	parsed, ok := models.ParseRegion(string(reg))
	if !ok {
		return fmt.Errorf("unknown region %q", reg)
	}
	if r.prefs == nil {
		return fmt.Errorf("no preference store configured")
	}
	if err := r.prefs.Set(ctx, PreferenceKey, string(parsed)); err != nil {
		return fmt.Errorf("store region preference: %w", err)
	}
	r.mu.Lock()
	r.cached = Resolution{Region: parsed, Source: SourcePreference, ResolvedAt: r.opts.Now()}
	r.mu.Unlock()
	slog.Info("Resolver.SetPreference: region preference stored", "region", parsed)
	return nil
}

// ClearPreference removes the stored choice so the next Resolve uses the heuristics.
func (r *Resolver) ClearPreference(ctx context.Context) error {
	if r.prefs != nil {
		if err := r.prefs.Remove(ctx, PreferenceKey); err != nil {
			return fmt.Errorf("remove region preference: %w", err)
		}
	}
	r.Invalidate()
	slog.Info("Resolver.ClearPreference: region preference cleared")
	return nil
}

// Invalidate drops the cached resolution.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cached = Resolution{}
	r.mu.Unlock()
}
