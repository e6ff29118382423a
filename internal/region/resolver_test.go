package region

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/meeka/internal/kv"
	"github.com/BTreeMap/meeka/internal/models"
)

type fakeGeo struct {
	code  string
	err   error
	calls atomic.Int32
}

func (f *fakeGeo) Country(ctx context.Context) (string, error) {
	f.calls.Add(1)
	return f.code, f.err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("keychain locked")
}
func (failingKV) Set(context.Context, string, string) error { return errors.New("keychain locked") }
func (failingKV) Remove(context.Context, string) error      { return errors.New("keychain locked") }

// contextKV reads like a keychain that gives up once the caller is gone.
type contextKV struct {
	value string
	fail  atomic.Bool
	reads atomic.Int32
}

func (c *contextKV) Get(ctx context.Context, _ string) (string, bool, error) {
	c.reads.Add(1)
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if c.fail.Load() {
		return "", false, errors.New("keychain locked")
	}
	return c.value, c.value != "", nil
}
func (c *contextKV) Set(_ context.Context, _ string, v string) error { c.value = v; return nil }
func (c *contextKV) Remove(context.Context, string) error            { c.value = ""; return nil }

func TestResolvePriority(t *testing.T) {
	tests := []struct {
		name       string
		pref       string
		tz         string
		geo        *fakeGeo
		want       models.Region
		wantSource Source
	}{
		{"stored preference beats timezone", "uk", "America/New_York", &fakeGeo{code: "AU"}, models.RegionUK, SourcePreference},
		{"timezone australia", "", "Australia/Sydney", &fakeGeo{code: "US"}, models.RegionAU, SourceTimezone},
		{"timezone dublin", "", "Europe/Dublin", nil, models.RegionUK, SourceTimezone},
		{"timezone other europe", "", "Europe/Berlin", nil, models.RegionUK, SourceTimezone},
		{"timezone america", "", "America/Chicago", nil, models.RegionUS, SourceTimezone},
		{"unknown preference ignored", "mars", "Australia/Perth", nil, models.RegionAU, SourceTimezone},
		{"ip lookup when timezone unmatched", "", "UTC", &fakeGeo{code: "US"}, models.RegionUS, SourceIP},
		{"ip rest of europe", "", "Asia/Tokyo", &fakeGeo{code: "de"}, models.RegionUK, SourceIP},
		{"ip error falls to default", "", "UTC", &fakeGeo{err: errors.New("timeout")}, models.RegionAU, SourceDefault},
		{"ip unmapped country falls to default", "", "UTC", &fakeGeo{code: "JP"}, models.RegionAU, SourceDefault},
		{"nothing available", "", "", nil, models.RegionAU, SourceDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefs := kv.NewMemoryStore()
			if tt.pref != "" {
				require.NoError(t, prefs.Set(context.Background(), PreferenceKey, tt.pref))
			}
			opts := []Option{WithTimezone(tt.tz)}
			if tt.geo != nil {
				opts = append(opts, WithGeoLocator(tt.geo))
			}
			r := NewResolver(prefs, opts...)
			got := r.Lookup(context.Background())
			assert.Equal(t, tt.want, got.Region)
			assert.Equal(t, tt.wantSource, got.Source)
		})
	}
}

func TestResolvePreferenceReadFailureFallsThrough(t *testing.T) {
	r := NewResolver(failingKV{}, WithTimezone("America/Denver"))
	assert.Equal(t, models.RegionUS, r.Resolve(context.Background()))
}

func TestResolveCachesWithinFreshnessWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	geo := &fakeGeo{code: "US"}
	r := NewResolver(kv.NewMemoryStore(), WithTimezone("UTC"), WithGeoLocator(geo), WithClock(clock.Now))

	assert.Equal(t, models.RegionUS, r.Resolve(context.Background()))
	assert.Equal(t, models.RegionUS, r.Resolve(context.Background()))
	assert.EqualValues(t, 1, geo.calls.Load())

	clock.Advance(2 * time.Second)
	assert.Equal(t, models.RegionUS, r.Resolve(context.Background()))
	assert.EqualValues(t, 2, geo.calls.Load())
}

func TestResolveCancelledContextKeepsCachedValue(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewResolver(kv.NewMemoryStore(), WithTimezone("UTC"), WithGeoLocator(&fakeGeo{code: "GB"}), WithClock(clock.Now))
	require.Equal(t, models.RegionUK, r.Resolve(context.Background()))

	clock.Advance(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, models.RegionUK, r.Resolve(ctx))
}

func TestResolveCancelledFirstCallerDoesNotHidePreference(t *testing.T) {
	prefs := &contextKV{value: "uk"}
	r := NewResolver(prefs, WithTimezone("Asia/Tokyo"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, models.RegionUK, r.Resolve(ctx))

	got := r.Lookup(context.Background())
	assert.Equal(t, models.RegionUK, got.Region)
	assert.Equal(t, SourcePreference, got.Source)
}

func TestResolveAfterInvalidateWithCancelledCaller(t *testing.T) {
	prefs := &contextKV{value: "us"}
	r := NewResolver(prefs, WithTimezone("Europe/London"))
	require.Equal(t, models.RegionUS, r.Resolve(context.Background()))

	r.Invalidate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Resolve(ctx)
	assert.Equal(t, models.RegionUS, r.Resolve(context.Background()))
}

func TestResolvePreferenceFailureIsNotCached(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	prefs := &contextKV{value: "uk"}
	prefs.fail.Store(true)
	r := NewResolver(prefs, WithTimezone("America/Denver"), WithClock(clock.Now))

	assert.Equal(t, models.RegionUS, r.Resolve(context.Background()))

	prefs.fail.Store(false)
	assert.Equal(t, models.RegionUK, r.Resolve(context.Background()))
	assert.EqualValues(t, 2, prefs.reads.Load())

	assert.Equal(t, models.RegionUK, r.Resolve(context.Background()))
	assert.EqualValues(t, 2, prefs.reads.Load())
}

func TestSetAndClearPreference(t *testing.T) {
	ctx := context.Background()
	prefs := kv.NewMemoryStore()
	r := NewResolver(prefs, WithTimezone("Australia/Melbourne"))
	require.Equal(t, models.RegionAU, r.Resolve(ctx))

	require.NoError(t, r.SetPreference(ctx, models.RegionUS))
	assert.Equal(t, models.RegionUS, r.Resolve(ctx))
	v, ok, _ := prefs.Get(ctx, PreferenceKey)
	assert.True(t, ok)
	assert.Equal(t, "us", v)

	require.NoError(t, r.ClearPreference(ctx))
	assert.Equal(t, models.RegionAU, r.Resolve(ctx))

	assert.Error(t, r.SetPreference(ctx, "eu"))
}

func TestHTTPGeoLocator(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		delay   time.Duration
		want    string
		wantErr bool
	}{
		{"country_code field", http.StatusOK, `{"ip":"1.2.3.4","country_code":"NZ"}`, 0, "NZ", false},
		{"countryCode field", http.StatusOK, `{"countryCode":"IE"}`, 0, "IE", false},
		{"non-200", http.StatusTooManyRequests, `{"country_code":"US"}`, 0, "", true},
		{"bad json", http.StatusOK, `<html>`, 0, "", true},
		{"missing code", http.StatusOK, `{"city":"Paris"}`, 0, "", true},
		{"timeout", http.StatusOK, `{"country_code":"US"}`, 200 * time.Millisecond, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewHTTPGeoLocator(srv.URL, 50*time.Millisecond)
			got, err := g.Country(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromCountryAndTimezoneTables(t *testing.T) {
	r, ok := FromCountry("gb")
	assert.True(t, ok)
	assert.Equal(t, models.RegionUK, r)
	_, ok = FromCountry("BR")
	assert.False(t, ok)
	_, ok = FromTimezone("Asia/Singapore")
	assert.False(t, ok)
}
