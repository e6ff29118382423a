package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/BTreeMap/meeka/internal/api"
	"github.com/BTreeMap/meeka/internal/backend"
	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/genai"
	"github.com/BTreeMap/meeka/internal/kv"
	"github.com/BTreeMap/meeka/internal/models"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LOG_LEVEL", "MEEKA_STATE_DIR", "API_ADDR", "DEFAULT_REGION", "GEOIP_URL", "GEOIP_TIMEOUT",
		"GEOIP_ENABLED", "REDIS_URL", "AI_PROVIDER", "OPENAI_API_KEY", "OPENAI_MODEL", "GEMINI_API_KEY",
		"GEMINI_MODEL", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL",
		"REFRESH_DELAY", "SESSION_CACHE_SIZE",
		"REGION_AU_URL", "REGION_AU_KEY", "REGION_UK_URL", "REGION_UK_KEY", "REGION_US_URL", "REGION_US_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)

	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	if config.APIAddr != api.DefaultAddr {
		t.Errorf("Expected default API addr %q, got %q", api.DefaultAddr, config.APIAddr)
	}
	if config.RefreshDelay != flow.DefaultRefreshDelay {
		t.Errorf("Expected refresh delay %v, got %v", flow.DefaultRefreshDelay, config.RefreshDelay)
	}
	if config.SessionCacheSize != flow.DefaultMaxSessions {
		t.Errorf("Expected session cache size %d, got %d", flow.DefaultMaxSessions, config.SessionCacheSize)
	}
	if !config.GeoIPEnabled {
		t.Error("Expected IP geolocation enabled by default")
	}
	if config.twilioEnabled() {
		t.Error("Expected Twilio disabled without credentials")
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEEKA_STATE_DIR", "/tmp/custom_meeka")
	t.Setenv("REFRESH_DELAY", "2s")
	t.Setenv("SESSION_CACHE_SIZE", "10")
	t.Setenv("GEOIP_ENABLED", "false")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550001111")

	config := loadEnvironmentConfig()

	if config.StateDir != "/tmp/custom_meeka" {
		t.Errorf("Expected custom state dir, got %q", config.StateDir)
	}
	if config.RefreshDelay != 2*time.Second || config.SessionCacheSize != 10 {
		t.Errorf("Unexpected refresh delay %v or cache size %d", config.RefreshDelay, config.SessionCacheSize)
	}
	if config.GeoIPEnabled {
		t.Error("Expected IP geolocation disabled")
	}
	if !config.twilioEnabled() {
		t.Error("Expected Twilio enabled with full credentials")
	}
}

func TestLoadRegionConfigs(t *testing.T) {
	clearEnv(t)
	t.Setenv("REGION_AU_URL", " postgres://au.example/db ")
	t.Setenv("REGION_AU_KEY", "au-key")
	t.Setenv("REGION_UK_URL", "memory:")
	t.Setenv("REGION_UK_KEY", "uk-key")

	cfgs := loadRegionConfigs()

	if got := cfgs[models.RegionAU]; got.URL != "postgres://au.example/db" || got.Key != "au-key" || got.Region != models.RegionAU {
		t.Errorf("Unexpected au config %+v", got)
	}
	err := backend.ValidateRegions(cfgs)
	if !errors.Is(err, backend.ErrIncompleteRegionConfig) {
		t.Fatalf("Expected incomplete region error, got %v", err)
	}

	t.Setenv("REGION_US_URL", "memory:")
	t.Setenv("REGION_US_KEY", "us-key")
	if err := backend.ValidateRegions(loadRegionConfigs()); err != nil {
		t.Errorf("Expected complete config, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelDebug,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	config := Config{OpenAIKey: "sk-openai", GeminiKey: "g-key", GeminiModel: "gemini-x"}

	apply := func(opts []genai.Option) genai.Opts {
		var o genai.Opts
		for _, opt := range opts {
			opt(&o)
		}
		return o
	}

	if o := apply(buildGenAIOptions(config, "")); o.APIKey != "sk-openai" || o.Model != "" {
		t.Errorf("openai options = %+v", o)
	}
	if o := apply(buildGenAIOptions(config, "Gemini")); o.APIKey != "g-key" || o.Model != "gemini-x" {
		t.Errorf("gemini options = %+v", o)
	}
	if opts := buildGenAIOptions(Config{}, "openai"); len(opts) != 0 {
		t.Errorf("Expected no options without configuration, got %d", len(opts))
	}
}

func TestBuildRegionOptions(t *testing.T) {
	if got := len(buildRegionOptions(Config{})); got != 0 {
		t.Errorf("Expected no options, got %d", got)
	}
	if got := len(buildRegionOptions(Config{DefaultRegion: "uk", GeoIPEnabled: true})); got != 2 {
		t.Errorf("Expected default region and geolocator options, got %d", got)
	}
	if got := len(buildRegionOptions(Config{DefaultRegion: "mars"})); got != 0 {
		t.Errorf("Expected unknown default region ignored, got %d options", got)
	}
}

func TestBuildPreferenceStoreMemory(t *testing.T) {
	st, err := buildPreferenceStore("")
	if err != nil {
		t.Fatalf("buildPreferenceStore: %v", err)
	}
	if _, ok := st.(*kv.MemoryStore); !ok {
		t.Fatalf("Expected memory store, got %T", st)
	}
	if err := st.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func TestBuildPreferenceStoreBadRedisURL(t *testing.T) {
	if _, err := buildPreferenceStore("not a url"); err == nil {
		t.Error("Expected error for malformed REDIS_URL")
	}
}
