package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/meeka/internal/api"
	"github.com/BTreeMap/meeka/internal/backend"
	"github.com/BTreeMap/meeka/internal/eventlog"
	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/genai"
	"github.com/BTreeMap/meeka/internal/kv"
	"github.com/BTreeMap/meeka/internal/lockfile"
	"github.com/BTreeMap/meeka/internal/messaging"
	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/region"
	"github.com/BTreeMap/meeka/internal/store"
	"github.com/BTreeMap/meeka/internal/twilioclient"
	"github.com/BTreeMap/meeka/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Meeka state data
	DefaultStateDir = "/var/lib/meeka"
	// DefaultChannelDBFileName holds the SMS inbound log and reply queue
	DefaultChannelDBFileName = "channel.db"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Meeka with configured modules")
	if err := run(ctx, config, flags); err != nil {
		slog.Error("Meeka failed to run", "error", err)
		stop()
		_ = lock.Release()
		os.Exit(1)
	}
	slog.Info("Meeka exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel         string
	StateDir         string
	APIAddr          string
	Regions          backend.Configs
	DefaultRegion    string
	GeoIPURL         string
	GeoIPTimeout     time.Duration
	GeoIPEnabled     bool
	RedisURL         string
	AIProvider       string
	OpenAIKey        string
	OpenAIModel      string
	GeminiKey        string
	GeminiModel      string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioPublicURL  string
	RefreshDelay     time.Duration
	SessionCacheSize int
}

// Flags holds command line flag values
type Flags struct {
	stateDir   *string
	apiAddr    *string
	aiProvider *string
	redisURL   *string
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL values to slog levels, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelDebug
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:         os.Getenv("LOG_LEVEL"),
		StateDir:         os.Getenv("MEEKA_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		Regions:          loadRegionConfigs(),
		DefaultRegion:    os.Getenv("DEFAULT_REGION"),
		GeoIPURL:         os.Getenv("GEOIP_URL"),
		GeoIPTimeout:     util.ParseDurationEnv("GEOIP_TIMEOUT", region.DefaultGeoIPTimeout),
		GeoIPEnabled:     util.ParseBoolEnv("GEOIP_ENABLED", true),
		RedisURL:         os.Getenv("REDIS_URL"),
		AIProvider:       os.Getenv("AI_PROVIDER"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		GeminiKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      os.Getenv("GEMINI_MODEL"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioPublicURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		RefreshDelay:     util.ParseDurationEnv("REFRESH_DELAY", flow.DefaultRefreshDelay),
		SessionCacheSize: util.ParseIntEnv("SESSION_CACHE_SIZE", flow.DefaultMaxSessions),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MEEKA_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"MEEKA_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"DEFAULT_REGION", config.DefaultRegion,
		"REDIS_URL_SET", config.RedisURL != "",
		"AI_PROVIDER", config.AIProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"TWILIO_ENABLED", config.twilioEnabled())

	return config
}

// loadRegionConfigs reads REGION_<CODE>_URL and REGION_<CODE>_KEY for every region.
func loadRegionConfigs() backend.Configs {
	cfgs := backend.Configs{}
	for _, r := range models.AllRegions() {
		prefix := "REGION_" + strings.ToUpper(string(r))
		cfgs[r] = backend.RegionConfig{
			Region: r,
			URL:    strings.TrimSpace(os.Getenv(prefix + "_URL")),
			Key:    strings.TrimSpace(os.Getenv(prefix + "_KEY")),
		}
	}
	return cfgs
}

func (c Config) twilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != ""
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for Meeka data (overrides $MEEKA_STATE_DIR)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		aiProvider: flag.String("ai-provider", config.AIProvider, "text completion provider: openai or gemini (overrides $AI_PROVIDER)"),
		redisURL:   flag.String("redis-url", config.RedisURL, "Redis URL for the region preference (overrides $REDIS_URL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"aiProvider", *flags.aiProvider,
		"redisURL_set", *flags.redisURL != "")

	return flags
}

// run wires every module and serves until ctx ends.
func run(ctx context.Context, config Config, flags Flags) error {
	if err := backend.ValidateRegions(config.Regions); err != nil {
		return err
	}

	prefs, err := buildPreferenceStore(*flags.redisURL)
	if err != nil {
		return err
	}
	if c, ok := prefs.(io.Closer); ok {
		defer c.Close()
	}

	resolver := region.NewResolver(prefs, buildRegionOptions(config)...)
	clients := backend.NewCache(resolver, config.Regions)
	defer clients.Close()

	broadcaster := flow.NewBroadcaster()
	engineOpts := []flow.Option{
		flow.WithEventLog(eventlog.New(clients)),
		flow.WithBroadcaster(broadcaster),
		flow.WithRefreshDelay(config.RefreshDelay),
	}
	completer, err := genai.NewCompleter(ctx, *flags.aiProvider, buildGenAIOptions(config, *flags.aiProvider)...)
	if err != nil {
		slog.Warn("Text completion disabled; free-text turns will use the fallback reply", "error", err)
	} else {
		engineOpts = append(engineOpts, flow.WithCompleter(completer))
	}
	timer := flow.NewSimpleTimer()
	defer timer.Stop()
	engineOpts = append(engineOpts, flow.WithTimer(timer))
	engine := flow.NewEngine(clients, engineOpts...)

	sessions, err := flow.NewSessionRegistry(config.SessionCacheSize)
	if err != nil {
		return err
	}

	startRelay(ctx, clients, broadcaster)

	apiOpts := []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithRegions(resolver),
		api.WithBroadcaster(broadcaster),
	}
	if config.twilioEnabled() {
		svc, closeChannel, err := startTwilio(ctx, config, *flags.stateDir, engine, sessions)
		if err != nil {
			return err
		}
		defer closeChannel()
		apiOpts = append(apiOpts, api.WithTwilioWebhook(http.HandlerFunc(svc.WebhookHandler)))
	} else {
		slog.Debug("Twilio not configured; SMS channel disabled")
	}

	return api.NewServer(engine, sessions, apiOpts...).Run(ctx)
}

// buildPreferenceStore returns Redis when a URL is set, otherwise process memory.
func buildPreferenceStore(redisURL string) (kv.Store, error) {
	if redisURL == "" {
		slog.Debug("No REDIS_URL set, region preference kept in memory")
		return kv.NewMemoryStore(), nil
	}
	st, err := kv.NewRedisStore(redisURL)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// buildRegionOptions constructs region resolver options
func buildRegionOptions(config Config) []region.Option {
	var opts []region.Option
	if r, ok := models.ParseRegion(config.DefaultRegion); ok {
		opts = append(opts, region.WithDefaultRegion(r))
	} else if config.DefaultRegion != "" {
		slog.Warn("Ignoring unknown DEFAULT_REGION", "value", config.DefaultRegion)
	}
	if config.GeoIPEnabled {
		opts = append(opts, region.WithGeoLocator(region.NewHTTPGeoLocator(config.GeoIPURL, config.GeoIPTimeout)))
	}
	return opts
}

// buildGenAIOptions constructs completer options for the chosen provider
func buildGenAIOptions(config Config, provider string) []genai.Option {
	var opts []genai.Option
	key, model := config.OpenAIKey, config.OpenAIModel
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gemini", "google":
		key, model = config.GeminiKey, config.GeminiModel
	}
	if key != "" {
		opts = append(opts, genai.WithAPIKey(key))
	}
	if model != "" {
		opts = append(opts, genai.WithModel(model))
	}
	return opts
}

// startRelay forwards cross-process data-updated notifications when the
// current region store can listen for them.
func startRelay(ctx context.Context, clients *backend.Cache, b *flow.Broadcaster) {
	h, err := clients.GetClient(ctx)
	if err != nil {
		slog.Warn("Region store unavailable at startup", "error", err)
		return
	}
	l, ok := h.Store.(flow.Listener)
	if !ok {
		return
	}
	go func() {
		if err := b.Relay(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Update relay stopped", "region", h.Region, "error", err)
		}
	}()
}

// startTwilio opens the channel store and starts the inbound and outbound SMS loops.
func startTwilio(ctx context.Context, config Config, stateDir string, engine *flow.Engine, sessions *flow.SessionRegistry) (*messaging.TwilioService, func(), error) {
	client, err := twilioclient.NewClient(
		twilioclient.WithAccountSID(config.TwilioAccountSID),
		twilioclient.WithAuthToken(config.TwilioAuthToken),
		twilioclient.WithFrom(config.TwilioFrom),
	)
	if err != nil {
		return nil, nil, err
	}
	channel, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(stateDir, DefaultChannelDBFileName)))
	if err != nil {
		return nil, nil, err
	}

	var svcOpts []messaging.TwilioOption
	if config.TwilioPublicURL != "" {
		svcOpts = append(svcOpts, messaging.WithSignatureValidation(config.TwilioAuthToken, config.TwilioPublicURL))
	}
	svc := messaging.NewTwilioService(client, svcOpts...)
	handler := messaging.NewChatHandler(engine, sessions, channel, svc)
	sender := messaging.NewReplySender(channel, svc)
	go handler.Run(ctx)
	go sender.Run(ctx)
	slog.Info("Twilio channel enabled", "from", config.TwilioFrom, "signature_validation", config.TwilioPublicURL != "")

	return svc, func() {
		_ = svc.Stop()
		_ = channel.Close()
	}, nil
}
