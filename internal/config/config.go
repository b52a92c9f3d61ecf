package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/transport"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYCHAT_"

// Config is everything cmd/relaychat needs to run a session and the local API.
type Config struct {
	Env      string             `yaml:"env"`
	Identity relaychat.Identity `yaml:"identity"`

	ChatURL   string `yaml:"chatUrl"`
	StreamURL string `yaml:"streamUrl"`
	Token     string `yaml:"token"`

	ListenAddr  string   `yaml:"listenAddr"`
	APIToken    string   `yaml:"apiToken"`
	CORSOrigins []string `yaml:"corsOrigins"`

	// Profile fills CacheDSN and OutboxDSN when they are not set:
	// "memory", "durable-local" (files under DataDir) or "production"
	// (ProductionDSN for both).
	Profile        string `yaml:"profile"`
	DataDir        string `yaml:"dataDir"`
	ProductionDSN  string `yaml:"productionDsn"`
	CacheDSN       string `yaml:"cacheDsn"`
	OutboxDSN      string `yaml:"outboxDsn"`
	OutboxCapacity int    `yaml:"outboxCapacity"`

	CountInterval     time.Duration `yaml:"countInterval"`
	ListInterval      time.Duration `yaml:"listInterval"`
	PresenceInterval  time.Duration `yaml:"presenceInterval"`
	PresenceJitter    float64       `yaml:"presenceJitter"`
	BootstrapAttempts int           `yaml:"bootstrapAttempts"`
	BootstrapDelay    time.Duration `yaml:"bootstrapDelay"`
	PersistDebounce   time.Duration `yaml:"persistDebounce"`
	DedupTolerance    time.Duration `yaml:"dedupTolerance"`
	PendingTolerance  time.Duration `yaml:"pendingTolerance"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	RequestBurst      int     `yaml:"requestBurst"`
	// Timezone names the zone used for server timestamps that carry none.
	Timezone string `yaml:"timezone"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Destinations transport.Destinations `yaml:"destinations"`
}

func Default() Config {
	return Config{
		Env:               "production",
		ChatURL:           "http://127.0.0.1:8080",
		StreamURL:         "ws://127.0.0.1:8080/ws/websocket",
		ListenAddr:        "127.0.0.1:7420",
		CORSOrigins:       []string{"*"},
		DataDir:           ".relaychat",
		OutboxCapacity:    256,
		CountInterval:     2 * time.Second,
		ListInterval:      10 * time.Second,
		PresenceInterval:  60 * time.Second,
		PresenceJitter:    0.1,
		BootstrapAttempts: 3,
		BootstrapDelay:    time.Second,
		PersistDebounce:   250 * time.Millisecond,
		DedupTolerance:    relaychat.DefaultTolerance,
		PendingTolerance:  relaychat.DefaultPendingTolerance,
		Timezone:          "Local",
		LogLevel:          "info",
		LogFormat:         "auto",
		Destinations:      transport.DefaultDestinations(),
	}
}

// Load reads an optional .env file, then the YAML file at path when it is
// non-empty, then RELAYCHAT_* environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.resolveStorage(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveStorage gives explicit DSNs precedence over the profile, and falls
// back to memory.
func (c *Config) resolveStorage() error {
	cacheDSN, outboxDSN, err := storageProfileDefaults(c.Profile, c.DataDir, c.ProductionDSN)
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.CacheDSN) == "" {
		c.CacheDSN = cacheDSN
	}
	if strings.TrimSpace(c.OutboxDSN) == "" {
		c.OutboxDSN = outboxDSN
	}
	if strings.TrimSpace(c.CacheDSN) == "" {
		c.CacheDSN = "memory://"
	}
	if strings.TrimSpace(c.OutboxDSN) == "" {
		c.OutboxDSN = "memory://"
	}
	return nil
}

func storageProfileDefaults(profile, dataDir, productionDSN string) (cacheDSN, outboxDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".relaychat"
	}
	if abs, absErr := filepath.Abs(dataDir); absErr == nil {
		dataDir = abs
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", "", fmt.Errorf("%w: productionDsn is required when profile=%s", relaychat.ErrInvalidInput, profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "cache"),
			"file://" + filepath.Join(dataDir, "outbox.json"),
			nil
	default:
		return "", "", fmt.Errorf("%w: unsupported storage profile %q", relaychat.ErrInvalidInput, profile)
	}
}

func (c *Config) applyEnv() {
	c.Env = envOrDefault("ENV", c.Env)
	c.Identity = relaychat.Identity(envOrDefault("IDENTITY", string(c.Identity)))
	c.ChatURL = envOrDefault("CHAT_URL", c.ChatURL)
	c.StreamURL = envOrDefault("STREAM_URL", c.StreamURL)
	c.Token = envOrDefault("TOKEN", c.Token)
	c.ListenAddr = envOrDefault("LISTEN_ADDR", c.ListenAddr)
	c.APIToken = envOrDefault("API_TOKEN", c.APIToken)
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "CORS_ORIGINS")); raw != "" {
		c.CORSOrigins = splitList(raw)
	}
	c.Profile = envOrDefault("BACKEND_PROFILE", c.Profile)
	c.DataDir = envOrDefault("DATA_DIR", c.DataDir)
	c.ProductionDSN = envOrDefault("PRODUCTION_DSN", envOrDefault("POSTGRES_DSN", c.ProductionDSN))
	c.CacheDSN = envOrDefault("CACHE_DSN", c.CacheDSN)
	c.OutboxDSN = envOrDefault("OUTBOX_DSN", c.OutboxDSN)
	c.OutboxCapacity = intEnv("OUTBOX_CAPACITY", c.OutboxCapacity)
	c.CountInterval = durationEnv("COUNT_INTERVAL", c.CountInterval)
	c.ListInterval = durationEnv("LIST_INTERVAL", c.ListInterval)
	c.PresenceInterval = durationEnv("PRESENCE_INTERVAL", c.PresenceInterval)
	c.PresenceJitter = clampJitterRatio(floatEnv("PRESENCE_JITTER", c.PresenceJitter))
	c.BootstrapAttempts = intEnv("BOOTSTRAP_ATTEMPTS", c.BootstrapAttempts)
	c.BootstrapDelay = durationEnv("BOOTSTRAP_DELAY", c.BootstrapDelay)
	c.PersistDebounce = durationEnv("PERSIST_DEBOUNCE", c.PersistDebounce)
	c.DedupTolerance = durationEnv("DEDUP_TOLERANCE", c.DedupTolerance)
	c.PendingTolerance = durationEnv("PENDING_TOLERANCE", c.PendingTolerance)
	c.RequestsPerSecond = floatEnv("REQUESTS_PER_SECOND", c.RequestsPerSecond)
	c.RequestBurst = intEnv("REQUEST_BURST", c.RequestBurst)
	c.Timezone = envOrDefault("TIMEZONE", c.Timezone)
	// LOG_LEVEL is honoured unprefixed as well.
	c.LogLevel = envOrDefault("LOG_LEVEL", strings.TrimSpace(os.Getenv("LOG_LEVEL")), c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)
}

// Validate checks the settings a session cannot run without. An empty
// identity is allowed; the session then waits for one on the local API.
func (c Config) Validate() error {
	var problems []error
	if c.Identity != "" && !c.Identity.Valid() {
		problems = append(problems, fmt.Errorf("identity %q is blank", c.Identity))
	}
	for name, raw := range map[string]string{"chatUrl": c.ChatURL, "streamUrl": c.StreamURL} {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			problems = append(problems, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}
	if c.OutboxCapacity < 0 {
		problems = append(problems, fmt.Errorf("outboxCapacity must not be negative"))
	}
	if c.CountInterval <= 0 || c.ListInterval <= 0 || c.PresenceInterval <= 0 {
		problems = append(problems, fmt.Errorf("poll intervals must be positive"))
	}
	if c.BootstrapAttempts <= 0 {
		problems = append(problems, fmt.Errorf("bootstrapAttempts must be positive"))
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, err)
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", relaychat.ErrInvalidInput, errors.Join(problems...))
}

func (c Config) MatchRule() relaychat.MatchRule {
	return relaychat.MatchRule{Tolerance: c.DedupTolerance, PendingTolerance: c.PendingTolerance}
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

// envOrDefault returns the first non-empty of RELAYCHAT_<key> and fallbacks.
func envOrDefault(key string, fallbacks ...string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + key)); value != "" {
		return value
	}
	for _, fallback := range fallbacks {
		if strings.TrimSpace(fallback) != "" {
			return fallback
		}
	}
	return ""
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s%s=%q, using default %d", envPrefix, key, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		log.Printf("invalid %s%s=%q, using default %s", envPrefix, key, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s%s=%q, using default %v", envPrefix, key, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
