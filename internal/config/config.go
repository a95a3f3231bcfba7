package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validStoreBackends = []string{"file", "redis"}
	validTraceModes    = []string{"off", "errors", "sampled", "detailed"}
)

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig
	GitHub      GitHubConfig
	RateLimit   RateLimitConfig
	Retry       RetryConfig
	Enhancement EnhancementConfig
	Store       StoreConfig
	Identity    IdentityConfig
	Stats       StatsConfig
	Telemetry   TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	LogLevel        string
	ShutdownTimeout time.Duration
	// MetricsRefreshInterval bounds how often /metrics re-reads the record files.
	MetricsRefreshInterval time.Duration
}

// GitHubConfig configures GitHub API interactions.
type GitHubConfig struct {
	APIBaseURL     string
	GraphQLURL     string
	TokenEnv       string
	App            GitHubAppConfig
	RequestTimeout time.Duration
	RateLimitDelay time.Duration
	Hosts          []string
}

// GitHubAppConfig configures GitHub App installation auth. AppID 0 disables it.
type GitHubAppConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Enabled reports whether App auth is configured.
func (a GitHubAppConfig) Enabled() bool {
	return a.AppID > 0
}

// Token returns the personal access token from the configured environment variable.
func (g GitHubConfig) Token() string {
	if g.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(g.TokenEnv))
}

// RateLimitConfig configures header-driven rate-limit pauses.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
}

// RetryConfig configures HTTP-level retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// EnhancementConfig tunes the attribution job.
type EnhancementConfig struct {
	BulkThreshold    int
	BulkPageSize     int
	BatchSize        int
	BatchPause       time.Duration
	RepositoryPause  time.Duration
	RateLimitRetries int
	RetryBaseDelay   time.Duration
}

// StoreConfig configures where record files live.
type StoreConfig struct {
	Backend            string
	DataDir            string
	MergedFile         string
	ClosedFile         string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	RedisNamespace     string
}

// IdentityConfig names the caller on each code host.
type IdentityConfig struct {
	GitHubID string `yaml:"github_id"`
	GitLabID string `yaml:"gitlab_id"`
}

// StatsConfig tunes the statistics views.
type StatsConfig struct {
	BotMarker       string `yaml:"bot_marker"`
	MonthlyWindow   int    `yaml:"monthly_window"`
	TopRepositories int    `yaml:"top_repositories"`
	Leaderboard     int    `yaml:"leaderboard"`
	RepositoryLimit int    `yaml:"repository_limit"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// LoadEnvFile exports the variables of a dotenv file that are not already set,
// so a token can live next to the YAML config. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s from env file: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be > 0")
	}
	if c.Server.MetricsRefreshInterval <= 0 {
		errs = append(errs, "server.metrics_refresh_interval must be > 0")
	}

	if _, err := url.ParseRequestURI(c.GitHub.APIBaseURL); err != nil {
		errs = append(errs, "github.api_base_url must be an absolute URL")
	}
	if c.GitHub.GraphQLURL != "" {
		if _, err := url.ParseRequestURI(c.GitHub.GraphQLURL); err != nil {
			errs = append(errs, "github.graphql_url must be an absolute URL")
		}
	}
	if c.GitHub.RequestTimeout <= 0 {
		errs = append(errs, "github.request_timeout must be > 0")
	}
	if c.GitHub.RateLimitDelay < 0 {
		errs = append(errs, "github.rate_limit_delay must be >= 0")
	}
	if c.GitHub.App.Enabled() {
		if c.GitHub.App.InstallationID <= 0 {
			errs = append(errs, "github.app.installation_id must be > 0 when github.app.app_id is set")
		}
		if c.GitHub.App.PrivateKeyPath == "" {
			errs = append(errs, "github.app.private_key_path is required when github.app.app_id is set")
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}

	if c.Enhancement.BatchSize <= 0 || c.Enhancement.BatchSize > 3 {
		errs = append(errs, "enhancement.batch_size must be between 1 and 3")
	}
	if c.Enhancement.BulkPageSize <= 0 || c.Enhancement.BulkPageSize > 100 {
		errs = append(errs, "enhancement.bulk_page_size must be between 1 and 100")
	}
	if c.Enhancement.RateLimitRetries < 0 {
		errs = append(errs, "enhancement.rate_limit_retries must be >= 0")
	}

	if !slices.Contains(validStoreBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be file or redis")
	}
	if c.Store.MergedFile == c.Store.ClosedFile {
		errs = append(errs, "store.merged_file and store.closed_file must differ")
	}
	if c.Store.Backend == "redis" {
		if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
			errs = append(errs, "store.redis_mode must be standalone or sentinel")
		}
		if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
			errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
		}
		if c.Store.RedisMode == "standalone" && c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required when store.redis_mode=standalone")
		}
	}

	if c.Stats.MonthlyWindow <= 0 {
		errs = append(errs, "stats.monthly_window must be > 0")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MetricsRefreshInterval == 0 {
		cfg.Server.MetricsRefreshInterval = 30 * time.Second
	}

	if cfg.GitHub.APIBaseURL == "" {
		cfg.GitHub.APIBaseURL = "https://api.github.com"
	}
	if cfg.GitHub.TokenEnv == "" {
		cfg.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
	if cfg.GitHub.RequestTimeout == 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.RateLimitDelay == 0 {
		cfg.GitHub.RateLimitDelay = 200 * time.Millisecond
	}
	if len(cfg.GitHub.Hosts) == 0 {
		cfg.GitHub.Hosts = []string{"github.com"}
	}

	if cfg.RateLimit.MinRemainingThreshold == 0 {
		cfg.RateLimit.MinRemainingThreshold = 50
	}
	if cfg.RateLimit.MinResetBuffer == 0 {
		cfg.RateLimit.MinResetBuffer = 5 * time.Second
	}
	if cfg.RateLimit.SecondaryLimitBackoff == 0 {
		cfg.RateLimit.SecondaryLimitBackoff = 30 * time.Second
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 10 * time.Second
	}

	if cfg.Enhancement.BulkThreshold == 0 {
		cfg.Enhancement.BulkThreshold = 10
	}
	if cfg.Enhancement.BulkPageSize == 0 {
		cfg.Enhancement.BulkPageSize = 100
	}
	if cfg.Enhancement.BatchSize == 0 {
		cfg.Enhancement.BatchSize = 3
	}
	if cfg.Enhancement.BatchPause == 0 {
		cfg.Enhancement.BatchPause = 500 * time.Millisecond
	}
	if cfg.Enhancement.RepositoryPause == 0 {
		cfg.Enhancement.RepositoryPause = 500 * time.Millisecond
	}
	if cfg.Enhancement.RateLimitRetries == 0 {
		cfg.Enhancement.RateLimitRetries = 2
	}
	if cfg.Enhancement.RetryBaseDelay == 0 {
		cfg.Enhancement.RetryBaseDelay = 100 * time.Millisecond
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Store.MergedFile == "" {
		cfg.Store.MergedFile = "merged_prs.json"
	}
	if cfg.Store.ClosedFile == "" {
		cfg.Store.ClosedFile = "closed_prs.json"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.RedisNamespace == "" {
		cfg.Store.RedisNamespace = "pr-insights"
	}

	if cfg.Stats.BotMarker == "" {
		cfg.Stats.BotMarker = "konflux"
	}
	if cfg.Stats.MonthlyWindow == 0 {
		cfg.Stats.MonthlyWindow = 12
	}
	if cfg.Stats.TopRepositories == 0 {
		cfg.Stats.TopRepositories = 5
	}
	if cfg.Stats.Leaderboard == 0 {
		cfg.Stats.Leaderboard = 5
	}
	if cfg.Stats.RepositoryLimit == 0 {
		cfg.Stats.RepositoryLimit = 20
	}

	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server      rawServer      `yaml:"server"`
	GitHub      rawGitHub      `yaml:"github"`
	RateLimit   rawRateLimit   `yaml:"rate_limit"`
	Retry       rawRetry       `yaml:"retry"`
	Enhancement rawEnhancement `yaml:"enhancement"`
	Store       rawStore       `yaml:"store"`
	Identity    IdentityConfig `yaml:"identity"`
	Stats       StatsConfig    `yaml:"stats"`
	Telemetry   rawTelemetry   `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout        duration `yaml:"shutdown_timeout"`
	MetricsRefreshInterval duration `yaml:"metrics_refresh_interval"`
}

type rawGitHub struct {
	APIBaseURL     string       `yaml:"api_base_url"`
	GraphQLURL     string       `yaml:"graphql_url"`
	TokenEnv       string       `yaml:"token_env"`
	App            rawGitHubApp `yaml:"app"`
	RequestTimeout duration     `yaml:"request_timeout"`
	RateLimitDelay duration     `yaml:"rate_limit_delay"`
	Hosts          []string     `yaml:"hosts"`
}

type rawGitHubApp struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawEnhancement struct {
	BulkThreshold    int      `yaml:"bulk_threshold"`
	BulkPageSize     int      `yaml:"bulk_page_size"`
	BatchSize        int      `yaml:"batch_size"`
	BatchPause       duration `yaml:"batch_pause"`
	RepositoryPause  duration `yaml:"repository_pause"`
	RateLimitRetries int      `yaml:"rate_limit_retries"`
	RetryBaseDelay   duration `yaml:"retry_base_delay"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	DataDir            string   `yaml:"data_dir"`
	MergedFile         string   `yaml:"merged_file"`
	ClosedFile         string   `yaml:"closed_file"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	RedisNamespace     string   `yaml:"redis_namespace"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      r.Server.ListenAddr,
			LogLevel:        r.Server.LogLevel,
			ShutdownTimeout:        r.Server.ShutdownTimeout.Duration,
			MetricsRefreshInterval: r.Server.MetricsRefreshInterval.Duration,
		},
		GitHub: GitHubConfig{
			APIBaseURL: r.GitHub.APIBaseURL,
			GraphQLURL: r.GitHub.GraphQLURL,
			TokenEnv:   r.GitHub.TokenEnv,
			App: GitHubAppConfig{
				AppID:          r.GitHub.App.AppID,
				InstallationID: r.GitHub.App.InstallationID,
				PrivateKeyPath: r.GitHub.App.PrivateKeyPath,
			},
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			RateLimitDelay: r.GitHub.RateLimitDelay.Duration,
			Hosts:          r.GitHub.Hosts,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Enhancement: EnhancementConfig{
			BulkThreshold:    r.Enhancement.BulkThreshold,
			BulkPageSize:     r.Enhancement.BulkPageSize,
			BatchSize:        r.Enhancement.BatchSize,
			BatchPause:       r.Enhancement.BatchPause.Duration,
			RepositoryPause:  r.Enhancement.RepositoryPause.Duration,
			RateLimitRetries: r.Enhancement.RateLimitRetries,
			RetryBaseDelay:   r.Enhancement.RetryBaseDelay.Duration,
		},
		Store: StoreConfig{
			Backend:            r.Store.Backend,
			DataDir:            r.Store.DataDir,
			MergedFile:         r.Store.MergedFile,
			ClosedFile:         r.Store.ClosedFile,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			RedisNamespace:     r.Store.RedisNamespace,
		},
		Identity: r.Identity,
		Stats:    r.Stats,
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
