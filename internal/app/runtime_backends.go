package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cam3ron2/pr-insights/internal/config"
	"github.com/cam3ron2/pr-insights/internal/githubapi"
	"github.com/cam3ron2/pr-insights/internal/health"
	"github.com/cam3ron2/pr-insights/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

type githubBackends struct {
	lookups  *githubapi.LookupClient
	bulk     *githubapi.GraphQLClient
	authMode health.AuthMode
}

// NewRuntimeFromConfig builds the configured store and GitHub clients and wires
// a runtime over them.
func NewRuntimeFromConfig(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	recordStore, err := newRecordStore(cfg, afero.NewOsFs())
	if err != nil {
		return nil, err
	}
	backends, err := newGitHubBackends(cfg)
	if err != nil {
		return nil, err
	}

	deps := Dependencies{
		Store:    recordStore,
		Lookups:  backends.lookups,
		AuthMode: backends.authMode,
	}
	if backends.bulk != nil {
		deps.Bulk = backends.bulk
	}
	logger.Info(
		"initialized backends",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("github_auth", string(backends.authMode)),
		zap.Bool("bulk_query", backends.bulk != nil),
	)
	return NewRuntime(cfg, deps, logger)
}

func newRecordStore(cfg *config.Config, filesystem afero.Fs) (store.RecordStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), "redis") {
		return newRedisStoreFromConfig(cfg)
	}
	if filesystem == nil {
		filesystem = afero.NewOsFs()
	}
	return store.NewFileStore(filesystem, store.FileStoreConfig{
		Dir:   filepath.Clean(cfg.Store.DataDir),
		Names: fileNames(cfg),
	}), nil
}

func newRedisStoreFromConfig(cfg *config.Config) (*store.RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.Store.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Store.RedisMasterSet,
			SentinelAddrs: cfg.Store.RedisSentinelAddrs,
			Password:      cfg.Store.RedisPassword,
			DB:            cfg.Store.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return store.NewRedisStore(redisClient, store.RedisStoreConfig{
		Namespace: cfg.Store.RedisNamespace,
		Names:     fileNames(cfg),
	}), nil
}

// newGitHubBackends selects App auth, then a token, then anonymous access. The
// bulk query needs credentials, so anonymous runs use per-record lookups only.
func newGitHubBackends(cfg *config.Config) (githubBackends, error) {
	if cfg == nil {
		return githubBackends{}, fmt.Errorf("config is required")
	}

	transport := githubapi.NewPooledTransport(githubapi.PoolConfig{})
	var (
		httpClient *http.Client
		authMode   health.AuthMode
	)
	switch token := cfg.GitHub.Token(); {
	case cfg.GitHub.App.Enabled():
		installationClient, err := githubapi.NewInstallationHTTPClient(githubapi.InstallationAuthConfig{
			AppID:          cfg.GitHub.App.AppID,
			InstallationID: cfg.GitHub.App.InstallationID,
			PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
			Timeout:        cfg.GitHub.RequestTimeout,
			BaseTransport:  transport,
		})
		if err != nil {
			return githubBackends{}, fmt.Errorf("github app auth: %w", err)
		}
		httpClient = installationClient
		authMode = health.AuthApp
	case token != "":
		httpClient = githubapi.NewTokenHTTPClient(token, transport, cfg.GitHub.RequestTimeout)
		authMode = health.AuthToken
	default:
		httpClient = githubapi.NewTokenHTTPClient("", transport, cfg.GitHub.RequestTimeout)
		authMode = health.AuthAnonymous
	}

	requestClient := githubapi.NewClient(httpClient, githubapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, githubapi.RateLimitPolicy{
		MinInterval:           cfg.GitHub.RateLimitDelay,
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.RateLimit.SecondaryLimitBackoff,
	})

	rest, err := githubapi.NewGitHubRESTClient(requestClient, cfg.GitHub.APIBaseURL)
	if err != nil {
		return githubBackends{}, fmt.Errorf("create github rest client: %w", err)
	}
	lookups, err := githubapi.NewLookupClient(rest)
	if err != nil {
		return githubBackends{}, fmt.Errorf("create lookup client: %w", err)
	}

	backends := githubBackends{lookups: lookups, authMode: authMode}
	if authMode == health.AuthAnonymous {
		return backends, nil
	}
	bulk, err := githubapi.NewGraphQLClient(cfg.GitHub.APIBaseURL, cfg.GitHub.GraphQLURL, requestClient, cfg.GitHub.RequestTimeout)
	if err != nil {
		return githubBackends{}, fmt.Errorf("create graphql client: %w", err)
	}
	backends.bulk = bulk
	return backends, nil
}
