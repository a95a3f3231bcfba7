package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cam3ron2/pr-insights/internal/attribution"
	"github.com/cam3ron2/pr-insights/internal/config"
	"github.com/cam3ron2/pr-insights/internal/enhance"
	"github.com/cam3ron2/pr-insights/internal/exporter"
	"github.com/cam3ron2/pr-insights/internal/health"
	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/cam3ron2/pr-insights/internal/stats"
	"github.com/cam3ron2/pr-insights/internal/store"
	"go.uber.org/zap"
)

const storePingTimeout = 2 * time.Second

// Dependencies are the backends a runtime is built on.
type Dependencies struct {
	Store   store.RecordStore
	Lookups attribution.Lookuper
	// Bulk may be nil, in which case every record takes the per-record path.
	Bulk     attribution.BulkQuerier
	AuthMode health.AuthMode
}

// Runtime owns the enhancement job, the auditor and the statistics views.
type Runtime struct {
	cfg          *config.Config
	store        store.RecordStore
	orchestrator *enhance.Orchestrator
	auditor      *enhance.Auditor
	aggregator   *stats.Aggregator
	evaluator    *health.StatusEvaluator
	authMode     health.AuthMode
	logger       *zap.Logger
}

// NewRuntime wires the components over the given backends.
func NewRuntime(cfg *config.Config, deps Dependencies, logger ...*zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if deps.Lookups == nil {
		return nil, fmt.Errorf("lookup client is required")
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	authMode := deps.AuthMode
	if authMode == "" {
		authMode = health.AuthAnonymous
	}

	resolver := attribution.NewResolver(deps.Lookups, deps.Bulk, attribution.Config{
		BulkThreshold:    cfg.Enhancement.BulkThreshold,
		BulkPageSize:     cfg.Enhancement.BulkPageSize,
		BatchSize:        cfg.Enhancement.BatchSize,
		BatchPause:       cfg.Enhancement.BatchPause,
		RateLimitRetries: cfg.Enhancement.RateLimitRetries,
		RetryBaseDelay:   cfg.Enhancement.RetryBaseDelay,
		Hosts:            cfg.GitHub.Hosts,
	}, baseLogger.Named("attribution"))

	orchestrator := enhance.NewOrchestrator(deps.Store, resolver, enhance.OrchestratorConfig{
		RepositoryPause: cfg.Enhancement.RepositoryPause,
	}, baseLogger.Named("enhance"))

	identity := stats.Identity{
		GitHubID: cfg.Identity.GitHubID,
		GitLabID: cfg.Identity.GitLabID,
	}
	aggregator := stats.NewAggregator(deps.Store, stats.Config{
		Identity:        identity,
		BotMarker:       cfg.Stats.BotMarker,
		MonthlyWindow:   cfg.Stats.MonthlyWindow,
		TopRepositories: cfg.Stats.TopRepositories,
		Leaderboard:     cfg.Stats.Leaderboard,
		RepositoryLimit: cfg.Stats.RepositoryLimit,
	})

	if authMode == health.AuthAnonymous {
		baseLogger.Warn("no github credentials configured; lookups run unauthenticated with a small rate budget")
	}
	if len(identity.IDs()) == 0 {
		baseLogger.Warn("no identity configured; personal statistics are unavailable")
	}

	return &Runtime{
		cfg:          cfg,
		store:        deps.Store,
		orchestrator: orchestrator,
		auditor:      enhance.NewAuditor(deps.Store, orchestrator, fileNames(cfg), baseLogger.Named("audit")),
		aggregator:   aggregator,
		evaluator:    health.NewStatusEvaluator(),
		authMode:     authMode,
		logger:       baseLogger,
	}, nil
}

func fileNames(cfg *config.Config) map[records.Kind]string {
	return map[records.Kind]string{
		records.KindMerged: cfg.Store.MergedFile,
		records.KindClosed: cfg.Store.ClosedFile,
	}
}

// Orchestrator exposes the enhancement job.
func (r *Runtime) Orchestrator() *enhance.Orchestrator {
	return r.orchestrator
}

// Auditor exposes the coverage and retry auditor.
func (r *Runtime) Auditor() *enhance.Auditor {
	return r.auditor
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	coverage := exporter.NewCachedCoverageReader(r.auditor, exporter.CacheConfig{
		RefreshInterval: r.cfg.Server.MetricsRefreshInterval,
	})
	metricsHandler := exporter.NewOpenMetricsHandler(r.orchestrator, coverage)
	healthHandler := health.NewHandler(r)
	api := NewAPI(r.orchestrator, r.auditor, r.aggregator, r.logger.Named("api"))
	return NewHTTPHandler(api.Routes(), metricsHandler, healthHandler)
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()

	input := health.Input{
		StoreHealthy: true,
		GitHubAuth:   r.authMode,
	}
	if err := r.store.Ping(pingCtx); err != nil {
		input.StoreHealthy = false
		input.StoreError = err.Error()
	}
	progress := r.orchestrator.Progress()
	input.JobStatus = string(progress.Status)
	input.JobError = progress.Error
	return r.evaluator.Evaluate(input)
}

// Shutdown stops a running job, waits for its worker and closes the store.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	if err := r.orchestrator.Stop(); err != nil && !errors.Is(err, enhance.ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := r.orchestrator.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for enhancement job: %w", err))
	}
	if closer, ok := r.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close record store: %w", err))
		}
	}
	return errors.Join(errs...)
}
