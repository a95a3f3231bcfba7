package attribution

import (
	"context"
	"strings"
	"time"

	"github.com/cam3ron2/pr-insights/internal/githubapi"
	"github.com/cam3ron2/pr-insights/internal/records"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Lookuper queries one REST endpoint for the actor that closed a pull request.
type Lookuper interface {
	Lookup(ctx context.Context, endpoint githubapi.Endpoint, owner, repo string, number int) githubapi.LookupResult
}

// BulkQuerier pages through a repository's pull requests and maps numbers to closing actors.
type BulkQuerier interface {
	ClosedActors(ctx context.Context, owner, repo, state string, pageSize int) (githubapi.BulkResult, error)
}

// Config tunes the resolver.
type Config struct {
	// BulkThreshold is the pending count above which the bulk query runs first.
	BulkThreshold int
	BulkPageSize  int
	// BatchSize bounds concurrent per-record lookups.
	BatchSize  int
	BatchPause time.Duration
	// RateLimitRetries is the number of extra attempts per endpoint after a rate-limit response.
	RateLimitRetries int
	RetryBaseDelay   time.Duration
	// Hosts lists the code hosts whose records this resolver can attribute.
	Hosts []string
}

// DefaultConfig returns the stock resolver tuning.
func DefaultConfig() Config {
	return Config{
		BulkThreshold:    10,
		BulkPageSize:     100,
		BatchSize:        3,
		BatchPause:       500 * time.Millisecond,
		RateLimitRetries: 2,
		RetryBaseDelay:   100 * time.Millisecond,
		Hosts:            []string{"github.com"},
	}
}

// Status is the per-record result reported to a ProgressSink.
type Status string

const (
	// StatusResolved means a closing actor was found.
	StatusResolved Status = "resolved"
	// StatusFailed means every endpoint was tried and the record is now explicitly null.
	StatusFailed Status = "failed"
	// StatusSkipped means the record cannot be attributed by this resolver and stays absent.
	StatusSkipped Status = "skipped"
)

// Source tells which path produced a result.
type Source string

const (
	// SourceBulk is the paginated GraphQL query.
	SourceBulk Source = "bulk"
	// SourcePerRecord is the REST endpoint fallback chain.
	SourcePerRecord Source = "per_record"
)

// Event reports the outcome of one record exactly once.
type Event struct {
	Repository string
	Number     int
	Status     Status
	Actor      string
	Source     Source
}

// ProgressSink receives one event per attempted record. It is called from the
// coordinating goroutine only.
type ProgressSink func(Event)

// Report summarizes the resolution of one repository.
type Report struct {
	Repository   string
	Pending      int
	BulkResolved int
	Resolved     int
	Failed       int
	Skipped      int
	// Unattempted counts records left absent because the run was canceled between batches.
	Unattempted int
	Canceled    bool
}

// Enhanced returns the number of newly resolved records.
func (r Report) Enhanced() int {
	return r.BulkResolved + r.Resolved
}

// Resolver fills in the close actor of records that lack one.
type Resolver struct {
	lookups Lookuper
	bulk    BulkQuerier
	cfg     Config
	logger  *zap.Logger

	// Sleep is injected for testability.
	Sleep func(time.Duration)
}

// NewResolver creates a resolver. A nil bulk querier disables the bulk path.
func NewResolver(lookups Lookuper, bulk BulkQuerier, cfg Config, logger ...*zap.Logger) *Resolver {
	defaults := DefaultConfig()
	if cfg.BulkThreshold <= 0 {
		cfg.BulkThreshold = defaults.BulkThreshold
	}
	if cfg.BulkPageSize <= 0 {
		cfg.BulkPageSize = defaults.BulkPageSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.RateLimitRetries < 0 {
		cfg.RateLimitRetries = 0
	}
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = defaults.Hosts
	}

	resolvedLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolvedLogger = logger[0]
	}

	return &Resolver{
		lookups: lookups,
		bulk:    bulk,
		cfg:     cfg,
		logger:  resolvedLogger,
		Sleep:   time.Sleep,
	}
}

// ResolveRepository attributes every pending record of one repository in place.
// Cancellation of ctx is observed only between batches; requests already issued
// run to completion. Lookup failures never escape: a record that cannot be
// resolved is marked null.
func (r *Resolver) ResolveRepository(ctx context.Context, kind records.Kind, repo *records.Repository, sink ProgressSink) Report {
	if sink == nil {
		sink = func(Event) {}
	}
	report := Report{}
	if repo == nil {
		return report
	}
	report.Repository = repo.Name

	pending := repo.Pending()
	report.Pending = len(pending)
	if len(pending) == 0 {
		return report
	}

	logger := r.logger.With(zap.String("repository", repo.Name), zap.String("kind", string(kind)))
	ref := records.ResolveRepoRef(repo)
	if !r.supports(ref) {
		logger.Warn("repository host not supported for attribution",
			zap.String("host", ref.Host),
			zap.Int("pending", len(pending)),
		)
		for _, record := range pending {
			sink(Event{Repository: repo.Name, Number: record.Number, Status: StatusSkipped})
		}
		report.Skipped = len(pending)
		return report
	}
	logger = logger.With(zap.String("target", ref.FullName()))

	if ctx.Err() != nil {
		report.Canceled = true
		report.Unattempted = len(pending)
		return report
	}

	requestCtx := context.WithoutCancel(ctx)
	if len(pending) > r.cfg.BulkThreshold && r.bulk != nil {
		pending = r.applyBulk(requestCtx, logger, kind, ref, repo.Name, pending, sink, &report)
	}

	for start := 0; start < len(pending); start += r.cfg.BatchSize {
		if start > 0 && r.cfg.BatchPause > 0 {
			r.Sleep(r.cfg.BatchPause)
		}
		if ctx.Err() != nil {
			report.Canceled = true
			report.Unattempted = len(pending) - start
			logger.Info("attribution canceled between batches", zap.Int("unattempted", report.Unattempted))
			break
		}

		end := start + r.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		actors := r.lookupBatch(requestCtx, logger, ref, batch)

		for i, record := range batch {
			if actors[i] == "" {
				record.CloseActor = records.NullActor()
				report.Failed++
				sink(Event{Repository: repo.Name, Number: record.Number, Status: StatusFailed, Source: SourcePerRecord})
				continue
			}
			record.CloseActor = records.ResolvedActor(actors[i])
			report.Resolved++
			sink(Event{Repository: repo.Name, Number: record.Number, Status: StatusResolved, Actor: actors[i], Source: SourcePerRecord})
		}
	}

	logger.Info("repository attribution finished",
		zap.Int("pending", report.Pending),
		zap.Int("bulk_resolved", report.BulkResolved),
		zap.Int("resolved", report.Resolved),
		zap.Int("failed", report.Failed),
		zap.Bool("canceled", report.Canceled),
	)
	return report
}

// applyBulk applies whatever the bulk query returned, even when it stopped early,
// and returns the records still pending.
func (r *Resolver) applyBulk(
	ctx context.Context,
	logger *zap.Logger,
	kind records.Kind,
	ref records.RepoRef,
	repoName string,
	pending []*records.Record,
	sink ProgressSink,
	report *Report,
) []*records.Record {
	result, err := r.bulk.ClosedActors(ctx, ref.Owner, ref.Name, kind.GraphState(), r.cfg.BulkPageSize)
	if err != nil {
		logger.Warn("bulk attribution query failed, falling back to per-record lookups",
			zap.Int("accumulated", len(result.Actors)),
			zap.Error(err),
		)
	}

	remaining := make([]*records.Record, 0, len(pending))
	for _, record := range pending {
		actor := strings.TrimSpace(result.Actors[record.Number])
		if actor == "" {
			remaining = append(remaining, record)
			continue
		}
		record.CloseActor = records.ResolvedActor(actor)
		report.BulkResolved++
		sink(Event{Repository: repoName, Number: record.Number, Status: StatusResolved, Actor: actor, Source: SourceBulk})
	}
	return remaining
}

// lookupBatch runs one lookup chain per record concurrently. Workers only write
// their own slot; the caller applies the results.
func (r *Resolver) lookupBatch(ctx context.Context, logger *zap.Logger, ref records.RepoRef, batch []*records.Record) []string {
	actors := make([]string, len(batch))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.BatchSize)
	for i, record := range batch {
		i, number := i, record.Number
		group.Go(func() error {
			actors[i] = r.lookupRecord(groupCtx, logger, ref, number)
			return nil
		})
	}
	_ = group.Wait()
	return actors
}

// lookupRecord walks the endpoints in fallback order and returns the first actor found.
func (r *Resolver) lookupRecord(ctx context.Context, logger *zap.Logger, ref records.RepoRef, number int) string {
	for _, endpoint := range githubapi.LookupEndpoints {
		for attempt := 0; ; attempt++ {
			result := r.lookups.Lookup(ctx, endpoint, ref.Owner, ref.Name, number)
			if result.Outcome == githubapi.OutcomeResolved && result.Actor != "" {
				return result.Actor
			}
			if result.Outcome == githubapi.OutcomeRateLimited && attempt < r.cfg.RateLimitRetries {
				r.Sleep(r.cfg.RetryBaseDelay * time.Duration(1<<attempt))
				continue
			}
			if result.Outcome != githubapi.OutcomeNotFound {
				logger.Debug("attribution lookup failed",
					zap.Int("number", number),
					zap.String("endpoint", string(endpoint)),
					zap.String("outcome", string(result.Outcome)),
					zap.Int("status_code", result.StatusCode),
					zap.Error(result.Err),
				)
			}
			break
		}
	}
	return ""
}

func (r *Resolver) supports(ref records.RepoRef) bool {
	if !ref.Valid() || strings.Contains(ref.Owner, "/") {
		return false
	}
	if ref.Host == "" {
		return true
	}
	for _, host := range r.cfg.Hosts {
		if strings.EqualFold(strings.TrimSpace(host), ref.Host) {
			return true
		}
	}
	return false
}
