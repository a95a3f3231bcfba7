package enhance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cam3ron2/pr-insights/internal/attribution"
	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/cam3ron2/pr-insights/internal/store"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning reports a start request, or a file rewrite, while a job is active.
	ErrAlreadyRunning = errors.New("enhancement job is already running")
	// ErrNotRunning reports a stop request while no job is running.
	ErrNotRunning = errors.New("enhancement job is not running")
)

// Status is the lifecycle state of the enhancement job.
type Status string

const (
	// StatusIdle means no job has run yet.
	StatusIdle Status = "idle"
	// StatusRunning means the worker is processing repositories.
	StatusRunning Status = "running"
	// StatusStopping means a stop was requested and the worker has not exited yet.
	StatusStopping Status = "stopping"
	// StatusStopped means the worker exited early after a stop request.
	StatusStopped Status = "stopped"
	// StatusCompleted means every record file was processed.
	StatusCompleted Status = "completed"
	// StatusError means the worker exited on a job-level failure.
	StatusError Status = "error"
)

// Progress is a point-in-time view of the enhancement job.
type Progress struct {
	RunID             string     `json:"run_id,omitempty"`
	Status            Status     `json:"status"`
	Total             int        `json:"total"`
	Processed         int        `json:"processed"`
	Enhanced          int        `json:"enhanced"`
	Failed            int        `json:"failed"`
	Skipped           int        `json:"skipped"`
	RepositoriesDone  int        `json:"repositories_done"`
	CurrentFile       string     `json:"current_file,omitempty"`
	CurrentRepository string     `json:"current_repository,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// Active reports whether a worker is alive.
func (p Progress) Active() bool {
	return p.Status == StatusRunning || p.Status == StatusStopping
}

// RepositoryResolver attributes the pending records of one repository in place.
type RepositoryResolver interface {
	ResolveRepository(ctx context.Context, kind records.Kind, repo *records.Repository, sink attribution.ProgressSink) attribution.Report
}

// OrchestratorConfig tunes the job.
type OrchestratorConfig struct {
	RepositoryPause time.Duration
}

// Orchestrator runs at most one background enhancement job at a time.
type Orchestrator struct {
	store    store.RecordStore
	resolver RepositoryResolver
	cfg      OrchestratorConfig
	logger   *zap.Logger

	// writeMu serializes job starts with exclusive file rewrites.
	writeMu sync.Mutex

	mu       sync.Mutex
	progress Progress
	cancel   context.CancelFunc
	done     chan struct{}
	runLog   *zap.Logger
	entropy  io.Reader

	// Sleep is injected for testability.
	Sleep func(time.Duration)
	// Now is injected for testability.
	Now func() time.Time
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(
	recordStore store.RecordStore,
	resolver RepositoryResolver,
	cfg OrchestratorConfig,
	logger ...*zap.Logger,
) *Orchestrator {
	resolvedLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolvedLogger = logger[0]
	}
	return &Orchestrator{
		store:    recordStore,
		resolver: resolver,
		cfg:      cfg,
		logger:   resolvedLogger,
		progress: Progress{Status: StatusIdle},
		runLog:   resolvedLogger,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		Sleep:    time.Sleep,
		Now:      time.Now,
	}
}

// Start launches the background worker. The job outlives ctx; use Stop to end it.
func (o *Orchestrator) Start(ctx context.Context) error {
	total := o.pendingTotal(ctx)

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progress.Active() {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	startedAt := o.Now()
	runID := ulid.MustNew(ulid.Timestamp(startedAt), o.entropy).String()
	o.progress = Progress{
		RunID:     runID,
		Status:    StatusRunning,
		Total:     total,
		StartedAt: &startedAt,
	}
	o.cancel = cancel
	o.done = make(chan struct{})
	o.runLog = o.logger.With(zap.String("run_id", runID))

	go o.run(runCtx, o.done)
	o.runLog.Info("enhancement job started", zap.Int("pending", total))
	return nil
}

// Stop asks the worker to exit at its next batch or repository boundary.
// Callers poll Progress until the status leaves stopping.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.progress.Status != StatusRunning {
		return ErrNotRunning
	}
	o.progress.Status = StatusStopping
	o.cancel()
	o.runLog.Info("enhancement job stop requested")
	return nil
}

// Progress returns a copy of the job state.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := o.progress
	if snapshot.StartedAt != nil {
		startedAt := *snapshot.StartedAt
		snapshot.StartedAt = &startedAt
	}
	if snapshot.FinishedAt != nil {
		finishedAt := *snapshot.FinishedAt
		snapshot.FinishedAt = &finishedAt
	}
	return snapshot
}

// Running reports whether a worker is alive.
func (o *Orchestrator) Running() bool {
	return o.Progress().Active()
}

// Wait blocks until the current worker exits or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exclusive runs fn while no job can be started. It fails with ErrAlreadyRunning
// when a job is active, so record files have a single writer.
func (o *Orchestrator) Exclusive(fn func() error) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if o.Running() {
		return ErrAlreadyRunning
	}
	return fn()
}

func (o *Orchestrator) run(ctx context.Context, done chan struct{}) {
	var runErr error
	defer func() {
		if recovered := recover(); recovered != nil {
			runErr = fmt.Errorf("enhancement worker panic: %v", recovered)
		}
		o.finish(ctx, runErr)
		close(done)
	}()
	runErr = o.process(ctx)
}

func (o *Orchestrator) process(ctx context.Context) error {
	ioCtx := context.WithoutCancel(ctx)
	o.mu.Lock()
	runLog := o.runLog
	o.mu.Unlock()
	for _, kind := range records.Kinds {
		if ctx.Err() != nil {
			return nil
		}

		logger := runLog.With(zap.String("kind", string(kind)))
		file, err := o.store.Load(ioCtx, kind)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("record file missing, skipping")
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s records: %w", kind, err)
		}
		if file.IsPlaceholder() {
			logger.Warn("record file holds placeholder data, skipping")
			continue
		}

		o.update(func(p *Progress) { p.CurrentFile = string(kind) })
		previousWorked := false
		for _, repo := range file.Repositories {
			if len(repo.Pending()) == 0 {
				continue
			}
			if previousWorked && o.cfg.RepositoryPause > 0 {
				o.Sleep(o.cfg.RepositoryPause)
			}
			if ctx.Err() != nil {
				logger.Info("enhancement job stopping at repository boundary", zap.String("repository", repo.Name))
				return nil
			}

			o.update(func(p *Progress) { p.CurrentRepository = repo.Name })
			report := o.resolver.ResolveRepository(ctx, kind, repo, o.observe)
			if err := o.store.Save(ioCtx, kind, file); err != nil {
				return fmt.Errorf("save %s records after %s: %w", kind, repo.Name, err)
			}
			o.update(func(p *Progress) { p.RepositoriesDone++ })
			previousWorked = true

			logger.Info("repository enhanced",
				zap.String("repository", repo.Name),
				zap.Int("enhanced", report.Enhanced()),
				zap.Int("failed", report.Failed),
				zap.Int("skipped", report.Skipped),
			)
			if report.Canceled {
				return nil
			}
		}
		o.update(func(p *Progress) { p.CurrentRepository = "" })
	}
	return nil
}

// observe counts one per-record outcome. The lock covers the increment only.
func (o *Orchestrator) observe(event attribution.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress.Processed++
	switch event.Status {
	case attribution.StatusResolved:
		o.progress.Enhanced++
	case attribution.StatusFailed:
		o.progress.Failed++
	case attribution.StatusSkipped:
		o.progress.Skipped++
	}
}

func (o *Orchestrator) update(fn func(p *Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.progress)
}

func (o *Orchestrator) finish(ctx context.Context, runErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	finishedAt := o.Now()
	o.progress.FinishedAt = &finishedAt
	o.progress.CurrentRepository = ""
	switch {
	case runErr != nil:
		o.progress.Status = StatusError
		o.progress.Error = runErr.Error()
		o.runLog.Error("enhancement job failed", zap.Error(runErr))
	case ctx.Err() != nil || o.progress.Status == StatusStopping:
		o.progress.Status = StatusStopped
		o.runLog.Info("enhancement job stopped",
			zap.Int("processed", o.progress.Processed),
			zap.Int("enhanced", o.progress.Enhanced),
		)
	default:
		o.progress.Status = StatusCompleted
		o.progress.CurrentFile = ""
		o.runLog.Info("enhancement job completed",
			zap.Int("processed", o.progress.Processed),
			zap.Int("enhanced", o.progress.Enhanced),
			zap.Int("failed", o.progress.Failed),
		)
	}
	if o.cancel != nil {
		o.cancel()
	}
}

// pendingTotal counts records needing attribution across both files, for display only.
func (o *Orchestrator) pendingTotal(ctx context.Context) int {
	total := 0
	for _, kind := range records.Kinds {
		file, err := o.store.Load(ctx, kind)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("could not count pending records", zap.String("kind", string(kind)), zap.Error(err))
			}
			continue
		}
		if file.IsPlaceholder() {
			continue
		}
		total += file.PendingCount()
	}
	return total
}
