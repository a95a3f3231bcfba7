package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cam3ron2/pr-insights/internal/enhance"
	"github.com/cam3ron2/pr-insights/internal/stats"
	"github.com/cam3ron2/pr-insights/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

// JobController starts and stops the background enhancement job.
type JobController interface {
	Start(ctx context.Context) error
	Stop() error
	Progress() enhance.Progress
}

// CoverageAuditor reports and edits attribution outside the job.
type CoverageAuditor interface {
	CheckExistingDataStatus(ctx context.Context) (enhance.DataStatus, error)
	RetryFailed(ctx context.Context) (int, error)
	MissingAttribution(ctx context.Context) (enhance.MissingReport, error)
	ManualSetAttribution(ctx context.Context, updates []enhance.ManualUpdate) (enhance.ManualResult, error)
}

// StatsProvider computes the statistics views.
type StatsProvider interface {
	Personal(ctx context.Context, dateRange stats.DateRange, botOnly bool) (stats.PersonalStats, error)
	Team(ctx context.Context, dateRange stats.DateRange, botOnly bool) (stats.TeamStats, error)
	Repositories(ctx context.Context, dateRange stats.DateRange, botOnly bool) (stats.RepositoryBreakdown, error)
}

// API serves the JSON control surface under /api.
type API struct {
	job     JobController
	auditor CoverageAuditor
	stats   StatsProvider
	logger  *zap.Logger
}

type startResponse struct {
	Status   string           `json:"status"`
	Progress enhance.Progress `json:"progress"`
}

type retryResponse struct {
	Reset int `json:"reset"`
}

type manualRequest struct {
	Updates []enhance.ManualUpdate `json:"updates"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewAPI creates the control surface.
func NewAPI(job JobController, auditor CoverageAuditor, statsProvider StatsProvider, logger ...*zap.Logger) *API {
	resolvedLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolvedLogger = logger[0]
	}
	return &API{
		job:     job,
		auditor: auditor,
		stats:   statsProvider,
		logger:  resolvedLogger,
	}
}

// Routes returns the router mounted at /api.
func (a *API) Routes() http.Handler {
	router := chi.NewRouter()
	router.Route("/enhancement", func(r chi.Router) {
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Get("/progress", a.handleProgress)
		r.Get("/status", a.handleStatus)
		r.Post("/retry-failed", a.handleRetryFailed)
		r.Get("/missing", a.handleMissing)
		r.Post("/attributions", a.handleManualAttribution)
	})
	router.Route("/stats", func(r chi.Router) {
		r.Get("/personal", a.handlePersonal(false))
		r.Get("/personal/bots", a.handlePersonal(true))
		r.Get("/team", a.handleTeam(false))
		r.Get("/team/bots", a.handleTeam(true))
		r.Get("/repositories", a.handleRepositories(false))
		r.Get("/repositories/bots", a.handleRepositories(true))
	})
	return router
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.job.Start(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, startResponse{Status: "started", Progress: a.job.Progress()})
}

func (a *API) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.job.Stop(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, startResponse{Status: "stopping", Progress: a.job.Progress()})
}

func (a *API) handleProgress(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.job.Progress())
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.auditor.CheckExistingDataStatus(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, status)
}

func (a *API) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	reset, err := a.auditor.RetryFailed(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, retryResponse{Reset: reset})
}

func (a *API) handleMissing(w http.ResponseWriter, r *http.Request) {
	report, err := a.auditor.MissingAttribution(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

func (a *API) handleManualAttribution(w http.ResponseWriter, r *http.Request) {
	var request manualRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	if len(request.Updates) == 0 {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "updates must not be empty"})
		return
	}

	result, err := a.auditor.ManualSetAttribution(r.Context(), request.Updates)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) handlePersonal(botOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dateRange, ok := a.dateRange(w, r)
		if !ok {
			return
		}
		result, err := a.stats.Personal(r.Context(), dateRange, botOnly)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, result)
	}
}

func (a *API) handleTeam(botOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dateRange, ok := a.dateRange(w, r)
		if !ok {
			return
		}
		result, err := a.stats.Team(r.Context(), dateRange, botOnly)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, result)
	}
}

func (a *API) handleRepositories(botOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dateRange, ok := a.dateRange(w, r)
		if !ok {
			return
		}
		result, err := a.stats.Repositories(r.Context(), dateRange, botOnly)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, result)
	}
}

func (a *API) dateRange(w http.ResponseWriter, r *http.Request) (stats.DateRange, bool) {
	query := r.URL.Query()
	dateRange, err := stats.ParseDateRange(query.Get("date_from"), query.Get("date_to"))
	if err != nil {
		a.writeError(w, err)
		return stats.DateRange{}, false
	}
	return dateRange, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, enhance.ErrAlreadyRunning), errors.Is(err, enhance.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, store.ErrCorrupt):
		return http.StatusServiceUnavailable
	case errors.Is(err, stats.ErrInvalidRange), errors.Is(err, stats.ErrNoIdentity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		a.logger.Warn("api request failed", zap.Int("status", code), zap.Error(err))
	}
	a.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("marshal api response", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		if _, writeErr := w.Write([]byte(`{"error":"marshal response"}`)); writeErr != nil {
			return
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:gosec // API payloads are server-generated JSON.
	if _, err := w.Write(body); err != nil {
		return
	}
}
