package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cam3ron2/pr-insights/internal/enhance"
	"github.com/cam3ron2/pr-insights/internal/stats"
	"github.com/cam3ron2/pr-insights/internal/store"
)

type fakeJob struct {
	startErr error
	stopErr  error
	progress enhance.Progress
	started  int
}

func (f *fakeJob) Start(_ context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	f.progress.Status = enhance.StatusRunning
	return nil
}

func (f *fakeJob) Stop() error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.progress.Status = enhance.StatusStopping
	return nil
}

func (f *fakeJob) Progress() enhance.Progress {
	return f.progress
}

type fakeAuditor struct {
	status  enhance.DataStatus
	reset   int
	missing enhance.MissingReport
	err     error
	updates []enhance.ManualUpdate
}

func (f *fakeAuditor) CheckExistingDataStatus(_ context.Context) (enhance.DataStatus, error) {
	return f.status, f.err
}

func (f *fakeAuditor) RetryFailed(_ context.Context) (int, error) {
	return f.reset, f.err
}

func (f *fakeAuditor) MissingAttribution(_ context.Context) (enhance.MissingReport, error) {
	return f.missing, f.err
}

func (f *fakeAuditor) ManualSetAttribution(_ context.Context, updates []enhance.ManualUpdate) (enhance.ManualResult, error) {
	f.updates = updates
	if f.err != nil {
		return enhance.ManualResult{}, f.err
	}
	return enhance.ManualResult{Updated: len(updates), Errors: []string{}}, nil
}

type fakeStats struct {
	err       error
	lastRange stats.DateRange
	lastBots  bool
	calls     []string
}

func (f *fakeStats) Personal(_ context.Context, dateRange stats.DateRange, botOnly bool) (stats.PersonalStats, error) {
	f.record("personal", dateRange, botOnly)
	return stats.PersonalStats{BotOnly: botOnly}, f.err
}

func (f *fakeStats) Team(_ context.Context, dateRange stats.DateRange, botOnly bool) (stats.TeamStats, error) {
	f.record("team", dateRange, botOnly)
	return stats.TeamStats{BotOnly: botOnly}, f.err
}

func (f *fakeStats) Repositories(_ context.Context, dateRange stats.DateRange, botOnly bool) (stats.RepositoryBreakdown, error) {
	f.record("repositories", dateRange, botOnly)
	return stats.RepositoryBreakdown{BotOnly: botOnly}, f.err
}

func (f *fakeStats) record(view string, dateRange stats.DateRange, botOnly bool) {
	f.calls = append(f.calls, view)
	f.lastRange = dateRange
	f.lastBots = botOnly
}

func serveAPI(api *API, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var payload errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("error body %q is not json: %v", rec.Body.String(), err)
	}
	return payload.Error
}

func TestAPIEnhancementRoutes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		job        *fakeJob
		auditor    *fakeAuditor
		method     string
		path       string
		body       string
		wantCode   int
		wantInBody string
	}{
		{
			name:       "start_accepted",
			job:        &fakeJob{progress: enhance.Progress{Status: enhance.StatusIdle}},
			method:     http.MethodPost,
			path:       "/enhancement/start",
			wantCode:   http.StatusAccepted,
			wantInBody: `"status":"started"`,
		},
		{
			name:       "start_while_running_conflicts",
			job:        &fakeJob{startErr: enhance.ErrAlreadyRunning},
			method:     http.MethodPost,
			path:       "/enhancement/start",
			wantCode:   http.StatusConflict,
			wantInBody: "already running",
		},
		{
			name:       "stop_running_job",
			job:        &fakeJob{progress: enhance.Progress{Status: enhance.StatusRunning}},
			method:     http.MethodPost,
			path:       "/enhancement/stop",
			wantCode:   http.StatusOK,
			wantInBody: `"status":"stopping"`,
		},
		{
			name:       "stop_idle_conflicts",
			job:        &fakeJob{stopErr: enhance.ErrNotRunning},
			method:     http.MethodPost,
			path:       "/enhancement/stop",
			wantCode:   http.StatusConflict,
			wantInBody: "not running",
		},
		{
			name:       "progress",
			job:        &fakeJob{progress: enhance.Progress{Status: enhance.StatusCompleted, Total: 7, Enhanced: 5}},
			method:     http.MethodGet,
			path:       "/enhancement/progress",
			wantCode:   http.StatusOK,
			wantInBody: `"enhanced":5`,
		},
		{
			name:       "status",
			auditor:    &fakeAuditor{status: enhance.DataStatus{TotalPRs: 10, EnhancedPRs: 10, CoveragePercentage: 100, IsEnhanced: true}},
			method:     http.MethodGet,
			path:       "/enhancement/status",
			wantCode:   http.StatusOK,
			wantInBody: `"is_enhanced":true`,
		},
		{
			name:       "status_corrupt_file_is_transient",
			auditor:    &fakeAuditor{err: fmt.Errorf("load merged records: %w", store.ErrCorrupt)},
			method:     http.MethodGet,
			path:       "/enhancement/status",
			wantCode:   http.StatusServiceUnavailable,
			wantInBody: "not parsable",
		},
		{
			name:       "retry_failed",
			auditor:    &fakeAuditor{reset: 3},
			method:     http.MethodPost,
			path:       "/enhancement/retry-failed",
			wantCode:   http.StatusOK,
			wantInBody: `"reset":3`,
		},
		{
			name:       "retry_failed_while_running_conflicts",
			auditor:    &fakeAuditor{err: enhance.ErrAlreadyRunning},
			method:     http.MethodPost,
			path:       "/enhancement/retry-failed",
			wantCode:   http.StatusConflict,
			wantInBody: "already running",
		},
		{
			name:       "missing",
			auditor:    &fakeAuditor{missing: enhance.MissingReport{NeverTried: 2, Records: []enhance.MissingRecord{}, MissingFiles: []string{}}},
			method:     http.MethodGet,
			path:       "/enhancement/missing",
			wantCode:   http.StatusOK,
			wantInBody: `"never_attempted":2`,
		},
		{
			name:       "missing_unexpected_failure",
			auditor:    &fakeAuditor{err: errors.New("redis: connection refused")},
			method:     http.MethodGet,
			path:       "/enhancement/missing",
			wantCode:   http.StatusInternalServerError,
			wantInBody: "connection refused",
		},
		{
			name:       "manual_attribution",
			auditor:    &fakeAuditor{},
			method:     http.MethodPost,
			path:       "/enhancement/attributions",
			body:       `{"updates":[{"repository":"org/x","record_number":4,"actor":"alice","file":"merged"}]}`,
			wantCode:   http.StatusOK,
			wantInBody: `"updated":1`,
		},
		{
			name:       "manual_attribution_malformed_body",
			auditor:    &fakeAuditor{},
			method:     http.MethodPost,
			path:       "/enhancement/attributions",
			body:       `{"updates":`,
			wantCode:   http.StatusBadRequest,
			wantInBody: "decode request",
		},
		{
			name:       "manual_attribution_unknown_field",
			auditor:    &fakeAuditor{},
			method:     http.MethodPost,
			path:       "/enhancement/attributions",
			body:       `{"changes":[]}`,
			wantCode:   http.StatusBadRequest,
			wantInBody: "decode request",
		},
		{
			name:       "manual_attribution_empty_updates",
			auditor:    &fakeAuditor{},
			method:     http.MethodPost,
			path:       "/enhancement/attributions",
			body:       `{"updates":[]}`,
			wantCode:   http.StatusBadRequest,
			wantInBody: "must not be empty",
		},
		{
			name:       "start_wrong_method",
			job:        &fakeJob{},
			method:     http.MethodGet,
			path:       "/enhancement/start",
			wantCode:   http.StatusMethodNotAllowed,
			wantInBody: "",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			job := tc.job
			if job == nil {
				job = &fakeJob{}
			}
			auditor := tc.auditor
			if auditor == nil {
				auditor = &fakeAuditor{}
			}
			api := NewAPI(job, auditor, &fakeStats{})
			rec := serveAPI(api, tc.method, tc.path, tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("%s %s code = %d, want %d (body %q)", tc.method, tc.path, rec.Code, tc.wantCode, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tc.wantInBody) {
				t.Fatalf("%s %s body = %q, missing %q", tc.method, tc.path, rec.Body.String(), tc.wantInBody)
			}
			if rec.Code >= http.StatusBadRequest && tc.wantInBody != "" {
				if got := decodeError(t, rec); got == "" {
					t.Fatalf("error payload is empty")
				}
			}
		})
	}
}

func TestAPIManualAttributionPassesUpdates(t *testing.T) {
	t.Parallel()

	auditor := &fakeAuditor{}
	api := NewAPI(&fakeJob{}, auditor, &fakeStats{})
	body := `{"updates":[
		{"repository":"org/x","record_number":4,"actor":"alice","file":"merged"},
		{"repository":"org/y","record_number":9,"actor":"bob","file":"closed_prs.json"}
	]}`
	rec := serveAPI(api, http.MethodPost, "/enhancement/attributions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}

	want := []enhance.ManualUpdate{
		{Repository: "org/x", Number: 4, Actor: "alice", File: "merged"},
		{Repository: "org/y", Number: 9, Actor: "bob", File: "closed_prs.json"},
	}
	if len(auditor.updates) != len(want) {
		t.Fatalf("ManualSetAttribution() updates = %+v, want %+v", auditor.updates, want)
	}
	for i := range want {
		if auditor.updates[i] != want[i] {
			t.Fatalf("ManualSetAttribution() updates[%d] = %+v, want %+v", i, auditor.updates[i], want[i])
		}
	}
}

func TestAPIStatsRoutes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		path      string
		statsErr  error
		wantCode  int
		wantView  string
		wantBots  bool
		wantRange stats.DateRange
	}{
		{
			name:     "personal",
			path:     "/stats/personal",
			wantCode: http.StatusOK,
			wantView: "personal",
		},
		{
			name:     "personal_bots",
			path:     "/stats/personal/bots",
			wantCode: http.StatusOK,
			wantView: "personal",
			wantBots: true,
		},
		{
			name:      "team_with_range",
			path:      "/stats/team?date_from=2024-01-01&date_to=2024-03-31",
			wantCode:  http.StatusOK,
			wantView:  "team",
			wantRange: stats.DateRange{From: "2024-01-01", To: "2024-03-31"},
		},
		{
			name:     "team_bots",
			path:     "/stats/team/bots",
			wantCode: http.StatusOK,
			wantView: "team",
			wantBots: true,
		},
		{
			name:      "repositories_open_start",
			path:      "/stats/repositories?date_to=2024-05-01",
			wantCode:  http.StatusOK,
			wantView:  "repositories",
			wantRange: stats.DateRange{To: "2024-05-01"},
		},
		{
			name:     "repositories_bots",
			path:     "/stats/repositories/bots",
			wantCode: http.StatusOK,
			wantView: "repositories",
			wantBots: true,
		},
		{
			name:     "malformed_date",
			path:     "/stats/team?date_from=2024/01/01",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "inverted_range",
			path:     "/stats/personal?date_from=2024-05-01&date_to=2024-04-01",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "no_identity",
			path:     "/stats/personal",
			statsErr: stats.ErrNoIdentity,
			wantCode: http.StatusBadRequest,
			wantView: "personal",
		},
		{
			name:     "corrupt_file",
			path:     "/stats/team",
			statsErr: fmt.Errorf("load closed records: %w", store.ErrCorrupt),
			wantCode: http.StatusServiceUnavailable,
			wantView: "team",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			provider := &fakeStats{err: tc.statsErr}
			api := NewAPI(&fakeJob{}, &fakeAuditor{}, provider)
			rec := serveAPI(api, http.MethodGet, tc.path, "")
			if rec.Code != tc.wantCode {
				t.Fatalf("GET %s code = %d, want %d (body %q)", tc.path, rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantView == "" {
				if len(provider.calls) != 0 {
					t.Fatalf("stats calls = %v, want none", provider.calls)
				}
				return
			}
			if len(provider.calls) != 1 || provider.calls[0] != tc.wantView {
				t.Fatalf("stats calls = %v, want [%s]", provider.calls, tc.wantView)
			}
			if provider.lastBots != tc.wantBots {
				t.Fatalf("botOnly = %t, want %t", provider.lastBots, tc.wantBots)
			}
			if provider.lastRange != tc.wantRange {
				t.Fatalf("date range = %+v, want %+v", provider.lastRange, tc.wantRange)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want int
	}{
		{name: "already_running", err: enhance.ErrAlreadyRunning, want: http.StatusConflict},
		{name: "wrapped_not_running", err: fmt.Errorf("stop: %w", enhance.ErrNotRunning), want: http.StatusConflict},
		{name: "corrupt", err: store.ErrCorrupt, want: http.StatusServiceUnavailable},
		{name: "invalid_range", err: stats.ErrInvalidRange, want: http.StatusBadRequest},
		{name: "no_identity", err: stats.ErrNoIdentity, want: http.StatusBadRequest},
		{name: "other", err: errors.New("disk full"), want: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := statusForError(tc.err); got != tc.want {
				t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
