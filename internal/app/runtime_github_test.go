package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/pr-insights/internal/config"
	"github.com/cam3ron2/pr-insights/internal/enhance"
	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/cam3ron2/pr-insights/internal/store"
	"github.com/spf13/afero"
)

type fakeGitHubAPI struct {
	mu        sync.Mutex
	server    *httptest.Server
	bulk      map[string]map[int]string
	bulkFail  map[string]bool
	mergedBy  map[string]string
	closers   map[string]string
	callCount map[string]int
	authSeen  map[string]bool
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := &fakeGitHubAPI{
		bulk:      make(map[string]map[int]string),
		bulkFail:  make(map[string]bool),
		mergedBy:  make(map[string]string),
		closers:   make(map[string]string),
		callCount: make(map[string]int),
		authSeen:  make(map[string]bool),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func recordKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func (f *fakeGitHubAPI) PathCallCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[path]
}

func (f *fakeGitHubAPI) SawAuthorization(value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authSeen[value]
}

func (f *fakeGitHubAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.callCount[r.URL.Path]++
	f.authSeen[r.Header.Get("Authorization")] = true
	f.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == "/graphql" {
		f.handleGraphQL(w, r)
		return
	}

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) < 5 || segments[0] != "repos" {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	repo := segments[1] + "/" + segments[2]
	number, err := strconv.Atoi(segments[4])
	if err != nil {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	key := recordKey(repo, number)

	f.mu.Lock()
	mergedBy, merged := f.mergedBy[key]
	closer, closed := f.closers[key]
	f.mu.Unlock()

	switch {
	case segments[3] == "pulls" && len(segments) == 5:
		if !merged && !closed {
			f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		payload := map[string]any{"number": number}
		if merged {
			payload["merged_by"] = map[string]string{"login": mergedBy}
		}
		f.writeJSON(w, http.StatusOK, payload)
	case segments[3] == "issues" && len(segments) == 6 && (segments[5] == "timeline" || segments[5] == "events"):
		if !closed {
			f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		f.writeJSON(w, http.StatusOK, []map[string]any{
			{"event": "labeled", "actor": map[string]string{"login": "triage-bot"}},
			{"event": "closed", "actor": map[string]string{"login": closer}},
		})
	default:
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (f *fakeGitHubAPI) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Variables struct {
			Owner string `json:"owner"`
			Name  string `json:"name"`
		} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		f.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	repo := request.Variables.Owner + "/" + request.Variables.Name

	f.mu.Lock()
	failing := f.bulkFail[repo]
	actors := f.bulk[repo]
	f.mu.Unlock()

	if failing {
		f.writeJSON(w, http.StatusOK, map[string]any{
			"data":   map[string]any{"repository": nil},
			"errors": []map[string]string{{"message": "Something went wrong while executing your query."}},
		})
		return
	}

	nodes := make([]map[string]any, 0, len(actors))
	for number, login := range actors {
		nodes = append(nodes, map[string]any{
			"number": number,
			"state":  "MERGED",
			"timelineItems": map[string]any{
				"nodes": []map[string]any{{"actor": map[string]string{"login": login}}},
			},
		})
	}
	f.writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"repository": map[string]any{
				"pullRequests": map[string]any{
					"pageInfo": map[string]any{"hasNextPage": false, "endCursor": ""},
					"nodes":    nodes,
				},
			},
		},
	})
}

func (f *fakeGitHubAPI) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", "4999")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func pendingRecord(repo string, number int, author, at string) *records.Record {
	return &records.Record{
		Number:    number,
		UserLogin: author,
		MergedAt:  stringPtr(at),
		HTMLURL:   fmt.Sprintf("https://github.com/%s/pull/%d", repo, number),
	}
}

func TestRuntimeAgainstGitHubFixture(t *testing.T) {
	fixture := newFakeGitHubAPI(t)
	fixture.bulk["org/bulk"] = map[int]string{1: "alice", 2: "bob"}
	fixture.bulkFail["org/flaky"] = true
	fixture.mergedBy[recordKey("org/flaky", 3)] = "alice"
	fixture.mergedBy[recordKey("org/flaky", 4)] = "carol"
	fixture.closers[recordKey("org/gone", 7)] = "dave"

	dataDir := t.TempDir()
	seed := store.NewFileStore(afero.NewOsFs(), store.FileStoreConfig{Dir: dataDir})
	merged := &records.RecordFile{
		Timestamp: "2024-06-01T00:00:00Z",
		Repositories: []*records.Repository{
			{Name: "org/bulk", Records: []*records.Record{
				pendingRecord("org/bulk", 1, "erin", "2024-05-01T09:00:00Z"),
				pendingRecord("org/bulk", 2, "erin", "2024-05-02T09:00:00Z"),
			}},
			{Name: "org/flaky", Records: []*records.Record{
				pendingRecord("org/flaky", 3, "erin", "2024-05-03T09:00:00Z"),
				pendingRecord("org/flaky", 4, "erin", "2024-05-04T09:00:00Z"),
			}},
		},
	}
	closed := &records.RecordFile{
		Timestamp: "2024-06-01T00:00:00Z",
		Repositories: []*records.Repository{
			{Name: "org/gone", Records: []*records.Record{
				{Number: 7, UserLogin: "frank", ClosedAt: stringPtr("2024-05-05T09:00:00Z"), HTMLURL: "https://github.com/org/gone/pull/7"},
				{Number: 8, UserLogin: "frank", ClosedAt: stringPtr("2024-05-06T09:00:00Z"), HTMLURL: "https://github.com/org/gone/pull/8"},
			}},
		},
	}
	for kind, file := range map[records.Kind]*records.RecordFile{records.KindMerged: merged, records.KindClosed: closed} {
		if err := seed.Save(context.Background(), kind, file); err != nil {
			t.Fatalf("Save(%s) unexpected error: %v", kind, err)
		}
	}

	t.Setenv("PR_INSIGHTS_FIXTURE_TOKEN", "ghp_fixture")
	cfg, err := config.Load(strings.NewReader(fmt.Sprintf(`
github:
  api_base_url: %q
  token_env: "PR_INSIGHTS_FIXTURE_TOKEN"
  rate_limit_delay: "1ms"
retry:
  max_attempts: 1
enhancement:
  bulk_threshold: 1
  batch_pause: "1ms"
  repository_pause: "1ms"
store:
  data_dir: %q
identity:
  github_id: "alice"
`, fixture.server.URL+"/", dataDir)))
	if err != nil {
		t.Fatalf("config.Load() unexpected error: %v", err)
	}

	runtime, err := NewRuntimeFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewRuntimeFromConfig() unexpected error: %v", err)
	}
	handler := runtime.Handler()

	if rec := serve(t, handler, http.MethodPost, "/api/enhancement/start"); rec.Code != http.StatusAccepted {
		t.Fatalf("start code = %d, want 202 (body %q)", rec.Code, rec.Body.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runtime.Orchestrator().Wait(ctx); err != nil {
		t.Fatalf("Wait() unexpected error: %v", err)
	}

	progress := runtime.Orchestrator().Progress()
	if progress.Status != enhance.StatusCompleted {
		t.Fatalf("progress.Status = %q, want completed (error %q)", progress.Status, progress.Error)
	}
	if progress.Enhanced != 5 || progress.Failed != 1 || progress.RepositoriesDone != 3 {
		t.Fatalf("progress = %+v, want 5 enhanced, 1 failed, 3 repositories", progress)
	}

	if got := fixture.PathCallCount("/repos/org/bulk/pulls/1"); got != 0 {
		t.Fatalf("bulk-resolved record detail calls = %d, want 0", got)
	}
	if got := fixture.PathCallCount("/repos/org/flaky/pulls/3"); got != 1 {
		t.Fatalf("fallback record detail calls = %d, want 1", got)
	}
	if got := fixture.PathCallCount("/repos/org/gone/issues/8/events"); got != 1 {
		t.Fatalf("last fallback endpoint calls = %d, want 1", got)
	}
	if !fixture.SawAuthorization("Bearer ghp_fixture") {
		t.Fatalf("fixture never saw the configured token")
	}

	reloaded, err := seed.Load(context.Background(), records.KindClosed)
	if err != nil {
		t.Fatalf("Load(closed) unexpected error: %v", err)
	}
	if actor := reloaded.Find("org/gone", 7).CloseActor; actor.Login() != "dave" {
		t.Fatalf("org/gone#7 close actor = %q, want dave", actor.Login())
	}
	if actor := reloaded.Find("org/gone", 8).CloseActor; !actor.IsNull() {
		t.Fatalf("org/gone#8 close actor state = %v, want null", actor.State())
	}

	rec := serve(t, handler, http.MethodGet, "/api/stats/team")
	if rec.Code != http.StatusOK {
		t.Fatalf("team code = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"leaderboard":[{"actor":"alice","count":2`) {
		t.Fatalf("team body = %s, want alice leading with 2", rec.Body.String())
	}

	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() unexpected error: %v", err)
	}
}
