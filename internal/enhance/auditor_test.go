package enhance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/cam3ron2/pr-insights/internal/store"
	"github.com/spf13/afero"
)

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func auditFiles() map[records.Kind]*records.RecordFile {
	return map[records.Kind]*records.RecordFile{
		records.KindMerged: {
			Timestamp: "2024-06-01T00:00:00Z",
			Repositories: []*records.Repository{
				{Name: "org/a", Records: []*records.Record{
					{Number: 1, Title: "one", CloseActor: records.ResolvedActor("alice")},
					{Number: 2, Title: "two", CloseActor: records.NullActor()},
					{Number: 3, Title: "three"},
				}},
			},
		},
		records.KindClosed: {
			Timestamp: "2024-06-01T00:00:00Z",
			Repositories: []*records.Repository{
				{Name: "org/b", Records: []*records.Record{{Number: 4, CloseActor: records.ResolvedActor("bob")}}},
			},
		},
	}
}

type fakeGuard struct {
	err   error
	calls int
}

func (g *fakeGuard) Exclusive(fn func() error) error {
	g.calls++
	if g.err != nil {
		return g.err
	}
	return fn()
}

func TestCheckExistingDataStatus(t *testing.T) {
	t.Parallel()

	auditor := NewAuditor(newMemStore(t, auditFiles()), nil, nil)
	status, err := auditor.CheckExistingDataStatus(context.Background())
	if err != nil {
		t.Fatalf("CheckExistingDataStatus() unexpected error: %v", err)
	}

	if status.TotalPRs != 4 || status.EnhancedPRs != 2 {
		t.Fatalf("totals = (%d, %d), want (4, 2)", status.TotalPRs, status.EnhancedPRs)
	}
	if status.CoveragePercentage != 50.0 || status.IsEnhanced {
		t.Fatalf("coverage = %v enhanced = %t, want 50 and false", status.CoveragePercentage, status.IsEnhanced)
	}
	if status.FilesMissing || len(status.MissingFiles) != 0 {
		t.Fatalf("missing = %t %v, want none", status.FilesMissing, status.MissingFiles)
	}
	if len(status.Files) != 2 || status.Files[1].CoveragePercentage != 100 {
		t.Fatalf("files = %+v", status.Files)
	}
}

func TestCheckExistingDataStatusMissingAndEnhanced(t *testing.T) {
	t.Parallel()

	files := auditFiles()
	delete(files, records.KindMerged)
	auditor := NewAuditor(newMemStore(t, files), nil, map[records.Kind]string{records.KindMerged: "merged.json"})

	status, err := auditor.CheckExistingDataStatus(context.Background())
	if err != nil {
		t.Fatalf("CheckExistingDataStatus() unexpected error: %v", err)
	}
	if !status.FilesMissing || len(status.MissingFiles) != 1 || status.MissingFiles[0] != "merged.json" {
		t.Fatalf("missing = %t %v, want [merged.json]", status.FilesMissing, status.MissingFiles)
	}
	if !status.Files[0].Missing || status.Files[0].TotalPRs != 0 || status.Files[0].CoveragePercentage != 0 {
		t.Fatalf("missing file status = %+v", status.Files[0])
	}
	if !status.IsEnhanced || status.CoveragePercentage != 100 {
		t.Fatalf("coverage = %v enhanced = %t, want 100 and true", status.CoveragePercentage, status.IsEnhanced)
	}
}

type existenceStore struct {
	*store.FileStore
	existsErr error
	loads     map[records.Kind]int
}

func (s *existenceStore) Exists(ctx context.Context, kind records.Kind) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.FileStore.Exists(ctx, kind)
}

func (s *existenceStore) Load(ctx context.Context, kind records.Kind) (*records.RecordFile, error) {
	s.loads[kind]++
	return s.FileStore.Load(ctx, kind)
}

func TestCheckExistingDataStatusChecksExistence(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		existsErr error
		wantErr   bool
		wantLoads map[records.Kind]int
	}{
		{
			name:      "missing_file_is_not_loaded",
			wantLoads: map[records.Kind]int{records.KindClosed: 1},
		},
		{
			name:      "existence_failure",
			existsErr: errors.New("redis: connection refused"),
			wantErr:   true,
			wantLoads: map[records.Kind]int{},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			files := auditFiles()
			delete(files, records.KindMerged)
			recordStore := &existenceStore{
				FileStore: newMemStore(t, files),
				existsErr: tc.existsErr,
				loads:     map[records.Kind]int{},
			}
			status, err := NewAuditor(recordStore, nil, nil).CheckExistingDataStatus(context.Background())
			if tc.wantErr {
				if err == nil || !contains(err.Error(), "connection refused") {
					t.Fatalf("CheckExistingDataStatus() error = %v, want existence failure", err)
				}
			} else {
				if err != nil {
					t.Fatalf("CheckExistingDataStatus() unexpected error: %v", err)
				}
				if !status.Files[0].Missing || status.TotalPRs != 1 {
					t.Fatalf("status = %+v, want merged missing and one closed record", status)
				}
			}
			if len(recordStore.loads) != len(tc.wantLoads) {
				t.Fatalf("loads = %v, want %v", recordStore.loads, tc.wantLoads)
			}
			for kind, want := range tc.wantLoads {
				if recordStore.loads[kind] != want {
					t.Fatalf("loads = %v, want %v", recordStore.loads, tc.wantLoads)
				}
			}
		})
	}
}

func TestCheckExistingDataStatusCorruptFile(t *testing.T) {
	t.Parallel()

	memFS := afero.NewMemMapFs()
	if err := memFS.MkdirAll("data", 0o755); err != nil {
		t.Fatalf("MkdirAll() unexpected error: %v", err)
	}
	if err := afero.WriteFile(memFS, "data/closed_prs.json", []byte(`{"data": {`), 0o644); err != nil {
		t.Fatalf("WriteFile() unexpected error: %v", err)
	}
	auditor := NewAuditor(store.NewFileStore(memFS, store.FileStoreConfig{Dir: "data"}), nil, nil)

	if _, err := auditor.CheckExistingDataStatus(context.Background()); !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("CheckExistingDataStatus() error = %v, want ErrCorrupt", err)
	}
}

func TestRetryFailed(t *testing.T) {
	t.Parallel()

	recordStore := newMemStore(t, auditFiles())
	guard := &fakeGuard{}
	auditor := NewAuditor(recordStore, guard, nil)

	count, err := auditor.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("RetryFailed() unexpected error: %v", err)
	}
	if count != 1 || guard.calls != 1 {
		t.Fatalf("RetryFailed() = %d (guard calls %d), want 1", count, guard.calls)
	}

	merged, err := recordStore.Load(context.Background(), records.KindMerged)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if got := merged.Find("org/a", 1).CloseActor.Login(); got != "alice" {
		t.Fatalf("record 1 actor = %q, want alice", got)
	}
	if !merged.Find("org/a", 2).CloseActor.IsAbsent() {
		t.Fatalf("record 2 state = %v, want absent", merged.Find("org/a", 2).CloseActor.State())
	}
	if !merged.Find("org/a", 3).CloseActor.IsAbsent() {
		t.Fatalf("record 3 state = %v, want absent", merged.Find("org/a", 3).CloseActor.State())
	}

	again, err := auditor.RetryFailed(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("second RetryFailed() = (%d, %v), want (0, nil)", again, err)
	}
}

func TestRetryFailedRejectedWhileRunning(t *testing.T) {
	t.Parallel()

	recordStore := newMemStore(t, auditFiles())
	auditor := NewAuditor(recordStore, &fakeGuard{err: ErrAlreadyRunning}, nil)

	if _, err := auditor.RetryFailed(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("RetryFailed() error = %v, want ErrAlreadyRunning", err)
	}
	merged, err := recordStore.Load(context.Background(), records.KindMerged)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if !merged.Find("org/a", 2).CloseActor.IsNull() {
		t.Fatalf("record changed although the guard refused")
	}
}

func TestMissingAttribution(t *testing.T) {
	t.Parallel()

	auditor := NewAuditor(newMemStore(t, auditFiles()), nil, nil)
	report, err := auditor.MissingAttribution(context.Background())
	if err != nil {
		t.Fatalf("MissingAttribution() unexpected error: %v", err)
	}

	if len(report.Records) != 2 || report.NotFound != 1 || report.NeverTried != 1 {
		t.Fatalf("report = %+v, want one null and one absent record", report)
	}
	if report.Records[0].Number != 2 || report.Records[0].State != "null" || report.Records[0].Title != "two" {
		t.Fatalf("first missing record = %+v", report.Records[0])
	}
	if report.Records[1].Number != 3 || report.Records[1].State != "absent" || report.Records[1].File != records.KindMerged {
		t.Fatalf("second missing record = %+v", report.Records[1])
	}
}

func TestManualSetAttribution(t *testing.T) {
	t.Parallel()

	recordStore := newMemStore(t, auditFiles())
	auditor := NewAuditor(recordStore, &fakeGuard{}, nil)

	result, err := auditor.ManualSetAttribution(context.Background(), []ManualUpdate{
		{Repository: "org/a", Number: 2, Actor: " carol ", File: "merged"},
		{Repository: "org/b", Number: 4, Actor: "dave", File: "closed_prs.json"},
		{Repository: "org/a", Number: 3, Actor: "", File: "merged"},
		{Repository: "org/a", Number: 99, Actor: "erin", File: "merged"},
		{Repository: "org/a", Number: 3, Actor: "frank", File: "open"},
		{Repository: "", Number: 3, Actor: "gina", File: "merged"},
	})
	if err != nil {
		t.Fatalf("ManualSetAttribution() unexpected error: %v", err)
	}

	if result.Updated != 2 || result.Failed != 4 || len(result.Errors) != 4 {
		t.Fatalf("result = %+v, want 2 updated and 4 failed", result)
	}
	if !contains(result.Errors[1], "record not found") {
		t.Fatalf("errors = %v", result.Errors)
	}

	merged, err := recordStore.Load(context.Background(), records.KindMerged)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if got := merged.Find("org/a", 2).CloseActor.Login(); got != "carol" {
		t.Fatalf("record 2 actor = %q, want carol", got)
	}
	if !merged.Find("org/a", 3).CloseActor.IsAbsent() {
		t.Fatalf("invalid update mutated record 3")
	}
	closed, err := recordStore.Load(context.Background(), records.KindClosed)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if got := closed.Find("org/b", 4).CloseActor.Login(); got != "dave" {
		t.Fatalf("record 4 actor = %q, want dave", got)
	}
}

func TestAuditorWithOrchestratorGuard(t *testing.T) {
	t.Parallel()

	recordStore := newMemStore(t, auditFiles())
	orchestrator := newTestOrchestrator(recordStore, &fakeResolver{})
	auditor := NewAuditor(recordStore, orchestrator, nil)

	count, err := auditor.RetryFailed(context.Background())
	if err != nil || count != 1 {
		t.Fatalf("RetryFailed() = (%d, %v), want (1, nil)", count, err)
	}
}
