package exporter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cam3ron2/pr-insights/internal/enhance"
)

func TestCachedCoverageReader(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		advance   []time.Duration
		wantCalls int
	}{
		{
			name:      "within_interval_reuses_status",
			advance:   []time.Duration{0, 10 * time.Second, 19 * time.Second},
			wantCalls: 1,
		},
		{
			name:      "refreshes_after_interval",
			advance:   []time.Duration{0, 30 * time.Second, 10 * time.Second},
			wantCalls: 2,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			now := time.Unix(1739836800, 0)
			source := &fakeCoverage{status: enhance.DataStatus{TotalPRs: 4, EnhancedPRs: 4}}
			cached := NewCachedCoverageReader(source, CacheConfig{
				RefreshInterval: 30 * time.Second,
				Now:             func() time.Time { return now },
			})
			for _, step := range tc.advance {
				now = now.Add(step)
				status, err := cached.CheckExistingDataStatus(context.Background())
				if err != nil {
					t.Fatalf("CheckExistingDataStatus() unexpected error: %v", err)
				}
				if status.TotalPRs != 4 {
					t.Fatalf("CheckExistingDataStatus().TotalPRs = %d, want 4", status.TotalPRs)
				}
			}
			if source.calls != tc.wantCalls {
				t.Fatalf("source calls = %d, want %d", source.calls, tc.wantCalls)
			}
		})
	}
}

func TestCachedCoverageReaderKeepsLastGoodStatus(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	source := &fakeCoverage{status: enhance.DataStatus{TotalPRs: 3}}
	cached := NewCachedCoverageReader(source, CacheConfig{
		RefreshInterval: time.Second,
		Now:             func() time.Time { return now },
	})
	if _, err := cached.CheckExistingDataStatus(context.Background()); err != nil {
		t.Fatalf("CheckExistingDataStatus() unexpected error: %v", err)
	}

	source.err = errors.New("redis: connection refused")
	source.status = enhance.DataStatus{}
	now = now.Add(2 * time.Second)
	status, err := cached.CheckExistingDataStatus(context.Background())
	if err == nil {
		t.Fatalf("CheckExistingDataStatus() error = nil, want failure")
	}
	if status.TotalPRs != 3 {
		t.Fatalf("CheckExistingDataStatus().TotalPRs = %d, want 3", status.TotalPRs)
	}
}

func TestNewCachedCoverageReaderDoesNotDoubleWrap(t *testing.T) {
	t.Parallel()

	cached := NewCachedCoverageReader(&fakeCoverage{}, CacheConfig{})
	if again := NewCachedCoverageReader(cached, CacheConfig{}); again != cached {
		t.Fatalf("NewCachedCoverageReader() rewrapped an already cached reader")
	}
}
