package exporter

import (
	"context"
	"net/http"
	"time"

	"github.com/cam3ron2/pr-insights/internal/enhance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const coverageTimeout = 10 * time.Second

// ProgressReader reads the enhancement job state.
type ProgressReader interface {
	Progress() enhance.Progress
}

// CoverageReader computes attribution coverage of the record files.
type CoverageReader interface {
	CheckExistingDataStatus(ctx context.Context) (enhance.DataStatus, error)
}

type refreshTimer interface {
	RefreshDuration() time.Duration
}

var jobStatuses = []enhance.Status{
	enhance.StatusIdle,
	enhance.StatusRunning,
	enhance.StatusStopping,
	enhance.StatusStopped,
	enhance.StatusCompleted,
	enhance.StatusError,
}

var (
	jobStatusDesc = prometheus.NewDesc(
		"pr_insights_enhancement_status",
		"Current enhancement job status, 1 for the active state.",
		[]string{"status"}, nil,
	)
	jobRecordsDesc = prometheus.NewDesc(
		"pr_insights_enhancement_records",
		"Record counters of the current or last enhancement job.",
		[]string{"counter"}, nil,
	)
	jobRepositoriesDesc = prometheus.NewDesc(
		"pr_insights_enhancement_repositories_done",
		"Repositories persisted by the current or last enhancement job.",
		nil, nil,
	)
	jobStartedDesc = prometheus.NewDesc(
		"pr_insights_enhancement_started_unixtime",
		"Start time of the current or last enhancement job.",
		nil, nil,
	)
	coverageUpDesc = prometheus.NewDesc(
		"pr_insights_coverage_up",
		"Whether the record files could be read for coverage.",
		nil, nil,
	)
	coverageRecordsDesc = prometheus.NewDesc(
		"pr_insights_coverage_records",
		"Records per file by attribution state.",
		[]string{"file", "state"}, nil,
	)
	coverageRatioDesc = prometheus.NewDesc(
		"pr_insights_coverage_percentage",
		"Attributed share of records per file, or combined.",
		[]string{"file"}, nil,
	)
	coverageFileMissingDesc = prometheus.NewDesc(
		"pr_insights_coverage_file_missing",
		"Whether a record file does not exist.",
		[]string{"file"}, nil,
	)
	coverageRefreshDesc = prometheus.NewDesc(
		"pr_insights_coverage_refresh_duration_seconds",
		"Duration of the last coverage refresh.",
		nil, nil,
	)
)

// NewOpenMetricsHandler returns a handler that renders job progress and coverage
// through the Prometheus OpenMetrics encoder.
func NewOpenMetricsHandler(progress ProgressReader, coverage CoverageReader) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&insightsCollector{progress: progress, coverage: coverage})

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type insightsCollector struct {
	progress ProgressReader
	coverage CoverageReader
}

func (c *insightsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobStatusDesc
	ch <- jobRecordsDesc
	ch <- jobRepositoriesDesc
	ch <- jobStartedDesc
	ch <- coverageUpDesc
	ch <- coverageRecordsDesc
	ch <- coverageRatioDesc
	ch <- coverageFileMissingDesc
	ch <- coverageRefreshDesc
}

func (c *insightsCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil {
		return
	}
	if c.progress != nil {
		collectProgress(ch, c.progress.Progress())
	}
	if c.coverage != nil {
		c.collectCoverage(ch)
	}
}

func collectProgress(ch chan<- prometheus.Metric, progress enhance.Progress) {
	for _, status := range jobStatuses {
		value := 0.0
		if progress.Status == status {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(jobStatusDesc, prometheus.GaugeValue, value, string(status))
	}

	counters := []struct {
		name  string
		value int
	}{
		{name: "total", value: progress.Total},
		{name: "processed", value: progress.Processed},
		{name: "enhanced", value: progress.Enhanced},
		{name: "failed", value: progress.Failed},
		{name: "skipped", value: progress.Skipped},
	}
	for _, counter := range counters {
		ch <- prometheus.MustNewConstMetric(jobRecordsDesc, prometheus.GaugeValue, float64(counter.value), counter.name)
	}
	ch <- prometheus.MustNewConstMetric(jobRepositoriesDesc, prometheus.GaugeValue, float64(progress.RepositoriesDone))
	if progress.StartedAt != nil {
		ch <- prometheus.MustNewConstMetric(jobStartedDesc, prometheus.GaugeValue, float64(progress.StartedAt.Unix()))
	}
}

func (c *insightsCollector) collectCoverage(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), coverageTimeout)
	defer cancel()

	status, err := c.coverage.CheckExistingDataStatus(ctx)
	if timer, ok := c.coverage.(refreshTimer); ok {
		ch <- prometheus.MustNewConstMetric(coverageRefreshDesc, prometheus.GaugeValue, timer.RefreshDuration().Seconds())
	}
	if err != nil {
		ch <- prometheus.MustNewConstMetric(coverageUpDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(coverageUpDesc, prometheus.GaugeValue, 1)

	for _, file := range status.Files {
		kind := string(file.Kind)
		missing := 0.0
		if file.Missing {
			missing = 1
		}
		ch <- prometheus.MustNewConstMetric(coverageFileMissingDesc, prometheus.GaugeValue, missing, kind)
		ch <- prometheus.MustNewConstMetric(coverageRecordsDesc, prometheus.GaugeValue, float64(file.EnhancedPRs), kind, "attributed")
		ch <- prometheus.MustNewConstMetric(coverageRecordsDesc, prometheus.GaugeValue, float64(file.TotalPRs-file.EnhancedPRs), kind, "unattributed")
		ch <- prometheus.MustNewConstMetric(coverageRatioDesc, prometheus.GaugeValue, file.CoveragePercentage, kind)
	}
	ch <- prometheus.MustNewConstMetric(coverageRatioDesc, prometheus.GaugeValue, status.CoveragePercentage, "combined")
}
