package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/cam3ron2/pr-insights/internal/store"
	"go.uber.org/zap"
)

// enhancedCoverageThreshold is the combined coverage above which data counts as enhanced.
const enhancedCoverageThreshold = 90.0

// WriteGuard grants exclusive access to the record files.
type WriteGuard interface {
	Exclusive(fn func() error) error
}

// FileStatus describes the attribution coverage of one record file.
type FileStatus struct {
	Kind               records.Kind `json:"kind"`
	File               string       `json:"file"`
	Missing            bool         `json:"missing"`
	Placeholder        bool         `json:"placeholder"`
	TotalPRs           int          `json:"total_prs"`
	EnhancedPRs        int          `json:"enhanced_prs"`
	CoveragePercentage float64      `json:"coverage_percentage"`
}

// DataStatus combines the coverage of both record files.
type DataStatus struct {
	Files              []FileStatus `json:"files"`
	FilesMissing       bool         `json:"files_missing"`
	MissingFiles       []string     `json:"missing_files"`
	TotalPRs           int          `json:"total_prs"`
	EnhancedPRs        int          `json:"enhanced_prs"`
	CoveragePercentage float64      `json:"coverage_percentage"`
	IsEnhanced         bool         `json:"is_enhanced"`
}

// MissingRecord is one record without a resolved close actor.
type MissingRecord struct {
	File       records.Kind `json:"file"`
	Repository string       `json:"repository"`
	Number     int          `json:"number"`
	Title      string       `json:"title"`
	UserLogin  string       `json:"user_login"`
	HTMLURL    string       `json:"html_url"`
	State      string       `json:"state"`
}

// MissingReport lists every record lacking attribution.
type MissingReport struct {
	Records      []MissingRecord `json:"records"`
	NeverTried   int             `json:"never_attempted"`
	NotFound     int             `json:"not_found"`
	MissingFiles []string        `json:"missing_files"`
}

// ManualUpdate sets the close actor of one record by hand.
type ManualUpdate struct {
	Repository string `json:"repository"`
	Number     int    `json:"record_number"`
	Actor      string `json:"actor"`
	File       string `json:"file"`
}

// ManualResult summarizes a batch of manual updates.
type ManualResult struct {
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// Auditor reports coverage and edits attribution outside of the background job.
type Auditor struct {
	store  store.RecordStore
	guard  WriteGuard
	names  map[records.Kind]string
	logger *zap.Logger
}

// NewAuditor creates an auditor. Writes go through guard when it is not nil.
func NewAuditor(recordStore store.RecordStore, guard WriteGuard, names map[records.Kind]string, logger ...*zap.Logger) *Auditor {
	resolvedLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolvedLogger = logger[0]
	}
	return &Auditor{
		store:  recordStore,
		guard:  guard,
		names:  names,
		logger: resolvedLogger,
	}
}

// CheckExistingDataStatus computes attribution coverage across both record files.
func (a *Auditor) CheckExistingDataStatus(ctx context.Context) (DataStatus, error) {
	status := DataStatus{
		Files:        make([]FileStatus, 0, len(records.Kinds)),
		MissingFiles: []string{},
	}
	for _, kind := range records.Kinds {
		fileStatus := FileStatus{Kind: kind, File: store.Name(kind, a.names)}
		exists, err := a.store.Exists(ctx, kind)
		if err != nil {
			return DataStatus{}, fmt.Errorf("check %s records: %w", kind, err)
		}
		var file *records.RecordFile
		if exists {
			file, err = a.store.Load(ctx, kind)
		} else {
			err = store.ErrNotFound
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			fileStatus.Missing = true
			status.FilesMissing = true
			status.MissingFiles = append(status.MissingFiles, fileStatus.File)
		case err != nil:
			return DataStatus{}, fmt.Errorf("load %s records: %w", kind, err)
		default:
			fileStatus.Placeholder = file.IsPlaceholder()
			fileStatus.TotalPRs, fileStatus.EnhancedPRs = file.Coverage()
			fileStatus.CoveragePercentage = percentage(fileStatus.EnhancedPRs, fileStatus.TotalPRs)
		}
		status.TotalPRs += fileStatus.TotalPRs
		status.EnhancedPRs += fileStatus.EnhancedPRs
		status.Files = append(status.Files, fileStatus)
	}
	status.CoveragePercentage = percentage(status.EnhancedPRs, status.TotalPRs)
	status.IsEnhanced = status.CoveragePercentage > enhancedCoverageThreshold
	return status, nil
}

// RetryFailed turns every explicit null close actor back into absent so the next
// job run retries those records. It returns the number of records reset.
func (a *Auditor) RetryFailed(ctx context.Context) (int, error) {
	reset := 0
	err := a.exclusive(func() error {
		for _, kind := range records.Kinds {
			file, err := a.store.Load(ctx, kind)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load %s records: %w", kind, err)
			}

			fileReset := 0
			for _, repo := range file.Repositories {
				for _, record := range repo.Records {
					if record.CloseActor.IsNull() {
						record.CloseActor = records.AbsentActor()
						fileReset++
					}
				}
			}
			if fileReset == 0 {
				continue
			}
			if err := a.store.Save(ctx, kind, file); err != nil {
				return fmt.Errorf("save %s records: %w", kind, err)
			}
			reset += fileReset
			a.logger.Info("reset failed attributions", zap.String("kind", string(kind)), zap.Int("count", fileReset))
		}
		return nil
	})
	return reset, err
}

// MissingAttribution lists records whose close actor is absent or null, in file order.
func (a *Auditor) MissingAttribution(ctx context.Context) (MissingReport, error) {
	report := MissingReport{Records: []MissingRecord{}, MissingFiles: []string{}}
	for _, kind := range records.Kinds {
		file, err := a.store.Load(ctx, kind)
		if errors.Is(err, store.ErrNotFound) {
			report.MissingFiles = append(report.MissingFiles, store.Name(kind, a.names))
			continue
		}
		if err != nil {
			return MissingReport{}, fmt.Errorf("load %s records: %w", kind, err)
		}
		for _, repo := range file.Repositories {
			for _, record := range repo.Records {
				if record.CloseActor.IsResolved() {
					continue
				}
				if record.CloseActor.IsNull() {
					report.NotFound++
				} else {
					report.NeverTried++
				}
				report.Records = append(report.Records, MissingRecord{
					File:       kind,
					Repository: repo.Name,
					Number:     record.Number,
					Title:      record.Title,
					UserLogin:  record.UserLogin,
					HTMLURL:    record.HTMLURL,
					State:      record.CloseActor.State().String(),
				})
			}
		}
	}
	return report, nil
}

// ManualSetAttribution applies hand-entered close actors. Invalid entries are
// reported in the result and leave their record untouched.
func (a *Auditor) ManualSetAttribution(ctx context.Context, updates []ManualUpdate) (ManualResult, error) {
	result := ManualResult{Errors: []string{}}
	err := a.exclusive(func() error {
		files := make(map[records.Kind]*records.RecordFile)
		dirty := make(map[records.Kind]bool)

		for i, update := range updates {
			kind, err := records.ParseKind(update.File)
			if err != nil {
				result.reject(i, update, err.Error())
				continue
			}
			actor := strings.TrimSpace(update.Actor)
			if actor == "" {
				result.reject(i, update, "actor is required")
				continue
			}
			if strings.TrimSpace(update.Repository) == "" {
				result.reject(i, update, "repository is required")
				continue
			}

			file, loaded := files[kind]
			if !loaded {
				file, err = a.store.Load(ctx, kind)
				if errors.Is(err, store.ErrNotFound) {
					result.reject(i, update, fmt.Sprintf("%s record file does not exist", kind))
					continue
				}
				if err != nil {
					return fmt.Errorf("load %s records: %w", kind, err)
				}
				files[kind] = file
			}

			record := file.Find(update.Repository, update.Number)
			if record == nil {
				result.reject(i, update, "record not found")
				continue
			}
			record.CloseActor = records.ResolvedActor(actor)
			dirty[kind] = true
			result.Updated++
		}

		for _, kind := range records.Kinds {
			if !dirty[kind] {
				continue
			}
			if err := a.store.Save(ctx, kind, files[kind]); err != nil {
				return fmt.Errorf("save %s records: %w", kind, err)
			}
		}
		return nil
	})
	if err != nil {
		return ManualResult{}, err
	}
	a.logger.Info("manual attribution applied", zap.Int("updated", result.Updated), zap.Int("failed", result.Failed))
	return result, nil
}

func (r *ManualResult) reject(index int, update ManualUpdate, reason string) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("update %d (%s#%d): %s", index, update.Repository, update.Number, reason))
}

func (a *Auditor) exclusive(fn func() error) error {
	if a.guard == nil {
		return fn()
	}
	return a.guard.Exclusive(fn)
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
