package store

import (
	"context"
	"errors"

	"github.com/cam3ron2/pr-insights/internal/records"
)

var (
	// ErrNotFound reports that no document exists for a record file.
	ErrNotFound = errors.New("record file not found")
	// ErrCorrupt reports that a stored document could not be parsed.
	// Readers treat it as transient because a concurrent rewrite may be in progress.
	ErrCorrupt = errors.New("record file is not parsable")
)

// RecordStore persists record files keyed by kind.
type RecordStore interface {
	Load(ctx context.Context, kind records.Kind) (*records.RecordFile, error)
	Save(ctx context.Context, kind records.Kind, file *records.RecordFile) error
	Exists(ctx context.Context, kind records.Kind) (bool, error)
	Ping(ctx context.Context) error
}

// Name returns the identifier a store uses for a record file.
func Name(kind records.Kind, names map[records.Kind]string) string {
	if name, ok := names[kind]; ok && name != "" {
		return name
	}
	return kind.FileName()
}
