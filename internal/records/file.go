package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// PlaceholderTimestamp marks a record file holding intentionally invalid data.
const PlaceholderTimestamp = "test"

// Kind identifies one of the two record files.
type Kind string

const (
	// KindMerged is the merged pull request file.
	KindMerged Kind = "merged"
	// KindClosed is the closed-without-merge pull request file.
	KindClosed Kind = "closed"
)

// Kinds lists the record files in processing order.
var Kinds = []Kind{KindMerged, KindClosed}

// ParseKind parses a kind name or its default file name.
func ParseKind(raw string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.TrimSuffix(strings.TrimSuffix(normalized, ".json"), "_prs")
	switch Kind(normalized) {
	case KindMerged:
		return KindMerged, nil
	case KindClosed:
		return KindClosed, nil
	}
	return "", fmt.Errorf("unknown record file %q: must be merged or closed", raw)
}

// FileName returns the default file name of the kind.
func (k Kind) FileName() string {
	return string(k) + "_prs.json"
}

// GraphState returns the pull request state used by bulk queries.
func (k Kind) GraphState() string {
	if k == KindClosed {
		return "CLOSED"
	}
	return "MERGED"
}

// Repository is one repository entry of a record file.
type Repository struct {
	Name    string
	Records []*Record
}

// RecordFile is a persisted collection of records keyed by repository name.
type RecordFile struct {
	// Repositories are kept in document key order.
	Repositories []*Repository
	Timestamp    string

	// Extra holds other top-level fields verbatim.
	Extra map[string]json.RawMessage
}

// IsPlaceholder reports whether the file carries the placeholder timestamp.
func (f *RecordFile) IsPlaceholder() bool {
	return f != nil && f.Timestamp == PlaceholderTimestamp
}

// Repository returns the named repository or nil.
func (f *RecordFile) Repository(name string) *Repository {
	if f == nil {
		return nil
	}
	for _, repo := range f.Repositories {
		if repo.Name == name {
			return repo
		}
	}
	return nil
}

// Find returns the record with the given number in the named repository.
func (f *RecordFile) Find(repository string, number int) *Record {
	repo := f.Repository(repository)
	if repo == nil {
		return nil
	}
	for _, record := range repo.Records {
		if record.Number == number {
			return record
		}
	}
	return nil
}

// Coverage counts all records and records with a resolved close actor.
func (f *RecordFile) Coverage() (total, resolved int) {
	if f == nil {
		return 0, 0
	}
	for _, repo := range f.Repositories {
		for _, record := range repo.Records {
			total++
			if record.CloseActor.IsResolved() {
				resolved++
			}
		}
	}
	return total, resolved
}

// PendingCount counts records that were never attempted.
func (f *RecordFile) PendingCount() int {
	if f == nil {
		return 0
	}
	pending := 0
	for _, repo := range f.Repositories {
		pending += len(repo.Pending())
	}
	return pending
}

// Pending returns records that were never attempted, in file order.
func (r *Repository) Pending() []*Record {
	pending := make([]*Record, 0)
	for _, record := range r.Records {
		if record.CloseActor.NeedsAttribution() {
			pending = append(pending, record)
		}
	}
	return pending
}

// UnmarshalJSON decodes a record file, preserving the order of repositories in "data".
func (f *RecordFile) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("record file must be a JSON object")
	}

	decoded := RecordFile{}
	if raw, ok := fields["timestamp"]; ok {
		if err := decodeOptional(raw, &decoded.Timestamp); err != nil {
			return fmt.Errorf("decode timestamp: %w", err)
		}
		delete(fields, "timestamp")
	}
	if raw, ok := fields["data"]; ok {
		repos, err := decodeOrderedRepositories(raw)
		if err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
		decoded.Repositories = repos
		delete(fields, "data")
	}
	if len(fields) > 0 {
		decoded.Extra = fields
	}
	*f = decoded
	return nil
}

// MarshalJSON encodes the file with repositories in their stored order.
func (f RecordFile) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"data":{`)
	for i, repo := range f.Repositories {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(repo.Name)
		if err != nil {
			return nil, fmt.Errorf("encode repository name: %w", err)
		}
		buf.Write(name)
		buf.WriteByte(':')

		recordsToWrite := repo.Records
		if recordsToWrite == nil {
			recordsToWrite = []*Record{}
		}
		encoded, err := json.Marshal(recordsToWrite)
		if err != nil {
			return nil, fmt.Errorf("encode repository %q: %w", repo.Name, err)
		}
		buf.Write(encoded)
	}
	buf.WriteString(`}`)

	timestamp, err := json.Marshal(f.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("encode timestamp: %w", err)
	}
	buf.WriteString(`,"timestamp":`)
	buf.Write(timestamp)

	extraKeys := slices.Sorted(maps.Keys(f.Extra))
	for _, key := range extraKeys {
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("encode field name: %w", err)
		}
		buf.WriteByte(',')
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(f.Extra[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses a record file document.
func Decode(data []byte) (*RecordFile, error) {
	var file RecordFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// Encode serializes a record file document.
func Encode(file *RecordFile) ([]byte, error) {
	if file == nil {
		return nil, fmt.Errorf("record file is nil")
	}
	return json.MarshalIndent(file, "", "  ")
}

func decodeOrderedRepositories(raw json.RawMessage) ([]*Repository, error) {
	if isJSONNull(raw) {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	token, err := decoder.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("data must be a JSON object")
	}

	repos := make([]*Repository, 0)
	seen := make(map[string]int)
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		name, ok := keyToken.(string)
		if !ok {
			return nil, fmt.Errorf("repository name must be a string")
		}

		var recordsForRepo []*Record
		if err := decoder.Decode(&recordsForRepo); err != nil {
			return nil, fmt.Errorf("repository %q: %w", name, err)
		}
		recordsForRepo = slices.DeleteFunc(recordsForRepo, func(record *Record) bool {
			return record == nil
		})

		// Duplicate keys follow JSON object semantics: the last value wins.
		if idx, dup := seen[name]; dup {
			repos[idx].Records = recordsForRepo
			continue
		}
		seen[name] = len(repos)
		repos = append(repos, &Repository{Name: name, Records: recordsForRepo})
	}

	if _, err := decoder.Token(); err != nil {
		return nil, err
	}
	return repos, nil
}
