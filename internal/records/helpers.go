package records

import (
	"net/url"
	"strings"
	"time"
)

// DefaultBotMarker is the author substring identifying automation-authored records.
const DefaultBotMarker = "konflux"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseTimestamp parses an ISO-8601 timestamp. A trailing "Z" is treated as "+00:00".
func ParseTimestamp(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	if strings.HasSuffix(trimmed, "Z") {
		trimmed = strings.TrimSuffix(trimmed, "Z") + "+00:00"
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// DayOf truncates a timestamp to its YYYY-MM-DD day in the timestamp's own offset.
func DayOf(raw string) (string, bool) {
	parsed, ok := ParseTimestamp(raw)
	if !ok {
		return "", false
	}
	return parsed.Format(time.DateOnly), true
}

// MonthOf returns the YYYY-MM month of a timestamp.
func MonthOf(raw string) (string, bool) {
	parsed, ok := ParseTimestamp(raw)
	if !ok {
		return "", false
	}
	return parsed.Format("2006-01"), true
}

// IsBotAuthor reports whether an author login contains the bot marker, case-insensitively.
func IsBotAuthor(login, marker string) bool {
	if marker == "" {
		marker = DefaultBotMarker
	}
	return strings.Contains(strings.ToLower(login), strings.ToLower(marker))
}

// RepoRef identifies a repository on its host.
type RepoRef struct {
	Host  string
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// Valid reports whether both owner and name are known.
func (r RepoRef) Valid() bool {
	return r.Owner != "" && r.Name != ""
}

// ResolveRepoRef derives the repository identity from the first record URL, falling back to the key.
func ResolveRepoRef(repo *Repository) RepoRef {
	if repo == nil {
		return RepoRef{}
	}
	for _, record := range repo.Records {
		if ref, ok := repoRefFromURL(record.HTMLURL); ok {
			return ref
		}
	}

	segments := splitPath(repo.Name)
	if len(segments) < 2 {
		return RepoRef{}
	}
	return RepoRef{
		Owner: strings.Join(segments[:len(segments)-1], "/"),
		Name:  segments[len(segments)-1],
	}
}

// URLOwner returns the first path segment of a record URL, the namespace owning the repository.
func URLOwner(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	segments := splitPath(parsed.Path)
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

func repoRefFromURL(rawURL string) (RepoRef, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return RepoRef{}, false
	}
	segments := splitPath(parsed.Path)

	// GitLab URLs separate the project path from the resource with "/-/".
	for i, segment := range segments {
		if segment == "-" && i >= 2 {
			return RepoRef{
				Host:  strings.ToLower(parsed.Hostname()),
				Owner: strings.Join(segments[:i-1], "/"),
				Name:  segments[i-1],
			}, true
		}
	}
	if len(segments) < 2 {
		return RepoRef{}, false
	}
	return RepoRef{
		Host:  strings.ToLower(parsed.Hostname()),
		Owner: segments[0],
		Name:  segments[1],
	}, true
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segments := parts[:0]
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
