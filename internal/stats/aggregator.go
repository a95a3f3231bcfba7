package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/pr-insights/internal/records"
	"github.com/cam3ron2/pr-insights/internal/store"
)

var (
	// ErrInvalidRange reports a malformed or inverted date range.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrNoIdentity reports a personal view requested without any configured identity.
	ErrNoIdentity = errors.New("no caller identity configured")
)

// Identity holds the caller's login on each code host.
type Identity struct {
	GitHubID string
	GitLabID string
}

// IDs returns the non-empty identifiers.
func (i Identity) IDs() []string {
	ids := make([]string, 0, 2)
	for _, id := range []string{i.GitHubID, i.GitLabID} {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

func (i Identity) matches(login string) bool {
	for _, id := range i.IDs() {
		if strings.EqualFold(id, login) {
			return true
		}
	}
	return false
}

// Config tunes the aggregator.
type Config struct {
	Identity        Identity
	BotMarker       string
	MonthlyWindow   int
	TopRepositories int
	Leaderboard     int
	RepositoryLimit int
}

// DateRange filters records by day, inclusive on both ends. Empty bounds are open.
type DateRange struct {
	From string
	To   string
}

// ParseDateRange validates YYYY-MM-DD bounds.
func ParseDateRange(from, to string) (DateRange, error) {
	dateRange := DateRange{From: strings.TrimSpace(from), To: strings.TrimSpace(to)}
	for _, bound := range []string{dateRange.From, dateRange.To} {
		if bound == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, bound); err != nil {
			return DateRange{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidRange, bound)
		}
	}
	if dateRange.From != "" && dateRange.To != "" && dateRange.From > dateRange.To {
		return DateRange{}, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, dateRange.From, dateRange.To)
	}
	return dateRange, nil
}

// Active reports whether any bound is set.
func (r DateRange) Active() bool {
	return r.From != "" || r.To != ""
}

// contains reports whether a record day falls in the range. Undated records only
// pass an open range.
func (r DateRange) contains(day string, dated bool) bool {
	if !r.Active() {
		return true
	}
	if !dated {
		return false
	}
	if r.From != "" && day < r.From {
		return false
	}
	if r.To != "" && day > r.To {
		return false
	}
	return true
}

// Counts splits attributed records by file.
type Counts struct {
	Merged int `json:"merged"`
	Closed int `json:"closed"`
	Total  int `json:"total"`
}

func (c *Counts) add(kind records.Kind) {
	if kind == records.KindClosed {
		c.Closed++
	} else {
		c.Merged++
	}
	c.Total++
}

// MonthBucket counts attributed records in one calendar month.
type MonthBucket struct {
	Month  string `json:"month"`
	Bot    int    `json:"bot"`
	NonBot int    `json:"non_bot"`
	Total  int    `json:"total"`
}

// RepositoryCount is a repository with its attributed-record count.
type RepositoryCount struct {
	Repository string `json:"repository"`
	Count      int    `json:"count"`
}

// AttributorCount is one leaderboard entry.
type AttributorCount struct {
	Actor  string `json:"actor"`
	Count  int    `json:"count"`
	Merged int    `json:"merged"`
	Closed int    `json:"closed"`
}

// PersonalStats is the caller's attribution summary.
type PersonalStats struct {
	Identities      []string          `json:"identities"`
	DateFrom        string            `json:"date_from,omitempty"`
	DateTo          string            `json:"date_to,omitempty"`
	BotOnly         bool              `json:"bot_only"`
	Counts          Counts            `json:"counts"`
	Rank            int               `json:"rank"`
	TotalUsers      int               `json:"total_users"`
	Percentile      float64           `json:"percentile"`
	Monthly         []MonthBucket     `json:"monthly"`
	TopRepositories []RepositoryCount `json:"top_repositories"`
}

// TeamStats is the attribution summary over every attributor.
type TeamStats struct {
	DateFrom        string            `json:"date_from,omitempty"`
	DateTo          string            `json:"date_to,omitempty"`
	BotOnly         bool              `json:"bot_only"`
	Counts          Counts            `json:"counts"`
	TotalUsers      int               `json:"total_users"`
	Monthly         []MonthBucket     `json:"monthly"`
	TopRepositories []RepositoryCount `json:"top_repositories"`
	Leaderboard     []AttributorCount `json:"leaderboard"`
}

// RepositoryStats summarizes attribution for one repository.
type RepositoryStats struct {
	Repository    string `json:"repository"`
	Total         int    `json:"total"`
	UniqueActors  int    `json:"unique_actors"`
	TopActor      string `json:"top_actor"`
	TopActorCount int    `json:"top_actor_count"`
}

// RepositoryBreakdown lists the most active repositories.
type RepositoryBreakdown struct {
	DateFrom     string            `json:"date_from,omitempty"`
	DateTo       string            `json:"date_to,omitempty"`
	BotOnly      bool              `json:"bot_only"`
	Repositories []RepositoryStats `json:"repositories"`
	Total        int               `json:"total_repositories"`
}

// entry is one attributed record with its derived fields.
type entry struct {
	kind       records.Kind
	repository string
	actor      string
	day        string
	month      string
	dated      bool
	bot        bool
	urlOwner   string
}

// Aggregator derives statistics from the record files. It never writes.
type Aggregator struct {
	store store.RecordStore
	cfg   Config

	// Now is injected for testability.
	Now func() time.Time
}

// NewAggregator creates an aggregator with defaults for unset limits.
func NewAggregator(recordStore store.RecordStore, cfg Config) *Aggregator {
	if cfg.MonthlyWindow <= 0 {
		cfg.MonthlyWindow = 12
	}
	if cfg.TopRepositories <= 0 {
		cfg.TopRepositories = 5
	}
	if cfg.Leaderboard <= 0 {
		cfg.Leaderboard = 5
	}
	if cfg.RepositoryLimit <= 0 {
		cfg.RepositoryLimit = 20
	}
	if strings.TrimSpace(cfg.BotMarker) == "" {
		cfg.BotMarker = records.DefaultBotMarker
	}
	return &Aggregator{
		store: recordStore,
		cfg:   cfg,
		Now:   time.Now,
	}
}

// Personal summarizes the caller's attributions. With botOnly the population is
// restricted to bot-authored records.
func (a *Aggregator) Personal(ctx context.Context, dateRange DateRange, botOnly bool) (PersonalStats, error) {
	identity := a.cfg.Identity
	if len(identity.IDs()) == 0 {
		return PersonalStats{}, ErrNoIdentity
	}
	entries, err := a.load(ctx)
	if err != nil {
		return PersonalStats{}, err
	}
	population := filter(entries, func(e entry) bool { return !botOnly || e.bot })

	result := PersonalStats{
		Identities: identity.IDs(),
		DateFrom:   dateRange.From,
		DateTo:     dateRange.To,
		BotOnly:    botOnly,
	}

	inRange := filter(population, func(e entry) bool { return dateRange.contains(e.day, e.dated) })
	mine := filter(inRange, func(e entry) bool { return identity.matches(e.actor) })
	for _, e := range mine {
		result.Counts.add(e.kind)
	}
	result.TopRepositories = topRepositories(mine, a.cfg.TopRepositories)

	// The caller's identities collapse into one entry keyed by the primary login.
	callerKey := strings.ToLower(result.Identities[0])
	ranking := rankAttributors(inRange, func(actor string) string {
		if identity.matches(actor) {
			return callerKey
		}
		return actor
	})
	result.TotalUsers = len(ranking)
	for i, attributor := range ranking {
		if attributor.Actor == callerKey {
			result.Rank = i + 1
			break
		}
	}
	if result.Rank > 0 {
		result.Percentile = (1 - float64(result.Rank-1)/float64(result.TotalUsers)) * 100
	}

	result.Monthly = a.monthly(filter(population, func(e entry) bool { return identity.matches(e.actor) }))
	return result, nil
}

// Team summarizes attributions over every attributor, excluding the caller's own
// repositories. Without botOnly bot-authored records are excluded; with it they
// are the only records counted.
func (a *Aggregator) Team(ctx context.Context, dateRange DateRange, botOnly bool) (TeamStats, error) {
	entries, err := a.load(ctx)
	if err != nil {
		return TeamStats{}, err
	}
	identity := a.cfg.Identity
	population := filter(entries, func(e entry) bool {
		return e.bot == botOnly && !identity.matches(e.urlOwner)
	})

	result := TeamStats{
		DateFrom: dateRange.From,
		DateTo:   dateRange.To,
		BotOnly:  botOnly,
	}
	inRange := filter(population, func(e entry) bool { return dateRange.contains(e.day, e.dated) })
	for _, e := range inRange {
		result.Counts.add(e.kind)
	}

	ranking := rankAttributors(inRange, func(actor string) string { return actor })
	result.TotalUsers = len(ranking)
	result.Leaderboard = ranking[:minInt(len(ranking), a.cfg.Leaderboard)]
	result.TopRepositories = topRepositories(inRange, a.cfg.TopRepositories)
	result.Monthly = a.monthly(population)
	return result, nil
}

// Repositories reports per-repository totals for non-bot records, or bot records
// with botOnly, sorted by total and capped.
func (a *Aggregator) Repositories(ctx context.Context, dateRange DateRange, botOnly bool) (RepositoryBreakdown, error) {
	entries, err := a.load(ctx)
	if err != nil {
		return RepositoryBreakdown{}, err
	}
	inRange := filter(entries, func(e entry) bool {
		return e.bot == botOnly && dateRange.contains(e.day, e.dated)
	})

	byRepository := make(map[string][]entry)
	order := make([]string, 0)
	for _, e := range inRange {
		if _, seen := byRepository[e.repository]; !seen {
			order = append(order, e.repository)
		}
		byRepository[e.repository] = append(byRepository[e.repository], e)
	}

	repositories := make([]RepositoryStats, 0, len(order))
	for _, name := range order {
		group := byRepository[name]
		ranking := rankAttributors(group, func(actor string) string { return actor })
		repositories = append(repositories, RepositoryStats{
			Repository:    name,
			Total:         len(group),
			UniqueActors:  len(ranking),
			TopActor:      ranking[0].Actor,
			TopActorCount: ranking[0].Count,
		})
	}
	sort.SliceStable(repositories, func(i, j int) bool {
		if repositories[i].Total != repositories[j].Total {
			return repositories[i].Total > repositories[j].Total
		}
		return repositories[i].Repository < repositories[j].Repository
	})

	return RepositoryBreakdown{
		DateFrom:     dateRange.From,
		DateTo:       dateRange.To,
		BotOnly:      botOnly,
		Repositories: repositories[:minInt(len(repositories), a.cfg.RepositoryLimit)],
		Total:        len(repositories),
	}, nil
}

// load flattens both record files into attributed entries. Missing files count as empty.
func (a *Aggregator) load(ctx context.Context) ([]entry, error) {
	entries := make([]entry, 0)
	for _, kind := range records.Kinds {
		file, err := a.store.Load(ctx, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s records: %w", kind, err)
		}
		for _, repo := range file.Repositories {
			for _, record := range repo.Records {
				if !record.CloseActor.IsResolved() {
					continue
				}
				timestamp := record.Timestamp(kind)
				day, dated := records.DayOf(timestamp)
				month, _ := records.MonthOf(timestamp)
				entries = append(entries, entry{
					kind:       kind,
					repository: repo.Name,
					actor:      record.CloseActor.Login(),
					day:        day,
					month:      month,
					dated:      dated,
					bot:        records.IsBotAuthor(record.UserLogin, a.cfg.BotMarker),
					urlOwner:   records.URLOwner(record.HTMLURL),
				})
			}
		}
	}
	return entries, nil
}

// monthly buckets entries into the trailing calendar months ending with the current one.
func (a *Aggregator) monthly(entries []entry) []MonthBucket {
	now := a.Now().UTC()
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	buckets := make([]MonthBucket, a.cfg.MonthlyWindow)
	index := make(map[string]int, a.cfg.MonthlyWindow)
	for i := 0; i < a.cfg.MonthlyWindow; i++ {
		month := current.AddDate(0, i-a.cfg.MonthlyWindow+1, 0).Format("2006-01")
		buckets[i] = MonthBucket{Month: month}
		index[month] = i
	}

	for _, e := range entries {
		i, ok := index[e.month]
		if !ok {
			continue
		}
		if e.bot {
			buckets[i].Bot++
		} else {
			buckets[i].NonBot++
		}
		buckets[i].Total++
	}
	return buckets
}

// rankAttributors counts entries per key and sorts by count descending, then key ascending.
// rankAttributors counts entries per attributor. Logins compare case-insensitively
// and are reported lower-cased.
func rankAttributors(entries []entry, keyOf func(actor string) string) []AttributorCount {
	counts := make(map[string]*AttributorCount)
	for _, e := range entries {
		key := strings.ToLower(keyOf(e.actor))
		attributor, ok := counts[key]
		if !ok {
			attributor = &AttributorCount{Actor: key}
			counts[key] = attributor
		}
		attributor.Count++
		if e.kind == records.KindClosed {
			attributor.Closed++
		} else {
			attributor.Merged++
		}
	}

	ranking := make([]AttributorCount, 0, len(counts))
	for _, attributor := range counts {
		ranking = append(ranking, *attributor)
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Count != ranking[j].Count {
			return ranking[i].Count > ranking[j].Count
		}
		return ranking[i].Actor < ranking[j].Actor
	})
	return ranking
}

func topRepositories(entries []entry, limit int) []RepositoryCount {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.repository]++
	}
	top := make([]RepositoryCount, 0, len(counts))
	for repository, count := range counts {
		top = append(top, RepositoryCount{Repository: repository, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Repository < top[j].Repository
	})
	return top[:minInt(len(top), limit)]
}

func filter(entries []entry, keep func(e entry) bool) []entry {
	kept := make([]entry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	return kept
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
