// Package catalog is the authoritative deduplicated registry of discovered
// URLs and their ingestion lifecycle, persisted in a single SQLite file.
package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a catalog entry's source.
type Kind string

const (
	KindWebPage      Kind = "web_page"
	KindDocSitePage  Kind = "doc_site_page"
	KindRepo         Kind = "repo"
	KindVideo        Kind = "video"
	KindVideoChannel Kind = "video_channel"
)

// Status is the lifecycle state of a catalog entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFetched  Status = "fetched"
	StatusFailed   Status = "failed"
)

// Priority tiers for discovered URLs.
const (
	PriorityUser       = 100
	PriorityDiscovered = 50
)

// RefreshPolicy controls how often a fetched entry is re-checked.
// The zero value ("") means the kind default applies at insert time.
type RefreshPolicy string

// RefreshNever marks entries that are immutable once fetched (videos).
const RefreshNever RefreshPolicy = "never"

// RefreshEvery returns a days:N policy.
func RefreshEvery(days int) RefreshPolicy {
	return RefreshPolicy(fmt.Sprintf("days:%d", days))
}

// Interval returns the refresh interval, or false for never.
func (p RefreshPolicy) Interval() (time.Duration, bool) {
	if p == RefreshNever || p == "" {
		return 0, false
	}
	s, ok := strings.CutPrefix(string(p), "days:")
	if !ok {
		return 0, false
	}
	days, err := strconv.Atoi(s)
	if err != nil || days <= 0 {
		return 0, false
	}
	return time.Duration(days) * 24 * time.Hour, true
}

// DefaultRefreshPolicy returns the per-kind refresh cadence: videos are
// immutable, repos move fast, documentation moves slower, everything else
// slower still.
func DefaultRefreshPolicy(kind Kind) RefreshPolicy {
	switch kind {
	case KindVideo, KindVideoChannel:
		return RefreshNever
	case KindRepo:
		return RefreshEvery(7)
	case KindDocSitePage:
		return RefreshEvery(14)
	default:
		return RefreshEvery(30)
	}
}

// Entry is a row in the URL catalog. Identity is URLHash, computed from the
// normalized URL.
type Entry struct {
	URLHash        string
	URL            string // normalized form used for fetching
	Kind           Kind
	Status         Status
	Priority       int
	DiscoveredFrom string // prompt id, "crawl:<url>", or channel URL; empty for direct input
	AddedAt        time.Time
	LastFetchedAt  time.Time // zero until first successful fetch
	NextRefreshAt  time.Time // zero for never-refreshed kinds
	RetryCount     int
	LastError      string
	RefreshPolicy  RefreshPolicy
}

// NewEntry builds a pending entry from a raw URL, normalizing it and
// deriving hash, kind, and refresh policy. Priority and discoveredFrom are
// caller-supplied.
func NewEntry(rawURL string, priority int, discoveredFrom string) (*Entry, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	kind := DetectKind(normalized)
	return &Entry{
		URLHash:        HashURL(normalized),
		URL:            normalized,
		Kind:           kind,
		Status:         StatusPending,
		Priority:       priority,
		DiscoveredFrom: discoveredFrom,
		RefreshPolicy:  DefaultRefreshPolicy(kind),
	}, nil
}

// CrawlDiscovered reports whether this entry was produced by a crawl pass,
// which makes it ineligible for further crawling.
func (e *Entry) CrawlDiscovered() bool {
	return strings.HasPrefix(e.DiscoveredFrom, "crawl:")
}

// InsertResult reports the outcome of an InsertIfAbsent call.
type InsertResult struct {
	Added   int
	Skipped int
}

// Counts summarizes catalog state for status reporting.
type Counts struct {
	ByStatus map[Status]int
	ByKind   map[Kind]int
	Total    int
}

// APICall is one row in the external-API call log, used only for quota
// surfacing. Not consulted on the hot path.
type APICall struct {
	APIName        string
	Timestamp      time.Time
	Success        bool
	LatencyMS      int64
	RemainingQuota int
}

// QuotaSnapshot summarizes recent API usage per provider.
type QuotaSnapshot struct {
	APIName        string
	Calls          int
	Failures       int
	RemainingQuota int // most recent non-negative report; -1 if unknown
	LastCall       time.Time
}
