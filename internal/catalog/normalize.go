package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// defaultTrackingParams are query keys stripped during normalization.
// Operators can extend the list via discovery.tracking_params.
var defaultTrackingParams = []string{
	"ref", "fbclid", "gclid", "mc_cid", "mc_eid", "igshid", "si",
}

var repeatedSlashes = regexp.MustCompile(`/{2,}`)

// NormalizeURL returns the canonical form of a URL used for hashing and
// fetching. Two URLs with identical normalized forms hash identically, so
// this function is the deduplication authority.
//
// Rules: lowercase scheme and host, strip default ports, drop the fragment,
// drop tracking query keys (utm_* plus an enumerated list), sort surviving
// query keys, collapse repeated slashes, strip the trailing slash except at
// the root.
func NormalizeURL(raw string, extraTracking ...string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" && u.Host == "" {
		// Bare host like "example.org/docs".
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return "", err
		}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""

	// Drop tracking params; sort the rest for a deterministic encoding.
	q := u.Query()
	for key := range q {
		if isTrackingParam(key, extraTracking) {
			q.Del(key)
		}
	}
	u.RawQuery = encodeSorted(q)

	// Collapse on the decoded path and drop RawPath so String() escapes
	// exactly once; writing escaped text into Path double-encodes it.
	path := repeatedSlashes.ReplaceAllString(u.Path, "/")
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	u.RawPath = ""
	u.Path = path

	return u.String(), nil
}

func isTrackingParam(key string, extra []string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	for _, p := range defaultTrackingParams {
		if lower == p {
			return true
		}
	}
	for _, p := range extra {
		if lower == strings.ToLower(p) {
			return true
		}
	}
	return false
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// HashURL computes the catalog identity of an already-normalized URL:
// the first 16 hex characters of its SHA-256 digest.
func HashURL(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

// videoHosts are hosts whose watch-style URLs carry transcripts.
var videoHosts = map[string]bool{
	"youtube.com":   true,
	"www.youtube.com": true,
	"m.youtube.com": true,
	"youtu.be":      true,
}

// repoHosts are public code-hosting services with /owner/repo URLs.
var repoHosts = map[string]bool{
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
}

// docHostLabels mark a host as documentation when present as a label or
// label prefix (docs.example.com, documentation-site.example.com).
var docHostLabels = []string{"docs", "doc", "documentation", "wiki", "confluence"}

// docHostSuffixes are known documentation-hosting domains.
var docHostSuffixes = []string{"readthedocs.io", "gitbook.io", "readme.io", "notion.site"}

// docPathSegments mark a path as documentation-style content.
var docPathSegments = []string{"tutorial", "guide", "learn", "blog", "article", "post", "news"}

// DetectKind classifies a normalized URL into a source kind.
func DetectKind(normalized string) Kind {
	u, err := url.Parse(normalized)
	if err != nil {
		return KindWebPage
	}
	host := u.Hostname()
	path := u.Path

	if videoHosts[host] {
		if host == "youtu.be" && path != "" && path != "/" {
			return KindVideo
		}
		if strings.HasPrefix(path, "/watch") || strings.HasPrefix(path, "/shorts/") {
			return KindVideo
		}
		if strings.HasPrefix(path, "/@") || strings.HasPrefix(path, "/channel/") ||
			strings.HasPrefix(path, "/c/") || strings.HasPrefix(path, "/user/") {
			return KindVideoChannel
		}
		return KindWebPage
	}

	if repoHosts[host] {
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return KindRepo
		}
		return KindWebPage
	}

	if IsDocSite(normalized) {
		return KindDocSitePage
	}
	return KindWebPage
}

// IsDocSite reports whether a URL matches the documentation-site heuristics
// that make it eligible for recursive crawling.
func IsDocSite(normalized string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	host := u.Hostname()

	for _, label := range strings.Split(host, ".") {
		for _, want := range docHostLabels {
			if strings.HasPrefix(label, want) {
				return true
			}
		}
	}
	for _, suffix := range docHostSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	for _, seg := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		for _, want := range docPathSegments {
			if strings.EqualFold(seg, want) {
				return true
			}
		}
	}
	return false
}
