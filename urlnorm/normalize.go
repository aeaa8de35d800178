// Package urlnorm implements the URL normalization and same-domain
// comparison rules of spec.md §4.1, applied before every frontier
// admission and every seen-set lookup.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Normalize strips the fragment, collapses the path so the root is "/"
// and non-root paths have no trailing slash, lowercases only the scheme
// (host case is left intact — the seen-set is scheme+host+path+query
// sensitive, per spec.md §4.1), and preserves the query string verbatim.
func Normalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("urlnorm: cannot normalize empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("urlnorm: parse %q: %w", rawURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("urlnorm: %q must have both scheme and host", rawURL)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Fragment = ""

	switch {
	case parsed.Path == "":
		parsed.Path = "/"
	case parsed.Path != "/" && strings.HasSuffix(parsed.Path, "/"):
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	}

	return parsed.String(), nil
}

// SameDomain reports whether a and b are the same host once a leading
// "www." is stripped from both sides (spec.md §4.1 and §9 — the
// normative rule resolves the original's inconsistent single-sided
// strip by stripping both).
func SameDomain(a, b string) bool {
	return stripWWW(hostOf(a)) == stripWWW(hostOf(b))
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

// IsHTTPScheme reports whether rawURL parses with an http or https scheme.
func IsHTTPScheme(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return scheme == "http" || scheme == "https"
}
