package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// Field limits enforced on persisted records.
const (
	MaxURLLength      = 2048
	MaxHostLength     = 255
	MaxServerLength   = 255
	MaxFilenameLength = 255
)

// Target is a URL accepted for the frontier.
type Target struct {
	URL  string
	Host string
}

// ParseTarget validates rawURL as an absolute http(s) URL within the field
// limits and returns its canonical string and host.
func ParseTarget(rawURL string) (Target, error) {
	u, err := ParseAbsolute(rawURL)
	if err != nil {
		return Target{}, err
	}
	if !IsHTTPScheme(u.Scheme) {
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	canonical := u.String()
	if len(canonical) > MaxURLLength {
		return Target{}, fmt.Errorf("%w: %d bytes", ErrURLTooLong, len(canonical))
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("%w: %q has no host", ErrInvalidURL, rawURL)
	}
	if len(host) > MaxHostLength {
		return Target{}, fmt.Errorf("%w: %d bytes", ErrHostTooLong, len(host))
	}
	return Target{URL: canonical, Host: host}, nil
}

// ParseAbsolute parses rawURL and requires a scheme and a host.
func ParseAbsolute(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// IsHTTPScheme reports whether scheme is http or https.
func IsHTTPScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}

// HasHTTPPrefix reports whether raw begins case-insensitively with http://
// or https://.
func HasHTTPPrefix(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// ParseTable maps a CLI or API table name to a Table.
func ParseTable(name string) (Table, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_") {
	case "visited_urls":
		return TableVisitedURLs, nil
	case "visited_hosts":
		return TableVisitedHosts, nil
	case "urls_to_visit", "pending_urls", "pending":
		return TablePendingURLs, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
}
