package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultBadExtensions are file types never worth downloading.
var DefaultBadExtensions = []string{"json", "csv", "xml"}

var errUnsupportedScheme = errors.New("unsupported url scheme")

// NormalizeURL canonicalizes an absolute URL: it lowercases the scheme and
// host, removes default ports, strips the fragment, and gives an empty path
// a trailing slash. Only http and https URLs are accepted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalizeParsed(u)
}

// ResolveURL resolves href against base and normalizes the result.
func ResolveURL(href, base string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return normalizeParsed(baseURL.ResolveReference(ref))
}

func normalizeParsed(u *url.URL) (string, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w %q", errUnsupportedScheme, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", errors.New("url has no host")
	}

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Hostname derives the lowercase hostname of rawURL.
func Hostname(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}

// HasBadExtension reports whether the URL path ends in one of the listed
// extensions (compared without the leading dot, case-insensitively).
func HasBadExtension(rawURL string, extensions []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return false
	}
	for _, bad := range extensions {
		if ext == strings.TrimPrefix(strings.ToLower(bad), ".") {
			return true
		}
	}
	return false
}

// IsHTML reports whether a Content-Type header names an html document.
func IsHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}
