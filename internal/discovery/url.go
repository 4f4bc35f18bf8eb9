// Package discovery extracts crawlable URLs and crawler directives from a
// site's homepage, robots.txt, and sitemap.
package discovery

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes rawURL so the frontier does not hold duplicates.
// Scheme and host are lowercased, default ports and fragments dropped, and
// query parameters sorted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, map[string]string{"http": ":80", "https": ":443"}[u.Scheme])
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

// SameSite reports whether rawURL belongs to domain, treating the www.
// prefix as equivalent.
func SameSite(rawURL, domain string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return bareHost(u.Hostname()) == bareHost(domain)
}

func bareHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// Resolve joins a relative path against the site root of domain.
func Resolve(domain, path string) string {
	return (&url.URL{Scheme: "https", Host: domain, Path: path}).String()
}
