package discovery

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var skippedExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico",
	".css", ".js", ".pdf", ".zip", ".mp4", ".mp3", ".woff", ".woff2",
}

// ExtractLinks returns up to limit normalized same-site links from an HTML
// document fetched from base. Order follows the document.
func ExtractLinks(base string, body []byte, limit int) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := baseURL.Parse(href); err == nil {
			baseURL = resolved
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if limit > 0 && len(links) >= limit {
			return false
		}
		if rel, _ := s.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return true
		}
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		resolved, err := baseURL.Parse(href)
		if err != nil {
			return true
		}
		normalized, err := NormalizeURL(resolved.String())
		if err != nil || !SameSite(normalized, baseURL.Hostname()) || skippable(resolved.Path) {
			return true
		}
		if _, dup := seen[normalized]; dup {
			return true
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
		return true
	})
	return links, nil
}

func skippable(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range skippedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
