package discovery

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Sitemap is the parsed content of a sitemap or sitemap index.
type Sitemap struct {
	URLs     []string
	Children []string
}

// ParseSitemap extracts <loc> entries. Entries under <sitemap> are reported
// as child sitemaps; entries under <url> as pages. Only same-site URLs are
// kept and pages are capped at limit.
func ParseSitemap(body []byte, domain string, limit int) (Sitemap, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Sitemap{}, fmt.Errorf("parse sitemap: %w", err)
	}
	var out Sitemap
	seen := make(map[string]struct{})
	doc.Find("loc").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		loc, err := NormalizeURL(strings.TrimSpace(s.Text()))
		if err != nil || !SameSite(loc, domain) {
			return true
		}
		if _, dup := seen[loc]; dup {
			return true
		}
		seen[loc] = struct{}{}
		if s.Parent().Is("sitemap") {
			out.Children = append(out.Children, loc)
			return true
		}
		if limit > 0 && len(out.URLs) >= limit {
			return false
		}
		out.URLs = append(out.URLs, loc)
		return true
	})
	return out, nil
}
