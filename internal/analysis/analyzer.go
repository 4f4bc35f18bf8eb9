// Package analysis scores the structure of crawled pages for answer engines.
package analysis

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
)

// Analyzer extracts structural signals with goquery.
type Analyzer struct {
	// TargetWords is the word count at which content earns full credit.
	TargetWords int
	now         func() time.Time
}

// New creates an analyzer. now may be nil.
func New(now func() time.Time) *Analyzer {
	if now == nil {
		now = time.Now
	}
	return &Analyzer{TargetWords: 300, now: now}
}

var _ audit.Analyzer = (*Analyzer)(nil)

// Analyze implements audit.Analyzer. Pages that failed to fetch or are not
// HTML produce an empty analysis with a zero score.
func (a *Analyzer) Analyze(page audit.PageRecord) audit.PageAnalysis {
	out := audit.PageAnalysis{
		AuditID:    page.AuditID,
		URL:        page.URL,
		AnalyzedAt: a.now().UTC(),
	}
	if page.StatusCode < 200 || page.StatusCode >= 300 || len(page.Body) == 0 {
		return out
	}
	if page.ContentType != "" && !strings.Contains(strings.ToLower(page.ContentType), "html") {
		return out
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return out
	}

	out.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		out.MetaDescription = strings.TrimSpace(desc)
	}
	out.H1Count = doc.Find("h1").Length()
	out.HasJSONLD = doc.Find(`script[type="application/ld+json"]`).Length() > 0
	out.HasCanonical = doc.Find(`link[rel="canonical"]`).Length() > 0

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	out.WordCount = len(strings.Fields(body.Text()))

	out.Score = a.score(out)
	return out
}

func (a *Analyzer) score(p audit.PageAnalysis) float64 {
	var s float64
	if p.Title != "" {
		s += 0.2
	}
	if p.MetaDescription != "" {
		s += 0.15
	}
	if p.H1Count == 1 {
		s += 0.15
	}
	if p.HasJSONLD {
		s += 0.15
	}
	if p.HasCanonical {
		s += 0.1
	}
	target := a.TargetWords
	if target <= 0 {
		target = 300
	}
	s += 0.25 * min(1, float64(p.WordCount)/float64(target))
	return s
}
