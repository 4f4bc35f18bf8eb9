// Package detector flags pages that depend on client-side JavaScript to render content.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
)

// Heuristic applies rule-based checks to a fetched page. AI crawlers rarely
// execute JavaScript, so a JS-dependent homepage is invisible to them.
type Heuristic struct {
	BodyLengthThreshold int
	MinVisibleWords     int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, MinVisibleWords: 50}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-server-rendered"),
}

// JSDependent reports whether the page likely needs JavaScript to show content.
// Only successful HTML responses are judged.
func (h *Heuristic) JSDependent(res audit.FetchResult) bool {
	if res.StatusCode != 200 {
		return false
	}
	body := res.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	scriptBytes := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(s.Text())
	})
	words := visibleWords(doc)

	if len(body) < h.BodyLengthThreshold && scriptBytes*100/len(body) >= 25 {
		return true
	}
	if words >= h.MinVisibleWords {
		return false
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	noscript := strings.ToLower(doc.Find("noscript").Text())
	return strings.Contains(noscript, "enable javascript")
}

func visibleWords(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Fields(body.Text()))
}
