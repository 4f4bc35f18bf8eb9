package runner

import (
	"math"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/discovery"
)

// Score weights for the overall answerability score.
const (
	weightCrawl    = 0.25
	weightContent  = 0.30
	weightCitation = 0.30
	weightAccess   = 0.15
)

// ComputeScores derives the final scorecard. Every ratio is in [0,1].
func ComputeScores(a audit.Audit, stats audit.PageStats, analyses []audit.PageAnalysis, citations []audit.CitationResult) audit.Scores {
	s := audit.Scores{
		AvgLoadMS:     stats.AvgLoadMS,
		PagesCrawled:  stats.Total,
		PagesAnalyzed: len(analyses),
	}
	if stats.Total > 0 {
		s.CrawlHealth = float64(stats.OK) / float64(stats.Total)
	}
	if len(analyses) > 0 {
		var sum float64
		for _, p := range analyses {
			sum += p.Score
		}
		s.Content = sum / float64(len(analyses))
	}
	cited := 0
	for _, c := range citations {
		switch {
		case c.Error != "":
			s.QueryErrors++
		case c.Cited:
			cited++
			s.Queries++
		default:
			s.Queries++
		}
	}
	if s.Queries > 0 {
		s.CitationRate = float64(cited) / float64(s.Queries)
	}

	access := discovery.AllowedShare(a.PhaseState.Robots.AIAgents)
	if a.PhaseState.JSDependent {
		access *= 0.5
	}
	if a.PhaseState.LLMsTxt {
		access += 0.1
	}
	s.AIAccess = math.Min(1, access)

	s.Overall = round(weightCrawl*s.CrawlHealth +
		weightContent*s.Content +
		weightCitation*s.CitationRate +
		weightAccess*s.AIAccess)
	return s
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
