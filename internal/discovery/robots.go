package discovery

import (
	"fmt"

	"github.com/temoto/robotstxt"
)

// AIAgents are the answer-engine crawlers whose access is reported.
var AIAgents = []string{"GPTBot", "ClaudeBot", "PerplexityBot", "Google-Extended", "CCBot"}

// Robots is what a robots.txt says about AI crawlers.
type Robots struct {
	Sitemaps []string
	Agents   map[string]bool
}

// ParseRobots interprets a robots.txt response. Missing files (4xx) allow
// everything and server errors disallow everything, following robotstxt.
func ParseRobots(statusCode int, body []byte) (Robots, error) {
	data, err := robotstxt.FromStatusAndBytes(statusCode, body)
	if err != nil {
		return Robots{}, fmt.Errorf("parse robots.txt: %w", err)
	}
	out := Robots{
		Sitemaps: append([]string(nil), data.Sitemaps...),
		Agents:   make(map[string]bool, len(AIAgents)),
	}
	for _, agent := range AIAgents {
		out.Agents[agent] = data.TestAgent("/", agent)
	}
	return out, nil
}

// AllowedShare is the fraction of AI agents allowed to crawl the root.
func (r Robots) AllowedShare() float64 {
	return AllowedShare(r.Agents)
}

// AllowedShare computes the allowed fraction for a stored agent map. An
// empty map means robots.txt was never read and counts as fully open.
func AllowedShare(agents map[string]bool) float64 {
	if len(agents) == 0 {
		return 1
	}
	allowed := 0
	for _, ok := range agents {
		if ok {
			allowed++
		}
	}
	return float64(allowed) / float64(len(agents))
}
