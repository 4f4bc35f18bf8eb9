package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// PhaseState is the tick-local scratch space persisted with each audit.
type PhaseState struct {
	Chain       ChainWindow  `json:"chain"`
	RetryPhase  Phase        `json:"retry_phase,omitempty"`
	JSDependent bool         `json:"js_dependent,omitempty"`
	Robots      RobotsReport `json:"robots"`
	Sitemap     SitemapState `json:"sitemap"`
	LLMsTxt     bool         `json:"llms_txt,omitempty"`
}

// ChainWindow bounds a run of consecutive self-continued crawl ticks.
type ChainWindow struct {
	Count     int       `json:"count"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// RobotsReport captures what robots.txt says about AI crawlers.
type RobotsReport struct {
	Fetched    bool            `json:"fetched"`
	StatusCode int             `json:"status_code,omitempty"`
	Sitemaps   []string        `json:"sitemaps,omitempty"`
	AIAgents   map[string]bool `json:"ai_agents,omitempty"`
}

// SitemapState records sitemap seeding.
type SitemapState struct {
	URL    string `json:"url,omitempty"`
	Seeded int    `json:"seeded"`
}

// Marshal encodes the state for storage.
func (s PhaseState) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal phase state: %w", err)
	}
	return data, nil
}

// UnmarshalPhaseState decodes stored state. Empty input yields the zero state.
func UnmarshalPhaseState(data []byte) (PhaseState, error) {
	var s PhaseState
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return PhaseState{}, fmt.Errorf("unmarshal phase state: %w", err)
	}
	return s, nil
}

// WithRetryPhase returns a copy whose retry phase is the furthest of the
// current value and p.
func (s PhaseState) WithRetryPhase(p Phase) PhaseState {
	if s.RetryPhase == "" || p.Index() > s.RetryPhase.Index() {
		s.RetryPhase = p
	}
	return s
}

// ResetsAttempts reports whether advancing out of from clears the attempt
// counter. After a watchdog restart the cheap phases fast-forward without
// touching it; only leaving the stuck phase (or a later one) counts.
func (s PhaseState) ResetsAttempts(from Phase) bool {
	if s.RetryPhase == "" {
		return true
	}
	return from.Index() >= s.RetryPhase.Index()
}
