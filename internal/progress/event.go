package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the milestone an Event represents.
type Stage string

// Audit lifecycle stages.
const (
	StagePhaseAdvance  Stage = "PHASE_ADVANCE"
	StagePhaseRewind   Stage = "PHASE_REWIND"
	StageFetchDone     Stage = "FETCH_DONE"
	StageAuditDone     Stage = "AUDIT_DONE"
	StageWatchdogReset Stage = "WATCHDOG_RESET"
	StageWatchdogFail  Stage = "WATCHDOG_FAIL"
	StageAlert         Stage = "ALERT"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes for fetch completions. StatusFailed marks a fetch that never
// produced a response.
const (
	Status2xx    StatusClass = "2xx"
	Status3xx    StatusClass = "3xx"
	Status4xx    StatusClass = "4xx"
	Status5xx    StatusClass = "5xx"
	StatusFailed StatusClass = "failed"
)

// Event is one audit milestone.
type Event struct {
	AuditID string    `json:"audit_id,omitempty"`
	TS      time.Time `json:"ts"`
	Stage   Stage     `json:"stage"`
	// Phase is the phase the event happened in; To is the destination for
	// transitions.
	Phase       string        `json:"phase,omitempty"`
	To          string        `json:"to,omitempty"`
	Site        string        `json:"site,omitempty"`
	URL         string        `json:"url,omitempty"`
	Bytes       int64         `json:"bytes,omitempty"`
	StatusClass StatusClass   `json:"status_class,omitempty"`
	Dur         time.Duration `json:"dur,omitempty"`
	// Code is a machine-readable reason, such as a failure code or alert kind.
	Code string `json:"code,omitempty"`
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StagePhaseAdvance, StagePhaseRewind:
		if e.AuditID == "" || e.To == "" {
			return errors.New("transition requires audit id and destination")
		}
	case StageFetchDone:
		if e.Site == "" || e.StatusClass == "" {
			return errors.New("fetch done requires site and status class")
		}
	case StageAuditDone, StageWatchdogReset, StageWatchdogFail:
		if e.AuditID == "" {
			return fmt.Errorf("%s requires audit id", e.Stage)
		}
	case StageAlert:
		if e.Code == "" {
			return errors.New("alert requires code")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusFailed
	}
}
