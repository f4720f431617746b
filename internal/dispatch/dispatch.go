// Package dispatch runs bulk message jobs against the messaging endpoint.
// Jobs are strictly sequential, paced between sends, and log one outcome
// record per recipient before moving on. One job runs at a time.
package dispatch

import (
	"errors"
	"time"

	"wasender/internal/endpoint"
)

var (
	// ErrBusy is returned when a job is already running.
	ErrBusy = errors.New("a dispatch job is already running")
	// ErrSessionNotReady is returned when the link is not in the ready state.
	ErrSessionNotReady = errors.New("session is not ready")
	// ErrNoRecipients rejects jobs with an empty recipient list.
	ErrNoRecipients = errors.New("job has no recipients")
	// ErrEmptyMessage rejects jobs with an empty message template.
	ErrEmptyMessage = errors.New("job message template is empty")
	// ErrNotStarted is returned when the engine is used before Start.
	ErrNotStarted = errors.New("dispatch engine not started")
)

// Recipient is one delivery target. DisplayName feeds the {name}
// placeholder; when empty the configured fallback is used instead.
type Recipient struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
}

// Job describes one bulk send.
type Job struct {
	ID         string
	Recipients []Recipient

	// MessageTemplate may contain the {name} placeholder.
	MessageTemplate string
	TemplateID      *int64

	Attachment *endpoint.Attachment
	// RemoveAttachment deletes the attachment file once the job finishes.
	RemoveAttachment bool

	// Pacing stretches the delay between sends for this job. The configured
	// pacing acts as a floor; values below it are ignored.
	Pacing time.Duration
}

// Progress is published on the dispatch-progress topic after every
// recipient.
type Progress struct {
	JobID     string `json:"jobId"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Completion is published on the dispatch-complete topic once per job.
type Completion struct {
	JobID  string `json:"jobId"`
	Total  int    `json:"total"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
}

// Status is a point-in-time read of the engine.
type Status struct {
	Running bool   `json:"running"`
	JobID   string `json:"jobId,omitempty"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
}

// Config tunes the engine.
type Config struct {
	// Pacing is the fixed floor delay between consecutive sends. Zero
	// selects 30 seconds. Tests may set a negative value to disable pacing.
	Pacing time.Duration

	// CheckReachable probes each address before sending; unreachable
	// addresses are recorded as failed without a delivery attempt.
	CheckReachable bool

	// FallbackName substitutes the {name} placeholder when a recipient has
	// no display name. Empty selects "Friend".
	FallbackName string

	// OutcomeTimeout bounds each outcome write. Zero selects 5 seconds.
	OutcomeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Pacing == 0 {
		c.Pacing = 30 * time.Second
	}
	if c.FallbackName == "" {
		c.FallbackName = "Friend"
	}
	if c.OutcomeTimeout <= 0 {
		c.OutcomeTimeout = 5 * time.Second
	}
	return c
}
