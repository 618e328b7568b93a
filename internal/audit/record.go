// ABOUTME: Audit record describing how the gate handled one request
// ABOUTME: Outcome is one of anonymous_allowed, authenticated, rejected

package audit

import (
	"time"
)

// Outcome is how the gate resolved a request.
type Outcome string

const (
	OutcomeAnonymousAllowed Outcome = "anonymous_allowed"
	OutcomeAuthenticated    Outcome = "authenticated"
	OutcomeRejected         Outcome = "rejected"
)

// Record is one audit entry. Subject and Audiences are set only for
// authenticated requests and RejectReason only for rejected ones.
type Record struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Method       *string   `json:"method,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Subject      string    `json:"subject,omitempty"`
	Audiences    []string  `json:"audiences,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`
	Status       int       `json:"status"`
}

// Recorder accepts audit records.
type Recorder interface {
	Record(Record)
}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(Record)

// Record calls f(r).
func (f RecorderFunc) Record(r Record) { f(r) }
