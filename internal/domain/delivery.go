package domain

import (
	"time"
)

// OutcomeKind classifies the result of one delivery attempt.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeRateLimited       OutcomeKind = "rate_limited"
	OutcomeCircuitOpen       OutcomeKind = "circuit_open"
	OutcomeTimeout           OutcomeKind = "timeout"
	OutcomeHTTPError         OutcomeKind = "http_error"
	OutcomeTransportError    OutcomeKind = "transport_error"
	OutcomeValidationError   OutcomeKind = "validation_error"
	OutcomePermanentlyFailed OutcomeKind = "permanently_failed"
)

// Deferred reports outcomes where no request left the process. They do not
// consume a retry attempt.
func (k OutcomeKind) Deferred() bool {
	return k == OutcomeRateLimited || k == OutcomeCircuitOpen
}

// Retryable reports outcomes that consume an attempt and may be retried.
func (k OutcomeKind) Retryable() bool {
	switch k {
	case OutcomeTimeout, OutcomeHTTPError, OutcomeTransportError:
		return true
	}
	return false
}

// Outcome is the normalized result of DeliveryTransport.Send.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

func (o Outcome) Success() bool { return o.Kind == OutcomeSuccess }

// DeliveryAttempt is recorded once per physical attempt and never changes
// after completion.
type DeliveryAttempt struct {
	ID             string      `json:"id"`
	SubscriptionID string      `json:"subscription_id"`
	EventID        string      `json:"event_id"`
	EventType      string      `json:"event_type"`
	Host           string      `json:"host"`
	AttemptNumber  int         `json:"attempt_number"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    time.Time   `json:"completed_at"`
	Outcome        OutcomeKind `json:"outcome"`
	HTTPStatus     int         `json:"http_status,omitempty"`
	LatencyMs      int64       `json:"latency_ms"`
	ErrorKind      string      `json:"error_kind,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// RetryJob is a pending re-delivery. Attempt is the number of the next
// physical attempt; Deferrals counts rate-limit and circuit-open pushbacks.
type RetryJob struct {
	JobID           string    `json:"job_id"`
	SubscriptionID  string    `json:"subscription_id"`
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	EventPayloadRef string    `json:"event_payload_ref"`
	LastError       string    `json:"last_error,omitempty"`
	LastStatus      int       `json:"last_status,omitempty"`
	Attempt         int       `json:"attempt"`
	Deferrals       int       `json:"deferrals"`
	NextAttemptAt   time.Time `json:"next_attempt_at"`
	Priority        int       `json:"priority"`
	CreatedAt       time.Time `json:"created_at"`
}

// Key identifies the (subscription, event) pair of the job.
func (j *RetryJob) Key() DeliveryKey {
	return DeliveryKey{SubscriptionID: j.SubscriptionID, EventID: j.EventID}
}

// DeliveryKey is the unit of at-most-one-in-flight delivery.
type DeliveryKey struct {
	SubscriptionID string
	EventID        string
}

// DeadLetter is the terminal record for a job whose retry budget ran out.
type DeadLetter struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	TotalAttempts  int        `json:"total_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	LastHTTPStatus int        `json:"last_http_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     *string    `json:"resolved_by,omitempty"`
}
