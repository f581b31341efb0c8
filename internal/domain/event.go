package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Event is a domain event produced elsewhere in the platform.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"event_type"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Envelope is the exact JSON body posted to subscribers.
type Envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	WebhookID string         `json:"webhook_id"`
	Signature string         `json:"signature"`
}

// Marshal encodes the envelope without HTML escaping so the data section
// matches the bytes that were signed.
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Outbound header names.
const (
	HeaderContentType = "Content-Type"
	HeaderEvent       = "X-Webhook-Event"
	HeaderID          = "X-Webhook-Id"
	HeaderSignature   = "X-Webhook-Signature"
	HeaderEventID     = "X-Webhook-Event-Id"
	HeaderAttempt     = "X-Webhook-Attempt"
)
