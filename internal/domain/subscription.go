package domain

import (
	"net/url"
	"strings"
	"time"
)

// Subscription binds a tenant's event type to a destination endpoint and its
// delivery policy. The delivery core only ever reads subscriptions.
type Subscription struct {
	ID              string            `json:"id" yaml:"id"`
	TenantID        string            `json:"tenant_id" yaml:"tenant_id"`
	EventType       string            `json:"event_type" yaml:"event_type"`
	DestinationURL  string            `json:"destination_url" yaml:"destination_url"`
	Secret          string            `json:"secret,omitempty" yaml:"secret"`
	Active          bool              `json:"active" yaml:"-"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers"`
	RetryPolicy     RetryPolicy       `json:"retry_policy" yaml:"retry_policy"`
	RateLimit       RateLimit         `json:"rate_limit" yaml:"rate_limit"`
	TimeoutMs       int               `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Filters         []Filter          `json:"filters,omitempty" yaml:"filters"`
	Transformations []Transformation  `json:"transformations,omitempty" yaml:"transformations"`
	CreatedAt       time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"updated_at"`
}

// RateLimit caps deliveries per destination host. Zero means unlimited.
type RateLimit struct {
	RequestsPerSecond int `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int `json:"burst,omitempty" yaml:"burst"`
}

// Matches reports whether the subscription listens to eventType. Patterns
// are an exact type, "*" for everything, or a "prefix.*" wildcard.
func (s *Subscription) Matches(eventType string) bool {
	switch {
	case s.EventType == eventType, s.EventType == "*":
		return true
	case strings.HasSuffix(s.EventType, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(s.EventType, "*"))
	}
	return false
}

// Host returns the destination host used to key breakers and limiters.
func (s *Subscription) Host() string {
	u, err := url.Parse(s.DestinationURL)
	if err != nil {
		return s.DestinationURL
	}
	return u.Host
}

// Timeout returns the per-subscription delivery timeout, or zero to use the
// transport default.
func (s *Subscription) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Validate rejects configurations that can never be delivered.
func (s *Subscription) Validate() error {
	if s.ID == "" {
		return NewValidationError("id", "is required")
	}
	if s.EventType == "" {
		return NewValidationError("event_type", "is required")
	}
	u, err := url.Parse(s.DestinationURL)
	if err != nil || u.Host == "" {
		return NewValidationError("destination_url", "must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewValidationError("destination_url", "scheme must be http or https")
	}
	if s.Secret == "" {
		return NewValidationError("secret", "is required")
	}
	if s.TimeoutMs < 0 {
		return NewValidationError("timeout_ms", "must not be negative")
	}
	if s.RateLimit.RequestsPerSecond < 0 || s.RateLimit.Burst < 0 {
		return NewValidationError("rate_limit", "must not be negative")
	}
	if err := s.RetryPolicy.Validate(); err != nil {
		return err
	}
	for i := range s.Filters {
		if err := s.Filters[i].Validate(); err != nil {
			return err
		}
	}
	for i := range s.Transformations {
		if err := s.Transformations[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SubscriptionPatch is a partial update. Nil fields are left unchanged.
type SubscriptionPatch struct {
	DestinationURL  *string            `json:"destination_url,omitempty"`
	Secret          *string            `json:"secret,omitempty"`
	Active          *bool              `json:"active,omitempty"`
	Headers         *map[string]string `json:"headers,omitempty"`
	RetryPolicy     *RetryPolicy       `json:"retry_policy,omitempty"`
	RateLimit       *RateLimit         `json:"rate_limit,omitempty"`
	TimeoutMs       *int               `json:"timeout_ms,omitempty"`
	Filters         *[]Filter          `json:"filters,omitempty"`
	Transformations *[]Transformation  `json:"transformations,omitempty"`
}

// Apply copies the set fields onto s.
func (p SubscriptionPatch) Apply(s *Subscription) {
	if p.DestinationURL != nil {
		s.DestinationURL = *p.DestinationURL
	}
	if p.Secret != nil {
		s.Secret = *p.Secret
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.Headers != nil {
		s.Headers = *p.Headers
	}
	if p.RetryPolicy != nil {
		s.RetryPolicy = *p.RetryPolicy
	}
	if p.RateLimit != nil {
		s.RateLimit = *p.RateLimit
	}
	if p.TimeoutMs != nil {
		s.TimeoutMs = *p.TimeoutMs
	}
	if p.Filters != nil {
		s.Filters = *p.Filters
	}
	if p.Transformations != nil {
		s.Transformations = *p.Transformations
	}
}
