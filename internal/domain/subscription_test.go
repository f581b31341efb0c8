package domain

import (
	"errors"
	"reflect"
	"testing"
)

func validSubscription() Subscription {
	return Subscription{
		ID:             "sub-1",
		EventType:      "order.created",
		DestinationURL: "https://hooks.example.com/orders",
		Secret:         "s3cr3t",
		Active:         true,
	}
}

func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"*", "inventory.changed", true},
		{"order.*", "order.created", true},
		{"order.*", "orders.created", false},
		{"customer.*", "order.created", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			sub := Subscription{EventType: tt.pattern}
			if got := sub.Matches(tt.eventType); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestSubscription_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Subscription)
		field  string
	}{
		{"valid", func(*Subscription) {}, ""},
		{"missing id", func(s *Subscription) { s.ID = "" }, "id"},
		{"relative url", func(s *Subscription) { s.DestinationURL = "/hook" }, "destination_url"},
		{"ftp url", func(s *Subscription) { s.DestinationURL = "ftp://example.com" }, "destination_url"},
		{"missing secret", func(s *Subscription) { s.Secret = "" }, "secret"},
		{"bad strategy", func(s *Subscription) {
			s.RetryPolicy = RetryPolicy{Enabled: true, Strategy: "fibonacci"}
		}, "retry_policy.strategy"},
		{"custom without delays", func(s *Subscription) {
			s.RetryPolicy = RetryPolicy{Enabled: true, Strategy: StrategyCustom}
		}, "retry_policy.custom_delays_ms"},
		{"jitter out of range", func(s *Subscription) {
			s.RetryPolicy = RetryPolicy{Enabled: true, JitterPercent: 150}
		}, "retry_policy.jitter_percent"},
		{"unknown filter", func(s *Subscription) {
			s.Filters = []Filter{{Type: "regex"}}
		}, "filters.type"},
		{"condition without operator", func(s *Subscription) {
			s.Filters = []Filter{{Type: FilterCondition, Condition: &Condition{Field: "total"}}}
		}, "filters.condition.operator"},
		{"rename without target", func(s *Subscription) {
			s.Transformations = []Transformation{{Type: TransformRename, From: "a"}}
		}, "transformations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubscription()
			tt.mutate(&sub)
			err := sub.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestRetryPolicy_WithDefaults(t *testing.T) {
	p := RetryPolicy{}.WithDefaults()
	if !reflect.DeepEqual(p, DefaultRetryPolicy()) {
		t.Errorf("zero policy should become the default, got %+v", p)
	}

	disabled := RetryPolicy{Enabled: false, MaxAttempts: 1}.WithDefaults()
	if disabled.Enabled {
		t.Error("explicitly configured policy must keep Enabled=false")
	}
	if disabled.Strategy != StrategyExponential {
		t.Errorf("strategy = %q, want exponential", disabled.Strategy)
	}

	fixed := RetryPolicy{Enabled: true, Strategy: StrategyFixed, BaseDelayMs: 500, MaxAttempts: 3}.WithDefaults()
	if fixed.JitterPercent != DefaultJitterPercent {
		t.Errorf("jitter = %d, want %d", fixed.JitterPercent, DefaultJitterPercent)
	}
	custom := RetryPolicy{Enabled: true, JitterPercent: 40}.WithDefaults()
	if custom.JitterPercent != 40 {
		t.Errorf("jitter = %d, want 40", custom.JitterPercent)
	}
}

func TestSubscription_Host(t *testing.T) {
	sub := validSubscription()
	if got := sub.Host(); got != "hooks.example.com" {
		t.Errorf("Host() = %q", got)
	}
}
