package domain

import (
	"fmt"
	"time"
)

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy string

const (
	StrategyFixed       RetryStrategy = "fixed"
	StrategyLinear      RetryStrategy = "linear"
	StrategyExponential RetryStrategy = "exponential"
	StrategyCustom      RetryStrategy = "custom"
)

// Valid reports whether s is a known strategy.
func (s RetryStrategy) Valid() bool {
	switch s {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyCustom:
		return true
	}
	return false
}

// RetryPolicy is embedded in a Subscription. CustomDelaysMs is only read for
// the custom strategy; MaxDelayMs of zero leaves delays uncapped.
type RetryPolicy struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Strategy       RetryStrategy `json:"strategy" yaml:"strategy"`
	BaseDelayMs    int           `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	JitterPercent  int           `json:"jitter_percent" yaml:"jitter_percent"`
	MaxDelayMs     int           `json:"max_delay_ms,omitempty" yaml:"max_delay_ms"`
	CustomDelaysMs []int         `json:"custom_delays_ms,omitempty" yaml:"custom_delays_ms"`
}

const (
	DefaultBaseDelayMs   = 1000
	DefaultMaxAttempts   = 5
	DefaultJitterPercent = 10
)

// DefaultRetryPolicy returns the policy applied when a subscription leaves
// its retry policy empty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:       true,
		Strategy:      StrategyExponential,
		BaseDelayMs:   DefaultBaseDelayMs,
		MaxAttempts:   DefaultMaxAttempts,
		JitterPercent: DefaultJitterPercent,
	}
}

// IsZero reports whether the policy was left unset.
func (p RetryPolicy) IsZero() bool {
	return !p.Enabled && p.Strategy == "" && p.BaseDelayMs == 0 && p.MaxAttempts == 0 &&
		p.JitterPercent == 0 && p.MaxDelayMs == 0 && len(p.CustomDelaysMs) == 0
}

// WithDefaults fills unset fields from DefaultRetryPolicy. A jitter of zero
// reads as unset, so every policy is jittered.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.IsZero() {
		return DefaultRetryPolicy()
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.BaseDelayMs == 0 && p.Strategy != StrategyCustom {
		p.BaseDelayMs = DefaultBaseDelayMs
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.JitterPercent == 0 {
		p.JitterPercent = DefaultJitterPercent
	}
	return p
}

func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

func (p RetryPolicy) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelayMs) * time.Millisecond
}

func (p RetryPolicy) Validate() error {
	if p.IsZero() {
		return nil
	}
	if p.Strategy != "" && !p.Strategy.Valid() {
		return NewValidationError("retry_policy.strategy", fmt.Sprintf("unknown strategy %q", p.Strategy))
	}
	if p.BaseDelayMs < 0 || p.MaxDelayMs < 0 {
		return NewValidationError("retry_policy", "delays must not be negative")
	}
	if p.Enabled && p.MaxAttempts < 0 {
		return NewValidationError("retry_policy.max_attempts", "must be at least 1")
	}
	if p.JitterPercent < 0 || p.JitterPercent > 100 {
		return NewValidationError("retry_policy.jitter_percent", "must be between 0 and 100")
	}
	if p.Strategy == StrategyCustom {
		if len(p.CustomDelaysMs) == 0 {
			return NewValidationError("retry_policy.custom_delays_ms", "required for custom strategy")
		}
		for _, d := range p.CustomDelaysMs {
			if d < 0 {
				return NewValidationError("retry_policy.custom_delays_ms", "delays must not be negative")
			}
		}
	}
	return nil
}
