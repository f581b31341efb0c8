package retry

import (
	"math"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

// maxShift keeps base*2^(n-1) from overflowing a time.Duration.
const maxShift = 30

// ComputeDelay returns the backoff before the attempt following attempt n,
// without jitter:
//
//	fixed, linear: base * n
//	exponential:   base * 2^(n-1)
//	custom:        CustomDelaysMs[n-1], the last entry repeating
//
// The result is capped at MaxDelayMs when set.
func ComputeDelay(p domain.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay()

	var d time.Duration
	switch p.Strategy {
	case domain.StrategyFixed, domain.StrategyLinear:
		d = base * time.Duration(attempt)
	case domain.StrategyCustom:
		if len(p.CustomDelaysMs) == 0 {
			d = base
			break
		}
		i := min(attempt, len(p.CustomDelaysMs)) - 1
		d = time.Duration(p.CustomDelaysMs[i]) * time.Millisecond
	default:
		shift := min(attempt-1, maxShift)
		if base > time.Duration(math.MaxInt64>>shift) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = base << shift
		}
	}

	if maxDelay := p.MaxDelay(); maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

// Jitter scales d by a random factor in [1-percent/200, 1+percent/200].
// rnd must return values in [0, 1). The result is never negative.
func Jitter(d time.Duration, percent int, rnd func() float64) time.Duration {
	if percent <= 0 || d <= 0 || rnd == nil {
		return max(d, 0)
	}
	percent = min(percent, 100)

	spread := float64(percent) / 100 / 2
	factor := 1 + (rnd()*2-1)*spread
	out := time.Duration(float64(d) * factor)
	return max(out, 0)
}

// NextDelay is ComputeDelay with the policy's jitter applied.
func NextDelay(p domain.RetryPolicy, attempt int, rnd func() float64) time.Duration {
	return Jitter(ComputeDelay(p, attempt), p.JitterPercent, rnd)
}
