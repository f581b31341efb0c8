package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/Priya8975/sales-webhooks/internal/domain"
)

// Trend directions reported by HealthReport.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

const (
	DefaultWindow              = 5 * time.Minute
	DefaultRetention           = time.Hour
	DefaultErrorRateThreshold  = 0.10
	DefaultAvgLatencyThreshold = 5 * time.Second
	DefaultQueueDepthThreshold = 100
	defaultBufferSize          = 1024
	maxBatch                   = 256

	// trendDelta is the error-rate change between window halves that counts
	// as a trend rather than noise.
	trendDelta = 0.05
)

type Config struct {
	// Window is both the default report window and the span thresholds are
	// evaluated over.
	Window              time.Duration
	Retention           time.Duration
	ErrorRateThreshold  float64
	AvgLatencyThreshold time.Duration
	QueueDepthThreshold int
	BufferSize          int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Retention < c.Window {
		c.Retention = c.Window
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if c.AvgLatencyThreshold <= 0 {
		c.AvgLatencyThreshold = DefaultAvgLatencyThreshold
	}
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = DefaultQueueDepthThreshold
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

type sample struct {
	at             time.Time
	subscriptionID string
	outcome        domain.OutcomeKind
	latencyMs      int64
}

type LatencyPercentiles struct {
	P50 float64 `json:"p50_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// HealthReport summarizes delivery health over a window. An empty
// SubscriptionID means every subscription.
type HealthReport struct {
	SubscriptionID    string                     `json:"subscription_id,omitempty"`
	Window            string                     `json:"window"`
	From              time.Time                  `json:"from"`
	To                time.Time                  `json:"to"`
	Total             int                        `json:"total"`
	Succeeded         int                        `json:"succeeded"`
	Failed            int                        `json:"failed"`
	SuccessRate       float64                    `json:"success_rate"`
	ErrorRate         float64                    `json:"error_rate"`
	AvgLatencyMs      float64                    `json:"avg_latency_ms"`
	Latency           LatencyPercentiles         `json:"latency"`
	Outcomes          map[domain.OutcomeKind]int `json:"outcomes"`
	QueueDepth        int                        `json:"queue_depth"`
	PermanentFailures int                        `json:"permanent_failures"`
	ActiveAlerts      int                        `json:"active_alerts"`
	Trend             string                     `json:"trend"`
}

// Aggregator ingests delivery attempts and answers health queries. Attempts
// arrive through Record (buffered channel drained by Run) or IngestBatch;
// thresholds are evaluated after every batch.
type Aggregator struct {
	cfg    Config
	alerts *AlertManager
	clock  clock.Clock
	logger *slog.Logger
	in     chan domain.DeliveryAttempt

	mu            sync.RWMutex
	samples       []sample
	permanent     []sample
	queueDepth    int
	subQueueDepth map[string]int
}

func NewAggregator(cfg Config, alerts *AlertManager, clk clock.Clock, logger *slog.Logger) *Aggregator {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Aggregator{
		cfg:    cfg,
		alerts: alerts,
		clock:  clk,
		logger: logger,
		in:     make(chan domain.DeliveryAttempt, cfg.BufferSize),
	}
}

// RecordAttempt queues an attempt for Run. When the buffer is full the
// attempt is ingested synchronously rather than dropped.
func (a *Aggregator) RecordAttempt(attempt domain.DeliveryAttempt) {
	select {
	case a.in <- attempt:
	default:
		a.IngestBatch([]domain.DeliveryAttempt{attempt})
	}
}

// Run drains the ingestion channel in batches until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case first := <-a.in:
			batch := []domain.DeliveryAttempt{first}
		fill:
			for len(batch) < maxBatch {
				select {
				case next := <-a.in:
					batch = append(batch, next)
				default:
					break fill
				}
			}
			a.IngestBatch(batch)
		}
	}
}

func (a *Aggregator) drain() {
	var batch []domain.DeliveryAttempt
	for {
		select {
		case next := <-a.in:
			batch = append(batch, next)
		default:
			if len(batch) > 0 {
				a.IngestBatch(batch)
			}
			return
		}
	}
}

// IngestBatch stores attempts and evaluates thresholds for the global scope
// and every subscription in the batch.
func (a *Aggregator) IngestBatch(attempts []domain.DeliveryAttempt) {
	if len(attempts) == 0 {
		return
	}
	now := a.clock.Now()
	touched := make(map[string]struct{})

	a.mu.Lock()
	for _, at := range attempts {
		ts := at.CompletedAt
		if ts.IsZero() {
			ts = now
		}
		a.samples = append(a.samples, sample{
			at:             ts,
			subscriptionID: at.SubscriptionID,
			outcome:        at.Outcome,
			latencyMs:      at.LatencyMs,
		})
		touched[at.SubscriptionID] = struct{}{}
	}
	a.prune(now)
	a.mu.Unlock()

	a.evaluate("")
	for subID := range touched {
		a.evaluate(subID)
	}
}

// RetryQueueDepth records the current retry queue depth, in total and per
// subscription. The queue alert is evaluated on the total.
func (a *Aggregator) RetryQueueDepth(depth int, bySubscription map[string]int) {
	a.mu.Lock()
	a.queueDepth = depth
	a.subQueueDepth = bySubscription
	a.mu.Unlock()

	if a.alerts == nil {
		return
	}
	threshold := a.cfg.QueueDepthThreshold
	severity := SeverityWarning
	if depth > threshold*5 {
		severity = SeverityCritical
	}
	a.alerts.Evaluate(Condition{
		Type:      AlertHighRetryQueue,
		Breached:  depth > threshold,
		Severity:  severity,
		Value:     float64(depth),
		Threshold: float64(threshold),
		Message:   fmt.Sprintf("retry queue depth %d exceeds %d", depth, threshold),
	})
}

// PermanentFailure records a job that ran out of attempts.
func (a *Aggregator) PermanentFailure(dl domain.DeadLetter) {
	at := dl.CreatedAt
	if at.IsZero() {
		at = a.clock.Now()
	}

	a.mu.Lock()
	a.permanent = append(a.permanent, sample{at: at, subscriptionID: dl.SubscriptionID, outcome: domain.OutcomePermanentlyFailed})
	a.prune(a.clock.Now())
	a.mu.Unlock()

	a.evaluate(dl.SubscriptionID)
}

// prune drops samples older than the retention period. Callers hold mu.
func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.cfg.Retention)
	a.samples = dropBefore(a.samples, cutoff)
	a.permanent = dropBefore(a.permanent, cutoff)
}

// dropBefore filters in place. Samples are not sorted: attempts carry their
// own completion time and batches arrive out of order.
func dropBefore(s []sample, cutoff time.Time) []sample {
	kept := s[:0]
	for _, smp := range s {
		if !smp.at.Before(cutoff) {
			kept = append(kept, smp)
		}
	}
	clear(s[len(kept):])
	return kept
}

func (a *Aggregator) evaluate(subscriptionID string) {
	if a.alerts == nil {
		return
	}
	r := a.HealthReport(subscriptionID, a.cfg.Window)
	scope := "all subscriptions"
	if subscriptionID != "" {
		scope = "subscription " + subscriptionID
	}

	errSeverity := SeverityWarning
	if r.ErrorRate > a.cfg.ErrorRateThreshold*2 {
		errSeverity = SeverityCritical
	}
	a.alerts.Evaluate(Condition{
		Type:           AlertHighErrorRate,
		SubscriptionID: subscriptionID,
		Breached:       r.Total > 0 && r.ErrorRate > a.cfg.ErrorRateThreshold,
		Severity:       errSeverity,
		Value:          r.ErrorRate,
		Threshold:      a.cfg.ErrorRateThreshold,
		Message:        fmt.Sprintf("error rate %.1f%% for %s", r.ErrorRate*100, scope),
	})

	limitMs := float64(a.cfg.AvgLatencyThreshold.Milliseconds())
	latSeverity := SeverityWarning
	if r.AvgLatencyMs > limitMs*2 {
		latSeverity = SeverityCritical
	}
	a.alerts.Evaluate(Condition{
		Type:           AlertSlowResponse,
		SubscriptionID: subscriptionID,
		Breached:       r.Total > 0 && r.AvgLatencyMs > limitMs,
		Severity:       latSeverity,
		Value:          r.AvgLatencyMs,
		Threshold:      limitMs,
		Message:        fmt.Sprintf("average latency %.0fms for %s", r.AvgLatencyMs, scope),
	})

	if subscriptionID != "" {
		a.alerts.Evaluate(Condition{
			Type:           AlertPermanentFailure,
			SubscriptionID: subscriptionID,
			Breached:       r.PermanentFailures > 0,
			Severity:       SeverityCritical,
			Value:          float64(r.PermanentFailures),
			Message:        fmt.Sprintf("%d deliveries permanently failed for %s", r.PermanentFailures, scope),
		})
	}
}

// HealthReport summarizes attempts completed within window of now. A window
// of zero uses the configured default; windows beyond retention are capped.
func (a *Aggregator) HealthReport(subscriptionID string, window time.Duration) HealthReport {
	if window <= 0 {
		window = a.cfg.Window
	}
	if window > a.cfg.Retention {
		window = a.cfg.Retention
	}
	now := a.clock.Now()
	from := now.Add(-window)

	a.mu.RLock()
	var inWindow []sample
	for _, s := range a.samples {
		if !s.at.Before(from) && (subscriptionID == "" || s.subscriptionID == subscriptionID) {
			inWindow = append(inWindow, s)
		}
	}
	permanent := 0
	for _, s := range a.permanent {
		if !s.at.Before(from) && (subscriptionID == "" || s.subscriptionID == subscriptionID) {
			permanent++
		}
	}
	depth := a.queueDepth
	if subscriptionID != "" {
		depth = a.subQueueDepth[subscriptionID]
	}
	a.mu.RUnlock()

	r := HealthReport{
		SubscriptionID:    subscriptionID,
		Window:            window.String(),
		From:              from,
		To:                now,
		Outcomes:          make(map[domain.OutcomeKind]int),
		QueueDepth:        depth,
		PermanentFailures: permanent,
		Trend:             trend(inWindow, from.Add(window/2)),
	}

	latencies := make([]float64, 0, len(inWindow))
	var latencySum float64
	for _, s := range inWindow {
		r.Outcomes[s.outcome]++
		if s.outcome == domain.OutcomeSuccess {
			r.Succeeded++
		} else {
			r.Failed++
		}
		latencies = append(latencies, float64(s.latencyMs))
		latencySum += float64(s.latencyMs)
	}
	r.Total = len(inWindow)

	if r.Total > 0 {
		r.SuccessRate = float64(r.Succeeded) / float64(r.Total)
		r.ErrorRate = float64(r.Failed) / float64(r.Total)
		r.AvgLatencyMs = latencySum / float64(r.Total)
		sort.Float64s(latencies)
		r.Latency = LatencyPercentiles{
			P50: percentile(latencies, 50),
			P95: percentile(latencies, 95),
			P99: percentile(latencies, 99),
		}
	}

	if a.alerts != nil {
		for _, al := range a.alerts.Active() {
			if subscriptionID == "" || al.SubscriptionID == subscriptionID {
				r.ActiveAlerts++
			}
		}
	}
	return r
}

// percentile uses nearest-rank on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// trend compares the error rate of the two halves of the window.
func trend(samples []sample, mid time.Time) string {
	var firstTotal, firstFailed, secondTotal, secondFailed int
	for _, s := range samples {
		failed := s.outcome != domain.OutcomeSuccess
		if s.at.Before(mid) {
			firstTotal++
			if failed {
				firstFailed++
			}
		} else {
			secondTotal++
			if failed {
				secondFailed++
			}
		}
	}
	if firstTotal == 0 || secondTotal == 0 {
		return TrendStable
	}

	before := float64(firstFailed) / float64(firstTotal)
	after := float64(secondFailed) / float64(secondTotal)
	switch {
	case after < before-trendDelta:
		return TrendImproving
	case after > before+trendDelta:
		return TrendDegrading
	}
	return TrendStable
}
