package monitor

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/google/uuid"
)

type AlertType string

const (
	AlertHighErrorRate    AlertType = "high_error_rate"
	AlertSlowResponse     AlertType = "slow_response"
	AlertHighRetryQueue   AlertType = "high_retry_queue"
	AlertPermanentFailure AlertType = "permanent_failure"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

const (
	DefaultSuppressionWindow = time.Minute
	maxAlertHistory          = 500
)

var ErrAlertNotFound = errors.New("alert not found")

// Alert is one firing of a threshold condition. SubscriptionID is empty for
// global alerts.
type Alert struct {
	ID             string     `json:"id"`
	Type           AlertType  `json:"type"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Severity       Severity   `json:"severity"`
	State          string     `json:"state"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	FiredAt        time.Time  `json:"fired_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

// Condition is the result of evaluating one threshold.
type Condition struct {
	Type           AlertType
	SubscriptionID string
	Breached       bool
	Severity       Severity
	Value          float64
	Threshold      float64
	Message        string
}

// Notifier receives alerts when they fire and when they resolve.
type Notifier interface {
	Notify(alert Alert)
}

type NotifierFunc func(Alert)

func (f NotifierFunc) Notify(a Alert) { f(a) }

type AlertStats struct {
	Active       int               `json:"active"`
	Fired        int               `json:"fired"`
	Resolved     int               `json:"resolved"`
	Suppressed   int               `json:"suppressed"`
	Acknowledged int               `json:"acknowledged"`
	ByType       map[AlertType]int `json:"by_type"`
	BySeverity   map[Severity]int  `json:"by_severity"`
}

type alertKey struct {
	typ            AlertType
	subscriptionID string
}

// AlertManager keeps at most one active alert per (type, subscription). An
// active alert never re-fires; once resolved it fires again only when the
// condition re-triggers after the suppression window.
type AlertManager struct {
	mu          sync.Mutex
	active      map[alertKey]*Alert
	lastFired   map[alertKey]time.Time
	history     []*Alert
	stats       AlertStats
	suppression time.Duration
	notifier    Notifier
	clock       clock.Clock
	logger      *slog.Logger
}

func NewAlertManager(suppression time.Duration, notifier Notifier, clk clock.Clock, logger *slog.Logger) *AlertManager {
	if suppression <= 0 {
		suppression = DefaultSuppressionWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &AlertManager{
		active:      make(map[alertKey]*Alert),
		lastFired:   make(map[alertKey]time.Time),
		suppression: suppression,
		notifier:    notifier,
		clock:       clk,
		logger:      logger,
		stats: AlertStats{
			ByType:     make(map[AlertType]int),
			BySeverity: make(map[Severity]int),
		},
	}
}

// SetNotifier replaces the notifier. It is meant for wiring at startup.
func (m *AlertManager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// Evaluate applies one condition and returns the alert that changed state,
// if any.
func (m *AlertManager) Evaluate(c Condition) (*Alert, bool) {
	now := m.clock.Now()
	key := alertKey{typ: c.Type, subscriptionID: c.SubscriptionID}

	m.mu.Lock()
	existing := m.active[key]

	var changed *Alert
	switch {
	case c.Breached && existing != nil:
		existing.LastSeenAt = now
		existing.Value = c.Value
		if c.Severity == SeverityCritical && existing.Severity != SeverityCritical {
			existing.Severity = SeverityCritical
		}

	case c.Breached:
		if last, ok := m.lastFired[key]; ok && now.Sub(last) < m.suppression {
			m.stats.Suppressed++
			break
		}
		a := &Alert{
			ID:             uuid.NewString(),
			Type:           c.Type,
			SubscriptionID: c.SubscriptionID,
			Severity:       c.Severity,
			State:          StateFiring,
			Message:        c.Message,
			Value:          c.Value,
			Threshold:      c.Threshold,
			FiredAt:        now,
			LastSeenAt:     now,
		}
		m.active[key] = a
		m.lastFired[key] = now
		m.appendHistory(a)
		m.stats.Fired++
		m.stats.ByType[a.Type]++
		m.stats.BySeverity[a.Severity]++
		changed = a

	case existing != nil:
		existing.State = StateResolved
		existing.ResolvedAt = &now
		delete(m.active, key)
		m.stats.Resolved++
		changed = existing
	}

	var snapshot Alert
	if changed != nil {
		snapshot = *changed
	}
	notifier := m.notifier
	m.mu.Unlock()

	if changed == nil {
		return nil, false
	}

	if snapshot.State == StateFiring {
		m.logger.Warn("alert fired",
			"alert_id", snapshot.ID,
			"type", snapshot.Type,
			"subscription_id", snapshot.SubscriptionID,
			"severity", snapshot.Severity,
			"value", snapshot.Value,
			"threshold", snapshot.Threshold,
		)
	} else {
		m.logger.Info("alert resolved", "alert_id", snapshot.ID, "type", snapshot.Type, "subscription_id", snapshot.SubscriptionID)
	}
	if notifier != nil {
		notifier.Notify(snapshot)
	}
	return &snapshot, true
}

func (m *AlertManager) appendHistory(a *Alert) {
	m.history = append(m.history, a)
	if len(m.history) > maxAlertHistory {
		m.history = m.history[len(m.history)-maxAlertHistory:]
	}
}

// Active returns the firing alerts, newest first.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// History returns up to limit alerts, firing or resolved, newest first.
func (m *AlertManager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Alert, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.history[i])
	}
	return out
}

// Acknowledge marks an alert as seen by an operator. It does not resolve it.
func (m *AlertManager) Acknowledge(id, by string) (Alert, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.history {
		if a.ID != id {
			continue
		}
		if !a.Acknowledged {
			a.Acknowledged = true
			a.AcknowledgedAt = &now
			a.AcknowledgedBy = by
			m.stats.Acknowledged++
		}
		return *a, nil
	}
	return Alert{}, ErrAlertNotFound
}

func (m *AlertManager) Stats() AlertStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Active = len(m.active)
	s.ByType = make(map[AlertType]int, len(m.stats.ByType))
	for k, v := range m.stats.ByType {
		s.ByType[k] = v
	}
	s.BySeverity = make(map[Severity]int, len(m.stats.BySeverity))
	for k, v := range m.stats.BySeverity {
		s.BySeverity[k] = v
	}
	return s
}
