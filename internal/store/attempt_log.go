package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

const (
	defaultAttemptLogBuffer = 4096
	attemptWriteTimeout     = 5 * time.Second
)

// AttemptWriter persists a single attempt.
type AttemptWriter interface {
	InsertAttempt(ctx context.Context, a domain.DeliveryAttempt) error
}

// AttemptLog writes attempts to an AttemptWriter off the delivery path.
// RecordAttempt never blocks; when the buffer is full the attempt is dropped
// and counted.
type AttemptLog struct {
	writer  AttemptWriter
	in      chan domain.DeliveryAttempt
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewAttemptLog(writer AttemptWriter, buffer int, logger *slog.Logger) *AttemptLog {
	if buffer <= 0 {
		buffer = defaultAttemptLogBuffer
	}
	return &AttemptLog{
		writer: writer,
		in:     make(chan domain.DeliveryAttempt, buffer),
		logger: logger,
	}
}

func (l *AttemptLog) RecordAttempt(a domain.DeliveryAttempt) {
	select {
	case l.in <- a:
	default:
		l.dropped.Add(1)
		l.logger.Warn("attempt log full, dropping attempt",
			"attempt_id", a.ID,
			"subscription_id", a.SubscriptionID,
			"event_id", a.EventID,
		)
	}
}

func (l *AttemptLog) Dropped() int64 {
	return l.dropped.Load()
}

// Run writes queued attempts until ctx is cancelled, then flushes what is
// left.
func (l *AttemptLog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case a := <-l.in:
					l.write(a)
				default:
					return
				}
			}
		case a := <-l.in:
			l.write(a)
		}
	}
}

func (l *AttemptLog) write(a domain.DeliveryAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), attemptWriteTimeout)
	defer cancel()

	if err := l.writer.InsertAttempt(ctx, a); err != nil {
		l.logger.Error("failed to persist attempt",
			"attempt_id", a.ID,
			"subscription_id", a.SubscriptionID,
			"error", err,
		)
	}
}
