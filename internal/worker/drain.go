package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
	"github.com/alexnthnz/push-delivery/internal/queue"
	"github.com/alexnthnz/push-delivery/internal/sender"
)

// Drainer pulls ready notifications off the queue and hands them to the
// sender, feeding outcomes back as ack, retry or discard.
type Drainer struct {
	queue   *queue.Queue
	sender  *sender.Sender
	cfg     config.DeliveryConfig
	metrics *monitoring.Metrics
	logger  *zap.Logger
	workers int
}

// NewDrainer creates a drainer with the given worker count (minimum 1).
// metrics may be nil.
func NewDrainer(q *queue.Queue, s *sender.Sender, cfg config.DeliveryConfig, metrics *monitoring.Metrics, logger *zap.Logger, workers int) *Drainer {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		queue:   q,
		sender:  s,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		workers: workers,
	}
}

// Run starts the drain workers and the expiry sweeper, blocking until the
// context is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	interval := d.cfg.DrainInterval()
	if interval <= 0 {
		interval = time.Second
	}

	for i := 0; i < d.workers; i++ {
		go d.drainLoop(ctx, i, interval)
	}
	go d.sweepLoop(ctx)

	<-ctx.Done()
	d.logger.Info("drainer stopped")
}

func (d *Drainer) drainLoop(ctx context.Context, id int, interval time.Duration) {
	d.logger.Info("drain worker started", zap.Int("worker", id))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drain worker shutting down", zap.Int("worker", id))
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes one batch of ready notifications.
func (d *Drainer) DrainOnce(ctx context.Context) int {
	batch := d.queue.GetBatch(d.cfg.BatchSize)
	for _, n := range batch {
		d.process(ctx, n)
	}
	if d.metrics != nil {
		d.metrics.SetQueueDepth(float64(d.queue.Len()))
		d.metrics.SetDeadLetterDepth(float64(d.queue.DeadLetterCount()))
	}
	return len(batch)
}

// process delivers one dequeued notification and settles it with the queue.
func (d *Drainer) process(ctx context.Context, n *notification.Notification) {
	results := d.sender.Send(ctx, n)

	if n.Status == notification.StatusSent {
		d.queue.MarkSuccess(n.ID)
		d.logger.Info("notification delivered",
			zap.String("id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Int("devices", len(results)),
		)
		return
	}

	if allPolicyBlocked(results) {
		// Policy decisions are not faults; retrying would not change them
		// and backoff cannot outlast a quiet-hours window.
		d.queue.Discard(n.ID)
		d.logger.Info("notification discarded after policy block",
			zap.String("id", n.ID),
			zap.String("status", string(firstStatus(results))),
		)
		return
	}

	retrying := d.queue.MarkFailed(n.ID, errors.New(lastError(results)))
	if retrying {
		if d.metrics != nil {
			d.metrics.RecordRetry(n.Category)
		}
		d.logger.Warn("notification delivery failed, retry scheduled",
			zap.String("id", n.ID),
			zap.Int("retry_count", n.RetryCount),
		)
	} else {
		d.logger.Error("notification permanently failed",
			zap.String("id", n.ID),
			zap.String("last_error", n.LastError),
		)
	}
}

func (d *Drainer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := d.queue.CleanupExpired(); expired > 0 {
				d.logger.Info("expired notifications removed", zap.Int("count", expired))
			}
			d.sender.PruneHistory()
		}
	}
}

// allPolicyBlocked reports whether every result is a preference/eligibility
// block rather than a transport fault.
func allPolicyBlocked(results []*notification.Result) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		switch r.Status {
		case notification.ResultPreferenceBlocked,
			notification.ResultQuietHours,
			notification.ResultRateLimited,
			notification.ResultNoDevices:
		default:
			return false
		}
	}
	return true
}

func firstStatus(results []*notification.Result) notification.ResultStatus {
	if len(results) == 0 {
		return ""
	}
	return results[0].Status
}

func lastError(results []*notification.Result) string {
	msg := "delivery failed on all devices"
	for _, r := range results {
		if r.ErrorMessage != "" {
			msg = r.ErrorMessage
		}
	}
	return msg
}
