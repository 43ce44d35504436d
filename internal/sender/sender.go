package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/device"
	"github.com/alexnthnz/push-delivery/internal/monitoring"
	"github.com/alexnthnz/push-delivery/internal/notification"
	"github.com/alexnthnz/push-delivery/internal/preference"
	"github.com/alexnthnz/push-delivery/internal/transport"
)

// DeviceLimiter throttles sends per device across processes. A nil limiter
// disables the check.
type DeviceLimiter interface {
	IncrementDeviceCounter(ctx context.Context, deviceID string) (int64, error)
}

// Sender turns one notification into zero or more per-device delivery
// outcomes. Blocked and failed sends never raise past this boundary;
// callers always receive a result list they can inspect.
type Sender struct {
	registry   *device.Registry
	prefs      *preference.Manager
	transport  transport.Transport
	categories map[string]config.CategoryConfig
	delivery   config.DeliveryConfig
	limits     config.RateLimitConfig
	limiter    DeviceLimiter
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	stats      *Stats

	histMu  sync.Mutex
	history map[string][]*notification.Result
}

// NewSender creates a sender. metrics and limiter may be nil.
func NewSender(
	registry *device.Registry,
	prefs *preference.Manager,
	tr transport.Transport,
	cfg *config.Config,
	metrics *monitoring.Metrics,
	limiter DeviceLimiter,
	logger *zap.Logger,
) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	categories := cfg.Categories
	if categories == nil {
		categories = config.DefaultCategories()
	}
	return &Sender{
		registry:   registry,
		prefs:      prefs,
		transport:  tr,
		categories: categories,
		delivery:   cfg.Delivery,
		limits:     cfg.RateLimits,
		limiter:    limiter,
		metrics:    metrics,
		logger:     logger,
		stats:      NewStats(),
		history:    make(map[string][]*notification.Result),
	}
}

// Stats returns the sender's cumulative delivery statistics.
func (s *Sender) Stats() *Stats { return s.stats }

// Send delivers one notification, fanning out to each eligible device
// independently. One device's failure never blocks another's success.
func (s *Sender) Send(ctx context.Context, n *notification.Notification) []*notification.Result {
	now := time.Now()

	allowed, reason := s.prefs.IsAllowedFor(n.UserID, n.Category, n.Priority, now)
	if !allowed {
		n.Status = notification.StatusFailed
		n.LastError = string(reason)
		s.stats.RecordBlocked()
		if s.metrics != nil {
			s.metrics.RecordBlocked(n.Category, string(reason))
		}
		s.logger.Info("send blocked by preferences",
			zap.String("id", n.ID),
			zap.String("user_id", n.UserID),
			zap.String("category", n.Category),
			zap.String("reason", string(reason)),
		)
		return s.record(n, &notification.Result{
			NotificationID: n.ID,
			Success:        false,
			Status:         blockStatus(reason),
			ErrorMessage:   string(reason),
			Timestamp:      now,
		})
	}

	targets := s.resolveTargets(n)
	if len(targets) == 0 {
		n.Status = notification.StatusFailed
		n.LastError = "no active devices for user"
		s.stats.RecordBlocked()
		if s.metrics != nil {
			s.metrics.RecordBlocked(n.Category, string(notification.ResultNoDevices))
		}
		return s.record(n, &notification.Result{
			NotificationID: n.ID,
			Success:        false,
			Status:         notification.ResultNoDevices,
			ErrorMessage:   "no active devices for user",
			Timestamp:      now,
		})
	}

	results := make([]*notification.Result, 0, len(targets))
	anySuccess := false
	for _, d := range targets {
		r := s.sendToDevice(ctx, n, d)
		results = append(results, r)
		if r.Success {
			anySuccess = true
		}
	}

	if anySuccess {
		sentAt := time.Now()
		n.Status = notification.StatusSent
		n.SentAt = &sentAt
		s.prefs.RecordSent(n.UserID, n.Category)
	} else {
		n.Status = notification.StatusFailed
	}

	return s.record(n, results...)
}

// sendToDevice delivers one payload to one device and records the outcome.
func (s *Sender) sendToDevice(ctx context.Context, n *notification.Notification, d device.Device) *notification.Result {
	r := &notification.Result{
		NotificationID: n.ID,
		DeviceID:       d.ID,
		Timestamp:      time.Now(),
	}

	if s.limiter != nil && s.limits.MaxPerDevicePerMinute > 0 {
		count, err := s.limiter.IncrementDeviceCounter(ctx, d.ID)
		if err != nil {
			// Fail open: a counter outage must not stop delivery.
			s.logger.Warn("device rate counter unavailable", zap.Error(err))
		} else if count > int64(s.limits.MaxPerDevicePerMinute) {
			r.Status = notification.ResultRateLimited
			r.ErrorMessage = "per-device rate limit exceeded"
			s.stats.RecordAttempt(n.Category, string(d.Platform), false, 0)
			return r
		}
	}

	payload := s.buildPayload(n, d)

	sendCtx := ctx
	if s.delivery.SendTimeout() > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.delivery.SendTimeout())
		defer cancel()
	}

	start := time.Now()
	providerID, err := s.transport.Send(sendCtx, d, payload)
	r.Latency = time.Since(start)

	if err != nil {
		r.Success = false
		var sendErr *transport.SendError
		if errors.As(err, &sendErr) {
			r.ErrorCode = sendErr.Code
		}
		r.ErrorMessage = err.Error()

		if errors.Is(err, transport.ErrInvalidToken) {
			r.Status = notification.ResultInvalidToken
			s.registry.MarkTokenInvalid(d.Token)
			if s.metrics != nil {
				s.metrics.RecordDeviceDeactivated()
			}
			s.logger.Info("deactivated device with invalid token",
				zap.String("device_id", d.ID),
				zap.String("user_id", d.UserID),
			)
		} else {
			r.Status = notification.ResultFailed
		}

		s.stats.RecordAttempt(n.Category, string(d.Platform), false, r.Latency)
		if s.metrics != nil {
			s.metrics.RecordAttempt(n.Category, string(d.Platform), string(r.Status))
			s.metrics.RecordFailure(n.Category, string(d.Platform), string(r.Status))
			s.metrics.RecordLatency(n.Category, string(d.Platform), r.Latency.Seconds())
		}
		return r
	}

	r.Success = true
	r.Status = notification.ResultSent
	r.ProviderMessageID = providerID
	s.registry.MarkUsed(d.ID)

	s.stats.RecordAttempt(n.Category, string(d.Platform), true, r.Latency)
	if s.metrics != nil {
		s.metrics.RecordAttempt(n.Category, string(d.Platform), string(r.Status))
		s.metrics.RecordLatency(n.Category, string(d.Platform), r.Latency.Seconds())
	}
	return r
}

// resolveTargets picks the device fan-out set: the named device when the
// notification targets one (and it is active and owned by the user),
// otherwise every active device of the user.
func (s *Sender) resolveTargets(n *notification.Notification) []device.Device {
	if n.DeviceID != "" {
		d, ok := s.registry.Get(n.DeviceID)
		if !ok || !d.Active || d.UserID != n.UserID {
			return nil
		}
		return []device.Device{d}
	}
	return s.registry.ListForUser(n.UserID, true)
}

// buildPayload shapes the common envelope plus platform delivery hints from
// the category configuration table.
func (s *Sender) buildPayload(n *notification.Notification, d device.Device) transport.Payload {
	data := make(map[string]string, len(n.Data)+2)
	for k, v := range n.Data {
		data[k] = v
	}
	data["notification_id"] = n.ID
	data["category"] = n.Category

	catCfg, ok := s.categories[n.Category]
	if !ok {
		catCfg = config.CategoryConfig{TTLSeconds: 3600}
	}

	p := transport.Payload{
		Title:     n.Title,
		Body:      n.Body,
		Data:      data,
		ImageURL:  n.ImageURL,
		ActionURL: n.ActionURL,
	}

	switch d.Platform {
	case device.PlatformIOS:
		p.APNS = &transport.APNSHints{
			Urgency: apnsPriority(n.Priority),
			Sound:   catCfg.Sound,
		}
	case device.PlatformAndroid:
		p.Android = &transport.AndroidHints{
			Priority:   androidPriority(n.Priority),
			ChannelID:  n.Category,
			TTLSeconds: catCfg.TTLSeconds,
		}
	default:
		p.Web = &transport.WebHints{
			Urgency:    webUrgency(n.Priority),
			TTLSeconds: catCfg.TTLSeconds,
		}
	}
	return p
}

// MarkDelivered records a device-side delivery confirmation. It is a no-op
// unless delivery tracking is enabled.
func (s *Sender) MarkDelivered(notificationID, deviceID string) bool {
	if !s.delivery.TrackDelivery {
		return false
	}
	s.stats.RecordDelivered()
	s.logger.Debug("delivery confirmed",
		zap.String("id", notificationID),
		zap.String("device_id", deviceID),
	)
	return true
}

// MarkOpened records that the user opened the notification. It is a no-op
// unless open tracking is enabled.
func (s *Sender) MarkOpened(notificationID, deviceID string) bool {
	if !s.delivery.TrackOpens {
		return false
	}
	s.stats.RecordOpened()
	s.logger.Debug("notification opened",
		zap.String("id", notificationID),
		zap.String("device_id", deviceID),
	)
	return true
}

// Results returns the recorded results for a notification.
func (s *Sender) Results(notificationID string) ([]*notification.Result, bool) {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	rs, ok := s.history[notificationID]
	if !ok {
		return nil, false
	}
	out := make([]*notification.Result, len(rs))
	copy(out, rs)
	return out, true
}

// PruneHistory drops result history older than the retention window.
func (s *Sender) PruneHistory() int {
	retention := s.delivery.Retention()
	if retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-retention)

	s.histMu.Lock()
	defer s.histMu.Unlock()

	pruned := 0
	for id, rs := range s.history {
		if len(rs) > 0 && rs[len(rs)-1].Timestamp.Before(cutoff) {
			delete(s.history, id)
			pruned++
		}
	}
	return pruned
}

func (s *Sender) record(n *notification.Notification, results ...*notification.Result) []*notification.Result {
	s.histMu.Lock()
	s.history[n.ID] = append(s.history[n.ID], results...)
	s.histMu.Unlock()
	return results
}

func blockStatus(reason preference.Reason) notification.ResultStatus {
	switch reason {
	case preference.ReasonQuietHours:
		return notification.ResultQuietHours
	case preference.ReasonRateLimited:
		return notification.ResultRateLimited
	default:
		return notification.ResultPreferenceBlocked
	}
}

// apnsPriority maps priority to the apns-priority header value.
func apnsPriority(p notification.Priority) string {
	switch p {
	case notification.PriorityUrgent, notification.PriorityHigh:
		return "10"
	default:
		return "5"
	}
}

// androidPriority maps priority to the FCM Android priority string.
func androidPriority(p notification.Priority) string {
	switch p {
	case notification.PriorityUrgent, notification.PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// webUrgency maps priority to the web-push Urgency header value.
func webUrgency(p notification.Priority) string {
	switch p {
	case notification.PriorityUrgent, notification.PriorityHigh:
		return "high"
	case notification.PriorityLow:
		return "low"
	default:
		return "normal"
	}
}
