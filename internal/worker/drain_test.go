package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/device"
	"github.com/alexnthnz/push-delivery/internal/notification"
	"github.com/alexnthnz/push-delivery/internal/preference"
	"github.com/alexnthnz/push-delivery/internal/queue"
	"github.com/alexnthnz/push-delivery/internal/sender"
	"github.com/alexnthnz/push-delivery/internal/transport"
)

type stubTransport struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubTransport) Send(ctx context.Context, d device.Device, p transport.Payload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	queue     *queue.Queue
	drainer   *Drainer
	registry  *device.Registry
	prefs     *preference.Manager
	transport *stubTransport
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	cfg := &config.Config{
		Delivery: config.DeliveryConfig{
			MaxRetries:         maxRetries,
			RetryDelaySeconds:  60,
			BatchSize:          10,
			SendTimeoutSeconds: 5,
			RetentionDays:      7,
		},
		RateLimits: config.RateLimitConfig{
			MaxPerUserPerHour: 100,
			MaxPerUserPerDay:  1000,
		},
		Categories: config.DefaultCategories(),
	}

	registry := device.NewRegistry()
	prefs := preference.NewManager(cfg.Categories, cfg.RateLimits)
	tr := &stubTransport{}
	snd := sender.NewSender(registry, prefs, tr, cfg, nil, nil, nil)
	q := queue.New(cfg.Delivery.MaxRetries, cfg.Delivery.RetryDelay(), 0, nil)

	return &fixture{
		queue:     q,
		drainer:   NewDrainer(q, snd, cfg.Delivery, nil, nil, 1),
		registry:  registry,
		prefs:     prefs,
		transport: tr,
	}
}

func TestDrainer_SuccessfulDeliveryAcksQueue(t *testing.T) {
	f := newFixture(t, 3)
	f.registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformAndroid})

	n := notification.New("u", "price_alert", "title", "body", notification.PriorityHigh)
	require.True(t, f.queue.Enqueue(n))

	processed := f.drainer.DrainOnce(context.Background())

	assert.Equal(t, 1, processed)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, f.queue.DeadLetterCount())
	assert.Equal(t, 1, f.transport.callCount())

	// Settled items do not come back on the next pass.
	assert.Equal(t, 0, f.drainer.DrainOnce(context.Background()))
}

func TestDrainer_TransportFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, 3)
	f.registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformAndroid})
	f.transport.err = errors.New("fcm unavailable")

	n := notification.New("u", "price_alert", "title", "body", notification.PriorityHigh)
	require.True(t, f.queue.Enqueue(n))

	require.Equal(t, 1, f.drainer.DrainOnce(context.Background()))

	assert.Equal(t, 1, n.RetryCount)
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 0, f.queue.DeadLetterCount())

	// The retry is backed off, so an immediate pass picks up nothing.
	assert.Equal(t, 0, f.drainer.DrainOnce(context.Background()))
}

func TestDrainer_ExhaustedRetriesDeadLetter(t *testing.T) {
	f := newFixture(t, 0)
	f.registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformAndroid})
	f.transport.err = errors.New("fcm unavailable")

	n := notification.New("u", "price_alert", "title", "body", notification.PriorityHigh)
	require.True(t, f.queue.Enqueue(n))

	require.Equal(t, 1, f.drainer.DrainOnce(context.Background()))

	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, "fcm unavailable", n.LastError)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 1, f.queue.DeadLetterCount())
}

func TestDrainer_PolicyBlockDiscardsWithoutRetry(t *testing.T) {
	f := newFixture(t, 3)
	f.registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformAndroid})

	enabled := false
	f.prefs.UpdatePreference("u", "price_alert", preference.Update{Enabled: &enabled})

	n := notification.New("u", "price_alert", "title", "body", notification.PriorityHigh)
	require.True(t, f.queue.Enqueue(n))

	require.Equal(t, 1, f.drainer.DrainOnce(context.Background()))

	// Blocked sends burn no retry budget, never dead-letter and end terminal.
	assert.Equal(t, 0, n.RetryCount)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, f.queue.DeadLetterCount())
	assert.Equal(t, 0, f.transport.callCount())
}

func TestDrainer_NoDevicesDiscards(t *testing.T) {
	f := newFixture(t, 3)

	n := notification.New("ghost", "price_alert", "title", "body", notification.PriorityHigh)
	require.True(t, f.queue.Enqueue(n))

	require.Equal(t, 1, f.drainer.DrainOnce(context.Background()))

	assert.Equal(t, 0, n.RetryCount)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, f.queue.DeadLetterCount())
}

type perTokenTransport struct {
	fail map[string]error
}

func (p *perTokenTransport) Send(ctx context.Context, d device.Device, pl transport.Payload) (string, error) {
	if err, ok := p.fail[d.Token]; ok {
		return "", err
	}
	return "msg-1", nil
}

func TestDrainer_PartialDeviceFailureStillAcks(t *testing.T) {
	cfg := &config.Config{
		Delivery:   config.DeliveryConfig{MaxRetries: 3, RetryDelaySeconds: 60, BatchSize: 10, SendTimeoutSeconds: 5},
		RateLimits: config.RateLimitConfig{MaxPerUserPerHour: 100, MaxPerUserPerDay: 1000},
		Categories: config.DefaultCategories(),
	}
	registry := device.NewRegistry()
	registry.Register(device.RegisterRequest{UserID: "u", Token: "good", Platform: device.PlatformAndroid})
	registry.Register(device.RegisterRequest{UserID: "u", Token: "bad", Platform: device.PlatformIOS})

	per := &perTokenTransport{fail: map[string]error{
		"bad": &transport.SendError{Code: "unregistered", Err: transport.ErrInvalidToken},
	}}
	prefs := preference.NewManager(cfg.Categories, cfg.RateLimits)
	snd := sender.NewSender(registry, prefs, per, cfg, nil, nil, nil)
	q := queue.New(cfg.Delivery.MaxRetries, cfg.Delivery.RetryDelay(), 0, nil)
	d := NewDrainer(q, snd, cfg.Delivery, nil, nil, 1)

	n := notification.New("u", "price_alert", "title", "body", notification.PriorityHigh)
	require.True(t, q.Enqueue(n))
	require.Equal(t, 1, d.DrainOnce(context.Background()))

	// One good device is enough; the invalid one is deactivated, not retried.
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.DeadLetterCount())
}

func TestDrainer_ExpiredItemsNeverReachTransport(t *testing.T) {
	f := newFixture(t, 3)
	f.registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformAndroid})

	past := time.Now().Add(-time.Minute)
	n := notification.New("u", "price_alert", "title", "body", notification.PriorityHigh)
	n.ExpiresAt = &past
	require.True(t, f.queue.Enqueue(n))

	assert.Equal(t, 0, f.drainer.DrainOnce(context.Background()))
	assert.Equal(t, notification.StatusExpired, n.Status)
	assert.Equal(t, 0, f.transport.callCount())
}
