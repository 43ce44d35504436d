package sender

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
	"github.com/alexnthnz/push-delivery/internal/transport"
)

// fakeTransport records payloads and fails tokens listed in failures.
type fakeTransport struct {
	mu       sync.Mutex
	payloads map[string]transport.Payload // token -> last payload
	failures map[string]error             // token -> error to return
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		payloads: make(map[string]transport.Payload),
		failures: make(map[string]error),
	}
}

func (f *fakeTransport) Send(ctx context.Context, d device.Device, p transport.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[d.Token] = p
	if err, ok := f.failures[d.Token]; ok {
		return "", err
	}
	return "provider-" + d.Token, nil
}

func (f *fakeTransport) payloadFor(token string) (transport.Payload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[token]
	return p, ok
}

func testConfig() *config.Config {
	return &config.Config{
		Delivery: config.DeliveryConfig{
			MaxRetries:         3,
			RetryDelaySeconds:  60,
			BatchSize:          10,
			SendTimeoutSeconds: 5,
			TrackOpens:         true,
			TrackDelivery:      true,
			RetentionDays:      7,
		},
		RateLimits: config.RateLimitConfig{
			MaxPerUserPerHour: 100,
			MaxPerUserPerDay:  1000,
		},
		Categories: config.DefaultCategories(),
	}
}

func newTestSender(t *testing.T, tr transport.Transport) (*Sender, *device.Registry, *preference.Manager) {
	t.Helper()
	cfg := testConfig()
	registry := device.NewRegistry()
	prefs := preference.NewManager(cfg.Categories, cfg.RateLimits)
	return NewSender(registry, prefs, tr, cfg, nil, nil, nil), registry, prefs
}

func newNotif(userID string) *notification.Notification {
	return notification.New(userID, "price_alert", "AAPL alert", "AAPL at $200", notification.PriorityHigh)
}

func TestSender_FanOutToAllActiveDevices(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "ios-tok", Platform: device.PlatformIOS})
	registry.Register(device.RegisterRequest{UserID: "u", Token: "and-tok", Platform: device.PlatformAndroid})

	n := newNotif("u")
	results := s.Send(context.Background(), n)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, notification.ResultSent, r.Status)
		assert.NotEmpty(t, r.ProviderMessageID)
	}
	assert.Equal(t, notification.StatusSent, n.Status)
	require.NotNil(t, n.SentAt)

	snap := s.Stats().Snapshot()
	assert.Equal(t, int64(2), snap.Sent)
	assert.Equal(t, int64(2), snap.ByCategory["price_alert"])
	assert.Equal(t, int64(1), snap.ByPlatform["ios"])
	assert.Equal(t, int64(1), snap.ByPlatform["android"])
}

func TestSender_InvalidTokenDoesNotBlockOtherDevices(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	bad := registry.Register(device.RegisterRequest{UserID: "u", Token: "bad-tok", Platform: device.PlatformIOS})
	registry.Register(device.RegisterRequest{UserID: "u", Token: "good-tok", Platform: device.PlatformAndroid})

	ft.failures["bad-tok"] = &transport.SendError{
		Code: "unregistered", Message: "token gone", Err: transport.ErrInvalidToken,
	}

	n := newNotif("u")
	results := s.Send(context.Background(), n)
	require.Len(t, results, 2)

	byDevice := make(map[string]*notification.Result)
	for _, r := range results {
		byDevice[r.DeviceID] = r
	}

	badResult := byDevice[bad.ID]
	require.NotNil(t, badResult)
	assert.False(t, badResult.Success)
	assert.Equal(t, notification.ResultInvalidToken, badResult.Status)
	assert.Equal(t, "unregistered", badResult.ErrorCode)

	// The bad device is deactivated, the notification still went out.
	d, ok := registry.Get(bad.ID)
	require.True(t, ok)
	assert.False(t, d.Active)
	assert.Equal(t, notification.StatusSent, n.Status)
}

func TestSender_AllDevicesFailedMarksFailed(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformAndroid})
	ft.failures["tok"] = errors.New("fcm unavailable")

	n := newNotif("u")
	results := s.Send(context.Background(), n)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, notification.ResultFailed, results[0].Status)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Nil(t, n.SentAt)
}

func TestSender_NoDevices(t *testing.T) {
	ft := newFakeTransport()
	s, _, _ := newTestSender(t, ft)

	n := newNotif("nobody")
	results := s.Send(context.Background(), n)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, notification.ResultNoDevices, results[0].Status)
	assert.Empty(t, results[0].DeviceID)
	assert.Equal(t, notification.StatusFailed, n.Status)
}

func TestSender_PreferenceBlocks(t *testing.T) {
	ft := newFakeTransport()
	s, registry, prefs := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformIOS})

	enabled := false
	prefs.UpdatePreference("u", "price_alert", preference.Update{Enabled: &enabled})

	n := newNotif("u")
	results := s.Send(context.Background(), n)

	require.Len(t, results, 1)
	assert.Equal(t, notification.ResultPreferenceBlocked, results[0].Status)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, "category_disabled", n.LastError)

	// No device fan-out happened.
	_, called := ft.payloadFor("tok")
	assert.False(t, called)

	snap := s.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Blocked)
	assert.Equal(t, int64(0), snap.Sent)
}

func TestSender_QuietHoursBlockReason(t *testing.T) {
	ft := newFakeTransport()
	s, registry, prefs := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformIOS})

	on := true
	start, end := "00:00", "23:59"
	prefs.UpdatePreference("u", "price_alert", preference.Update{
		QuietHoursEnabled: &on,
		QuietHoursStart:   &start,
		QuietHoursEnd:     &end,
	})

	n := newNotif("u")
	results := s.Send(context.Background(), n)

	require.Len(t, results, 1)
	assert.Equal(t, notification.ResultQuietHours, results[0].Status)
}

func TestSender_TargetedDeviceOnly(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	target := registry.Register(device.RegisterRequest{UserID: "u", Token: "t1", Platform: device.PlatformIOS})
	registry.Register(device.RegisterRequest{UserID: "u", Token: "t2", Platform: device.PlatformAndroid})

	n := newNotif("u")
	n.DeviceID = target.ID
	results := s.Send(context.Background(), n)

	require.Len(t, results, 1)
	assert.Equal(t, target.ID, results[0].DeviceID)

	_, other := ft.payloadFor("t2")
	assert.False(t, other)
}

func TestSender_TargetedInactiveDeviceYieldsNoDevices(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	target := registry.Register(device.RegisterRequest{UserID: "u", Token: "t1", Platform: device.PlatformIOS})
	registry.Deactivate(target.ID)

	n := newNotif("u")
	n.DeviceID = target.ID
	results := s.Send(context.Background(), n)

	require.Len(t, results, 1)
	assert.Equal(t, notification.ResultNoDevices, results[0].Status)
}

func TestSender_PayloadShaping(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "ios", Platform: device.PlatformIOS})
	registry.Register(device.RegisterRequest{UserID: "u", Token: "and", Platform: device.PlatformAndroid})
	registry.Register(device.RegisterRequest{UserID: "u", Token: "web", Platform: device.PlatformWeb})

	n := notification.New("u", "price_alert", "AAPL alert", "AAPL at $200", notification.PriorityUrgent)
	n.Data = map[string]string{"symbol": "AAPL"}
	s.Send(context.Background(), n)

	iosPayload, ok := ft.payloadFor("ios")
	require.True(t, ok)
	require.NotNil(t, iosPayload.APNS)
	assert.Equal(t, "10", iosPayload.APNS.Urgency)
	assert.Equal(t, "default", iosPayload.APNS.Sound)
	assert.Equal(t, n.ID, iosPayload.Data["notification_id"])
	assert.Equal(t, "price_alert", iosPayload.Data["category"])
	assert.Equal(t, "AAPL", iosPayload.Data["symbol"])

	andPayload, ok := ft.payloadFor("and")
	require.True(t, ok)
	require.NotNil(t, andPayload.Android)
	assert.Equal(t, "high", andPayload.Android.Priority)
	assert.Equal(t, "price_alert", andPayload.Android.ChannelID)
	assert.Equal(t, 300, andPayload.Android.TTLSeconds)

	webPayload, ok := ft.payloadFor("web")
	require.True(t, ok)
	require.NotNil(t, webPayload.Web)
	assert.Equal(t, "high", webPayload.Web.Urgency)
	assert.Equal(t, 300, webPayload.Web.TTLSeconds)
}

// fixedLimiter allows the first n increments per device.
type fixedLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (l *fixedLimiter) IncrementDeviceCounter(ctx context.Context, deviceID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int64)
	}
	l.counts[deviceID]++
	return l.counts[deviceID], nil
}

func TestSender_DeviceRateLimit(t *testing.T) {
	ft := newFakeTransport()
	cfg := testConfig()
	cfg.RateLimits.MaxPerDevicePerMinute = 1
	registry := device.NewRegistry()
	prefs := preference.NewManager(cfg.Categories, cfg.RateLimits)
	s := NewSender(registry, prefs, ft, cfg, nil, &fixedLimiter{}, nil)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformAndroid})

	first := s.Send(context.Background(), newNotif("u"))
	require.Len(t, first, 1)
	assert.True(t, first[0].Success)

	second := s.Send(context.Background(), newNotif("u"))
	require.Len(t, second, 1)
	assert.False(t, second[0].Success)
	assert.Equal(t, notification.ResultRateLimited, second[0].Status)
}

func TestSender_TrackingCallbacks(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformIOS})
	n := newNotif("u")
	s.Send(context.Background(), n)

	assert.True(t, s.MarkDelivered(n.ID, "dev"))
	assert.True(t, s.MarkOpened(n.ID, "dev"))

	snap := s.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(1), snap.Opened)
}

func TestSender_ResultHistory(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformIOS})
	n := newNotif("u")
	s.Send(context.Background(), n)

	rs, ok := s.Results(n.ID)
	require.True(t, ok)
	require.Len(t, rs, 1)

	_, ok = s.Results("missing")
	assert.False(t, ok)
}

func TestSender_PruneHistory(t *testing.T) {
	ft := newFakeTransport()
	s, registry, _ := newTestSender(t, ft)

	registry.Register(device.RegisterRequest{UserID: "u", Token: "tok", Platform: device.PlatformIOS})
	n := newNotif("u")
	s.Send(context.Background(), n)

	// Age the history past the retention window.
	s.histMu.Lock()
	for _, rs := range s.history {
		for _, r := range rs {
			r.Timestamp = time.Now().Add(-8 * 24 * time.Hour)
		}
	}
	s.histMu.Unlock()

	assert.Equal(t, 1, s.PruneHistory())
	_, ok := s.Results(n.ID)
	assert.False(t, ok)
}

func TestStats_Reset(t *testing.T) {
	st := NewStats()
	st.RecordAttempt("price_alert", "ios", true, 10*time.Millisecond)
	st.RecordAttempt("price_alert", "ios", false, 20*time.Millisecond)
	st.RecordBlocked()

	snap := st.Snapshot()
	assert.Equal(t, int64(1), snap.Sent)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Blocked)
	assert.InDelta(t, 15.0, snap.AvgLatencyMs, 0.01)

	st.Reset()
	snap = st.Snapshot()
	assert.Equal(t, int64(0), snap.Sent)
	assert.Equal(t, int64(0), snap.Failed)
	assert.Equal(t, int64(0), snap.Blocked)
}
