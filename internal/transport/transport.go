package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexnthnz/push-delivery/internal/device"
)

// ErrInvalidToken signals that the provider rejected the push token as no
// longer valid. The sender deactivates the device on this error.
var ErrInvalidToken = errors.New("push token no longer valid")

// SendError wraps a provider failure with a stable error code.
type SendError struct {
	Code    string
	Message string
	Err     error
}

func (e *SendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *SendError) Unwrap() error { return e.Err }

// APNSHints carries iOS-specific delivery hints
type APNSHints struct {
	Urgency string `json:"urgency"` // apns-priority header value
	Sound   string `json:"sound,omitempty"`
	Badge   *int   `json:"badge,omitempty"`
}

// AndroidHints carries Android-specific delivery hints
type AndroidHints struct {
	Priority   string `json:"priority"` // "high" or "normal"
	ChannelID  string `json:"channel_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// WebHints carries web-push delivery hints
type WebHints struct {
	Urgency    string `json:"urgency"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Payload is the envelope handed to the transport: a common
// title/body/data core augmented with hints for the target platform. Data
// always includes notification_id and category.
type Payload struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data"`
	ImageURL  string            `json:"image_url,omitempty"`
	ActionURL string            `json:"action_url,omitempty"`
	APNS      *APNSHints        `json:"apns,omitempty"`
	Android   *AndroidHints     `json:"android,omitempty"`
	Web       *WebHints         `json:"web,omitempty"`
}

// Transport delivers one payload to one device and returns the provider's
// message id. Implementations must honor the context deadline; a timeout is
// treated like any other transient failure by the caller.
type Transport interface {
	Send(ctx context.Context, d device.Device, p Payload) (string, error)
}
