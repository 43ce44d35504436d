package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/device"
)

// FCM delivers payloads through Firebase Cloud Messaging
type FCM struct {
	client *messaging.Client
	config config.FirebaseConfig
}

// NewFCM creates an FCM transport from a service account credentials file.
func NewFCM(ctx context.Context, cfg config.FirebaseConfig) (*FCM, error) {
	// Check if credentials file exists
	if _, err := os.Stat(cfg.CredentialsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("Firebase credentials file not found at %s", cfg.CredentialsPath)
	}

	// Initialize Firebase app
	opt := option.WithCredentialsFile(cfg.CredentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	// Get messaging client
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	return &FCM{
		client: client,
		config: cfg,
	}, nil
}

// Send maps the payload envelope onto an FCM message and dispatches it. An
// unregistered token is reported as ErrInvalidToken so the caller can
// deactivate the device.
func (f *FCM) Send(ctx context.Context, d device.Device, p Payload) (string, error) {
	message := &messaging.Message{
		Token: d.Token,
		Notification: &messaging.Notification{
			Title:    p.Title,
			Body:     p.Body,
			ImageURL: p.ImageURL,
		},
		Data: p.Data,
	}

	if p.Android != nil {
		ttl := time.Duration(p.Android.TTLSeconds) * time.Second
		message.Android = &messaging.AndroidConfig{
			Priority: p.Android.Priority,
			TTL:      &ttl,
			Notification: &messaging.AndroidNotification{
				ChannelID: p.Android.ChannelID,
			},
		}
	}

	if p.APNS != nil {
		aps := &messaging.Aps{
			Alert: &messaging.ApsAlert{
				Title: p.Title,
				Body:  p.Body,
			},
			Sound: p.APNS.Sound,
		}
		if p.APNS.Badge != nil {
			aps.Badge = p.APNS.Badge
		}
		message.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": p.APNS.Urgency,
			},
			Payload: &messaging.APNSPayload{Aps: aps},
		}
	}

	if p.Web != nil {
		message.Webpush = &messaging.WebpushConfig{
			Headers: map[string]string{
				"Urgency": p.Web.Urgency,
				"TTL":     strconv.Itoa(p.Web.TTLSeconds),
			},
		}
	}

	response, err := f.client.Send(ctx, message)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return "", &SendError{Code: "unregistered", Message: err.Error(), Err: ErrInvalidToken}
		}
		return "", &SendError{Code: "fcm_error", Message: err.Error(), Err: err}
	}

	return response, nil
}
