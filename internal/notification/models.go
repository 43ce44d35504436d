package notification

import (
	"time"

	"github.com/google/uuid"
)

// Priority represents how urgently a notification should be delivered
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the scheduling rank of a priority; lower ranks are drained
// first. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority maps a priority string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Status represents the lifecycle state of a notification
type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// Notification represents one logical push to a user
type Notification struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Category    string            `json:"category"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	ActionURL   string            `json:"action_url,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"` // empty = all active devices
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	RetryCount  int               `json:"retry_count"`
	LastError   string            `json:"last_error,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// New creates a pending notification with a fresh id.
func New(userID, category, title, body string, priority Priority) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Category:  category,
		Title:     title,
		Body:      body,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Expired reports whether the notification's expiry has passed at t.
func (n *Notification) Expired(t time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(t)
}

// ResultStatus classifies the outcome of one delivery attempt
type ResultStatus string

const (
	ResultSent              ResultStatus = "sent"
	ResultFailed            ResultStatus = "failed"
	ResultPreferenceBlocked ResultStatus = "preference_blocked"
	ResultQuietHours        ResultStatus = "quiet_hours"
	ResultRateLimited       ResultStatus = "rate_limit_exceeded"
	ResultNoDevices         ResultStatus = "no_devices"
	ResultInvalidToken      ResultStatus = "invalid_token"
)

// Result records a single delivery attempt for one (notification, device)
// pair. Results are immutable after creation.
type Result struct {
	NotificationID    string        `json:"notification_id"`
	DeviceID          string        `json:"device_id,omitempty"`
	Success           bool          `json:"success"`
	Status            ResultStatus  `json:"status"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	Latency           time.Duration `json:"latency"`
	Timestamp         time.Time     `json:"timestamp"`
}
