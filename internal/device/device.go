package device

import (
	"time"
)

// Platform identifies the operating environment of a registered device
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// TokenKind identifies which push provider a token belongs to
type TokenKind string

const (
	TokenFCM     TokenKind = "fcm"
	TokenAPNS    TokenKind = "apns"
	TokenWebPush TokenKind = "web_push"
)

// KindForPlatform selects the default token kind for a platform
// (ios -> apns, android -> fcm, everything else -> web_push).
func KindForPlatform(p Platform) TokenKind {
	switch p {
	case PlatformIOS:
		return TokenAPNS
	case PlatformAndroid:
		return TokenFCM
	default:
		return TokenWebPush
	}
}

// Device represents one registered push target for a user
type Device struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Token            string     `json:"token"`
	Platform         Platform   `json:"platform"`
	TokenKind        TokenKind  `json:"token_kind"`
	Active           bool       `json:"active"`
	AppVersion       string     `json:"app_version,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
	TokenRefreshedAt *time.Time `json:"token_refreshed_at,omitempty"`
}
