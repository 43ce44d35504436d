package device

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the source of truth for which devices a user's notifications
// may reach. All state is held in memory; absence is reported through
// boolean returns since a missing device is an expected condition (a
// delivery can race a deactivation).
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	byToken map[string]string   // push token -> device id
	byUser  map[string][]string // user id -> device ids in registration order
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		byToken: make(map[string]string),
		byUser:  make(map[string][]string),
	}
}

// RegisterRequest carries the attributes of a device registration.
type RegisterRequest struct {
	UserID     string
	Token      string
	Platform   Platform
	TokenKind  TokenKind // auto-selected from platform when empty
	AppVersion string
}

// Register registers a device for a user. Registering a token that is
// already known updates the existing device in place and returns it, so
// repeated registrations never create duplicates.
func (r *Registry) Register(req RegisterRequest) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	kind := req.TokenKind
	if kind == "" {
		kind = KindForPlatform(req.Platform)
	}

	if id, ok := r.byToken[req.Token]; ok {
		d := r.devices[id]
		if d.UserID != req.UserID {
			r.removeFromUser(d.UserID, d.ID)
			r.byUser[req.UserID] = append(r.byUser[req.UserID], d.ID)
			d.UserID = req.UserID
		}
		d.Platform = req.Platform
		d.TokenKind = kind
		d.AppVersion = req.AppVersion
		d.Active = true
		d.LastUsedAt = now
		return *d
	}

	d := &Device{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Token:      req.Token,
		Platform:   req.Platform,
		TokenKind:  kind,
		Active:     true,
		AppVersion: req.AppVersion,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	r.devices[d.ID] = d
	r.byToken[d.Token] = d.ID
	r.byUser[d.UserID] = append(r.byUser[d.UserID], d.ID)
	return *d
}

// Get returns the device with the given id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// GetByToken returns the device holding the given push token.
func (r *Registry) GetByToken(token string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byToken[token]
	if !ok {
		return Device{}, false
	}
	return *r.devices[id], true
}

// ListForUser returns the user's devices in registration order. With
// activeOnly set, inactive devices are filtered out.
func (r *Registry) ListForUser(userID string, activeOnly bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byUser[userID]
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		d := r.devices[id]
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, *d)
	}
	return out
}

// Unregister removes the device and all of its index entries.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	delete(r.devices, id)
	if r.byToken[d.Token] == id {
		delete(r.byToken, d.Token)
	}
	r.removeFromUser(d.UserID, id)
	return true
}

// Deactivate marks the device inactive without deleting its history.
func (r *Registry) Deactivate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.Active = false
	return true
}

// MarkTokenInvalid deactivates the device holding the token. Used when the
// transport reports the token as no longer valid.
func (r *Registry) MarkTokenInvalid(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byToken[token]
	if !ok {
		return false
	}
	r.devices[id].Active = false
	return true
}

// RefreshToken atomically repoints the token index for a device. A device
// already holding newToken is deactivated and stripped of the token, keeping
// the one-device-per-token invariant.
func (r *Registry) RefreshToken(id, newToken string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	if otherID, ok := r.byToken[newToken]; ok && otherID != id {
		other := r.devices[otherID]
		other.Active = false
		other.Token = ""
	}
	delete(r.byToken, d.Token)
	d.Token = newToken
	now := time.Now()
	d.TokenRefreshedAt = &now
	d.Active = true
	r.byToken[newToken] = id
	return true
}

// MarkUsed bumps the device's last-used timestamp after a successful send.
func (r *Registry) MarkUsed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.LastUsedAt = time.Now()
	return true
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *Registry) removeFromUser(userID, id string) {
	ids := r.byUser[userID]
	for i, v := range ids {
		if v == id {
			r.byUser[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byUser[userID]) == 0 {
		delete(r.byUser, userID)
	}
}
