package preference

import (
	"fmt"
	"sync"
	"time"

	"github.com/alexnthnz/push-delivery/internal/config"
	"github.com/alexnthnz/push-delivery/internal/notification"
)

// Reason explains the outcome of an allowance check
type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonCategoryDisabled Reason = "category_disabled"
	ReasonQuietHours       Reason = "quiet_hours"
	ReasonRateLimited      Reason = "rate_limit_exceeded"
)

// Preference holds one user's delivery settings for one category
type Preference struct {
	UserID            string                `json:"user_id"`
	Category          string                `json:"category"`
	Enabled           bool                  `json:"enabled"`
	Priority          notification.Priority `json:"priority"`
	QuietHoursEnabled bool                  `json:"quiet_hours_enabled"`
	QuietHoursStart   string                `json:"quiet_hours_start,omitempty"` // "HH:MM"
	QuietHoursEnd     string                `json:"quiet_hours_end,omitempty"`   // "HH:MM"
	Timezone          string                `json:"timezone,omitempty"`
	MaxPerHour        int                   `json:"max_per_hour,omitempty"` // 0 = global default
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Update carries a partial preference change; nil fields are left untouched.
type Update struct {
	Enabled           *bool
	Priority          *notification.Priority
	QuietHoursEnabled *bool
	QuietHoursStart   *string
	QuietHoursEnd     *string
	Timezone          *string
	MaxPerHour        *int
}

type prefKey struct {
	userID   string
	category string
}

// counter is a fixed-window send counter. The window restarts whenever more
// than its span has elapsed since the window start, approximating "no more
// than N sends per rolling window".
type counter struct {
	windowStart time.Time
	count       int
}

// Manager gates whether a (user, category) send is currently permitted,
// independent of device reachability. Preferences are materialized lazily
// from the category defaults table on first access.
type Manager struct {
	mu         sync.RWMutex
	prefs      map[prefKey]*Preference
	hourly     map[string]*counter
	daily      map[string]*counter
	categories map[string]config.CategoryConfig
	limits     config.RateLimitConfig
}

// NewManager creates a preference manager over the given category defaults
// table and global rate limits.
func NewManager(categories map[string]config.CategoryConfig, limits config.RateLimitConfig) *Manager {
	if categories == nil {
		categories = config.DefaultCategories()
	}
	return &Manager{
		prefs:      make(map[prefKey]*Preference),
		hourly:     make(map[string]*counter),
		daily:      make(map[string]*counter),
		categories: categories,
		limits:     limits,
	}
}

// defaultFor builds the default preference for a (user, category) pair from
// the category table.
func (m *Manager) defaultFor(userID, category string) *Preference {
	enabled := true
	priority := notification.PriorityNormal
	if cfg, ok := m.categories[category]; ok {
		enabled = cfg.DefaultEnabled
		priority = notification.ParsePriority(cfg.DefaultPriority)
	}
	return &Preference{
		UserID:    userID,
		Category:  category,
		Enabled:   enabled,
		Priority:  priority,
		Timezone:  "UTC",
		UpdatedAt: time.Now(),
	}
}

// GetPreference returns the stored preference for (user, category),
// materializing category defaults on first access.
func (m *Manager) GetPreference(userID, category string) Preference {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := prefKey{userID, category}
	p, ok := m.prefs[key]
	if !ok {
		p = m.defaultFor(userID, category)
		m.prefs[key] = p
	}
	return *p
}

// UpdatePreference applies a partial update and returns the new preference.
func (m *Manager) UpdatePreference(userID, category string, upd Update) Preference {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := prefKey{userID, category}
	p, ok := m.prefs[key]
	if !ok {
		p = m.defaultFor(userID, category)
		m.prefs[key] = p
	}

	if upd.Enabled != nil {
		p.Enabled = *upd.Enabled
	}
	if upd.Priority != nil {
		p.Priority = *upd.Priority
	}
	if upd.QuietHoursEnabled != nil {
		p.QuietHoursEnabled = *upd.QuietHoursEnabled
	}
	if upd.QuietHoursStart != nil {
		p.QuietHoursStart = *upd.QuietHoursStart
	}
	if upd.QuietHoursEnd != nil {
		p.QuietHoursEnd = *upd.QuietHoursEnd
	}
	if upd.Timezone != nil {
		p.Timezone = *upd.Timezone
	}
	if upd.MaxPerHour != nil {
		p.MaxPerHour = *upd.MaxPerHour
	}
	p.UpdatedAt = time.Now()
	return *p
}

// IsAllowed reports whether a (user, category) send is currently permitted
// and the first reason blocking it otherwise.
func (m *Manager) IsAllowed(userID, category string, now time.Time) (bool, Reason) {
	return m.IsAllowedFor(userID, category, notification.PriorityNormal, now)
}

// IsAllowedFor is the priority-aware allowance check: urgent notifications
// are exempt from the quiet-hours window, never from a disabled category or
// rate limits.
func (m *Manager) IsAllowedFor(userID, category string, priority notification.Priority, now time.Time) (bool, Reason) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prefs[prefKey{userID, category}]
	if !ok {
		p = m.defaultFor(userID, category)
	}

	if !p.Enabled {
		return false, ReasonCategoryDisabled
	}

	if p.QuietHoursEnabled && priority != notification.PriorityUrgent {
		if inQuietWindow(p, now) {
			return false, ReasonQuietHours
		}
	}

	hourCap := p.MaxPerHour
	if hourCap == 0 {
		hourCap = m.limits.MaxPerUserPerHour
	}
	if hourCap > 0 && atCap(m.hourly[userID], now, time.Hour, hourCap) {
		return false, ReasonRateLimited
	}
	if m.limits.MaxPerUserPerDay > 0 && atCap(m.daily[userID], now, 24*time.Hour, m.limits.MaxPerUserPerDay) {
		return false, ReasonRateLimited
	}

	return true, ReasonAllowed
}

// RecordSent increments the user's send counters. Call it once per
// successfully delivered notification.
func (m *Manager) RecordSent(userID, category string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	bump(m.hourly, userID, now, time.Hour)
	bump(m.daily, userID, now, 24*time.Hour)
}

// atCap reports whether a counter has reached its limit within the window.
func atCap(c *counter, now time.Time, span time.Duration, limit int) bool {
	if c == nil || now.Sub(c.windowStart) > span {
		return false
	}
	return c.count >= limit
}

func bump(counters map[string]*counter, userID string, now time.Time, span time.Duration) {
	c, ok := counters[userID]
	if !ok || now.Sub(c.windowStart) > span {
		counters[userID] = &counter{windowStart: now, count: 1}
		return
	}
	c.count++
}

// inQuietWindow tests whether now falls inside the preference's quiet-hours
// window, evaluated as minute-of-day in the preference's timezone. A window
// whose start is after its end wraps midnight.
func inQuietWindow(p *Preference, now time.Time) bool {
	start, err := parseMinutes(p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := parseMinutes(p.QuietHoursEnd)
	if err != nil {
		return false
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// parseMinutes converts an "HH:MM" clock string to minute-of-day.
func parseMinutes(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}
