package sender

import (
	"sync"
	"time"
)

// Stats accumulates delivery counters. It is mutated additively after each
// attempt and reset only on explicit request.
type Stats struct {
	mu           sync.Mutex
	sent         int64
	delivered    int64
	opened       int64
	failed       int64
	blocked      int64
	attempts     int64
	totalLatency time.Duration
	byCategory   map[string]int64
	byPlatform   map[string]int64
}

// StatsSnapshot is a point-in-time copy of the delivery counters.
type StatsSnapshot struct {
	Sent         int64            `json:"sent"`
	Delivered    int64            `json:"delivered"`
	Opened       int64            `json:"opened"`
	Failed       int64            `json:"failed"`
	Blocked      int64            `json:"blocked"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
	ByCategory   map[string]int64 `json:"by_category"`
	ByPlatform   map[string]int64 `json:"by_platform"`
}

// NewStats creates an empty stats accumulator.
func NewStats() *Stats {
	return &Stats{
		byCategory: make(map[string]int64),
		byPlatform: make(map[string]int64),
	}
}

// RecordAttempt records one per-device delivery attempt.
func (s *Stats) RecordAttempt(category, platform string, success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	s.totalLatency += latency
	if success {
		s.sent++
		s.byCategory[category]++
		s.byPlatform[platform]++
	} else {
		s.failed++
	}
}

// RecordBlocked records a send stopped before fan-out.
func (s *Stats) RecordBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked++
}

// RecordDelivered records a delivery confirmation callback.
func (s *Stats) RecordDelivered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered++
}

// RecordOpened records an open-tracking callback.
func (s *Stats) RecordOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Sent:       s.sent,
		Delivered:  s.delivered,
		Opened:     s.opened,
		Failed:     s.failed,
		Blocked:    s.blocked,
		ByCategory: make(map[string]int64, len(s.byCategory)),
		ByPlatform: make(map[string]int64, len(s.byPlatform)),
	}
	if s.attempts > 0 {
		snap.AvgLatencyMs = float64(s.totalLatency.Milliseconds()) / float64(s.attempts)
	}
	for k, v := range s.byCategory {
		snap.ByCategory[k] = v
	}
	for k, v := range s.byPlatform {
		snap.ByPlatform[k] = v
	}
	return snap
}

// Reset clears all counters.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = 0
	s.delivered = 0
	s.opened = 0
	s.failed = 0
	s.blocked = 0
	s.attempts = 0
	s.totalLatency = 0
	s.byCategory = make(map[string]int64)
	s.byPlatform = make(map[string]int64)
}
