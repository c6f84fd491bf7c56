// Package session keeps per-conversation model pins so that "auto"
// requests sharing a session id do not switch models mid-conversation.
package session

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/blockrun/blockrun/internal/config"
	. "github.com/blockrun/blockrun/internal/logging"
	"github.com/blockrun/blockrun/internal/metrics"
	"github.com/blockrun/blockrun/internal/routing"
)

// Entry is one pinned session.
type Entry struct {
	SessionID   string
	PinnedModel string
	Tier        routing.Tier
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// Store is an in-memory TTL map of session pins with a periodic
// eviction sweep and an LRU bound on entry count.
type Store struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	ttl         time.Duration
	maxEntries  int
	headerNames []string
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewStore builds a store from config and starts its sweeper.
func NewStore(cfg config.SessionConfig) *Store {
	ttl := time.Duration(cfg.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Hour
	}
	sweepEvery := time.Duration(cfg.SweepIntervalMs) * time.Millisecond
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Minute
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	s := &Store{
		entries:     make(map[string]*Entry),
		ttl:         ttl,
		maxEntries:  maxEntries,
		headerNames: cfg.HeaderNames,
		stopCh:      make(chan struct{}),
	}
	go s.sweepLoop(sweepEvery)
	return s
}

// ExtractID returns the session id for a request: the configured
// header names are tried in order and the first non-empty value wins.
// Empty means the request is routed without pinning.
func (s *Store) ExtractID(h http.Header) string {
	for _, name := range s.headerNames {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// GetPinned returns the pinned model for a session and refreshes its
// last-used time. Expired entries are treated as absent even before
// the sweeper reaches them.
func (s *Store) GetPinned(sessionID string) (string, routing.Tier, bool) {
	if sessionID == "" {
		return "", routing.TierNone, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		metrics.MetricMiss("session", "pin")
		return "", routing.TierNone, false
	}
	now := time.Now()
	if now.Sub(e.LastUsedAt) > s.ttl {
		delete(s.entries, sessionID)
		metrics.MetricMiss("session", "pin")
		return "", routing.TierNone, false
	}
	e.LastUsedAt = now
	metrics.MetricHit("session", "pin")
	return e.PinnedModel, e.Tier, true
}

// Pin creates or replaces a session's pinned model. When the store is
// full, the least recently used entry makes room.
func (s *Store) Pin(sessionID, model string, tier routing.Tier) {
	if sessionID == "" || model == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[sessionID]; ok {
		e.PinnedModel = model
		e.Tier = tier
		e.LastUsedAt = now
		return
	}

	if len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}
	s.entries[sessionID] = &Entry{
		SessionID:   sessionID,
		PinnedModel: model,
		Tier:        tier,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	metrics.MetricSet("session", "entries", int64(len(s.entries)))
	L_debug("session: pinned", "session", sessionID, "model", model, "tier", tier.String())
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweeper. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts entries idle longer than the TTL.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range s.entries {
		if now.Sub(e.LastUsedAt) > s.ttl {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.MetricAdd("session", "swept", int64(removed))
		L_debug("session: sweep evicted entries", "count", removed, "remaining", len(s.entries))
	}
}

// evictOldestLocked removes the entry with the oldest LastUsedAt.
// Caller holds the lock.
func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range s.entries {
		if oldestID == "" || e.LastUsedAt.Before(oldest) {
			oldestID = id
			oldest = e.LastUsedAt
		}
	}
	if oldestID != "" {
		delete(s.entries, oldestID)
		metrics.MetricInc("session", "lruEvicted")
		L_debug("session: evicted LRU entry", "session", oldestID)
	}
}
