package audiocache

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"walkie/coord/internal/driver"
)

// Loader decodes an opaque audio ref into a playable handle.
type Loader interface {
	Load(ctx context.Context, audioRef string) (handle string, durationMs int64, err error)
}

// Entry is one cached decoded message.
type Entry struct {
	MessageID  string
	Handle     string
	DurationMs int64
	LoadedAt   time.Time
	Ready      bool
}

// Manager caches decoded playable handles keyed by message id so queued
// playback starts without a decode round trip. Evicted by age, then by
// capacity, least-recently-loaded first.
type Manager struct {
	loader Loader
	player driver.Player

	maxEntries int
	maxAge     time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
}

func New(loader Loader, player driver.Player, maxEntries int, maxAge time.Duration) *Manager {
	return &Manager{
		loader:     loader,
		player:     player,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		entries:    make(map[string]*Entry),
	}
}

// Preload loads and decodes in the background. The entry exists but is not
// Ready until the load completes; a failed load removes it.
func (m *Manager) Preload(ctx context.Context, messageID, audioRef string) {
	m.mu.Lock()
	if _, ok := m.entries[messageID]; ok {
		m.mu.Unlock()
		return
	}
	e := &Entry{MessageID: messageID, LoadedAt: time.Now()}
	m.entries[messageID] = e
	m.mu.Unlock()

	metricPreloads.Inc()
	go func() {
		handle, dur, err := m.loader.Load(ctx, audioRef)
		m.mu.Lock()
		if err != nil {
			delete(m.entries, messageID)
			m.mu.Unlock()
			log.Printf("[cache] preload failed msg=%s: %v", messageID, err)
			return
		}
		e.Handle = handle
		e.DurationMs = dur
		e.LoadedAt = time.Now()
		e.Ready = true
		m.mu.Unlock()
		m.EvictIfNeeded()
	}()
}

// Get returns a ready entry or nil.
func (m *Manager) Get(messageID string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[messageID]
	if e == nil || !e.Ready {
		return nil
	}
	return e
}

// Play starts playback for a message, from cache when possible. A cache hit
// plays immediately; a miss loads synchronously first.
func (m *Manager) Play(ctx context.Context, messageID, audioRef string) (string, error) {
	if e := m.Get(messageID); e != nil {
		metricInstantPlays.Inc()
		return m.player.Play(ctx, e.Handle)
	}
	handle, dur, err := m.loader.Load(ctx, audioRef)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.entries[messageID] = &Entry{
		MessageID:  messageID,
		Handle:     handle,
		DurationMs: dur,
		LoadedAt:   time.Now(),
		Ready:      true,
	}
	m.mu.Unlock()
	m.EvictIfNeeded()
	return m.player.Play(ctx, handle)
}

// EvictIfNeeded drops entries past the max age, then trims back under the
// capacity cap, oldest load first.
func (m *Manager) EvictIfNeeded() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.entries {
		if m.maxAge > 0 && now.Sub(e.LoadedAt) > m.maxAge {
			delete(m.entries, id)
			metricEvictions.WithLabelValues("age").Inc()
		}
	}

	if m.maxEntries <= 0 || len(m.entries) <= m.maxEntries {
		return
	}
	all := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LoadedAt.Before(all[j].LoadedAt) })
	for _, e := range all[:len(all)-m.maxEntries] {
		delete(m.entries, e.MessageID)
		metricEvictions.WithLabelValues("capacity").Inc()
	}
}

// Clear drops everything (chat switch).
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()
}

// Len reports the number of entries, ready or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
