package playedstore

import (
	"context"
	"sync"
)

// Store remembers which message ids have already been played, so a restart
// does not replay old voice messages.
type Store interface {
	Add(ctx context.Context, chatID, messageID string) error
	Contains(ctx context.Context, chatID, messageID string) (bool, error)
	Clear(ctx context.Context, chatID string) error
}

// Memory is an in-process Store for tests and single-run deployments.
type Memory struct {
	mu     sync.RWMutex
	byChat map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{byChat: make(map[string]map[string]struct{})}
}

func (m *Memory) Add(_ context.Context, chatID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byChat[chatID]
	if set == nil {
		set = make(map[string]struct{})
		m.byChat[chatID] = set
	}
	set[messageID] = struct{}{}
	return nil
}

func (m *Memory) Contains(_ context.Context, chatID, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byChat[chatID][messageID]
	return ok, nil
}

func (m *Memory) Clear(_ context.Context, chatID string) error {
	m.mu.Lock()
	delete(m.byChat, chatID)
	m.mu.Unlock()
	return nil
}
