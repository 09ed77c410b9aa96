package transport

import (
	"context"
	"sync"
)

// Loopback is an in-memory Channel: events sent on one end arrive on the
// peer's handler. Used by tests and by single-process deployments where the
// floor authority runs in the same binary.
type Loopback struct {
	mu      sync.Mutex
	handler func(Event)
	peer    *Loopback
	closed  bool
}

// NewLoopbackPair returns two connected ends.
func NewLoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{}
	b := &Loopback{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) OnEvent(fn func(Event)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *Loopback) Send(_ context.Context, evt Event) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	peer := l.peer
	l.mu.Unlock()

	peer.mu.Lock()
	h := peer.handler
	peer.mu.Unlock()
	if h != nil {
		h(evt)
	}
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
