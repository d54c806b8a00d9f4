package fanout

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("fanout hub closed")

// Hub fans delivery change notifications out to the sessions watching a
// delivery in this process. Handlers are called synchronously by Publish and
// must not block.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]func()
	closed bool
}

func New() *Hub {
	return &Hub{subs: make(map[string]map[string]func())}
}

func (h *Hub) Subscribe(recordID string, onChange func()) (func(), error) {
	if recordID == "" {
		return nil, errors.New("record id is required")
	}
	if onChange == nil {
		return nil, errors.New("handler is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	m := h.subs[recordID]
	if m == nil {
		m = make(map[string]func())
		h.subs[recordID] = m
	}
	m[id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(recordID, id) })
	}, nil
}

func (h *Hub) remove(recordID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.subs[recordID]
	if m == nil {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(h.subs, recordID)
	}
}

// Publish returns the number of handlers called.
func (h *Hub) Publish(recordID string) int {
	h.mu.RLock()
	m := h.subs[recordID]
	fns := make([]func(), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Watchers is the number of live subscriptions for recordID.
func (h *Hub) Watchers(recordID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[recordID])
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[string]map[string]func())
}
