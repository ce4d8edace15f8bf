package broadcast

import (
	"context"
	"sync"
)

// MemoryChannel is an in-process Channel. Share one MemoryChannel between
// Broadcasters to simulate peers.
type MemoryChannel struct {
	mu     sync.Mutex
	status *Status
	subs   map[int]chan struct{}
	nextID int
}

// NewMemoryChannel returns an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: map[int]chan struct{}{}}
}

func (m *MemoryChannel) WriteStatus(_ context.Context, s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = &s
	return nil
}

func (m *MemoryChannel) ReadStatus(context.Context) (Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return Status{}, false, nil
	}
	return *m.status, true, nil
}

func (m *MemoryChannel) Trigger(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		signal(ch)
	}
	return nil
}

func (m *MemoryChannel) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryChannel) Close() error {
	return nil
}
