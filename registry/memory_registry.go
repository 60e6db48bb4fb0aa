package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups.
// TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i := range insts {
		if insts[i].Addr == inst.Addr {
			insts[i] = inst
			m.notify(serviceName)
			return nil
		}
	}
	m.instances[serviceName] = append(insts, inst)
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			break
		}
	}
	m.notify(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceInstance(nil), m.instances[serviceName]...), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	// Watchers start from the current list so a change racing the Watch call is not lost.
	if len(m.instances[serviceName]) > 0 {
		ch <- append([]ServiceInstance(nil), m.instances[serviceName]...)
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				m.watchers[serviceName] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify sends the latest list to every watcher, replacing an unread older list.
// Must be called with m.mu held.
func (m *MemoryRegistry) notify(serviceName string) {
	snapshot := append([]ServiceInstance(nil), m.instances[serviceName]...)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
