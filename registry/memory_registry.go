package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-host setups and tests. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]Instance
	watchers  map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byAddr, ok := r.instances[instance.Name]
	if !ok {
		byAddr = make(map[string]Instance)
		r.instances[instance.Name] = byAddr
	}
	byAddr[instance.Addr] = instance
	r.notifyLocked(instance.Name)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, name string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances[name], addr)
	r.notifyLocked(name)
	return nil
}

// Discover returns instances sorted by address so balancers see a stable order.
func (r *MemoryRegistry) Discover(ctx context.Context, name string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(name), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	r.mu.Lock()
	r.watchers[name] = append(r.watchers[name], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[name]
		for i, w := range ws {
			if w == ch {
				r.watchers[name] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(name string) []Instance {
	out := make([]Instance, 0, len(r.instances[name]))
	for _, inst := range r.instances[name] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notifyLocked replaces any unread update with the latest list; watchers only need the newest.
func (r *MemoryRegistry) notifyLocked(name string) {
	list := r.listLocked(name)
	for _, ch := range r.watchers[name] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
