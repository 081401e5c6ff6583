package connection

import (
	"context"
	"fmt"
	"sync"

	"lua-bridge/loadbalance"
	"lua-bridge/registry"
)

// EndpointSource yields the endpoint to dial. It is consulted before every attempt, so a
// discovery-backed source follows targets as they move.
type EndpointSource interface {
	Endpoint(ctx context.Context) (string, error)
}

// StaticEndpoint always dials the same address.
type StaticEndpoint string

func (s StaticEndpoint) Endpoint(ctx context.Context) (string, error) {
	return string(s), nil
}

// DiscoveryEndpoint looks Target up in Registry and lets Balancer choose among the results.
type DiscoveryEndpoint struct {
	Registry registry.Registry
	Balancer loadbalance.Balancer
	Target   string

	mu      sync.Mutex
	current string // Last address handed out by Endpoint
}

func (d *DiscoveryEndpoint) Endpoint(ctx context.Context) (string, error) {
	instances, err := d.Registry.Discover(ctx, d.Target)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", d.Target, err)
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("discover %s: %w", d.Target, registry.ErrNoInstances)
	}
	inst, err := d.Balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("pick %s: %w", d.Target, err)
	}
	d.mu.Lock()
	d.current = inst.Addr
	d.mu.Unlock()
	return inst.Addr, nil
}

// Current returns the address most recently handed out by Endpoint.
func (d *DiscoveryEndpoint) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Watch follows Target in the registry and calls gone with the current address whenever
// an update no longer lists it. The subscription is in place when Watch returns; updates
// are handled on their own goroutine until ctx is done.
func (d *DiscoveryEndpoint) Watch(ctx context.Context, gone func(addr string)) {
	updates := d.Registry.Watch(ctx, d.Target)
	go func() {
		for instances := range updates {
			current := d.Current()
			if current == "" || containsAddr(instances, current) {
				continue
			}
			gone(current)
		}
	}()
}

func containsAddr(instances []registry.Instance, addr string) bool {
	for _, inst := range instances {
		if inst.Addr == addr {
			return true
		}
	}
	return false
}
