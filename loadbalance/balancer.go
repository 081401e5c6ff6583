// Package loadbalance picks which discovered target endpoint a connection attempt dials.
//
// Three strategies are implemented:
//   - RoundRobin:      spread reconnects evenly across equivalent targets
//   - WeightedRandom:  prefer targets with a higher registered weight
//   - ConsistentHash:  keep one bridge session pinned to the same target across reconnects
package loadbalance

import (
	"errors"
	"fmt"

	"lua-bridge/registry"
)

// ErrNoInstances is returned by Pick when the candidate list is empty.
var ErrNoInstances = errors.New("no instances available")

// Balancer selects one instance per connection attempt. Implementations are goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer registered under name: "round_robin", "weighted_random" or
// "consistent_hash". key is only used by consistent hashing.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
