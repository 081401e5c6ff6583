package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"lua-bridge/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps a fixed key onto a hash ring built from the instance list.
// The same key keeps landing on the same instance as long as that instance stays registered,
// and only keys owned by a departed instance move when the list changes.
//
// Each instance owns replicas virtual nodes so a handful of instances still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: defaultReplicas}
}

// Pick builds the ring for instances and returns the owner of the balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	return b.PickKey(instances, b.key), nil
}

// PickKey returns the owner of key on the ring built from instances, which must be non-empty.
func (b *ConsistentHashBalancer) PickKey(instances []registry.Instance, key string) *registry.Instance {
	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]int, len(instances)*b.replicas)
	for i := range instances {
		for r := 0; r < b.replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instances[i].Addr, r)))
			ring = append(ring, hash)
			nodes[hash] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0 // Wrap around the ring
	}
	return &instances[nodes[ring[idx]]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
