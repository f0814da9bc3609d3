package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"sync"

	"storage-rpc/registry"
)

// ConsistentHashBalancer maps a fixed key onto a hash ring of instances. The same
// key lands on the same instance until the instance set changes, so a proxy keeps
// its affinity to one storage server across reconnects.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring so a
// handful of instances does not cluster on one arc.
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
	replicas int // Virtual nodes per real instance

	mu    sync.Mutex
	addrs []string                             // instance set the ring was built from
	ring  []uint32                             // Sorted hash values on the ring
	nodes map[uint32]*registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance
// that always picks for key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	slices.Sort(b.ring)
}

// Pick rebuilds the ring when the instance set changed, then returns the instance
// owning the balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Equal(addrs, b.addrs) {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.ServiceInstance)
		for i := range instances {
			inst := instances[i]
			b.add(&inst)
		}
		b.addrs = addrs
	}
	return b.lookup(b.key)
}

// PickKey returns the instance owning key on the current ring.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(key)
}

// lookup hashes the key, then binary-searches for the first node >= hash on the
// ring, wrapping around to the first node past the end.
func (b *ConsistentHashBalancer) lookup(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := *b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
