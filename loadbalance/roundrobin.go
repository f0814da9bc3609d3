package loadbalance

import (
	"sync/atomic"

	"storage-rpc/registry"
)

// RoundRobinBalancer distributes picks evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

// Pick selects the next instance in round-robin order.
func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
