// Package loadbalance picks which discovered storage server a proxy connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread reconnects evenly across equal servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  one proxy keeps landing on the same server across reconnects
package loadbalance

import (
	"strings"

	"github.com/juju/errors"

	"storage-rpc/registry"
)

// ErrNoInstances is returned by Pick when no server is registered.
const ErrNoInstances = errors.ConstError("no storage servers available")

// Balancer is the interface for load balancing strategies.
// The storage proxy calls Pick() before each connection attempt.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name. key is only used by the consistent hash
// strategy.
func New(name, key string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "roundrobin", "round-robin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "random", "weighted", "weightedrandom", "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "hash", "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
