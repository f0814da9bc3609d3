package storage

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"storage-rpc/config"
	"storage-rpc/loadbalance"
	"storage-rpc/registry"
)

// Resolver finds the address of the storage server to connect to. It is asked
// again before every connection attempt.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always returns the same address.
type StaticResolver string

func (r StaticResolver) Resolve(context.Context) (string, error) {
	return string(r), nil
}

// RegistryResolver discovers storage servers in a registry and picks one with a
// balancer.
type RegistryResolver struct {
	Registry registry.Registry
	Service  string
	Balancer loadbalance.Balancer

	mu       sync.Mutex
	cached   []registry.ServiceInstance
	watching bool // cached follows registry updates
}

// Watch keeps an instance list current from registry updates until ctx ends or
// the registry stops sending. While it has one, Resolve picks from it instead of
// asking the registry.
func (r *RegistryResolver) Watch(ctx context.Context) {
	updates := r.Registry.Watch(ctx, r.Service)
	if updates == nil {
		return
	}
	go func() {
		for instances := range updates {
			r.mu.Lock()
			r.cached, r.watching = instances, true
			r.mu.Unlock()
		}
		r.mu.Lock()
		r.cached, r.watching = nil, false
		r.mu.Unlock()
	}()
}

func (r *RegistryResolver) instances(ctx context.Context) ([]registry.ServiceInstance, error) {
	r.mu.Lock()
	cached, ok := r.cached, r.watching
	r.mu.Unlock()
	if ok {
		return cached, nil
	}
	instances, err := r.Registry.Discover(ctx, r.Service)
	return instances, errors.Annotatef(err, "discovering %q", r.Service)
}

func (r *RegistryResolver) Resolve(ctx context.Context) (string, error) {
	instances, err := r.instances(ctx)
	if err != nil {
		return "", err
	}
	instance, err := r.Balancer.Pick(instances)
	if err != nil {
		return "", errors.Annotatef(err, "picking a %q server", r.Service)
	}
	return instance.Addr, nil
}

// FromConfig builds a proxy for cfg. With a storage port it dials that address;
// otherwise it discovers servers through etcd, hashing on the proxy id so that
// reconnects return to the same server while it is registered.
func FromConfig(cfg config.Config, opts ...Option) (*Proxy, error) {
	if err := cfg.Storage.Validate(cfg.Etcd); err != nil {
		return nil, err
	}
	if !cfg.Storage.Discovery() {
		return New(cfg.Storage, opts...)
	}

	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return nil, errors.Annotate(err, "connecting to etcd")
	}
	resolver := &RegistryResolver{Registry: reg, Service: cfg.Storage.Service}
	p, err := New(cfg.Storage, append(opts, WithResolver(resolver))...)
	if err != nil {
		reg.Close()
		return nil, err
	}
	resolver.Balancer, err = loadbalance.New(cfg.Storage.Balancer, p.ID())
	if err != nil {
		reg.Close()
		return nil, errors.Annotatef(config.ErrConfiguration, "%v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	resolver.Watch(ctx)
	// The watch stops before the etcd client closes.
	p.closers = append(p.closers, cancelCloser(cancel), reg)
	return p, nil
}

type cancelCloser context.CancelFunc

func (c cancelCloser) Close() error {
	c()
	return nil
}
