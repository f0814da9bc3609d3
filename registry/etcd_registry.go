package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/storage-rpc/"

// EtcdRegistry implements the Registry interface using etcd v3, as a phonebook of
// storage servers:
//
//	Key:   /storage-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a server dies without deregistering, the
// lease expires and the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger zerolog.Logger
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to etcd %v", endpoints)
	}
	return &EtcdRegistry{
		client: c,
		logger: log.Logger.With().Str("component", "registry").Logger(),
	}, nil
}

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// Register adds a service instance to etcd with a TTL lease and keeps the lease
// alive until ctx is cancelled.
//
// leaseID stays a local variable: several servers may share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotate(err, "granting lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}

	_, err = r.client.Put(ctx, servicePrefix(serviceName)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return errors.Annotatef(err, "registering %s at %s", serviceName, instance.Addr)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Annotate(err, "keeping lease alive")
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug().Str("service", serviceName).Str("addr", instance.Addr).Msg("lease keep-alive stopped")
	}()
	return nil
}

// Deregister removes a service instance from etcd.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	_, err := r.client.Delete(ctx, servicePrefix(serviceName)+addr)
	return errors.Annotatef(err, "deregistering %s at %s", serviceName, addr)
}

// Watch emits the full instance list every time the service prefix changes, until
// ctx is cancelled.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the whole list rather than applying individual events.
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn().Err(err).Str("service", serviceName).Msg("refreshing instances")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "discovering %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn().Err(err).Bytes("key", kv.Key).Msg("skipping malformed instance")
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
