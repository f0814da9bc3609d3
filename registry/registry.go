// Package registry advertises storage servers and lets proxies discover them.
package registry

import "context"

// DefaultService is the service name storage servers register under.
const DefaultService = "storage"

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
