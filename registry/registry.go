// Package registry lets targets announce their endpoints and lets the bridge discover them.
//
// A target registers one Instance per listening endpoint under its target name. The
// connection manager resolves a name to instances before each connection attempt and a
// loadbalance.Balancer picks one.
package registry

import (
	"context"
	"errors"
)

// ErrNoInstances is returned when a target name has no registered endpoints.
var ErrNoInstances = errors.New("registry: no instances registered")

type Instance struct {
	Name    string `json:"name"`    // Target name, e.g. "studio"
	Addr    string `json:"addr"`    // Dialable endpoint, e.g. "ws://10.0.0.5:8765/"
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"` // Target runtime version, informational
}

type Registry interface {
	Register(ctx context.Context, instance Instance, ttl int64) error
	Deregister(ctx context.Context, name string, addr string) error
	Discover(ctx context.Context, name string) ([]Instance, error)
	Watch(ctx context.Context, name string) <-chan []Instance
}
