// etcd-backed Registry.
//
//	Key:   /lua-bridge/targets/{name}/{escaped addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL leases: if a target dies without deregistering, its lease expires
// and the entry disappears, so the bridge never dials a ghost endpoint for long.

package registry

import (
	"context"
	"encoding/json"
	"net/url"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/lua-bridge/targets/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger *zap.Logger
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func instanceKey(name, addr string) string {
	return keyPrefix + name + "/" + url.PathEscape(addr)
}

// Register stores instance under a lease of ttl seconds and keeps the lease alive until ctx
// is cancelled or the instance is deregistered.
//
// The lease ID is a local, not a field: several targets may share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, instanceKey(instance.Name, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain keep-alive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped",
			zap.String("target", instance.Name),
			zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr string) error {
	_, err := r.client.Delete(ctx, instanceKey(name, addr))
	return err
}

// Discover returns every instance currently registered under name.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list for name after every change under its prefix.
// The channel closes when ctx is cancelled.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, keyPrefix+name+"/", clientv3.WithPrefix())
		for range watchChan {
			// Re-fetching is simpler than applying individual events.
			instances, err := r.Discover(ctx, name)
			if err != nil {
				r.logger.Warn("re-discover after watch event failed", zap.String("target", name), zap.Error(err))
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

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
