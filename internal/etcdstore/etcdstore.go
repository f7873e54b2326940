// Package etcdstore implements registry.Mirror against etcd: a
// durable write-through copy of registry mutations kept for crash
// recovery. It is a mirror, not a second source of truth — the
// registry never reads through it at runtime, so the contract is just
// Put/Delete plus a startup LoadAll.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Songjaeheon0923/Fin-Hub/internal/registry"
)

const keyPrefix = "/finhub/services/"

// Record is what one instance serializes to under its etcd key: the
// instance itself plus the tool descriptors it registered with, so
// recovery can replay the full registration rather than resurrect a
// tool-less zombie.
type Record struct {
	Instance *registry.ServiceInstance `json:"instance"`
	Tools    []registry.ToolDescriptor `json:"tools,omitempty"`
}

// Store wraps an etcd client and implements registry.Mirror.
type Store struct {
	client         *clientv3.Client
	requestTimeout time.Duration
}

// Config is the subset of internal/config.EtcdConfig this package needs.
type Config struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// New dials etcd and returns a Store. The dial itself only validates
// the endpoint list's shape; it does not block waiting for a healthy
// cluster, matching clientv3.New's own lazy-connect behavior.
func New(cfg Config) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdstore: dial failed: %w", err)
	}
	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 5 * time.Second
	}
	return &Store{client: client, requestTimeout: reqTimeout}, nil
}

// Close releases the underlying etcd connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Put serializes the instance and its tool descriptors under the
// instance id. Satisfies registry.Mirror.
func (s *Store) Put(ctx context.Context, inst *registry.ServiceInstance, tools []registry.ToolDescriptor) error {
	data, err := json.Marshal(Record{Instance: inst, Tools: tools})
	if err != nil {
		return fmt.Errorf("etcdstore: marshal instance %s: %w", inst.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	if _, err := s.client.Put(ctx, key(inst.Name, inst.ID), string(data)); err != nil {
		return fmt.Errorf("etcdstore: put instance %s: %w", inst.ID, err)
	}
	return nil
}

// Delete removes the mirrored record for instanceID. Satisfies
// registry.Mirror. The registry's own Name->instanceID index is gone
// by the time Delete is called, so this deletes by scanning the
// service-wide prefix for a matching key suffix rather than requiring
// the caller to resupply the service name.
func (s *Store) Delete(ctx context.Context, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, keyPrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return fmt.Errorf("etcdstore: list prefix for delete: %w", err)
	}
	for _, kv := range resp.Kvs {
		if hasInstanceSuffix(string(kv.Key), instanceID) {
			if _, err := s.client.Delete(ctx, string(kv.Key)); err != nil {
				return fmt.Errorf("etcdstore: delete instance %s: %w", instanceID, err)
			}
			return nil
		}
	}
	return nil
}

// LoadAll reads every mirrored record back, used by cmd/hub at
// startup to repopulate the in-memory registry after a restart.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcdstore: list all: %w", err)
	}

	out := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil || rec.Instance == nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func key(name, id string) string {
	return keyPrefix + name + "/" + id
}

func hasInstanceSuffix(k, instanceID string) bool {
	suffix := "/" + instanceID
	if len(k) < len(suffix) {
		return false
	}
	return k[len(k)-len(suffix):] == suffix
}
