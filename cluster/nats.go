package cluster

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/natsclient"
)

// DefaultBucket is the KV bucket holding node entries.
const DefaultBucket = "moq_nodes"

const natsKeyPrefix = "node."

// NATSRegistry keeps membership in a JetStream KV bucket whose TTL expires
// nodes that stop heartbeating.
type NATSRegistry struct {
	store *natsclient.KVStore
}

// NewNATSRegistry opens (or creates) bucket on a connected client.
func NewNATSRegistry(ctx context.Context, client *natsclient.Client, bucket string, ttl time.Duration) (*NATSRegistry, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "moq relay cluster membership",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "NATSRegistry", "NewNATSRegistry", "open bucket")
	}
	return &NATSRegistry{store: client.NewKVStore(kv)}, nil
}

// Register writes or refreshes node.
func (r *NATSRegistry) Register(ctx context.Context, node Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Wrap(err, "NATSRegistry", "Register", "encode node")
	}
	if _, err := r.store.Put(ctx, natsKeyPrefix+nodeKey(node.Name), data); err != nil {
		return errors.Wrap(err, "NATSRegistry", "Register", "put node")
	}
	return nil
}

// Deregister removes the node. Missing entries are not an error.
func (r *NATSRegistry) Deregister(ctx context.Context, name string) error {
	err := r.store.Delete(ctx, natsKeyPrefix+nodeKey(name))
	if err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
		return errors.Wrap(err, "NATSRegistry", "Deregister", "delete node")
	}
	return nil
}

// Nodes lists the live nodes.
func (r *NATSRegistry) Nodes(ctx context.Context) ([]Node, error) {
	keys, err := r.store.Keys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "NATSRegistry", "Nodes", "list keys")
	}

	nodes := make([]Node, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, natsKeyPrefix) {
			continue
		}
		entry, err := r.store.Get(ctx, key)
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			// Expired between listing and reading.
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "NATSRegistry", "Nodes", "get node")
		}
		var node Node
		if err := json.Unmarshal(entry.Value, &node); err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
