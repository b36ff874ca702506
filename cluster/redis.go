package cluster

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WadkarNaved15/moq/errors"
)

// DefaultRedisPrefix namespaces node keys in Redis.
const DefaultRedisPrefix = "moq:node:"

// RedisRegistry keeps membership as Redis keys that expire after ttl.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry returns a registry using client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisRegistry(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

// Register writes or refreshes node with a fresh expiry.
func (r *RedisRegistry) Register(ctx context.Context, node Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Wrap(err, "RedisRegistry", "Register", "encode node")
	}
	if err := r.client.Set(ctx, r.prefix+nodeKey(node.Name), data, r.ttl).Err(); err != nil {
		return errors.WrapTransient(err, "RedisRegistry", "Register", "set node")
	}
	return nil
}

// Deregister removes the node.
func (r *RedisRegistry) Deregister(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.prefix+nodeKey(name)).Err(); err != nil {
		return errors.WrapTransient(err, "RedisRegistry", "Deregister", "delete node")
	}
	return nil
}

// Nodes lists the live nodes, sorted by name.
func (r *RedisRegistry) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if stderrors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.WrapTransient(err, "RedisRegistry", "Nodes", "get node")
		}
		var node Node
		if err := json.Unmarshal(data, &node); err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapTransient(err, "RedisRegistry", "Nodes", "scan")
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}
