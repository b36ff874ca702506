package cluster

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Node is a relay instance reachable by its peers.
type Node struct {
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	Updated time.Time `json:"updated"`
}

// Registry tracks cluster membership. Entries expire unless refreshed with
// Register, so a crashed node drops out on its own.
type Registry interface {
	Register(ctx context.Context, node Node) error
	Deregister(ctx context.Context, name string) error
	Nodes(ctx context.Context) ([]Node, error)
}

// StaticRegistry serves a fixed node list, for clusters configured by hand.
type StaticRegistry struct {
	mu    sync.RWMutex
	nodes []Node
}

// NewStaticRegistry returns a registry that always reports nodes.
func NewStaticRegistry(nodes ...Node) *StaticRegistry {
	return &StaticRegistry{nodes: slices.Clone(nodes)}
}

// Register is a no-op; membership is fixed.
func (r *StaticRegistry) Register(context.Context, Node) error { return nil }

// Deregister is a no-op; membership is fixed.
func (r *StaticRegistry) Deregister(context.Context, string) error { return nil }

// Nodes returns the configured nodes.
func (r *StaticRegistry) Nodes(context.Context) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes), nil
}

// Set replaces the node list.
func (r *StaticRegistry) Set(nodes ...Node) {
	r.mu.Lock()
	r.nodes = slices.Clone(nodes)
	r.mu.Unlock()
}

// nodeKey maps a node name onto the characters KV stores accept in keys.
func nodeKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=':
			return r
		default:
			return '_'
		}
	}, name)
}
