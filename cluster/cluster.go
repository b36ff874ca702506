package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WadkarNaved15/moq/auth"
	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/moq"
	"github.com/WadkarNaved15/moq/pkg/retry"
	"github.com/WadkarNaved15/moq/session"
)

// Config describes this node's place in the cluster.
type Config struct {
	// Node names this relay in the registry. Empty picks a random name.
	Node string
	// Advertise is the URL peers dial to reach this relay.
	Advertise string
	// Token is presented to peers; it should carry cluster=true.
	Token string
	// Heartbeat is how often membership is refreshed and reconciled.
	Heartbeat time.Duration
	// Retry bounds redialing a peer before its loop gives up until the next
	// heartbeat.
	Retry retry.Config
	// Session tunes peer connections.
	Session session.Options
}

func (c Config) withDefaults() Config {
	if c.Node == "" {
		c.Node = "relay-" + uuid.NewString()[:8]
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Persistent()
	}
	return c
}

type peer struct {
	node   Node
	cancel context.CancelFunc
}

// Cluster holds the two broadcast scopes of a relay. Primary has the
// broadcasts published to this node; Secondary has those replicated from
// other nodes.
type Cluster struct {
	Primary   *moq.Origin
	Secondary *moq.Origin

	cfg      Config
	registry Registry
	logger   *slog.Logger

	mu    sync.Mutex
	peers map[string]*peer
	wg    sync.WaitGroup
}

// New creates a cluster. A nil registry runs the relay standalone.
func New(cfg Config, registry Registry, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Cluster{
		Primary:   moq.NewOrigin(),
		Secondary: moq.NewOrigin(),
		cfg:       cfg,
		registry:  registry,
		logger:    logger.With("component", "cluster", "node", cfg.Node),
		peers:     make(map[string]*peer),
	}
}

// Node returns this relay's registry name.
func (c *Cluster) Node() string {
	return c.cfg.Node
}

// Peers returns the names of the nodes currently being replicated.
func (c *Cluster) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.peers))
	for name := range c.peers {
		names = append(names, name)
	}
	return names
}

// Run replicates other nodes' broadcasts into Secondary until ctx is
// cancelled. Registry failures are logged and retried on the next heartbeat.
func (c *Cluster) Run(ctx context.Context) error {
	if c.registry == nil {
		c.logger.Info("No cluster registry configured, running standalone")
		<-ctx.Done()
		return nil
	}

	c.logger.Info("Cluster replication started", "advertise", c.cfg.Advertise, "heartbeat", c.cfg.Heartbeat)
	defer c.shutdown()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		c.heartbeat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Cluster) heartbeat(ctx context.Context) {
	if c.cfg.Advertise != "" {
		self := Node{Name: c.cfg.Node, URL: c.cfg.Advertise, Updated: time.Now().UTC()}
		if err := c.registry.Register(ctx, self); err != nil {
			c.logger.Warn("Failed to register node", "error", err)
		}
	}

	nodes, err := c.registry.Nodes(ctx)
	if err != nil {
		c.logger.Warn("Failed to list cluster nodes", "error", err)
		return
	}
	c.reconcile(ctx, nodes)
}

// reconcile starts a peer loop for every new node and stops loops for nodes
// that left or moved.
func (c *Cluster) reconcile(ctx context.Context, nodes []Node) {
	want := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.Name == c.cfg.Node || n.URL == "" {
			continue
		}
		want[n.Name] = n
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, p := range c.peers {
		if n, ok := want[name]; !ok || n.URL != p.node.URL {
			c.logger.Info("Dropping peer", "peer", name)
			p.cancel()
			delete(c.peers, name)
		}
	}

	for name, n := range want {
		if _, ok := c.peers[name]; ok {
			continue
		}
		peerCtx, cancel := context.WithCancel(ctx)
		p := &peer{node: n, cancel: cancel}
		c.peers[name] = p

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runPeer(peerCtx, p)
		}()
	}
}

// runPeer replicates one node until ctx ends or redialing is exhausted.
func (c *Cluster) runPeer(ctx context.Context, p *peer) {
	logger := c.logger.With("peer", p.node.Name, "url", p.node.URL)
	defer func() {
		c.mu.Lock()
		if c.peers[p.node.Name] == p {
			delete(c.peers, p.node.Name)
		}
		c.mu.Unlock()
		p.cancel()
	}()

	for ctx.Err() == nil {
		sess, err := retry.DoWithResult(ctx, c.cfg.Retry, func() (*session.Session, error) {
			sess, err := c.dial(ctx, p.node)
			if errors.IsInvalid(err) {
				return nil, retry.NonRetryable(err)
			}
			return sess, err
		})
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Giving up on peer", "error", err)
			}
			return
		}

		logger.Info("Replicating peer")
		c.Secondary.PublishPrefix("", sess.ConsumePrefix(""))

		err = sess.Closed()
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Peer session ended", "error", err)
	}
}

func (c *Cluster) dial(ctx context.Context, node Node) (*session.Session, error) {
	u, err := url.Parse(node.URL)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: peer url %q", errors.ErrInvalidConfig, node.URL), "Cluster", "dial", "parse url")
	}
	if c.cfg.Token != "" {
		u = auth.WithToken(u, c.cfg.Token)
	}
	opts := c.cfg.Session
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	return session.Connect(ctx, u.String(), opts)
}

func (c *Cluster) shutdown() {
	c.mu.Lock()
	for _, p := range c.peers {
		p.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()

	if c.cfg.Advertise == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.registry.Deregister(ctx, c.cfg.Node); err != nil {
		c.logger.Warn("Failed to deregister node", "error", err)
	}
	c.logger.Info("Cluster replication stopped")
}

// LogActive logs the active broadcasts of both scopes every interval until
// ctx is cancelled.
func (c *Cluster) LogActive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logger.Info("Active broadcasts",
				"primary", c.Primary.Active(),
				"secondary", c.Secondary.Active(),
			)
		}
	}
}

// Close ends both scopes.
func (c *Cluster) Close() {
	c.Primary.Close()
	c.Secondary.Close()
}
