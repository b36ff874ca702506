package moq

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/WadkarNaved15/moq/errors"
)

// Announce reports an active broadcast. Path is relative to the prefix the
// consumer was created with; for exact consumers it is empty.
type Announce struct {
	Path      string
	Broadcast *BroadcastConsumer
}

// Origin is a registry of active broadcasts keyed by path. It is safe for
// concurrent use by any number of publishers and consumers.
type Origin struct {
	mu         sync.Mutex
	broadcasts map[string]*BroadcastConsumer
	consumers  map[*OriginConsumer]struct{}
	closed     bool
}

// NewOrigin creates an empty origin.
func NewOrigin() *Origin {
	return &Origin{
		broadcasts: make(map[string]*BroadcastConsumer),
		consumers:  make(map[*OriginConsumer]struct{}),
	}
}

// Publish announces broadcast at path. A newer broadcast at the same path
// replaces the older one; the path is unannounced when the current broadcast
// closes.
func (o *Origin) Publish(path string, broadcast *BroadcastConsumer) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.broadcasts[path] = broadcast
	for c := range o.consumers {
		c.offer(path, broadcast)
	}
	o.mu.Unlock()

	go func() {
		<-broadcast.Closed()
		o.unpublish(path, broadcast)
	}()
}

func (o *Origin) unpublish(path string, broadcast *BroadcastConsumer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current, ok := o.broadcasts[path]; ok && current == broadcast {
		delete(o.broadcasts, path)
	}
}

// PublishPrefix republishes everything src announces under prefix. It runs
// until src is closed.
func (o *Origin) PublishPrefix(prefix string, src *OriginConsumer) {
	go func() {
		for {
			announce, err := src.Announced(context.Background())
			if err != nil {
				return
			}
			o.Publish(prefix+announce.Path, announce.Broadcast)
		}
	}()
}

// ConsumePrefix returns a consumer of every broadcast whose path starts with
// prefix, beginning with those already active.
func (o *Origin) ConsumePrefix(prefix string) *OriginConsumer {
	return o.subscribe(&OriginConsumer{prefix: prefix})
}

// ConsumeExact returns a consumer of the broadcast published at exactly path.
func (o *Origin) ConsumeExact(path string) *OriginConsumer {
	return o.subscribe(&OriginConsumer{prefix: path, exact: true})
}

func (o *Origin) subscribe(c *OriginConsumer) *OriginConsumer {
	c.origin = o
	c.changed = make(chan struct{})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		c.closed = true
		return c
	}
	for _, path := range o.sortedPathsLocked() {
		c.offer(path, o.broadcasts[path])
	}
	o.consumers[c] = struct{}{}
	return c
}

// ConsumeBroadcast looks up the active broadcast at path.
func (o *Origin) ConsumeBroadcast(path string) (*BroadcastConsumer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.broadcasts[path]
	if !ok || b.IsClosed() {
		return nil, false
	}
	return b, true
}

// Active returns the paths of all active broadcasts in sorted order.
func (o *Origin) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := o.sortedPathsLocked()
	active := paths[:0]
	for _, p := range paths {
		if !o.broadcasts[p].IsClosed() {
			active = append(active, p)
		}
	}
	return active
}

func (o *Origin) sortedPathsLocked() []string {
	paths := make([]string, 0, len(o.broadcasts))
	for p := range o.broadcasts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Close stops the origin: every consumer is closed and further publishes are
// ignored. Broadcasts belong to their producers and are left untouched.
func (o *Origin) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for c := range o.consumers {
		c.closeLocal()
	}
	o.consumers = make(map[*OriginConsumer]struct{})
}

func (o *Origin) remove(c *OriginConsumer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.consumers, c)
}

// OriginConsumer streams announcements matching a prefix or an exact path.
type OriginConsumer struct {
	origin *Origin
	prefix string
	exact  bool

	mu      sync.Mutex
	queue   []Announce
	changed chan struct{}
	closed  bool
}

func (c *OriginConsumer) match(path string) (string, bool) {
	if c.exact {
		return "", path == c.prefix
	}
	if !strings.HasPrefix(path, c.prefix) {
		return "", false
	}
	return path[len(c.prefix):], true
}

func (c *OriginConsumer) offer(path string, broadcast *BroadcastConsumer) {
	suffix, ok := c.match(path)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, Announce{Path: suffix, Broadcast: broadcast})
	close(c.changed)
	c.changed = make(chan struct{})
}

// Announced waits for the next active broadcast. Broadcasts that ended while
// queued are skipped. It returns ErrClosed once the consumer is closed.
func (c *OriginConsumer) Announced(ctx context.Context) (Announce, error) {
	for {
		c.mu.Lock()
		for len(c.queue) > 0 {
			announce := c.queue[0]
			c.queue = c.queue[1:]
			if !announce.Broadcast.IsClosed() {
				c.mu.Unlock()
				return announce, nil
			}
		}
		if c.closed {
			c.mu.Unlock()
			return Announce{}, errors.ErrClosed
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Announce{}, ctx.Err()
		case <-changed:
		}
	}
}

// Close stops the consumer and releases it from the origin.
func (c *OriginConsumer) Close() {
	c.closeLocal()
	if c.origin != nil {
		c.origin.remove(c)
	}
}

func (c *OriginConsumer) closeLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.changed)
	c.changed = make(chan struct{})
}
