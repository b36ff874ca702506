package moq

import (
	"context"
	"io"
	"sync"

	"github.com/WadkarNaved15/moq/errors"
)

// DefaultGroupBacklog is how many recent groups a track keeps for consumers
// that fall behind.
const DefaultGroupBacklog = 4

type trackState struct {
	mu      sync.Mutex
	name    string
	groups  []*GroupProducer // ascending sequence
	next    uint64
	backlog int
	done    bool
	err     error
	changed chan struct{}
	closed  chan struct{}

	// consumers counts open TrackConsumers; unused closes when it drops to zero.
	consumers int
	unused    chan struct{}
	idle      bool
}

func (s *trackState) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// TrackProducer creates the groups of one track.
type TrackProducer struct {
	state *trackState
	// requested marks tracks created on demand by SubscribeTrack.
	requested bool
}

// NewTrack creates an empty track.
func NewTrack(name string) *TrackProducer {
	return &TrackProducer{state: &trackState{
		name:    name,
		backlog: DefaultGroupBacklog,
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
		unused:  make(chan struct{}),
	}}
}

// Name returns the track name.
func (t *TrackProducer) Name() string {
	return t.state.name
}

// AppendGroup starts a group with the next unused sequence number.
func (t *TrackProducer) AppendGroup() (*GroupProducer, error) {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(s.next)
}

// CreateGroup starts a group with an explicit sequence number, as received
// from a remote publisher.
func (t *TrackProducer) CreateGroup(sequence uint64) (*GroupProducer, error) {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.sequence == sequence {
			return nil, errors.Wrap(errors.ErrDuplicateGroup, "TrackProducer", "CreateGroup", "insert group")
		}
	}
	return s.insertLocked(sequence)
}

func (s *trackState) insertLocked(sequence uint64) (*GroupProducer, error) {
	if s.done {
		return nil, errors.Wrap(errors.ErrClosed, "TrackProducer", "insertGroup", "insert group")
	}

	g := &GroupProducer{sequence: sequence, state: newGroupState()}
	at := len(s.groups)
	for at > 0 && s.groups[at-1].sequence > sequence {
		at--
	}
	s.groups = append(s.groups, nil)
	copy(s.groups[at+1:], s.groups[at:])
	s.groups[at] = g

	if sequence >= s.next {
		s.next = sequence + 1
	}
	if len(s.groups) > s.backlog {
		s.groups = s.groups[len(s.groups)-s.backlog:]
	}
	s.notifyLocked()
	return g, nil
}

// Close ends the track. Groups already created stay readable.
func (t *TrackProducer) Close() {
	t.finish(nil)
}

// Abort ends the track with err.
func (t *TrackProducer) Abort(err error) {
	if err == nil {
		err = errors.ErrClosed
	}
	t.finish(err)
}

func (t *TrackProducer) finish(err error) {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.closed)
	s.notifyLocked()
}

// Done is closed once the track has been closed or aborted.
func (t *TrackProducer) Done() <-chan struct{} {
	return t.state.closed
}

// Unused is closed when the last consumer of the track is closed. It never
// fires for a track that was never consumed.
func (t *TrackProducer) Unused() <-chan struct{} {
	return t.state.unused
}

func (t *TrackProducer) isDone() bool {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	return t.state.done
}

func (t *TrackProducer) isIdle() bool {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	return t.state.idle
}

// Consume returns a consumer that starts at the most recent group. Close it
// when done so the producer can tell whether anyone is still reading.
func (t *TrackProducer) Consume() *TrackConsumer {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers++
	c := &TrackConsumer{state: s}
	if n := len(s.groups); n > 0 {
		c.next = s.groups[n-1].sequence
	}
	return c
}

// TrackConsumer yields the groups of a track in sequence order, skipping
// groups that fell out of the backlog.
type TrackConsumer struct {
	state     *trackState
	next      uint64
	closeOnce sync.Once
}

// Close releases the consumer. It is safe to call more than once.
func (c *TrackConsumer) Close() {
	c.closeOnce.Do(func() {
		s := c.state
		s.mu.Lock()
		defer s.mu.Unlock()
		s.consumers--
		if s.consumers == 0 && !s.idle {
			s.idle = true
			close(s.unused)
		}
	})
}

// Name returns the track name.
func (c *TrackConsumer) Name() string {
	return c.state.name
}

// NextGroup waits for the next group. It returns io.EOF after the track was
// closed and no newer group remains.
func (c *TrackConsumer) NextGroup(ctx context.Context) (*GroupConsumer, error) {
	s := c.state
	for {
		s.mu.Lock()
		for _, g := range s.groups {
			if g.sequence >= c.next {
				c.next = g.sequence + 1
				s.mu.Unlock()
				return g.Consume(), nil
			}
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}
