package moq

import (
	"context"
	stderrors "errors"
	"io"
	"sync"

	"github.com/WadkarNaved15/moq/errors"
)

// groupState is shared by the producer and every consumer of one group.
// changed is closed and replaced on every mutation so waiters can select on it.
type groupState struct {
	mu      sync.Mutex
	frames  [][]byte
	done    bool
	err     error
	changed chan struct{}
}

func newGroupState() *groupState {
	return &groupState{changed: make(chan struct{})}
}

func (s *groupState) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *groupState) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.notifyLocked()
}

// GroupProducer appends frames to a single group. Payloads passed to
// WriteFrame are retained as-is and must not be modified afterwards.
type GroupProducer struct {
	sequence uint64
	state    *groupState
}

// Sequence returns the group's position within its track.
func (g *GroupProducer) Sequence() uint64 {
	return g.sequence
}

// WriteFrame appends one frame payload.
func (g *GroupProducer) WriteFrame(payload []byte) error {
	s := g.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.Wrap(errors.ErrClosed, "GroupProducer", "WriteFrame", "append frame")
	}
	s.frames = append(s.frames, payload)
	s.notifyLocked()
	return nil
}

// Close ends the group normally. Readers drain the remaining frames and then
// observe io.EOF.
func (g *GroupProducer) Close() {
	g.state.finish(nil)
}

// Abort ends the group with err, which readers receive after draining.
func (g *GroupProducer) Abort(err error) {
	if err == nil {
		err = errors.ErrClosed
	}
	g.state.finish(err)
}

// Consume returns a reader positioned at the first frame of the group.
func (g *GroupProducer) Consume() *GroupConsumer {
	return &GroupConsumer{sequence: g.sequence, state: g.state}
}

// GroupConsumer reads the frames of one group in order. It is owned by a
// single reader.
type GroupConsumer struct {
	sequence uint64
	state    *groupState
	index    int
}

// Sequence returns the group's position within its track.
func (g *GroupConsumer) Sequence() uint64 {
	return g.sequence
}

// ReadFrame returns the next frame payload, waiting for the producer if needed.
// It returns io.EOF once the group ended and every frame was read. A frame is
// never consumed when ctx is cancelled.
func (g *GroupConsumer) ReadFrame(ctx context.Context) ([]byte, error) {
	s := g.state
	for {
		s.mu.Lock()
		if g.index < len(s.frames) {
			frame := s.frames[g.index]
			g.index++
			s.mu.Unlock()
			return frame, nil
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

// IsEnd reports whether err marks the normal end of a group or track.
func IsEnd(err error) bool {
	return stderrors.Is(err, io.EOF)
}
