package moq

import (
	"context"
	"sync"

	"github.com/WadkarNaved15/moq/errors"
)

type broadcastState struct {
	mu       sync.Mutex
	tracks   map[string]*TrackProducer
	requests []*TrackProducer
	changed  chan struct{}
	closed   bool
	done     chan struct{}
}

// BroadcastProducer owns a named collection of tracks.
type BroadcastProducer struct {
	state *broadcastState
}

// NewBroadcast creates an open broadcast with no tracks.
func NewBroadcast() *BroadcastProducer {
	return &BroadcastProducer{state: &broadcastState{
		tracks:  make(map[string]*TrackProducer),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}}
}

// CreateTrack publishes a track, replacing and closing any previous track
// with the same name.
func (b *BroadcastProducer) CreateTrack(name string) *TrackProducer {
	s := b.state
	track := NewTrack(name)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		track.Close()
		return track
	}
	previous := s.tracks[name]
	s.tracks[name] = track
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return track
}

// RequestedTrack returns the next track a consumer asked for that no producer
// has created yet. The caller is expected to fill it, typically by forwarding
// a subscription upstream.
func (b *BroadcastProducer) RequestedTrack(ctx context.Context) (*TrackProducer, error) {
	s := b.state
	for {
		s.mu.Lock()
		if len(s.requests) > 0 {
			track := s.requests[0]
			s.requests = s.requests[1:]
			s.mu.Unlock()
			return track, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, errors.ErrClosed
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

// Close ends the broadcast and every track in it.
func (b *BroadcastProducer) Close() {
	s := b.state
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tracks := make([]*TrackProducer, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.requests = nil
	close(s.done)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
}

// Closed is closed once the broadcast ends.
func (b *BroadcastProducer) Closed() <-chan struct{} {
	return b.state.done
}

// Consume returns a subscriber handle for the broadcast.
func (b *BroadcastProducer) Consume() *BroadcastConsumer {
	return &BroadcastConsumer{state: b.state}
}

// BroadcastConsumer subscribes to tracks of a broadcast.
type BroadcastConsumer struct {
	state *broadcastState
}

// SubscribeTrack returns a consumer for the named track. Unknown tracks are
// queued as requests for the producer; on a closed broadcast the returned
// track is already finished. A requested track that lost all its consumers
// is requested again.
func (b *BroadcastConsumer) SubscribeTrack(name string) *TrackConsumer {
	s := b.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if track, ok := s.tracks[name]; ok && !track.isDone() && !(track.requested && track.isIdle()) {
		return track.Consume()
	}

	track := NewTrack(name)
	track.requested = true
	if s.closed {
		track.Close()
		return track.Consume()
	}
	s.tracks[name] = track
	s.requests = append(s.requests, track)
	close(s.changed)
	s.changed = make(chan struct{})
	return track.Consume()
}

// Closed is closed once the broadcast ends.
func (b *BroadcastConsumer) Closed() <-chan struct{} {
	return b.state.done
}

// IsClosed reports whether the broadcast has ended.
func (b *BroadcastConsumer) IsClosed() bool {
	select {
	case <-b.state.done:
		return true
	default:
		return false
	}
}

// SameAs reports whether both handles refer to the same broadcast.
func (b *BroadcastConsumer) SameAs(other *BroadcastConsumer) bool {
	return other != nil && b.state == other.state
}
