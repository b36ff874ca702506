package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/moq"
)

func (s *Session) handleControl(data []byte) error {
	msg, err := decodeControl(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case msgAnnounce:
		s.onAnnounce(msg.Path)
	case msgUnannounce:
		s.onUnannounce(msg.Path)
	case msgSubscribe:
		return s.onSubscribe(msg.ID, msg.Path, msg.Track)
	case msgUnsubscribe:
		s.onUnsubscribe(msg.ID)
	case msgSubscribeDone:
		s.onSubscribeDone(msg.ID, msg.Reason)
	case msgSetup, msgSetupOK:
		return fmt.Errorf("%w: %s after handshake", errors.ErrProtocol, msg.Type)
	default:
		s.logger.Debug("Ignoring unknown control message", "type", msg.Type)
	}
	return nil
}

// announce tells the peer about a local broadcast and unannounces it when it
// ends, unless it was replaced in the meantime.
func (s *Session) announce(path string, broadcast *moq.BroadcastConsumer) {
	s.mu.Lock()
	s.published[path] = broadcast
	s.mu.Unlock()

	if err := s.writeControl(control{Type: msgAnnounce, Path: path}); err != nil {
		return
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveAnnounce("out")
	}
	s.logger.Debug("Announced broadcast", "path", path)

	go func() {
		select {
		case <-broadcast.Closed():
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		current := s.published[path] == broadcast
		if current {
			delete(s.published, path)
		}
		s.mu.Unlock()

		if current {
			_ = s.writeControl(control{Type: msgUnannounce, Path: path})
		}
	}()
}

func (s *Session) onAnnounce(path string) {
	broadcast := moq.NewBroadcast()

	s.mu.Lock()
	previous := s.announced[path]
	s.announced[path] = broadcast
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveAnnounce("in")
	}

	go s.forwardRequests(path, broadcast)
	s.remote.Publish(path, broadcast.Consume())
}

// forwardRequests subscribes upstream for every track a local consumer asks
// for on a broadcast the peer announced.
func (s *Session) forwardRequests(path string, broadcast *moq.BroadcastProducer) {
	for {
		track, err := broadcast.RequestedTrack(s.ctx)
		if err != nil {
			return
		}

		s.mu.Lock()
		id := s.nextSub
		s.nextSub++
		s.subs[id] = &subscription{path: path, track: track, groups: make(map[uint64]*moq.GroupProducer)}
		s.mu.Unlock()

		if err := s.writeControl(control{Type: msgSubscribe, ID: id, Path: path, Track: track.Name()}); err != nil {
			track.Abort(err)
			return
		}
		go s.releaseWhenUnused(id, track)
	}
}

// releaseWhenUnused unsubscribes upstream once no local consumer reads the
// track anymore.
func (s *Session) releaseWhenUnused(id uint64, track *moq.TrackProducer) {
	select {
	case <-track.Unused():
	case <-track.Done():
		return
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok && sub.track == track {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !ok || sub.track != track {
		return
	}

	for _, g := range sub.groups {
		g.Close()
	}
	track.Close()
	_ = s.writeControl(control{Type: msgUnsubscribe, ID: id})
	s.logger.Debug("Released unused subscription", "id", id, "path", sub.path, "track", track.Name())
}

func (s *Session) onUnannounce(path string) {
	s.mu.Lock()
	broadcast := s.announced[path]
	delete(s.announced, path)
	var stale []uint64
	for id, sub := range s.subs {
		if sub.path == path {
			stale = append(stale, id)
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()

	if broadcast != nil {
		broadcast.Close()
	}
	for _, id := range stale {
		_ = s.writeControl(control{Type: msgUnsubscribe, ID: id})
	}
}

func (s *Session) onSubscribe(id uint64, path, track string) error {
	s.mu.Lock()
	broadcast, ok := s.published[path]
	_, duplicate := s.serving[id]
	s.mu.Unlock()

	if duplicate {
		return fmt.Errorf("%w: duplicate subscription %d", errors.ErrProtocol, id)
	}
	if !ok {
		return s.writeControl(control{Type: msgSubscribeDone, ID: id, Reason: "not found"})
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.serving[id] = cancel
	s.mu.Unlock()

	s.logger.Debug("Serving subscription", "id", id, "path", path, "track", track)
	go s.serveTrack(ctx, id, broadcast.SubscribeTrack(track))
	return nil
}

func (s *Session) serveTrack(ctx context.Context, id uint64, track *moq.TrackConsumer) {
	defer track.Close()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.serving[id]; ok {
			cancel()
			delete(s.serving, id)
		}
		s.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for {
		group, err := track.NextGroup(ctx)
		if err != nil {
			wg.Wait()
			if ctx.Err() == nil {
				reason := "end"
				if !moq.IsEnd(err) {
					reason = err.Error()
				}
				_ = s.writeControl(control{Type: msgSubscribeDone, ID: id, Reason: reason})
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveGroup(ctx, id, group)
		}()
	}
}

func (s *Session) serveGroup(ctx context.Context, id uint64, group *moq.GroupConsumer) {
	h := dataHeader{kind: dataFrame, id: id, sequence: group.Sequence()}
	for {
		frame, err := group.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				_ = s.writeData(dataHeader{kind: dataGroupEnd, id: id, sequence: h.sequence}, nil)
			}
			return
		}
		if err := s.writeData(h, frame); err != nil {
			return
		}
	}
}

func (s *Session) onUnsubscribe(id uint64) {
	s.mu.Lock()
	cancel, ok := s.serving[id]
	delete(s.serving, id)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

func (s *Session) onSubscribeDone(id uint64, reason string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, g := range sub.groups {
		g.Close()
	}
	sub.track.Close()
	s.logger.Debug("Subscription finished", "id", id, "path", sub.path, "reason", reason)
}

func (s *Session) handleData(data []byte) error {
	h, payload, err := decodeData(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[h.id]
	if !ok {
		// Data racing an unsubscribe.
		return nil
	}
	group := sub.groups[h.sequence]

	switch h.kind {
	case dataFrame:
		if group == nil {
			if group, err = sub.track.CreateGroup(h.sequence); err != nil {
				return nil
			}
			sub.groups[h.sequence] = group
		}
		_ = group.WriteFrame(payload)
		if s.opts.Observer != nil {
			s.opts.Observer.ObserveFrame("in", len(payload))
		}
	case dataGroupEnd:
		if group == nil {
			if group, err = sub.track.CreateGroup(h.sequence); err != nil {
				return nil
			}
		}
		group.Close()
		delete(sub.groups, h.sequence)
	default:
		return fmt.Errorf("%w: unknown data kind %d", errors.ErrProtocol, h.kind)
	}
	return nil
}
