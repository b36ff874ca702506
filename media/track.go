package media

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/moq"
)

// TrackProducer writes timestamped frames to a track, starting a new group
// at every keyframe.
type TrackProducer struct {
	track *moq.TrackProducer
	group *moq.GroupProducer
}

// NewTrackProducer wraps a raw track.
func NewTrackProducer(track *moq.TrackProducer) *TrackProducer {
	return &TrackProducer{track: track}
}

// WriteFrame encodes and appends frame. The first frame written always opens
// a group, whatever its Keyframe flag.
func (p *TrackProducer) WriteFrame(frame Frame) error {
	if frame.Keyframe || p.group == nil {
		if p.group != nil {
			p.group.Close()
		}
		group, err := p.track.AppendGroup()
		if err != nil {
			return errors.Wrap(err, "TrackProducer", "WriteFrame", "open group")
		}
		p.group = group
	}

	raw, err := EncodeFrame(frame.Timestamp, frame.Payload)
	if err != nil {
		return err
	}
	return p.group.WriteFrame(raw)
}

// Close ends the current group and the track.
func (p *TrackProducer) Close() {
	if p.group != nil {
		p.group.Close()
		p.group = nil
	}
	p.track.Close()
}

// TrackConsumer reads frames across the groups of a track, skipping the rest
// of a group once a newer group has buffered past the current position plus
// the latency budget. Frames within a group are never reordered.
type TrackConsumer struct {
	track   *moq.TrackConsumer
	latency time.Duration

	current *GroupConsumer
	pending []*GroupConsumer // newer than current, ascending sequence

	trackDone bool
	trackErr  error
}

// NewTrackConsumer wraps a raw track consumer. latency is the largest lag,
// measured in media time, tolerated before skipping ahead.
func NewTrackConsumer(track *moq.TrackConsumer, latency time.Duration) *TrackConsumer {
	return &TrackConsumer{track: track, latency: latency}
}

// ReadFrame returns the next frame to present. It returns io.EOF once the
// track has ended and all groups are drained.
func (t *TrackConsumer) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		if t.current == nil {
			if len(t.pending) > 0 {
				t.current, t.pending = t.pending[0], t.pending[1:]
				continue
			}
			if t.trackDone {
				return Frame{}, t.trackErr
			}
			group, err := t.track.NextGroup(ctx)
			if err != nil {
				if isCancellation(err) {
					return Frame{}, err
				}
				t.endTrack(err)
				continue
			}
			t.current = NewGroupConsumer(group)
			continue
		}

		out := t.race(ctx)

		if out.groupErr == nil && out.group != nil {
			if out.group.Sequence() > t.current.Sequence() {
				t.pending = append(t.pending, NewGroupConsumer(out.group))
			}
		} else if out.groupErr != nil && !isCancellation(out.groupErr) {
			t.endTrack(out.groupErr)
		}

		if out.skipTo >= 0 {
			t.current = t.pending[out.skipTo]
			t.pending = t.pending[out.skipTo+1:]
			continue
		}

		switch {
		case out.frameErr == nil:
			return out.frame, nil
		case moq.IsEnd(out.frameErr):
			t.current = nil
		case isCancellation(out.frameErr):
		default:
			t.current = nil
			return Frame{}, out.frameErr
		}
	}
}

// Close releases the underlying track subscription.
func (t *TrackConsumer) Close() {
	t.track.Close()
}

func (t *TrackConsumer) endTrack(err error) {
	t.trackDone = true
	t.trackErr = err
	if err == nil || moq.IsEnd(err) {
		t.trackErr = io.EOF
	}
}

type raceOutcome struct {
	frame    Frame
	frameErr error

	group    *moq.GroupConsumer
	groupErr error

	skipTo int
}

// race runs the current group's next read, the track's next group and one
// BufferFramesUntil per pending group. The first to finish cancels the rest;
// all branches have exited when race returns, so the group consumers are
// single-owner again.
func (t *TrackConsumer) race(ctx context.Context) raceOutcome {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := raceOutcome{skipTo: -1}
	latest, hasLatest := t.current.MaxTimestamp()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		frame, err := t.current.ReadFrame(raceCtx)
		out.frame, out.frameErr = frame, err
		cancel()
	}()

	if !t.trackDone {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.group, out.groupErr = t.track.NextGroup(raceCtx)
			cancel()
		}()
	}

	crossed := make([]bool, len(t.pending))
	if hasLatest {
		cutoff := latest.Add(t.latency)
		for i, p := range t.pending {
			wg.Add(1)
			go func(i int, p *GroupConsumer) {
				defer wg.Done()
				if _, err := p.BufferFramesUntil(raceCtx, cutoff); err == nil {
					crossed[i] = true
					cancel()
				}
			}(i, p)
		}
	}

	wg.Wait()

	for i, ok := range crossed {
		if ok {
			out.skipTo = i
			break
		}
	}
	return out
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
