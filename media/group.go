package media

import (
	"context"

	"github.com/WadkarNaved15/moq/errors"
)

// GroupReader is the raw group transport: ordered frame payloads ending with
// io.EOF. ReadFrame must not consume a payload when ctx is cancelled.
// *moq.GroupConsumer satisfies it.
type GroupReader interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Sequence() uint64
}

// GroupConsumer decodes timestamped frames from one group and supports
// reading ahead until a timestamp is reached. It is owned by a single reader;
// its methods must not be called concurrently.
type GroupConsumer struct {
	group GroupReader

	// index counts frames decoded so far; the first one is the keyframe.
	index    int
	buffered []Frame

	maxTimestamp Timestamp
	hasMax       bool

	// decodeErr is sticky: the malformed payload is gone from the transport,
	// so the group cannot be read past it.
	decodeErr error
}

// NewGroupConsumer wraps a raw group.
func NewGroupConsumer(group GroupReader) *GroupConsumer {
	return &GroupConsumer{group: group}
}

// Sequence returns the underlying group's sequence number.
func (g *GroupConsumer) Sequence() uint64 {
	return g.group.Sequence()
}

// ReadFrame returns the next frame in arrival order. Frames buffered by
// BufferFramesUntil are returned first without touching the transport. At the
// end of the group it returns io.EOF. A malformed timestamp header fails the
// call with an error wrapping errors.ErrDecodeFailed, and so does every later
// call once the frames buffered before it are drained.
func (g *GroupConsumer) ReadFrame(ctx context.Context) (Frame, error) {
	if len(g.buffered) > 0 {
		frame := g.buffered[0]
		g.buffered[0] = Frame{}
		g.buffered = g.buffered[1:]
		return frame, nil
	}
	return g.decodeNext(ctx)
}

func (g *GroupConsumer) decodeNext(ctx context.Context) (Frame, error) {
	if g.decodeErr != nil {
		return Frame{}, g.decodeErr
	}
	raw, err := g.group.ReadFrame(ctx)
	if err != nil {
		return Frame{}, err
	}

	ts, payload, err := DecodeFrame(raw)
	if err != nil {
		g.decodeErr = errors.WrapInvalid(err, "GroupConsumer", "ReadFrame", "frame decode")
		return Frame{}, g.decodeErr
	}

	frame := Frame{
		Keyframe:  g.index == 0,
		Timestamp: ts,
		Payload:   payload,
	}
	g.index++
	g.maxTimestamp = MaxTimestamp(g.maxTimestamp, ts)
	g.hasMax = true
	return frame, nil
}

// BufferFramesUntil reads frames ahead into the internal buffer until the
// largest decoded timestamp reaches cutoff, then returns that timestamp.
//
// If the group ends or a read fails before cutoff is reached, the call does
// not return until ctx is cancelled, and then returns ctx.Err(). This lets
// callers race one BufferFramesUntil per candidate group and take the first
// one that crosses the cutoff; a group that ended can never win. Calling it
// without a cancellable ctx or a competing branch may block forever.
//
// Buffered frames keep their order and are handed out by ReadFrame before
// anything new is read.
func (g *GroupConsumer) BufferFramesUntil(ctx context.Context, cutoff Timestamp) (Timestamp, error) {
	for {
		if g.hasMax && g.maxTimestamp >= cutoff {
			return g.maxTimestamp, nil
		}

		frame, err := g.decodeNext(ctx)
		if err != nil {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		g.buffered = append(g.buffered, frame)
	}
}

// MaxTimestamp returns the largest timestamp decoded so far, including
// buffered frames. ok is false until a frame has been decoded.
func (g *GroupConsumer) MaxTimestamp() (ts Timestamp, ok bool) {
	return g.maxTimestamp, g.hasMax
}
