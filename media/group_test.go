package media

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/moq"
)

// rawGroup writes one encoded frame per timestamp and optionally closes the group.
func rawGroup(t *testing.T, closed bool, timestamps ...uint64) *moq.GroupProducer {
	t.Helper()
	g, err := moq.NewTrack("test").AppendGroup()
	require.NoError(t, err)
	for _, ts := range timestamps {
		writeFrame(t, g, ts, []byte{byte(ts)})
	}
	if closed {
		g.Close()
	}
	return g
}

func writeFrame(t *testing.T, g *moq.GroupProducer, ts uint64, payload []byte) {
	t.Helper()
	raw, err := EncodeFrame(TimestampFromMicros(ts), payload)
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame(raw))
}

func readAll(t *testing.T, g *GroupConsumer) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, err := g.ReadFrame(context.Background())
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestGroupConsumer_KeyframeOnlyFirst(t *testing.T) {
	g := NewGroupConsumer(rawGroup(t, true, 5, 6, 7, 8).Consume())

	frames := readAll(t, g)
	require.Len(t, frames, 4)
	assert.True(t, frames[0].Keyframe)
	for _, f := range frames[1:] {
		assert.False(t, f.Keyframe)
	}

	_, err := g.ReadFrame(context.Background())
	assert.ErrorIs(t, err, io.EOF, "end of group is terminal")
}

func TestGroupConsumer_BufferThenRead(t *testing.T) {
	g := NewGroupConsumer(rawGroup(t, true, 0, 1000, 2500).Consume())
	ctx := context.Background()

	latest, err := g.BufferFramesUntil(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(2500), latest)

	expected := []struct {
		ts       Timestamp
		keyframe bool
	}{{0, true}, {1000, false}, {2500, false}}

	for _, want := range expected {
		f, err := g.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ts, f.Timestamp)
		assert.Equal(t, want.keyframe, f.Keyframe)
	}

	_, err = g.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestGroupConsumer_MaxTimestampTracksBufferedFrames(t *testing.T) {
	g := NewGroupConsumer(rawGroup(t, true, 500, 100, 300).Consume())
	ctx := context.Background()

	_, ok := g.MaxTimestamp()
	assert.False(t, ok)

	_, err := g.ReadFrame(ctx)
	require.NoError(t, err)
	latest, ok := g.MaxTimestamp()
	require.True(t, ok)
	assert.Equal(t, Timestamp(500), latest)

	got, err := g.BufferFramesUntil(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(500), got, "already past the cutoff, nothing read")

	readAll(t, g)
	latest, _ = g.MaxTimestamp()
	assert.Equal(t, Timestamp(500), latest)
}

func TestGroupConsumer_MixedReadsPreserveOrder(t *testing.T) {
	g := NewGroupConsumer(rawGroup(t, true, 10, 20, 30, 40, 50).Consume())
	ctx := context.Background()
	var seen []Timestamp

	read := func() {
		f, err := g.ReadFrame(ctx)
		require.NoError(t, err)
		seen = append(seen, f.Timestamp)
	}

	read()
	_, err := g.BufferFramesUntil(ctx, 30)
	require.NoError(t, err)
	read()
	_, err = g.BufferFramesUntil(ctx, 45)
	require.NoError(t, err)
	read()
	read()
	read()

	assert.Equal(t, []Timestamp{10, 20, 30, 40, 50}, seen)
	_, err = g.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestGroupConsumer_RepeatedBufferingReadsNewFrames(t *testing.T) {
	g := NewGroupConsumer(rawGroup(t, true, 0, 1000, 2000).Consume())
	ctx := context.Background()

	got, err := g.BufferFramesUntil(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(1000), got)

	got, err = g.BufferFramesUntil(ctx, 1500)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(2000), got)

	frames := readAll(t, g)
	require.Len(t, frames, 3)
	assert.Equal(t, Timestamp(0), frames[0].Timestamp)
	assert.Equal(t, Timestamp(2000), frames[2].Timestamp)
}

func TestGroupConsumer_BufferStallsWhenGroupEndsEarly(t *testing.T) {
	g := NewGroupConsumer(rawGroup(t, true, 0, 1000).Consume())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.BufferFramesUntil(ctx, 5000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	frames := readAll(t, g)
	require.Len(t, frames, 2, "frames read before the stall stay buffered")
	assert.True(t, frames[0].Keyframe)
}

func TestGroupConsumer_BufferWaitsForLiveFrames(t *testing.T) {
	producer := rawGroup(t, false, 0)
	g := NewGroupConsumer(producer.Consume())

	go func() {
		time.Sleep(10 * time.Millisecond)
		for _, ts := range []Timestamp{800, 1600} {
			raw, _ := EncodeFrame(ts, nil)
			_ = producer.WriteFrame(raw)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := g.BufferFramesUntil(ctx, 1200)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(1600), got)
}

func TestGroupConsumer_RaceFirstToCrossWins(t *testing.T) {
	ended := NewGroupConsumer(rawGroup(t, true, 0, 100).Consume())
	live := NewGroupConsumer(rawGroup(t, false, 0, 100, 900).Consume())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	winner := make(chan string, 2)
	go func() {
		if _, err := ended.BufferFramesUntil(ctx, 500); err == nil {
			winner <- "ended"
		}
	}()
	go func() {
		if _, err := live.BufferFramesUntil(ctx, 500); err == nil {
			winner <- "live"
		}
	}()

	select {
	case w := <-winner:
		assert.Equal(t, "live", w)
	case <-time.After(time.Second):
		t.Fatal("no branch won")
	}
}

func TestGroupConsumer_DecodeFailureKeepsBufferedFrame(t *testing.T) {
	producer := rawGroup(t, false, 0)
	// 0x40 announces a two-byte varint that never arrives.
	require.NoError(t, producer.WriteFrame([]byte{0x40}))
	producer.Close()

	g := NewGroupConsumer(producer.Consume())
	ctx := context.Background()

	got, err := g.BufferFramesUntil(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(0), got)

	f, err := g.ReadFrame(ctx)
	require.NoError(t, err)
	assert.True(t, f.Keyframe)

	_, err = g.ReadFrame(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDecodeFailed)
	assert.True(t, errors.IsInvalid(err))
	assert.NotErrorIs(t, err, io.EOF)
}

func TestGroupConsumer_DecodeFailureWhileBufferingIsReported(t *testing.T) {
	producer := rawGroup(t, false, 0)
	require.NoError(t, producer.WriteFrame([]byte{0x40}))
	writeFrame(t, producer, 9000, []byte("late"))
	producer.Close()

	g := NewGroupConsumer(producer.Consume())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.BufferFramesUntil(ctx, 5000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f, err := g.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.True(t, f.Keyframe)
	assert.Equal(t, Timestamp(0), f.Timestamp)

	for range 2 {
		_, err = g.ReadFrame(context.Background())
		assert.ErrorIs(t, err, errors.ErrDecodeFailed, "frames after the malformed one are never returned")
	}
}

func TestGroupConsumer_EmptyPayloadIsDecodeFailure(t *testing.T) {
	producer := rawGroup(t, false)
	require.NoError(t, producer.WriteFrame(nil))

	_, err := NewGroupConsumer(producer.Consume()).ReadFrame(context.Background())
	assert.ErrorIs(t, err, errors.ErrDecodeFailed)
}

func TestGroupConsumer_ForwardsSequence(t *testing.T) {
	track := moq.NewTrack("video")
	g, err := track.CreateGroup(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), NewGroupConsumer(g.Consume()).Sequence())
}

func TestCodec(t *testing.T) {
	raw, err := EncodeFrame(TimestampFromMicros(1<<40), []byte("payload"))
	require.NoError(t, err)

	ts, payload, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(1<<40), ts)
	assert.Equal(t, []byte("payload"), payload)

	raw, err = EncodeFrame(63, nil)
	require.NoError(t, err)
	assert.Len(t, raw, 1, "small timestamps fit one byte")

	_, err = EncodeFrame(Timestamp(1<<63), nil)
	assert.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, Timestamp(1500), TimestampFromDuration(1500*time.Microsecond))
	assert.Equal(t, Timestamp(0), TimestampFromDuration(-time.Second))
	assert.Equal(t, 2*time.Millisecond, Timestamp(2000).Duration())
	assert.Equal(t, Timestamp(0), Timestamp(10).Add(-time.Second))
	assert.Equal(t, Timestamp(1010), Timestamp(10).Add(time.Millisecond))
	assert.Equal(t, Timestamp(7), MaxTimestamp(3, 7))
	assert.Equal(t, "250us", Timestamp(250).String())
}
