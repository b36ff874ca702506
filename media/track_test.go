package media

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WadkarNaved15/moq/moq"
)

func TestTrackProducer_GroupsFollowKeyframes(t *testing.T) {
	raw := moq.NewTrack("video")
	consumer := raw.Consume()
	producer := NewTrackProducer(raw)

	frames := []Frame{
		{Keyframe: true, Timestamp: 0, Payload: []byte("i0")},
		{Timestamp: 33, Payload: []byte("p1")},
		{Keyframe: true, Timestamp: 66, Payload: []byte("i2")},
	}
	for _, f := range frames {
		require.NoError(t, producer.WriteFrame(f))
	}
	producer.Close()

	ctx := context.Background()
	var got [][]Frame
	for {
		g, err := consumer.NextGroup(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, readAll(t, NewGroupConsumer(g)))
	}

	require.Len(t, got, 2)
	require.Len(t, got[0], 2)
	require.Len(t, got[1], 1)
	assert.Equal(t, []byte("p1"), got[0][1].Payload)
	assert.True(t, got[1][0].Keyframe)
	assert.Equal(t, Timestamp(66), got[1][0].Timestamp)
}

func TestTrackConsumer_ReadsAllGroupsInOrder(t *testing.T) {
	raw := moq.NewTrack("audio")
	tc := NewTrackConsumer(raw.Consume(), time.Second)
	producer := NewTrackProducer(raw)

	for i, ts := range []Timestamp{0, 20, 40, 60} {
		require.NoError(t, producer.WriteFrame(Frame{Keyframe: i%2 == 0, Timestamp: ts}))
	}
	producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var seen []Timestamp
	for {
		f, err := tc.ReadFrame(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, f.Timestamp)
	}
	assert.Equal(t, []Timestamp{0, 20, 40, 60}, seen)
}

func TestTrackConsumer_SkipsStalledGroup(t *testing.T) {
	raw := moq.NewTrack("video")
	tc := NewTrackConsumer(raw.Consume(), 500*time.Microsecond)

	stalled, err := raw.AppendGroup()
	require.NoError(t, err)
	writeFrame(t, stalled, 0, []byte("old"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f, err := tc.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(0), f.Timestamp)

	fresh, err := raw.AppendGroup()
	require.NoError(t, err)
	writeFrame(t, fresh, 1000, []byte("new"))
	writeFrame(t, fresh, 1100, nil)

	f, err = tc.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(1000), f.Timestamp, "stalled group skipped once the newer one passed the latency budget")
	assert.True(t, f.Keyframe)

	f, err = tc.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, Timestamp(1100), f.Timestamp)

	fresh.Close()
	raw.Close()
	_, err = tc.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTrackConsumer_HonoursCancellation(t *testing.T) {
	raw := moq.NewTrack("idle")
	tc := NewTrackConsumer(raw.Consume(), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tc.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
