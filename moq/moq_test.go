package moq

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WadkarNaved15/moq/errors"
)

func TestGroup_ReadInOrderThenEOF(t *testing.T) {
	track := NewTrack("video")
	g, err := track.AppendGroup()
	require.NoError(t, err)

	require.NoError(t, g.WriteFrame([]byte("a")))
	require.NoError(t, g.WriteFrame([]byte("b")))
	g.Close()

	c := g.Consume()
	ctx := context.Background()

	frame, err := c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), frame)

	frame, err = c.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), frame)

	_, err = c.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = c.ReadFrame(ctx)
	assert.True(t, IsEnd(err))

	assert.ErrorIs(t, g.WriteFrame([]byte("late")), errors.ErrClosed)
}

func TestGroup_CancelledReadDoesNotConsume(t *testing.T) {
	g := &GroupProducer{state: newGroupState()}
	c := g.Consume()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, g.WriteFrame([]byte("x")))
	frame, err := c.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), frame)
}

func TestGroup_AbortSurfacesError(t *testing.T) {
	g := &GroupProducer{state: newGroupState()}
	require.NoError(t, g.WriteFrame([]byte("x")))
	boom := stderrors.New("upstream reset")
	g.Abort(boom)

	c := g.Consume()
	_, err := c.ReadFrame(context.Background())
	require.NoError(t, err)
	_, err = c.ReadFrame(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTrack_ConsumerStartsAtLatestAndSkipsDropped(t *testing.T) {
	track := NewTrack("audio")
	for i := 0; i < 3; i++ {
		_, err := track.AppendGroup()
		require.NoError(t, err)
	}

	c := track.Consume()
	g, err := c.NextGroup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g.Sequence())

	for i := 0; i < DefaultGroupBacklog+2; i++ {
		_, err := track.AppendGroup()
		require.NoError(t, err)
	}
	g, err = c.NextGroup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3+2), g.Sequence(), "oldest retained group after the backlog trimmed")

	track.Close()
	for {
		_, err = c.NextGroup(context.Background())
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
}

func TestTrack_CreateGroupRejectsDuplicates(t *testing.T) {
	track := NewTrack("t")
	_, err := track.CreateGroup(7)
	require.NoError(t, err)
	_, err = track.CreateGroup(7)
	assert.ErrorIs(t, err, errors.ErrDuplicateGroup)

	g, err := track.AppendGroup()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), g.Sequence())
}

func TestBroadcast_RequestedTrack(t *testing.T) {
	b := NewBroadcast()
	consumer := b.Consume()

	sub := consumer.SubscribeTrack("catalog")
	again := consumer.SubscribeTrack("catalog")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := b.RequestedTrack(ctx)
	require.NoError(t, err)
	assert.Equal(t, "catalog", req.Name())

	g, err := req.AppendGroup()
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame([]byte("{}")))

	for _, c := range []*TrackConsumer{sub, again} {
		got, err := c.NextGroup(ctx)
		require.NoError(t, err)
		frame, err := got.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("{}"), frame)
	}

	b.Close()
	_, err = b.RequestedTrack(ctx)
	assert.ErrorIs(t, err, errors.ErrClosed)
	assert.True(t, consumer.IsClosed())

	_, err = consumer.SubscribeTrack("late").NextGroup(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTrack_UnusedAfterLastConsumerCloses(t *testing.T) {
	track := NewTrack("video")
	a, b := track.Consume(), track.Consume()

	a.Close()
	a.Close()
	select {
	case <-track.Unused():
		t.Fatal("track unused while a consumer is open")
	default:
	}

	b.Close()
	select {
	case <-track.Unused():
	case <-time.After(time.Second):
		t.Fatal("track never reported unused")
	}
}

func TestBroadcast_IdleRequestIsRequestedAgain(t *testing.T) {
	broadcast := NewBroadcast()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first := broadcast.Consume().SubscribeTrack("audio")
	requested, err := broadcast.RequestedTrack(ctx)
	require.NoError(t, err)

	first.Close()
	<-requested.Unused()

	again := broadcast.Consume().SubscribeTrack("audio")
	defer again.Close()
	renewed, err := broadcast.RequestedTrack(ctx)
	require.NoError(t, err)
	assert.NotSame(t, requested, renewed)
}

func TestBroadcast_CreatedTrackSurvivesIdleConsumers(t *testing.T) {
	broadcast := NewBroadcast()
	track := broadcast.CreateTrack("clock")

	broadcast.Consume().SubscribeTrack("clock").Close()
	<-track.Unused()

	c := broadcast.Consume().SubscribeTrack("clock")
	defer c.Close()
	g, err := track.AppendGroup()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.NextGroup(ctx)
	require.NoError(t, err)
	assert.Equal(t, g.Sequence(), got.Sequence())
}

func TestOrigin_PrefixAndExact(t *testing.T) {
	origin := NewOrigin()
	room := NewBroadcast()
	other := NewBroadcast()

	origin.Publish("room/alice", room.Consume())

	prefix := origin.ConsumePrefix("room/")
	exact := origin.ConsumeExact("room/bob")
	defer prefix.Close()
	defer exact.Close()

	origin.Publish("lobby", other.Consume())
	bob := NewBroadcast()
	origin.Publish("room/bob", bob.Consume())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := prefix.Announced(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Path)

	a, err = prefix.Announced(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", a.Path)

	a, err = exact.Announced(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", a.Path)
	assert.True(t, a.Broadcast.SameAs(bob.Consume()))

	assert.Equal(t, []string{"lobby", "room/alice", "room/bob"}, origin.Active())

	room.Close()
	assert.Eventually(t, func() bool {
		_, ok := origin.ConsumeBroadcast("room/alice")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestOrigin_PublishPrefixForwards(t *testing.T) {
	session := NewOrigin()
	cluster := NewOrigin()

	cluster.PublishPrefix("edge/", session.ConsumePrefix(""))

	b := NewBroadcast()
	session.Publish("cam1", b.Consume())

	assert.Eventually(t, func() bool {
		_, ok := cluster.ConsumeBroadcast("edge/cam1")
		return ok
	}, time.Second, 5*time.Millisecond)

	session.Close()
	c := session.ConsumePrefix("")
	_, err := c.Announced(context.Background())
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestOrigin_ReplacedBroadcastStaysAnnounced(t *testing.T) {
	origin := NewOrigin()
	first := NewBroadcast()
	second := NewBroadcast()

	origin.Publish("live", first.Consume())
	origin.Publish("live", second.Consume())
	first.Close()

	time.Sleep(20 * time.Millisecond)
	got, ok := origin.ConsumeBroadcast("live")
	require.True(t, ok)
	assert.True(t, got.SameAs(second.Consume()))
}

func TestOrigin_ConcurrentRegistration(t *testing.T) {
	origin := NewOrigin()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			origin.Publish(fmt.Sprintf("n/%d", i), NewBroadcast().Consume())
		}(i)
		go func() {
			defer wg.Done()
			c := origin.ConsumePrefix("n/")
			c.Close()
		}()
	}
	wg.Wait()

	assert.Len(t, origin.Active(), 50)
}
