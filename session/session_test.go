package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/moq"
)

// serve starts a relay-like endpoint running handler for every accepted
// session and returns its ws:// URL.
func serve(t *testing.T, handler func(*Session)) string {
	t.Helper()
	upgrader := NewUpgrader(Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess, err := Accept(r.Context(), conn, Options{})
		if err != nil {
			return
		}
		handler(sess)
		_ = sess.Closed()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url string) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sess, err := Connect(ctx, url, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close(CloseNormal, "test done") })
	return sess
}

func TestSession_SubscribeToPeerBroadcast(t *testing.T) {
	origin := moq.NewOrigin()
	broadcast := moq.NewBroadcast()
	track := broadcast.CreateTrack("clock")
	origin.Publish("demo", broadcast.Consume())

	url := serve(t, func(s *Session) {
		s.PublishPrefix("", origin.ConsumePrefix(""))
	})
	client := connect(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	announced := client.ConsumePrefix("")
	a, err := announced.Announced(ctx)
	require.NoError(t, err)
	assert.Equal(t, "demo", a.Path)

	sub := a.Broadcast.SubscribeTrack("clock")

	g, err := track.AppendGroup()
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame([]byte("tick")))
	require.NoError(t, g.WriteFrame([]byte("tock")))
	g.Close()

	group, err := sub.NextGroup(ctx)
	require.NoError(t, err)
	assert.Equal(t, g.Sequence(), group.Sequence())

	for _, want := range []string{"tick", "tock"} {
		frame, err := group.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
	_, err = group.ReadFrame(ctx)
	assert.ErrorIs(t, err, io.EOF)

	broadcast.Close()
	select {
	case <-a.Broadcast.Closed():
	case <-ctx.Done():
		t.Fatal("unannounce never reached the client")
	}
}

func TestSession_ClosingLastConsumerUnsubscribes(t *testing.T) {
	origin := moq.NewOrigin()
	broadcast := moq.NewBroadcast()
	track := broadcast.CreateTrack("clock")
	origin.Publish("demo", broadcast.Consume())

	url := serve(t, func(s *Session) {
		s.PublishPrefix("", origin.ConsumePrefix(""))
	})
	client := connect(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := client.ConsumePrefix("").Announced(ctx)
	require.NoError(t, err)
	sub := a.Broadcast.SubscribeTrack("clock")

	g, err := track.AppendGroup()
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame([]byte("tick")))
	g.Close()
	_, err = sub.NextGroup(ctx)
	require.NoError(t, err)

	sub.Close()

	select {
	case <-track.Unused():
	case <-ctx.Done():
		t.Fatal("publisher kept serving a track nobody reads")
	}
	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.subs) == 0
	}, time.Second, 10*time.Millisecond)

	// A new subscriber gets a fresh upstream subscription.
	again := a.Broadcast.SubscribeTrack("clock")
	defer again.Close()
	next, err := track.AppendGroup()
	require.NoError(t, err)
	require.NoError(t, next.WriteFrame([]byte("tock")))
	next.Close()

	group, err := again.NextGroup(ctx)
	require.NoError(t, err)
	for group.Sequence() != next.Sequence() {
		group, err = again.NextGroup(ctx)
		require.NoError(t, err)
	}
	frame, err := group.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tock", string(frame))
}

func TestSession_PeerPublishesToServer(t *testing.T) {
	received := make(chan string, 1)

	url := serve(t, func(s *Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		a, err := s.ConsumeExact("cam").Announced(ctx)
		if err != nil {
			return
		}
		group, err := a.Broadcast.SubscribeTrack("video").NextGroup(ctx)
		if err != nil {
			return
		}
		frame, err := group.ReadFrame(ctx)
		if err != nil {
			return
		}
		received <- string(frame)
	})
	client := connect(t, url)

	local := moq.NewOrigin()
	broadcast := moq.NewBroadcast()
	local.Publish("cam", broadcast.Consume())
	client.PublishPrefix("", local.ConsumePrefix(""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	requested, err := broadcast.RequestedTrack(ctx)
	require.NoError(t, err)
	assert.Equal(t, "video", requested.Name())

	g, err := requested.AppendGroup()
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame([]byte("keyframe")))

	select {
	case got := <-received:
		assert.Equal(t, "keyframe", got)
	case <-ctx.Done():
		t.Fatal("frame never reached the server")
	}
}

func TestSession_UnknownBroadcastEndsSubscription(t *testing.T) {
	url := serve(t, func(s *Session) {
		s.PublishPrefix("", moq.NewOrigin().ConsumePrefix(""))
	})
	client := connect(t, url)

	// Announce a path the server never published, then subscribe through it.
	client.onAnnounce("ghost")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, ok := client.remote.ConsumeBroadcast("ghost")
	require.True(t, ok)
	_, err := b.SubscribeTrack("video").NextGroup(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_CloseReportsReason(t *testing.T) {
	reasons := make(chan error, 1)
	url := serve(t, func(s *Session) {
		reasons <- s.Closed()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := Connect(ctx, url, Options{})
	require.NoError(t, err)
	client.Close(CloseNormal, "bye")

	assert.ErrorIs(t, client.Closed(), errors.ErrSessionClosed)
	select {
	case reason := <-reasons:
		assert.ErrorIs(t, reason, errors.ErrSessionClosed)
		assert.Contains(t, reason.Error(), "bye")
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}
}

func TestSession_ContextCancellationEndsSession(t *testing.T) {
	url := serve(t, func(*Session) {})

	ctx, cancel := context.WithCancel(context.Background())
	client, err := Connect(ctx, url, Options{})
	require.NoError(t, err)

	cancel()
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session outlived its context")
	}
}

func TestConnect_Rejected(t *testing.T) {
	upgrader := NewUpgrader(Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Reject(conn, CloseUnauthorized, "invalid token")
	}))
	defer srv.Close()

	_, err := Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
	assert.True(t, errors.IsInvalid(err))
}

func TestAccept_VersionMismatch(t *testing.T) {
	accepted := make(chan error, 1)
	upgrader := NewUpgrader(Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, err = Accept(r.Context(), conn, Options{})
		accepted <- err
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(control{Type: msgSetup, Version: "moq-ws-0"}))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseProtocolError))

	select {
	case err := <-accepted:
		assert.ErrorIs(t, err, errors.ErrUnsupported)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return")
	}
}

func TestDataHeader(t *testing.T) {
	h := dataHeader{kind: dataFrame, id: 300, sequence: 1 << 20}
	raw := encodeData(h, []byte("payload"))

	got, payload, err := decodeData(raw)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, []byte("payload"), payload)

	_, _, err = decodeData(raw[:2])
	assert.ErrorIs(t, err, errors.ErrProtocol)

	_, err = decodeControl([]byte(`{"id":1}`))
	assert.ErrorIs(t, err, errors.ErrProtocol)
}
