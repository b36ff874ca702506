package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/moq"
)

// Subprotocol is negotiated during the WebSocket upgrade and Version during
// the session handshake.
const (
	Subprotocol = "moq-ws"
	Version     = "moq-ws-1"
)

// Close codes sent to peers.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseProtocolError = websocket.CloseProtocolError
	CloseUnauthorized  = 4401
)

// Observer receives per-session traffic notifications. Directions are "in"
// and "out".
type Observer interface {
	ObserveFrame(direction string, bytes int)
	ObserveAnnounce(direction string)
}

// Options tune a session.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	TLSConfig        *tls.Config
	Logger           *slog.Logger
	Observer         Observer
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NewUpgrader returns the upgrader relays use to accept sessions. Origin
// checks are left to token validation.
func NewUpgrader(opts Options) *websocket.Upgrader {
	opts = opts.withDefaults()
	return &websocket.Upgrader{
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		CheckOrigin:      func(*http.Request) bool { return true },
	}
}

type subscription struct {
	path   string
	track  *moq.TrackProducer
	groups map[uint64]*moq.GroupProducer
}

// Session is an established connection to a peer. Either side may publish
// and consume broadcasts.
type Session struct {
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelCauseFunc
	closeOnce sync.Once
	done      chan struct{}
	err       error

	// remote holds the broadcasts the peer announced.
	remote *moq.Origin

	mu        sync.Mutex
	announced map[string]*moq.BroadcastProducer
	published map[string]*moq.BroadcastConsumer
	sources   []*moq.OriginConsumer
	serving   map[uint64]context.CancelFunc
	subs      map[uint64]*subscription
	nextSub   uint64
}

func newSession(ctx context.Context, conn *websocket.Conn, opts Options) *Session {
	opts = opts.withDefaults()
	conn.SetReadLimit(opts.ReadLimit)

	s := &Session{
		conn:      conn,
		opts:      opts,
		logger:    opts.Logger.With("remote", conn.RemoteAddr().String()),
		done:      make(chan struct{}),
		remote:    moq.NewOrigin(),
		announced: make(map[string]*moq.BroadcastProducer),
		published: make(map[string]*moq.BroadcastConsumer),
		serving:   make(map[uint64]context.CancelFunc),
		subs:      make(map[uint64]*subscription),
	}
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	return s
}

func (s *Session) start() {
	context.AfterFunc(s.ctx, func() {
		s.teardown(context.Cause(s.ctx))
	})

	keepalive := 2 * s.opts.PingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(keepalive))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(keepalive))
	})

	go s.readLoop()
	go s.pingLoop()
}

// PublishPrefix announces every broadcast src yields to the peer under
// prefix and serves the peer's subscriptions to them. src is closed with the
// session.
func (s *Session) PublishPrefix(prefix string, src *moq.OriginConsumer) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		src.Close()
		return
	}
	s.sources = append(s.sources, src)
	s.mu.Unlock()

	go func() {
		for {
			announce, err := src.Announced(s.ctx)
			if err != nil {
				return
			}
			s.announce(prefix+announce.Path, announce.Broadcast)
		}
	}()
}

// ConsumePrefix returns the peer's broadcasts under prefix.
func (s *Session) ConsumePrefix(prefix string) *moq.OriginConsumer {
	return s.remote.ConsumePrefix(prefix)
}

// ConsumeExact returns the peer's broadcast at exactly path.
func (s *Session) ConsumeExact(path string) *moq.OriginConsumer {
	return s.remote.ConsumeExact(path)
}

// Closed blocks until the session ends and returns the reason.
func (s *Session) Closed() error {
	<-s.done
	return s.err
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session, telling the peer why.
func (s *Session) Close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.teardown(fmt.Errorf("%w: closed locally: %s", errors.ErrSessionClosed, reason))
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return s.ctx.Err() != nil
	}
}

func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.cancel(err)
		_ = s.conn.Close()

		s.mu.Lock()
		announced := s.announced
		sources := s.sources
		subs := s.subs
		s.announced = make(map[string]*moq.BroadcastProducer)
		s.published = make(map[string]*moq.BroadcastConsumer)
		s.sources = nil
		s.subs = make(map[uint64]*subscription)
		s.mu.Unlock()

		for _, b := range announced {
			b.Close()
		}
		for _, src := range sources {
			src.Close()
		}
		for _, sub := range subs {
			for _, g := range sub.groups {
				g.Abort(errors.ErrSessionClosed)
			}
			sub.track.Abort(errors.ErrSessionClosed)
		}
		s.remote.Close()

		close(s.done)
		s.logger.Debug("Session closed", "reason", err)
	})
}

func (s *Session) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.teardown(closeReason(err))
			return
		}

		switch mt {
		case websocket.TextMessage:
			err = s.handleControl(data)
		case websocket.BinaryMessage:
			err = s.handleData(data)
		}
		if err != nil {
			s.logger.Warn("Protocol violation", "error", err)
			s.Close(CloseProtocolError, "protocol violation")
			return
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.teardown(errors.WrapTransient(err, "Session", "pingLoop", "keepalive"))
				return
			}
		}
	}
}

func (s *Session) writeMessage(mt int, data []byte) error {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	err := s.conn.WriteMessage(mt, data)
	s.writeMu.Unlock()

	if err != nil {
		err = errors.WrapTransient(err, "Session", "writeMessage", "write")
		s.teardown(err)
	}
	return err
}

func (s *Session) writeControl(msg control) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "Session", "writeControl", "encode")
	}
	return s.writeMessage(websocket.TextMessage, data)
}

func (s *Session) writeData(h dataHeader, payload []byte) error {
	if err := s.writeMessage(websocket.BinaryMessage, encodeData(h, payload)); err != nil {
		return err
	}
	if s.opts.Observer != nil && h.kind == dataFrame {
		s.opts.Observer.ObserveFrame("out", len(payload))
	}
	return nil
}

// closeReason maps a read failure to the reason reported by Closed.
func closeReason(err error) error {
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		if ce.Code == CloseUnauthorized {
			return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnauthorized, ce.Text), "Session", "readLoop", "peer close")
		}
		return fmt.Errorf("%w: peer closed (%d %s)", errors.ErrSessionClosed, ce.Code, ce.Text)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Session", "readLoop", "read")
}
