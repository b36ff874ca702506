package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/WadkarNaved15/moq/errors"
)

// Accept completes the server side of the handshake on an upgraded
// connection. The returned session lives until it closes or ctx is cancelled.
// On failure the connection is closed.
func Accept(ctx context.Context, conn *websocket.Conn, opts Options) (_ *Session, err error) {
	s := newSession(ctx, conn, opts)
	defer func() {
		if err != nil {
			s.cancel(err)
		}
	}()

	msg, err := s.readHandshake(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrHandshakeFailed, err), "Session", "Accept", "read setup")
	}
	if msg.Type != msgSetup {
		Reject(conn, CloseProtocolError, "expected setup")
		return nil, errors.WrapInvalid(fmt.Errorf("%w: got %q", errors.ErrProtocol, msg.Type), "Session", "Accept", "read setup")
	}
	if msg.Version != Version {
		Reject(conn, CloseProtocolError, "unsupported version")
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnsupported, msg.Version), "Session", "Accept", "version check")
	}

	if err := s.writeControl(control{Type: msgSetupOK, Version: Version}); err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrHandshakeFailed, err), "Session", "Accept", "write setup_ok")
	}

	s.start()
	return s, nil
}

// Connect dials a relay and completes the client side of the handshake. ctx
// bounds the lifetime of the returned session, not just the dial. A relay
// refusing the token yields an error wrapping errors.ErrUnauthorized.
func Connect(ctx context.Context, url string, opts Options) (_ *Session, err error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		TLSClientConfig:  opts.TLSConfig,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.WrapInvalid(errors.ErrUnauthorized, "Session", "Connect", "dial")
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrHandshakeFailed, err), "Session", "Connect", "dial")
	}

	s := newSession(ctx, conn, opts)
	defer func() {
		if err != nil {
			s.cancel(err)
		}
	}()
	if err := s.writeControl(control{Type: msgSetup, Version: Version}); err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrHandshakeFailed, err), "Session", "Connect", "write setup")
	}

	msg, err := s.readHandshake(ctx)
	if err != nil {
		_ = conn.Close()
		var ce *websocket.CloseError
		if stderrors.As(err, &ce) && ce.Code == CloseUnauthorized {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnauthorized, ce.Text), "Session", "Connect", "read setup_ok")
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrHandshakeFailed, err), "Session", "Connect", "read setup_ok")
	}
	if msg.Type != msgSetupOK || msg.Version != Version {
		_ = conn.Close()
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unexpected %q version %q", errors.ErrProtocol, msg.Type, msg.Version), "Session", "Connect", "read setup_ok")
	}

	s.start()
	return s, nil
}

func (s *Session) readHandshake(ctx context.Context) (control, error) {
	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		return control{}, err
	}
	if mt != websocket.TextMessage {
		return control{}, fmt.Errorf("%w: binary message during handshake", errors.ErrProtocol)
	}
	return decodeControl(data)
}

// Reject closes a connection that will never become a session, sending code
// and reason to the peer.
func Reject(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
