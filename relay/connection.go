package relay

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/WadkarNaved15/moq/auth"
	"github.com/WadkarNaved15/moq/cluster"
	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/session"
)

// Connection supervises one accepted transport from handshake to close.
type Connection struct {
	ID        uint64
	Transport *websocket.Conn
	Cluster   *cluster.Cluster
	Claims    auth.Claims
	Session   session.Options
	Logger    *slog.Logger
}

// Run performs the session handshake, wires the routes for the connection's
// claims and blocks until the session ends. It returns the reason the session
// ended, or the handshake error. Nothing is retried.
func (c *Connection) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conn", c.ID, "path", c.Claims.Path)

	opts := c.Session
	opts.Logger = logger

	sess, err := session.Accept(ctx, c.Transport, opts)
	if err != nil {
		logger.Warn("Failed to accept session", "error", err)
		return err
	}

	routes := Plan(c.Claims)
	for _, r := range routes {
		logger.Debug("Routing",
			"direction", r.Direction,
			"scope", r.Scope,
			"mode", r.Mode,
			"fragment", r.Fragment,
			"full", r.Full,
		)
	}
	Router{Primary: c.Cluster.Primary, Secondary: c.Cluster.Secondary}.Apply(sess, routes)

	logger.Info("Connection established", "claims", c.Claims, "routes", len(routes))

	err = sess.Closed()
	logger.Info("Connection terminated", "reason", err)
	return err
}

// isHandshakeError reports whether err came from a failed session handshake
// rather than from an established session ending.
func isHandshakeError(err error) bool {
	return stderrors.Is(err, errors.ErrHandshakeFailed) ||
		stderrors.Is(err, errors.ErrUnsupported) ||
		stderrors.Is(err, errors.ErrProtocol)
}
