package auth

import (
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

// Claims describe what a connection may do. Subscribe and Publish are path
// fragments appended to Path; nil means the direction is not allowed.
type Claims struct {
	Path      string  `json:"path"`
	Subscribe *string `json:"subscribe,omitempty"`
	Publish   *string `json:"publish,omitempty"`
	// Cluster marks a connection from another relay node.
	Cluster bool `json:"cluster,omitempty"`

	jwt.RegisteredClaims
}

// Scope returns a pointer to fragment, for building Claims literals.
func Scope(fragment string) *string {
	return &fragment
}

// LogValue renders the claims for structured logs.
func (c Claims) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("path", c.Path),
		slog.Bool("cluster", c.Cluster),
	}
	if c.Subscribe != nil {
		attrs = append(attrs, slog.String("subscribe", *c.Subscribe))
	}
	if c.Publish != nil {
		attrs = append(attrs, slog.String("publish", *c.Publish))
	}
	return slog.GroupValue(attrs...)
}
