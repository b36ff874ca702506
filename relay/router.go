package relay

import (
	"strings"

	"github.com/WadkarNaved15/moq/auth"
	"github.com/WadkarNaved15/moq/moq"
)

// Direction is the way broadcasts flow relative to the connected session.
type Direction int

const (
	// Subscribe sends origin broadcasts to the session.
	Subscribe Direction = iota
	// Publish takes broadcasts from the session into an origin.
	Publish
)

func (d Direction) String() string {
	if d == Publish {
		return "publish"
	}
	return "subscribe"
}

// Scope names one of the relay's two origins.
type Scope int

const (
	// Primary holds broadcasts published to this node.
	Primary Scope = iota
	// Secondary holds broadcasts replicated across the cluster.
	Secondary
)

func (s Scope) String() string {
	if s == Secondary {
		return "secondary"
	}
	return "primary"
}

// Mode selects prefix or exact-path matching.
type Mode int

const (
	// Prefix matches every path under the registered one.
	Prefix Mode = iota
	// Exact matches the registered path only.
	Exact
)

func (m Mode) String() string {
	if m == Exact {
		return "exact"
	}
	return "prefix"
}

// Route is one registration between a session and an origin. Fragment is the
// path on the session side, Full the path on the origin side.
type Route struct {
	Direction Direction
	Scope     Scope
	Mode      Mode
	Fragment  string
	Full      string
}

type policy struct {
	direction Direction
	cluster   bool
}

// routing lists the origins a connection is wired to. Cluster peers only ever
// read the primary scope, so replicated broadcasts are never sent back into
// the cluster.
var routing = map[policy][]Scope{
	{Subscribe, false}: {Primary, Secondary},
	{Subscribe, true}:  {Primary},
	{Publish, false}:   {Primary},
	{Publish, true}:    {Secondary},
}

// ModeFor returns the matching mode for a combined path: prefix when it is
// empty or ends in a separator, exact otherwise.
func ModeFor(full string) Mode {
	if full == "" || strings.HasSuffix(full, "/") {
		return Prefix
	}
	return Exact
}

// Plan translates claims into routes. Subscribe routes come first. Claims
// allowing neither direction yield no routes.
func Plan(claims auth.Claims) []Route {
	var routes []Route
	add := func(dir Direction, fragment *string) {
		if fragment == nil {
			return
		}
		full := claims.Path + *fragment
		for _, scope := range routing[policy{dir, claims.Cluster}] {
			routes = append(routes, Route{
				Direction: dir,
				Scope:     scope,
				Mode:      ModeFor(full),
				Fragment:  *fragment,
				Full:      full,
			})
		}
	}
	add(Subscribe, claims.Subscribe)
	add(Publish, claims.Publish)
	return routes
}

// Session is the part of a transport session routing needs.
type Session interface {
	PublishPrefix(prefix string, src *moq.OriginConsumer)
	ConsumePrefix(prefix string) *moq.OriginConsumer
	ConsumeExact(path string) *moq.OriginConsumer
}

// Router wires sessions to the relay's origins.
type Router struct {
	Primary   *moq.Origin
	Secondary *moq.Origin
}

func (r Router) origin(s Scope) *moq.Origin {
	if s == Secondary {
		return r.Secondary
	}
	return r.Primary
}

// Apply registers every route on sess. Each scope is registered once.
func (r Router) Apply(sess Session, routes []Route) {
	for _, route := range routes {
		origin := r.origin(route.Scope)
		switch route.Direction {
		case Subscribe:
			var src *moq.OriginConsumer
			if route.Mode == Prefix {
				src = origin.ConsumePrefix(route.Full)
			} else {
				src = origin.ConsumeExact(route.Full)
			}
			sess.PublishPrefix(route.Fragment, src)
		case Publish:
			var src *moq.OriginConsumer
			if route.Mode == Prefix {
				src = sess.ConsumePrefix(route.Fragment)
			} else {
				src = sess.ConsumeExact(route.Fragment)
			}
			origin.PublishPrefix(route.Full, src)
		}
	}
}
