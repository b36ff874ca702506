// Package moq is a Media over QUIC relay and its client libraries.
//
// Publishers send broadcasts to the relay, subscribers fetch tracks from it,
// and relays in a cluster replicate each other's broadcasts so a client may
// connect to any node.
//
// # Media Model
//
// A broadcast is a named collection of tracks. A track is a sequence of
// groups; a group starts with a keyframe and is independently decodable. A
// frame is a timestamp followed by an opaque payload.
//
//	broadcast "room/alice"
//	  ├─ track "video"
//	  │    ├─ group 41  [key][delta][delta]...
//	  │    └─ group 42  [key][delta]...
//	  └─ track "audio"
//	       └─ group 7   [frame][frame]...
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            cmd/moq-relay            │  Flags, config, wiring
//	└─────────────────────────────────────┘
//	           ↓ runs
//	┌─────────────────────────────────────┐
//	│   relay.Server  /  web admin router │  Accept, authorize,
//	│   (one Connection per transport)    │  route, supervise
//	└─────────────────────────────────────┘
//	           ↓ bridges
//	┌─────────────────────────────────────┐
//	│   cluster: Primary / Secondary      │  Local and replicated
//	│   origins, peer replication         │  broadcasts
//	└─────────────────────────────────────┘
//	           ↓ carried by
//	┌─────────────────────────────────────┐
//	│   session (WebSocket) + moq model   │  Announce, subscribe,
//	│   media (timestamps, latency skip)  │  group delivery
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - moq: broadcasts, tracks, groups and the origin registry
//   - media: timestamped frames and latency-bounded track consumption
//   - session: the WebSocket transport between clients and relays
//   - auth: path-scoped JWT tokens
//   - relay: connection routing and supervision
//   - cluster: node membership (static, NATS KV, Redis) and replication
//   - web: health, metrics, certificate fingerprint, announced and fetch
//   - config: layered JSON/YAML configuration with environment overrides
//   - errors, health, metric, natsclient, pkg/...: shared infrastructure
//
// # Routing
//
// Every connection is routed by its token. Client connections subscribe to
// both origins and publish into Primary. Cluster connections subscribe to
// Primary only and publish into Secondary, which keeps broadcasts from
// bouncing between relays.
//
//	client ──publish──▶ Primary ◀──subscribe── client, peer relays
//	peer   ──publish──▶ Secondary ◀──subscribe── client
//
// # Running
//
//	moq-token generate --out root.key
//	moq-relay --config relay.yaml
//	moq-clock --url "ws://localhost:4443/anon/" --publish
package moq
