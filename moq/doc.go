// Package moq is the in-process broadcast model shared by sessions, the
// cluster and the media helpers.
//
// The hierarchy is Origin → Broadcast → Track → Group → frame payload:
//
//   - An Origin maps paths to active broadcasts and streams announcements to
//     prefix or exact-path consumers.
//   - A Broadcast holds named tracks. Subscribing to a track nobody created
//     yet queues a request the producer can serve via RequestedTrack.
//   - A Track is a sequence of groups with a small backlog; consumers start at
//     the newest group and skip what they fell behind on.
//   - A Group is an append-only list of opaque frame payloads.
//
// Producers and consumers are separate handles over shared state. All reads
// block on a context and never consume data when that context is cancelled,
// which makes them safe to race in select-style constructs.
package moq
