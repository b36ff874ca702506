// Package cluster joins relays into a mesh.
//
// Every relay keeps two origins. Primary holds broadcasts published by the
// relay's own clients. Secondary holds broadcasts replicated from the other
// nodes. Run heartbeats this node into a Registry (NATS KV, Redis, or a
// static list), dials every other node with a cluster token, and republishes
// what the peer offers into Secondary. Peers only offer their Primary scope
// to cluster connections, so broadcasts travel a single hop.
package cluster
