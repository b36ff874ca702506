// Package session speaks the relay protocol over a WebSocket connection.
//
// After the upgrade the client sends a "setup" control message carrying the
// protocol version and the server answers "setup_ok". From then on both sides
// are symmetric:
//
//	announce / unannounce     a broadcast became available / went away
//	subscribe / unsubscribe   start / stop receiving one track of a broadcast
//	subscribe_done            the publisher ended a subscription
//
// Control messages are JSON text frames. Media travels in binary frames whose
// header is three QUIC varints (kind, subscription id, group sequence)
// followed by the frame payload; a group_end kind closes a group.
//
// Broadcasts announced by the peer show up in ConsumePrefix/ConsumeExact.
// Broadcasts handed to PublishPrefix are announced to the peer and served on
// demand. Closed blocks until the connection ends and reports why.
package session
