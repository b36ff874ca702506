// Package relay accepts client and peer connections and routes their
// broadcasts through a cluster's origins.
//
// Plan turns a connection's claims into routes, and Router applies them to a
// session. Server is the http.Handler that authorizes each WebSocket, hands
// it to a Connection and tracks it until shutdown.
package relay
