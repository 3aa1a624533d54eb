// Package realtime is the client side of the push channel: it owns the
// lifecycle of a single transport connection per session.
//
// A Manager hands out at most one live Connection. EnsureConnection is
// idempotent while a Connection is connecting or connected. Every connection
// attempt asks the TokenSource for a fresh capability token, so a token is
// never reused past the attempt it was fetched for.
//
// State machine of a Connection:
//
//	connecting -> connected          ack received from the transport
//	connected  -> connecting         transport dropped, retry scheduled
//	connecting -> disconnected       attempts exhausted or terminal token error
//	*          -> disconnected       Close
//
// Subscriptions belong to one Connection instance. They survive automatic
// reconnects of that instance and are dropped when it is closed, so a
// replaced Connection can never deliver to consumers of its successor.
package realtime
