// Package events routes inbound push events from a realtime connection to
// local signals, the toast surface and the account-lock controller.
//
// The set of event kinds is closed. Each kind has a typed payload and one
// entry in the dispatch table; a Router registers exactly one dispatcher
// per kind on the connection it is attached to and removes them all when
// it detaches or the connection closes.
package events
