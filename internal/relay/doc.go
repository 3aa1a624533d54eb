// Package relay is the self-hosted pub/sub transport that carries push
// events to browser sessions over websockets.
//
// The package implements:
//   - Hub: the set of client connections subscribed to one channel
//   - HubManager: channel name to Hub registry
//   - Handler: capability-token authentication, upgrade, read/write pumps
//   - Service: publishing events onto channels and lifecycle management
//
// A connection may only join the channels its capability token grants the
// subscribe operation on, so a session only ever hears its own user channel.
package relay
