// Package server implements the Atrium presence hub: WebSocket transport,
// the session registry, the presence table, the broadcast engine, and the
// protocol dispatcher.
//
// All shared state is owned by the hub goroutine; client goroutines only
// move bytes between the network and the hub's channels. The implementation
// is organized into specialized files for the hub, clients, sessions,
// presence, protocol, and dispatch to keep the codebase maintainable and
// testable as the project grows.
package server
