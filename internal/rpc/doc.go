// Package rpc owns the line-oriented request/response transport.
//
// Ownership boundary:
// - accepting control connections on the reactor
//
// - per-connection framing, payload and raw-log modes
//
// - the blocking client used by the controller
//
// Verb semantics live with the Dispatcher, never here.
//
// Connection lifecycle:
// - reading -> dispatching -> (receiving) -> writing -> reading
//
// - raw after a reply that switched the connection to log mode
//
// - exit lingers the final reply before the reactor stops
package rpc
