// Package sessions maps opaque session ids to live transports for the
// session-bound RPC endpoint.
//
// A session is created on the first authenticated initialize call that
// carries no session id: the Registry allocates a UUIDv4, asks its Factory
// for a Transport, and binds the two. Subsequent calls carrying the id are
// routed to the same transport. Ids are never reused within a process
// lifetime.
//
// Every removal trigger converges on one cleanup path: an explicit DELETE
// from the client, the transport firing its own close hook on disconnect,
// the idle-timeout sweep, and registry shutdown all remove the mapping first
// and drain the transport afterwards under a bounded timeout, so a wedged
// transport can never block the registry.
package sessions
