// Package birpc implements a transport-agnostic, symmetric, bidirectional
// RPC engine.
//
// Each side of a connection registers a local function tree and gets back
// an *Endpoint that can call into the peer's tree the same way the peer
// can call into its own. The engine does not open sockets or pick a wire
// format: a pair of post/receive callbacks (the transport) and a pair of
// serialize/deserialize functions (the codec) are supplied by the caller.
//
// On top of request/response correlation, birpc adds fire-and-forget
// events, optional delivery acknowledgment with independent ack/response
// timers, streamed results, request interception, and one-to-many
// broadcast via Broadcast.
package birpc
