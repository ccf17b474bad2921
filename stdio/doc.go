// Package stdio implements a single-connection server transport over a pair
// of byte streams, by default stdin/stdout. Messages are JSON-RPC envelopes
// framed one per line; the parent process owns the child's lifetime and the
// session dies with the streams.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (implicit local principal)
//	Sessions         : ephemeral, in-process only
//	Framing          : newline-delimited JSON
//
// For multi-session deployments with resumable delivery, use the streaming
// HTTP transport instead.
package stdio
