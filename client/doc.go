// Package client implements the calling side of the protocol: it opens a
// session over a child-process or streamable HTTP transport, negotiates a
// protocol version, and exposes discovery and invocation operations with
// request correlation and cooperative cancellation.
//
// A Client is safe for concurrent use once Connect has returned. Every
// operation takes a context; cancelling it abandons the call locally and
// sends a best-effort cancellation notice to the server.
package client
