// Package streaminghttp implements the streamable HTTP server transport: a
// single endpoint accepting JSON-RPC over POST, with an optional
// server-to-client event stream over GET (Server-Sent Events) and explicit
// session termination over DELETE.
//
// Sessions are addressed by the Mcp-Session-Id header minted during
// initialize. Server-initiated messages flow through a sessions.SessionHost,
// so a dropped GET stream can resume without loss by replaying from the
// Last-Event-ID the client presents.
//
// Characteristics
//
//	Connection model : many sessions per process
//	Auth             : optional bearer tokens (JWT against a static JWKS)
//	Sessions         : host-backed, resumable delivery
//	Framing          : HTTP bodies (POST), SSE events (GET)
package streaminghttp
