// Package mcp defines the wire-level data model shared by the client and
// server halves of this module: capability descriptors (tools, resources,
// prompts), the request/result payload shapes that travel inside JSON-RPC
// envelopes, and protocol version negotiation.
//
// The package is deliberately free of transport or session concerns; it holds
// plain structs with JSON tags and a handful of pure helpers. Everything here
// is safe to marshal concurrently.
package mcp
