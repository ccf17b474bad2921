// Package mcpservice exposes composable building blocks for the server side:
// the registry containers that hold tools, resources and prompts, the
// provider interfaces transports use to discover per-session capabilities,
// and the validation machinery that checks invocation arguments against a
// capability's declared input schema.
//
// Containers are mutable and threadsafe; they are their own providers, so a
// *ToolsContainer can be passed straight to NewServer. Registration is
// expected to complete before a transport accepts sessions, but concurrent
// registration is still safe. List order is registration order, always.
//
// Providers return (value, ok, error). ok == false means "capability absent";
// an empty container with ok == true is still advertised.
package mcpservice
