// Package mcp serves the coordinator's tools to its engine over the Model
// Context Protocol (streamable HTTP, POST only).
//
// The coordinator's engine is configured with an MCP server at
// /mcp/<token>. The token is resolved on every request through a
// ToolResolver, so tools disappear the moment the coordinator instance that
// owns the token stops.
//
// Supported methods: initialize, ping, tools/list, tools/call. Tool failures
// are returned as tool results with isError set, not as JSON-RPC errors, so
// the model can read the message and correct its call.
package mcp
