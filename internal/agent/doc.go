// Package agent provides the OBO delegation broker used by mcp-obo.
//
// The package signs a user in with the OAuth 2.0 authorization-code flow, exchanges
// the resulting token on-behalf-of the user for a token scoped to a downstream MCP
// server, and drives a JSON-RPC session against that server. Responses from the
// server may be plain JSON or Server-Sent-Events framed JSON.
//
// # Delegation chain
//
//   - CallbackReceiver: one-shot local listener capturing the authorization code
//   - Broker: authorization-code redemption, OBO exchange, per-scope token cache
//   - ScopeResolver: RFC 9728 Protected Resource Metadata scope discovery
//   - Session: initialize, tools/list and tools/call over HTTP
//   - Flow: enforces the ordering sign-in, scope, OBO, first RPC
//
// # Identity providers
//
// Two IdentityProvider implementations exist: Microsoft Entra ID through MSAL
// (the default) and a generic provider built on golang.org/x/oauth2 that supports
// the jwt-bearer OBO grant and RFC 8693 token exchange.
//
// # Outer surfaces
//
//   - REPL: interactive exploration and tool invocation
//   - MCPServer: re-exposes the remote tools as a local MCP server
//   - Logger: formatted logging with color support and JSON-RPC message tracing
package agent
