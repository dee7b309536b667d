package agent

import "time"

// JSON-RPC methods used against the downstream MCP server.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// URL scheme and host constants for validation.
const (
	schemeHTTPS  = "https"
	schemeHTTP   = "http"
	hostLocal    = "localhost"
	hostLoopback = "127.0.0.1"
)

const (
	// DefaultProtocolVersion is the MCP protocol version sent in initialize.
	DefaultProtocolVersion = "2024-11-05"

	// DefaultRedirectURI is the redirect URI used when none is configured.
	DefaultRedirectURI = "http://localhost:53682/callback"

	// DefaultCallbackPort is used when the redirect URI has no explicit port.
	DefaultCallbackPort = 53682

	// DefaultCallbackTimeout bounds the wait for the browser redirect.
	DefaultCallbackTimeout = 300 * time.Second

	// DefaultAuthorityHost is the Microsoft Entra ID login host.
	DefaultAuthorityHost = "https://login.microsoftonline.com"

	// clientName identifies this tool in initialize and in User-Agent headers.
	clientName = "mcp-obo"

	// userAgent is sent on metadata and token requests.
	userAgent = "mcp-obo/1.0"

	// Maximum size for metadata documents and RPC responses (1MB)
	maxBodySize = 1024 * 1024
)

// genericIdentityScopes are OIDC scopes that never name a downstream API.
var genericIdentityScopes = map[string]bool{
	"openid":         true,
	"profile":        true,
	"email":          true,
	"offline_access": true,
}
