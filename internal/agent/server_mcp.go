package agent

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Bridge transports
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// metaToolNames are registered by the bridge itself; downstream tools with
// the same name are not proxied.
var metaToolNames = map[string]bool{
	"list_tools":    true,
	"describe_tool": true,
	"call_tool":     true,
	"token_info":    true,
}

// MCPServer re-exposes the downstream tools over MCP, calling them through
// the delegated session.
type MCPServer struct {
	session         *Session
	tokens          TokenInspector
	logger          *Logger
	mcpServer       *server.MCPServer
	serverTransport string
}

// NewMCPServer creates a bridge server for session
func NewMCPServer(session *Session, tokens TokenInspector, serverTransport string, logger *Logger, version string) (*MCPServer, error) {
	switch serverTransport {
	case TransportStdio, TransportStreamableHTTP:
	default:
		return nil, fmt.Errorf("unsupported server transport: %s", serverTransport)
	}

	mcpServer := server.NewMCPServer(
		clientName+"-bridge",
		version,
		server.WithToolCapabilities(false),
	)

	ms := &MCPServer{
		session:         session,
		tokens:          tokens,
		logger:          logger,
		mcpServer:       mcpServer,
		serverTransport: serverTransport,
	}

	ms.registerTools()
	ms.registerProxyTools()

	return ms, nil
}

// Start serves the bridge until the transport stops
func (m *MCPServer) Start(ctx context.Context, listenAddr string) error {
	switch m.serverTransport {
	case TransportStdio:
		return server.ServeStdio(m.mcpServer)
	case TransportStreamableHTTP:
		httpServer := server.NewStreamableHTTPServer(
			m.mcpServer,
			server.WithEndpointPath("/mcp"),
		)
		errCh := make(chan error, 1)
		go func() {
			errCh <- httpServer.Start(listenAddr)
		}()
		m.logger.Info("MCP bridge listening on http://%s/mcp", listenAddr)
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return httpServer.Shutdown(context.Background())
		}
	default:
		return fmt.Errorf("unsupported server transport: %s", m.serverTransport)
	}
}

// registerTools registers the bridge's own tools
func (m *MCPServer) registerTools() {
	listToolsTool := mcp.NewTool("list_tools",
		mcp.WithDescription("List the tools of the downstream MCP server"),
	)
	m.mcpServer.AddTool(listToolsTool, m.handleListTools)

	describeToolTool := mcp.NewTool("describe_tool",
		mcp.WithDescription("Get the parameters and input schema of a downstream tool"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to describe"),
		),
	)
	m.mcpServer.AddTool(describeToolTool, m.handleDescribeTool)

	callToolTool := mcp.NewTool("call_tool",
		mcp.WithDescription("Call a downstream tool on behalf of the signed-in user"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to call"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments to pass to the tool (as JSON object)"),
		),
	)
	m.mcpServer.AddTool(callToolTool, m.handleCallTool)

	tokenInfoTool := mcp.NewTool("token_info",
		mcp.WithDescription("Show the audience, scopes and expiry of the delegated token"),
	)
	m.mcpServer.AddTool(tokenInfoTool, m.handleTokenInfo)
}

// registerProxyTools registers one tool per downstream tool with its raw schema
func (m *MCPServer) registerProxyTools() {
	for _, tool := range m.session.Tools() {
		if metaToolNames[tool.Name] {
			m.logger.Warning("Downstream tool %q shadows a bridge tool, use call_tool to reach it", tool.Name)
			continue
		}
		proxy := mcp.NewToolWithRawSchema(tool.Name, tool.Description, tool.RawSchema)
		m.mcpServer.AddTool(proxy, m.proxyHandler(tool.Name))
		m.logger.Debug("Proxying tool %s", tool.Name)
	}
}
