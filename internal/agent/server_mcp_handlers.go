package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// toolSummary is the list_tools entry for one downstream tool
type toolSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Parameters  []string `json:"parameters"`
	Required    []string `json:"required,omitempty"`
}

// handleListTools handles the list_tools tool request
func (m *MCPServer) handleListTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools := m.session.Tools()
	summaries := make([]toolSummary, 0, len(tools))
	for _, t := range tools {
		summaries = append(summaries, toolSummary{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.ParameterNames(),
			Required:    t.Required,
		})
	}

	data, err := json.Marshal(summaries)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal tools: %v", err)), nil
	}

	return mcp.NewToolResultText(string(data)), nil
}

// handleDescribeTool handles the describe_tool request
func (m *MCPServer) handleDescribeTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("invalid arguments type"), nil
	}

	name, ok := args["name"].(string)
	if !ok || name == "" {
		return mcp.NewToolResultError("missing or invalid 'name' argument"), nil
	}

	tool, err := m.session.Tool(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}{tool.Name, tool.Description, tool.RawSchema})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal tool: %v", err)), nil
	}

	return mcp.NewToolResultText(string(data)), nil
}

// handleCallTool handles the call_tool request
func (m *MCPServer) handleCallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("invalid arguments type"), nil
	}

	name, ok := args["name"].(string)
	if !ok || name == "" {
		return mcp.NewToolResultError("missing or invalid 'name' argument"), nil
	}

	var toolArgs map[string]interface{}
	if raw, exists := args["arguments"]; exists && raw != nil {
		toolArgs, ok = raw.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError("'arguments' must be an object"), nil
		}
	}

	return m.forward(ctx, name, toolArgs), nil
}

// handleTokenInfo handles the token_info request
func (m *MCPServer) handleTokenInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := map[string]interface{}{
		"scope": m.tokens.Scope(),
	}
	if token := m.tokens.Current(); token != nil {
		info["audience"] = token.Audience
		info["scopes"] = token.Scopes
		if !token.ExpiresAt.IsZero() {
			info["expires_at"] = token.ExpiresAt.UTC()
		}
	}

	data, err := json.Marshal(info)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal token info: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// proxyHandler forwards a bridge call of name to the downstream tool
func (m *MCPServer) proxyHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]interface{}
		if request.Params.Arguments != nil {
			var ok bool
			args, ok = request.Params.Arguments.(map[string]interface{})
			if !ok {
				return mcp.NewToolResultError("invalid arguments type"), nil
			}
		}
		return m.forward(ctx, name, args), nil
	}
}

// forward calls the downstream tool and converts the outcome into a tool
// result. Downstream failures are reported as tool errors.
func (m *MCPServer) forward(ctx context.Context, name string, args map[string]interface{}) *mcp.CallToolResult {
	result, err := m.session.CallTool(ctx, name, args)
	if err != nil {
		m.logger.Error("Tool %s failed: %v", name, err)
		return mcp.NewToolResultError(err.Error())
	}

	if result.Structured {
		if toolResult, err := result.ToolResult(); err == nil {
			return toolResult
		}
		return mcp.NewToolResultText(string(result.Result))
	}
	return mcp.NewToolResultText(strings.TrimSpace(result.Raw))
}
