package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mark3labs/mcp-go/mcp"
)

// handleList dispatches "list <what>"
func (r *REPL) handleList(ctx context.Context, what string) error {
	switch strings.ToLower(what) {
	case "tools", "tool":
		renderToolTable(r.out, r.session.Tools())
		return nil
	default:
		return fmt.Errorf("unknown list target: %s. Use: list tools", what)
	}
}

// handleDescribe dispatches "describe tool <ref>"
func (r *REPL) handleDescribe(what, ref string) error {
	if strings.ToLower(what) != "tool" {
		return fmt.Errorf("unknown describe target: %s. Use: describe tool <name|number>", what)
	}
	tool, err := r.resolveTool(ref)
	if err != nil {
		return err
	}
	renderToolDetail(r.out, tool, r.logger.IsVerbose())
	return nil
}

// handleCallTool executes a tool. Without JSON arguments every parameter is
// prompted for.
func (r *REPL) handleCallTool(ctx context.Context, ref string, argsStr string) error {
	tool, err := r.resolveTool(ref)
	if err != nil {
		return err
	}

	var args map[string]interface{}
	if strings.TrimSpace(argsStr) != "" {
		args, err = parseToolArgs(r.out, argsStr, tool.Name)
		if err != nil {
			return err
		}
	} else if len(tool.ParameterNames()) > 0 {
		if r.rl == nil {
			return fmt.Errorf("arguments required: call %s {...}", tool.Name)
		}
		fmt.Fprintf(r.out, "Arguments for %s (leave optional values empty to skip):\n", tool.Name)
		args, err = r.session.CollectArguments(ctx, tool.Name, &readlineArgumentSource{rl: r.rl})
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(r.out, "Executing tool: %s...\n", tool.Name)
	result, err := r.session.CallTool(ctx, tool.Name, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}

	WriteResult(r.out, result)
	return nil
}

// handleToken shows the current downstream token
func (r *REPL) handleToken() error {
	renderToken(r.out, r.tokens.Scope(), r.tokens.Current(), r.logger.IsVerbose())
	return nil
}

// handleRefresh drops the cached downstream token and exchanges a new one
func (r *REPL) handleRefresh(ctx context.Context) error {
	r.tokens.Invalidate()
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	r.logger.Success("Downstream token refreshed (expires %s)", formatExpiry(token.ExpiresAt))
	return nil
}

// parseToolArgs parses JSON arguments for a tool call
func parseToolArgs(w io.Writer, argsStr string, toolName string) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		fmt.Fprintln(w, "Error: Arguments must be valid JSON")
		fmt.Fprintf(w, "Example: call %s {\"param1\": \"value1\", \"param2\": 123}\n", toolName)
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

// renderToolTable prints the tool listing
func renderToolTable(w io.Writer, tools []ToolDefinition) {
	if len(tools) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No tools available."))
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("#"),
		text.FgHiCyan.Sprint("NAME"),
		text.FgHiCyan.Sprint("DESCRIPTION"),
		text.FgHiCyan.Sprint("PARAMETERS"),
	})
	for i, tool := range tools {
		t.AppendRow(table.Row{
			i + 1,
			tool.Name,
			truncate(firstLine(tool.Description), 60),
			strings.Join(tool.ParameterNames(), ", "),
		})
	}
	t.Render()
}

// renderToolDetail prints a tool's parameters; verbose adds the raw schema
func renderToolDetail(w io.Writer, tool ToolDefinition, verbose bool) {
	fmt.Fprintf(w, "Tool: %s\n", tool.Name)
	if tool.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", tool.Description)
	}

	if tool.Parameters == nil || tool.Parameters.Len() == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No parameters."))
	} else {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{
			text.FgHiCyan.Sprint("PARAMETER"),
			text.FgHiCyan.Sprint("TYPE"),
			text.FgHiCyan.Sprint("REQUIRED"),
			text.FgHiCyan.Sprint("DESCRIPTION"),
		})
		for pair := tool.Parameters.Oldest(); pair != nil; pair = pair.Next() {
			schema := pair.Value
			required := ""
			if schema.Required {
				required = "yes"
			}
			desc := schema.Description
			if len(schema.Enum) > 0 {
				desc = strings.TrimSpace(fmt.Sprintf("%s %v", desc, schema.Enum))
			}
			t.AppendRow(table.Row{pair.Key, schema.Type, required, desc})
		}
		t.Render()
	}

	if verbose && len(tool.RawSchema) > 0 {
		fmt.Fprintln(w, "Input schema:")
		fmt.Fprintln(w, PrettyJSON(tool.RawSchema))
	}
}

// renderToken prints the downstream token's audience, scopes and expiry
func renderToken(w io.Writer, scope string, token *Token, verbose bool) {
	if token == nil {
		fmt.Fprintln(w, text.FgYellow.Sprint("No downstream token cached."))
		fmt.Fprintf(w, "Scope: %s\n", scope)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("SCOPE"), scope})
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("AUDIENCE"), valueOrUnknown(token.Audience)})
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("GRANTED"), valueOrUnknown(strings.Join(token.Scopes, " "))})

	expiry := "unknown"
	if !token.ExpiresAt.IsZero() {
		if token.Valid(time.Now()) {
			expiry = formatExpiry(token.ExpiresAt)
		} else {
			expiry = text.FgRed.Sprint("expired " + token.ExpiresAt.Local().Format(time.RFC3339))
		}
	}
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("EXPIRES"), expiry})
	if verbose {
		t.AppendRow(table.Row{text.FgHiCyan.Sprint("TOKEN"), token.Preview()})
	}
	t.Render()
}

// WriteResult prints a tools/call result, falling back to the raw body
// when the server did not answer with JSON.
func WriteResult(w io.Writer, result *RPCResult) {
	if !result.Structured {
		fmt.Fprintln(w, "Result (raw):")
		fmt.Fprintln(w, result.Raw)
		return
	}
	toolResult, err := result.ToolResult()
	if err != nil {
		fmt.Fprintln(w, "Result:")
		fmt.Fprintln(w, PrettyJSON(result.Result))
		return
	}
	displayToolResult(w, toolResult)
}

// displayToolResultContent displays a single content item from a tool result
func displayToolResultContent(w io.Writer, content mcp.Content) {
	if textContent, ok := mcp.AsTextContent(content); ok {
		displayTextContent(w, textContent.Text)
	} else if imageContent, ok := mcp.AsImageContent(content); ok {
		fmt.Fprintf(w, "[Image: MIME type %s, %d bytes]\n", imageContent.MIMEType, len(imageContent.Data))
	} else if audioContent, ok := mcp.AsAudioContent(content); ok {
		fmt.Fprintf(w, "[Audio: MIME type %s, %d bytes]\n", audioContent.MIMEType, len(audioContent.Data))
	} else if resource, ok := mcp.AsEmbeddedResource(content); ok {
		fmt.Fprintf(w, "[Embedded Resource: %v]\n", resource.Resource)
	}
}

// displayTextContent displays text content, pretty-printing JSON if possible
func displayTextContent(w io.Writer, s string) {
	var jsonData interface{}
	if err := json.Unmarshal([]byte(s), &jsonData); err == nil {
		fmt.Fprintln(w, PrettyJSON(jsonData))
	} else {
		fmt.Fprintln(w, s)
	}
}

// displayToolResult displays the result of a tool call
func displayToolResult(w io.Writer, result *mcp.CallToolResult) {
	if result.IsError {
		fmt.Fprintln(w, text.FgRed.Sprint("Tool returned an error:"))
		for _, content := range result.Content {
			if textContent, ok := mcp.AsTextContent(content); ok {
				fmt.Fprintf(w, "  %s\n", textContent.Text)
			}
		}
		return
	}

	fmt.Fprintln(w, "Result:")
	for _, content := range result.Content {
		displayToolResultContent(w, content)
	}
	if result.StructuredContent != nil && len(result.Content) == 0 {
		fmt.Fprintln(w, PrettyJSON(result.StructuredContent))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func valueOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
