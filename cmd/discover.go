package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-obo/internal/agent"
)

// newDiscoverCmd creates the command printing the resolved downstream scope.
func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Show the downstream scope advertised by the resource",
		Long: `Fetches the protected resource metadata of RESOURCE_HOST
(/.well-known/oauth-protected-resource) and prints the scope mcp-obo would
request on behalf of the user. No sign-in is performed.`,
		RunE: runDiscover,
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := newLogger()
	config, err := loadConfig(cmd.Flags(), logger)
	if err != nil {
		return err
	}
	if config.ResourceHost == "" {
		return describeError(&agent.ConfigurationError{Setting: "RESOURCE_HOST"})
	}

	resolver := agent.NewScopeResolver(&http.Client{Timeout: config.HTTPTimeout}, logger)
	metadata, err := resolver.Metadata(ctx, config.ResourceURL())
	if err != nil {
		return err
	}
	scope, err := resolver.DiscoverScope(ctx, config.ResourceURL())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("RESOURCE"), metadata.Resource})
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("AUTHORIZATION SERVERS"), strings.Join(metadata.AuthorizationServers, "\n")})
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("SCOPES SUPPORTED"), strings.Join(metadata.ScopesSupported, "\n")})
	t.AppendRow(table.Row{text.FgHiCyan.Sprint("DOWNSTREAM SCOPE"), scope})
	t.Render()

	if config.DownstreamScope != "" && config.DownstreamScope != scope {
		fmt.Fprintln(out, text.FgYellow.Sprintf("MCP_SCOPE is set to %s and takes precedence over the discovered scope.", config.DownstreamScope))
	}
	return nil
}
