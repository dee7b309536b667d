package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/giantswarm/mcp-obo/internal/agent"
)

var (
	version         string
	configFile      string
	envFile         string
	verbose         bool
	noColor         bool
	jsonRPC         bool
	noBrowser       bool
	mcpServer       bool
	serverTransport string
	listenAddr      string
	callTool        string
	callArgs        string

	// Configuration overrides
	provider        string
	tenantID        string
	clientID        string
	clientSecret    string
	redirectURI     string
	scopes          []string
	resourceHost    string
	downstreamScope string
	issuer          string
	oboGrant        string
	callbackTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-obo",
	Short: "Call an MCP server on behalf of a signed-in user",
	Long: `mcp-obo signs a user in with the OAuth2 authorization-code flow, exchanges
the user token for a downstream token with the on-behalf-of grant and drives an
MCP JSON-RPC session against the protected resource with that token.

Steps:
- Validate configuration (env, .env file, YAML file, flags)
- Open the browser for sign-in and wait for the redirect on localhost
- Resolve the downstream scope (MCP_SCOPE or protected resource metadata)
- Exchange the user token on behalf of the user
- initialize, tools/list, then one of the modes below

Modes:
- Interactive REPL (default): list, describe and call tools
- One-shot (--call NAME --args JSON): call a single tool and exit
- MCP bridge (--mcp-server): re-expose the downstream tools to an MCP client

Configuration is read from TENANT_ID, CLIENT_ID, CLIENT_SECRET, REDIRECT_URI,
SCOPE, RESOURCE_HOST and MCP_SCOPE. Values already set in the environment take
precedence over the .env file.`,
	SilenceUsage: true,
	RunE:         runOBO,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-obo version %s\n" .Version}}`)
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML configuration file")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing file is ignored)")
	pf.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")

	pf.StringVar(&provider, "provider", "", "Identity provider: entra or oauth2 (env OAUTH_PROVIDER)")
	pf.StringVar(&tenantID, "tenant-id", "", "Entra tenant id (env TENANT_ID)")
	pf.StringVar(&clientID, "client-id", "", "Client application id (env CLIENT_ID)")
	pf.StringVar(&clientSecret, "client-secret", "", "Client secret (env CLIENT_SECRET, prefer the environment)")
	pf.StringVar(&redirectURI, "redirect-uri", "", "Redirect URI registered for the client (env REDIRECT_URI)")
	pf.StringSliceVar(&scopes, "scope", nil, "Scopes for the user token (env SCOPE, space separated)")
	pf.StringVar(&resourceHost, "resource-host", "", "Downstream MCP endpoint (env RESOURCE_HOST)")
	pf.StringVar(&downstreamScope, "mcp-scope", "", "Downstream OBO scope, discovered when empty (env MCP_SCOPE)")
	pf.StringVar(&issuer, "issuer", "", "Issuer for endpoint discovery with the oauth2 provider (env OAUTH_ISSUER)")
	pf.StringVar(&oboGrant, "obo-grant", "", "OBO grant for the oauth2 provider: jwt-bearer or token-exchange (env OAUTH_OBO_GRANT)")
	pf.DurationVar(&callbackTimeout, "callback-timeout", 0, "Maximum time to wait for the browser redirect (default 5m)")

	rootCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the sign-in URL without opening a browser")
	rootCmd.Flags().BoolVar(&mcpServer, "mcp-server", false, "Run as MCP bridge server")
	rootCmd.Flags().StringVar(&serverTransport, "server-transport", agent.TransportStdio, "Transport for the MCP bridge (stdio, streamable-http)")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8899", "Listen address for the streamable-http bridge (path is fixed to /mcp)")
	rootCmd.Flags().StringVar(&callTool, "call", "", "Call a single tool and exit")
	rootCmd.Flags().StringVar(&callArgs, "args", "", "JSON arguments for --call")

	rootCmd.AddCommand(newSelfUpdateCmd())
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.MarkFlagsMutuallyExclusive("call", "mcp-server")
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc, quiet bool) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		if !quiet {
			fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down gracefully...")
		}
		cancel()
	}()
}

// newLogger creates the logger for a run. The stdio bridge owns stdout, so
// its logs go to stderr.
func newLogger() *agent.Logger {
	if noColor {
		text.DisableColors()
	}
	logger := agent.NewLogger(verbose, !noColor, jsonRPC)
	if mcpServer && serverTransport == agent.TransportStdio {
		logger.SetWriter(os.Stderr)
	}
	return logger
}

// loadConfig reads the configuration and applies flag overrides
func loadConfig(flags *pflag.FlagSet, logger *agent.Logger) (*agent.Config, error) {
	config, err := agent.LoadConfig(configFile, envFile)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(flags, config, logger)
	return config.WithDefaults(), nil
}

// applyFlagOverrides copies explicitly set flags onto config
func applyFlagOverrides(flags *pflag.FlagSet, config *agent.Config, logger *agent.Logger) {
	if flags.Changed("provider") {
		config.Provider = provider
	}
	if flags.Changed("tenant-id") {
		config.TenantID = tenantID
	}
	if flags.Changed("client-id") {
		config.ClientID = clientID
	}
	if flags.Changed("client-secret") {
		// Security warning: the secret is visible in process listings
		logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
		logger.Info("Consider using environment variables instead: export CLIENT_SECRET=\"...\"")
		config.ClientSecret = clientSecret
	}
	if flags.Changed("redirect-uri") {
		config.RedirectURI = redirectURI
	}
	if flags.Changed("scope") {
		var fields []string
		for _, s := range scopes {
			fields = append(fields, strings.Fields(s)...)
		}
		config.Scopes = fields
	}
	if flags.Changed("resource-host") {
		config.ResourceHost = resourceHost
	}
	if flags.Changed("mcp-scope") {
		config.DownstreamScope = downstreamScope
	}
	if flags.Changed("issuer") {
		config.Issuer = issuer
	}
	if flags.Changed("obo-grant") {
		config.OBOGrant = oboGrant
	}
	if flags.Changed("callback-timeout") {
		config.CallbackTimeout = callbackTimeout
	}
}

// parseCallArgs decodes the --args JSON object
func parseCallArgs(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	return args, nil
}

// describeError adds a hint for the typed failures a user can act on
func describeError(err error) error {
	var cfgErr *agent.ConfigurationError
	var timeoutErr *agent.TimeoutFailure
	switch {
	case errors.As(err, &cfgErr):
		return fmt.Errorf("%w (check your environment or .env file)", err)
	case errors.As(err, &timeoutErr):
		return fmt.Errorf("%w (rerun and complete the sign-in in the browser)", err)
	case errors.Is(err, agent.ErrUserTokenRequired):
		return fmt.Errorf("%w (the sign-in is missing or has expired; run mcp-obo again to sign in)", err)
	}
	return err
}

// runMCPServer runs the bridge until the context ends
func runMCPServer(ctx context.Context, flow *agent.Flow, logger *agent.Logger) error {
	server, err := agent.NewMCPServer(flow.Session(), flow.Tokens(), serverTransport, logger, version)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	logger.Info("Starting mcp-obo MCP bridge (transport: %s)...", serverTransport)
	if err := server.Start(ctx, listenAddr); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// runOneShot calls a single tool and prints the result
func runOneShot(ctx context.Context, cmd *cobra.Command, session *agent.Session) error {
	args, err := parseCallArgs(callArgs)
	if err != nil {
		return err
	}
	result, err := session.CallTool(ctx, callTool, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}
	agent.WriteResult(cmd.OutOrStdout(), result)
	return nil
}

func runOBO(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel, mcpServer)

	logger := newLogger()

	config, err := loadConfig(cmd.Flags(), logger)
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return describeError(err)
	}

	httpClient := &http.Client{Timeout: config.HTTPTimeout}
	idp, err := agent.NewIdentityProvider(ctx, config, httpClient, logger)
	if err != nil {
		return describeError(err)
	}

	flow := agent.NewFlow(config, idp, logger, agent.FlowOptions{
		HTTPClient: httpClient,
		NoBrowser:  noBrowser,
		Quiet:      jsonRPC,
		Version:    version,
	})

	session, err := flow.Run(ctx)
	if err != nil {
		return describeError(err)
	}

	switch {
	case callTool != "":
		return runOneShot(ctx, cmd, session)
	case mcpServer:
		return runMCPServer(ctx, flow, logger)
	default:
		repl := agent.NewREPL(session, flow.Tokens(), logger)
		if err := repl.Run(ctx); err != nil {
			return fmt.Errorf("REPL error: %w", err)
		}
		return nil
	}
}
