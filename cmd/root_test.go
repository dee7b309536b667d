package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-obo/internal/agent"
)

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3-test")
	assert.Equal(t, "1.2.3-test", rootCmd.Version)
	assert.Equal(t, "1.2.3-test", version)
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "mcp-obo", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.True(t, rootCmd.SilenceUsage)
	assert.NotNil(t, rootCmd.RunE)
}

func TestSubcommands(t *testing.T) {
	found := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		found[c.Name()] = true
	}
	for _, name := range []string{"self-update", "discover", "version"} {
		assert.True(t, found[name], "expected subcommand %q", name)
	}
}

func TestFlagsRegistered(t *testing.T) {
	for _, name := range []string{"config", "env-file", "verbose", "no-color", "json-rpc", "client-secret", "mcp-scope", "resource-host"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "missing persistent flag %q", name)
	}
	for _, name := range []string{"no-browser", "mcp-server", "server-transport", "listen-addr", "call", "args"} {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), "missing flag %q", name)
	}
	assert.Equal(t, ".env", rootCmd.PersistentFlags().Lookup("env-file").DefValue)
	assert.Equal(t, agent.TransportStdio, rootCmd.Flags().Lookup("server-transport").DefValue)
}

func TestVersionCommand(t *testing.T) {
	SetVersion("0.4.0")
	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.Run(cmd, nil)
	assert.Equal(t, "mcp-obo version 0.4.0\n", buf.String())
}

func TestVersionTemplate(t *testing.T) {
	testCmd := &cobra.Command{Use: "test", Version: "1.0.0"}
	testCmd.SetVersionTemplate(`{{printf "mcp-obo version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)
	testCmd.SetArgs([]string{"--version"})
	require.NoError(t, testCmd.Execute())
	assert.Equal(t, "mcp-obo version 1.0.0\n", buf.String())
}

// overrideFlags builds a flag set bound to the package variables, like the root command's.
func overrideFlags(t *testing.T) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&provider, "provider", "", "")
	fs.StringVar(&tenantID, "tenant-id", "", "")
	fs.StringVar(&clientID, "client-id", "", "")
	fs.StringVar(&clientSecret, "client-secret", "", "")
	fs.StringVar(&redirectURI, "redirect-uri", "", "")
	fs.StringSliceVar(&scopes, "scope", nil, "")
	fs.StringVar(&resourceHost, "resource-host", "", "")
	fs.StringVar(&downstreamScope, "mcp-scope", "", "")
	fs.StringVar(&issuer, "issuer", "", "")
	fs.StringVar(&oboGrant, "obo-grant", "", "")
	fs.DurationVar(&callbackTimeout, "callback-timeout", 0, "")
	return fs
}

func TestApplyFlagOverrides(t *testing.T) {
	fs := overrideFlags(t)
	require.NoError(t, fs.Parse([]string{
		"--client-id", "flag-client",
		"--scope", "api://app/access_as_user openid",
		"--scope", "User.Read",
		"--mcp-scope", "api://mcp/.default",
		"--callback-timeout", "90s",
	}))

	config := agent.DefaultConfig()
	config.ClientID = "env-client"
	config.TenantID = "env-tenant"

	var logs bytes.Buffer
	applyFlagOverrides(fs, config, agent.NewLoggerWithWriter(false, false, false, &logs))

	assert.Equal(t, "flag-client", config.ClientID)
	assert.Equal(t, "env-tenant", config.TenantID, "unset flags must not override")
	assert.Equal(t, []string{"api://app/access_as_user", "openid", "User.Read"}, config.Scopes)
	assert.Equal(t, "api://mcp/.default", config.DownstreamScope)
	assert.Equal(t, 90*time.Second, config.CallbackTimeout)
	assert.Empty(t, logs.String())
}

func TestApplyFlagOverridesWarnsOnSecretFlag(t *testing.T) {
	fs := overrideFlags(t)
	require.NoError(t, fs.Parse([]string{"--client-secret", "s3cret"}))

	config := agent.DefaultConfig()
	var logs bytes.Buffer
	applyFlagOverrides(fs, config, agent.NewLoggerWithWriter(false, false, false, &logs))

	assert.Equal(t, "s3cret", config.ClientSecret)
	assert.Contains(t, logs.String(), "visible in process listings")
	assert.NotContains(t, logs.String(), "s3cret")
}

func TestParseCallArgs(t *testing.T) {
	args, err := parseCallArgs("")
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = parseCallArgs(`{"query": "report", "limit": 5}`)
	require.NoError(t, err)
	assert.Equal(t, "report", args["query"])
	assert.Equal(t, float64(5), args["limit"])

	_, err = parseCallArgs(`[1, 2]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--args must be a JSON object")
}

func TestDescribeError(t *testing.T) {
	cfgErr := &agent.ConfigurationError{Setting: "CLIENT_ID"}
	err := describeError(cfgErr)
	var target *agent.ConfigurationError
	require.True(t, errors.As(err, &target))
	assert.Contains(t, err.Error(), ".env")

	err = describeError(&agent.TimeoutFailure{Waited: time.Minute})
	assert.Contains(t, err.Error(), "browser")

	err = describeError(fmt.Errorf("connect: %w", agent.ErrUserTokenRequired))
	assert.ErrorIs(t, err, agent.ErrUserTokenRequired)
	assert.Contains(t, err.Error(), "run mcp-obo again to sign in")

	expired := fmt.Errorf("user token expired at 2026-01-01T00:00:00Z: %w", agent.ErrUserTokenRequired)
	err = describeError(fmt.Errorf("tool execution failed: %w", expired))
	assert.Contains(t, err.Error(), "expired at")
	assert.Contains(t, err.Error(), "has expired")

	plain := errors.New("boom")
	assert.Same(t, plain, describeError(plain))
}
