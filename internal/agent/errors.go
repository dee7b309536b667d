package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrUserTokenRequired is returned when an OBO exchange is attempted
	// without a valid, unexpired user token.
	ErrUserTokenRequired = errors.New("a valid user token is required before an on-behalf-of exchange")

	// ErrUnknownTool is returned when a tool is not part of the last tools/list result.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNotInitialized is returned when tools are used before the session is initialized.
	ErrNotInitialized = errors.New("session is not initialized")
)

// ConfigurationError reports a missing or placeholder setting. It is never retried.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration: %s is not set", e.Setting)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Reason)
}

// AuthFailure reports that the identity provider rejected a code or an exchange.
type AuthFailure struct {
	// Stage is "authorization", "authorization_code" or "on_behalf_of".
	Stage string

	// Code is the OAuth error code (e.g. invalid_grant), when the provider returned one.
	Code string

	// Reason is the provider-supplied description.
	Reason string

	Err error
}

func (e *AuthFailure) Error() string {
	var b strings.Builder
	b.WriteString(e.Stage)
	b.WriteString(" failed")
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Reason != "" {
		b.WriteString(" - ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *AuthFailure) Unwrap() error {
	return e.Err
}

// DiscoveryFailure reports that resource metadata could not be fetched or held no usable scope.
type DiscoveryFailure struct {
	URL    string
	Status int
	Body   string
	Reason string
	Err    error
}

func (e *DiscoveryFailure) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("metadata endpoint %s returned %d: %s", e.URL, e.Status, truncate(e.Body, 512))
	case e.Err != nil:
		return fmt.Sprintf("failed to fetch metadata from %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("metadata from %s: %s", e.URL, e.Reason)
	}
}

func (e *DiscoveryFailure) Unwrap() error {
	return e.Err
}

// RPCFailure reports a non-200 status or a JSON-RPC error from the downstream resource.
type RPCFailure struct {
	Method string
	Status int
	Body   string

	// Code and Message are set when the server answered with a JSON-RPC error object.
	Code    int
	Message string

	Err error
}

func (e *RPCFailure) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Method, e.Status, truncate(e.Body, 512))
	default:
		return fmt.Sprintf("%s: %v", e.Method, e.Err)
	}
}

func (e *RPCFailure) Unwrap() error {
	return e.Err
}

// TimeoutFailure reports that the browser redirect did not arrive in time.
type TimeoutFailure struct {
	Waited time.Duration
}

func (e *TimeoutFailure) Error() string {
	return fmt.Sprintf("did not receive an authorization code within %s", e.Waited)
}

// ArgumentError reports a tool argument that failed local validation.
type ArgumentError struct {
	Tool      string
	Parameter string
	Reason    string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tool %q: argument %q: %s", e.Tool, e.Parameter, e.Reason)
}

// IsTransient reports whether err is a network-level failure that may succeed
// on retry. Authorization and protocol failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthFailure
	var rpcErr *RPCFailure
	if errors.As(err, &authErr) || (errors.As(err, &rpcErr) && rpcErr.Err == nil) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "unexpected eof")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
