package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenPreviewLength is how much of a token value is shown by Preview.
const tokenPreviewLength = 40

// Token is an opaque bearer credential issued by the identity provider.
type Token struct {
	// Value is the raw access token. Never logged.
	Value string

	// Audience is the resource the token was issued for (aud claim), when known.
	Audience string

	// Scopes are the delegated permissions the token carries.
	Scopes []string

	// ExpiresAt is when the provider stops accepting the token. Zero means unknown.
	ExpiresAt time.Time
}

// newToken builds a Token and fills audience and expiry from JWT claims when
// the provider did not report them.
func newToken(value string, scopes []string, expiresAt time.Time) *Token {
	t := &Token{
		Value:     value,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	}

	claims, ok := parseTokenClaims(value)
	if !ok {
		return t
	}

	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		t.Audience = aud[0]
	}
	if t.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t.ExpiresAt = exp.Time
		}
	}
	if len(t.Scopes) == 0 {
		if scp, ok := claims["scp"].(string); ok {
			t.Scopes = strings.Fields(scp)
		}
	}
	return t
}

// parseTokenClaims reads JWT claims without verifying the signature. The
// result is only used for display and local expiry checks; the downstream
// resource performs the real validation.
func parseTokenClaims(raw string) (jwt.MapClaims, bool) {
	if strings.Count(raw, ".") != 2 {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// Valid reports whether the token is present and not expired at now.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// validFor reports whether the token stays valid for at least d after now.
func (t *Token) validFor(now time.Time, d time.Duration) bool {
	if !t.Valid(now) {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Add(d).Before(t.ExpiresAt)
}

// Preview returns the first characters of the token value for display.
func (t *Token) Preview() string {
	if t == nil {
		return ""
	}
	if len(t.Value) <= tokenPreviewLength {
		return t.Value
	}
	return t.Value[:tokenPreviewLength] + "..."
}

// String implements fmt.Stringer and never includes the token value.
func (t *Token) String() string {
	if t == nil {
		return "<no token>"
	}
	expiry := "unknown"
	if !t.ExpiresAt.IsZero() {
		expiry = t.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Token{aud=%q, scopes=%v, expires=%s, value=[REDACTED]}", t.Audience, t.Scopes, expiry)
}

// GoString keeps %#v from printing the value.
func (t *Token) GoString() string {
	return t.String()
}

// intersectScopes returns the requested scopes that were also granted, in
// requested order. When the provider reports no granted scopes the requested
// set is returned.
func intersectScopes(requested, granted []string) []string {
	if len(granted) == 0 {
		return append([]string(nil), requested...)
	}
	grantedSet := make(map[string]bool, len(granted))
	for _, s := range granted {
		grantedSet[strings.ToLower(s)] = true
	}
	var result []string
	for _, s := range requested {
		if grantedSet[strings.ToLower(s)] {
			result = append(result, s)
		}
	}
	return result
}
