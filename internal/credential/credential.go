// Package credential models the three credential shapes a resource server
// accepts: plain bearer access tokens, legacy proof-of-possession wrapper
// tokens, and DPoP-bound access tokens. A Credential exposes claim accessors
// plus the per-variant verification steps the validation pipeline drives.
package credential

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Request carries the request-derived context a credential may need for
// proof-of-possession verification.
type Request struct {
	Method  string
	Host    string
	Path    string
	BaseURL *url.URL // configured server base URI; may be nil
	Proof   string   // raw DPoP header value
	Scheme  string   // detected token type: "bearer" or "dpop"
}

// Credential is the uniform interface over the three token shapes.
// ResolveKey returning false signals the caller to rotate the provider's
// JWK Set and retry once before giving up.
type Credential interface {
	Issuer() string
	Subject() string
	Audiences() []string
	Claims() jwt.MapClaims
	Header() map[string]any
	Raw() string
	IsPoP() bool

	ResolveKey(keys jose.JSONWebKeySet) bool
	VerifySignature() error
	ValidateExpiry(now time.Time, leeway time.Duration) error
	ValidateNotBefore(now time.Time, leeway time.Duration) error
	ValidateScope(required []string) error
	ValidatePoP() error
}

// From decodes raw as a JWT and constructs the credential variant implied by
// its claims and the request's detected scheme:
//
//   - token_type == "pop"  -> legacy PoP wrapper token
//   - scheme == "dpop"     -> DPoP-bound access token
//   - otherwise            -> plain bearer access token
func From(raw string, req Request) (Credential, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("access token is not a JWT: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("access token is not a JWT")
	}

	base := accessToken{raw: raw, header: tok.Header, claims: claims}
	if tt, _ := claims["token_type"].(string); tt == "pop" {
		return &popToken{accessToken: base}, nil
	}
	if req.Scheme == "dpop" {
		return &dpopToken{
			accessToken: base,
			proof:       req.Proof,
			method:      req.Method,
			host:        req.Host,
			path:        req.Path,
			base:        req.BaseURL,
		}, nil
	}
	return &base, nil
}

// accessToken is a decoded bearer JWT. It is the base of the other variants.
type accessToken struct {
	raw    string
	header map[string]any
	claims jwt.MapClaims
	key    *jose.JSONWebKey
}

func (c *accessToken) Issuer() string {
	iss, _ := c.claims["iss"].(string)
	return iss
}

func (c *accessToken) Subject() string {
	sub, _ := c.claims["sub"].(string)
	return sub
}

// Audiences normalizes the aud claim, which may be a string or a list.
func (c *accessToken) Audiences() []string {
	switch v := c.claims["aud"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	return nil
}

func (c *accessToken) Claims() jwt.MapClaims  { return c.claims }
func (c *accessToken) Header() map[string]any { return c.header }
func (c *accessToken) Raw() string            { return c.raw }
func (c *accessToken) IsPoP() bool            { return false }

// ResolveKey selects a signing key from the provider's JWK Set. Keys marked
// for encryption are ignored. If the JWT header names a kid the key must
// match it; without a kid, selection succeeds only if exactly one signing
// key remains.
func (c *accessToken) ResolveKey(keys jose.JSONWebKeySet) bool {
	var sig []jose.JSONWebKey
	for _, k := range keys.Keys {
		if k.Use == "" || k.Use == "sig" {
			sig = append(sig, k)
		}
	}

	if kid, _ := c.header["kid"].(string); kid != "" {
		for i := range sig {
			if sig[i].KeyID == kid {
				c.key = &sig[i]
				return true
			}
		}
		return false
	}
	if len(sig) == 1 {
		c.key = &sig[0]
		return true
	}
	return false
}

// defaultSigAlgs is the algorithm set accepted when the matched JWK does not
// declare one. Symmetric methods and "none" are deliberately absent so a
// public key can never be abused as an HMAC secret.
var defaultSigAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// VerifySignature checks the JWT signature against the resolved key. The
// accepted algorithm set is restricted to the alg declared by the matched
// JWK when present.
func (c *accessToken) VerifySignature() error {
	if c.key == nil {
		return errors.New("no signing key resolved")
	}
	algs := defaultSigAlgs
	if c.key.Algorithm != "" {
		algs = []string{c.key.Algorithm}
	}
	parser := jwt.NewParser(jwt.WithValidMethods(algs), jwt.WithoutClaimsValidation())
	if _, err := parser.Parse(c.raw, func(*jwt.Token) (any, error) { return c.key.Key, nil }); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func (c *accessToken) ValidateExpiry(now time.Time, leeway time.Duration) error {
	exp, err := c.claims.GetExpirationTime()
	if err != nil {
		return errors.New("token exp claim is malformed")
	}
	if exp == nil {
		return errors.New("token has no exp claim")
	}
	if !now.Before(exp.Time.Add(leeway)) {
		return errors.New("token is expired")
	}
	return nil
}

func (c *accessToken) ValidateNotBefore(now time.Time, leeway time.Duration) error {
	nbf, err := c.claims.GetNotBefore()
	if err != nil {
		return errors.New("token nbf claim is malformed")
	}
	if nbf == nil {
		return nil
	}
	if nbf.Time.After(now.Add(leeway)) {
		return errors.New("token is not yet valid")
	}
	return nil
}

// ValidateScope requires every entry of required to appear in the token's
// space-delimited scope claim. An empty requirement always passes.
func (c *accessToken) ValidateScope(required []string) error {
	if len(required) == 0 {
		return nil
	}
	scopeStr, _ := c.claims["scope"].(string)
	have := map[string]bool{}
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	var missing []string
	for _, want := range required {
		if !have[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("insufficient scope; missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidatePoP is a no-op for plain bearer tokens.
func (c *accessToken) ValidatePoP() error { return nil }
