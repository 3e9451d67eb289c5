package resourceserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/oauth-resource-go/internal/credential"
	"github.com/ggoodman/oauth-resource-go/internal/logctx"
	"github.com/google/uuid"
)

var formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

// Authenticate returns middleware that validates the request's credential
// and publishes the verified claims on the request context. Validation runs
// the phases extract, require, decode, proof-of-possession, policy, key
// resolution and signature, temporal claims, and scope, in that order; the
// first failure is terminal and produces exactly one HTTP outcome.
func (rs *ResourceServer) Authenticate(opts ...AuthOption) func(http.Handler) http.Handler {
	o := &authOptions{
		realm:          rs.defaultRealm,
		handleErrors:   true,
		claimsProperty: defaultClaimsProperty,
	}
	for _, opt := range opts {
		opt(o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
				RequestID:  uuid.NewString(),
				Method:     r.Method,
				UserAgent:  r.UserAgent(),
				RemoteAddr: r.RemoteAddr,
				Path:       r.URL.Path,
			})
			r = r.WithContext(ctx)

			cred, tt, aerr, skipped := rs.validate(r, o)
			if aerr != nil {
				rs.respond(w, r, o, tt, aerr)
				return
			}
			if skipped {
				// Optional authentication with no credential presented.
				next.ServeHTTP(w, r)
				return
			}

			props := map[string]any{o.claimsProperty: cred.Claims()}
			if o.tokenProperty != "" {
				props[o.tokenProperty] = &Token{Raw: cred.Raw(), Header: cred.Header(), Claims: cred.Claims()}
			}
			ctx = withProperties(ctx, o.claimsProperty, props)
			ctx = logctx.WithAuthData(ctx, &logctx.AuthData{
				Issuer:    cred.Issuer(),
				Subject:   cred.Subject(),
				TokenType: string(tt),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validate runs the ordered pipeline for one request. It returns the
// verified credential, the detected token type (meaningful even on failure,
// for challenge scheme selection), a terminal failure, or skipped=true for
// an optional unauthenticated pass-through.
func (rs *ResourceServer) validate(r *http.Request, o *authOptions) (cred credential.Credential, tt tokenType, aerr *AuthError, skipped bool) {
	ctx := r.Context()
	tt = tokenTypeBearer

	defer func() {
		if rec := recover(); rec != nil {
			rs.log.ErrorContext(ctx, "auth.check.panic", slog.Any("panic", rec))
			cred, aerr, skipped = nil, internalError(), false
		}
	}()

	// EXTRACT
	raw, tt, aerr := extractToken(r, o)
	if aerr != nil {
		rs.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", aerr.Description))
		return nil, tt, aerr, false
	}

	// REQUIRE
	if raw == "" {
		if o.optional {
			return nil, tt, nil, true
		}
		rs.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no credential presented"))
		return nil, tt, unauthorized(), false
	}

	// DECODE
	cred, err := credential.From(raw, credential.Request{
		Method:  r.Method,
		Host:    r.Host,
		Path:    r.URL.Path,
		BaseURL: rs.baseURL,
		Proof:   r.Header.Get("DPoP"),
		Scheme:  string(tt),
	})
	if err != nil {
		rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, tt, invalidToken("Access token is not a JWT"), false
	}

	// POP_VERIFY
	if cred.IsPoP() || tt == tokenTypeDPoP {
		if err := cred.ValidatePoP(); err != nil {
			rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			return nil, tt, invalidToken(err.Error()), false
		}
	}

	// POLICY: allow, then deny.
	if aerr := checkAllow(cred, o, tt); aerr != nil {
		rs.log.InfoContext(ctx, "auth.check.denied", slog.String("err", aerr.Description))
		return nil, tt, aerr, false
	}
	if aerr := checkDeny(cred, o); aerr != nil {
		rs.log.InfoContext(ctx, "auth.check.denied", slog.String("err", aerr.Description))
		return nil, tt, aerr, false
	}

	// KEY+SIG
	iss := cred.Issuer()
	if iss == "" {
		return nil, tt, invalidToken("Token has no issuer"), false
	}
	entry, err := rs.cache.Resolve(ctx, iss)
	if err != nil {
		return nil, tt, rs.resolveFailure(ctx, err), false
	}
	if !cred.ResolveKey(entry.Keys) {
		entry, err = rs.cache.Rotate(ctx, iss)
		if err != nil {
			return nil, tt, rs.resolveFailure(ctx, err), false
		}
		if !cred.ResolveKey(entry.Keys) {
			rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", "no key matched after rotation"), slog.String("iss", iss))
			return nil, tt, invalidToken("Cannot find key to verify JWT signature"), false
		}
	}
	if err := cred.VerifySignature(); err != nil {
		rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, tt, unauthorized(), false
	}

	// TEMPORAL
	now := time.Now()
	if err := cred.ValidateExpiry(now, o.leeway); err != nil {
		rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, tt, invalidToken(err.Error()), false
	}
	if err := cred.ValidateNotBefore(now, o.leeway); err != nil {
		rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, tt, invalidToken(err.Error()), false
	}

	// SCOPE
	if err := cred.ValidateScope(o.scopes); err != nil {
		rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, tt, insufficientScope(err.Error()), false
	}

	return cred, tt, nil, false
}

// resolveFailure maps a provider cache error: a request deadline or
// cancellation elapsing during discovery/JWKS I/O is an internal failure;
// everything else means the token cannot be validated.
func (rs *ResourceServer) resolveFailure(ctx context.Context, err error) *AuthError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		rs.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		return internalError()
	}
	rs.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
	return invalidToken("Unable to resolve the token signing key")
}

// extractToken inspects the three credential locations: Authorization
// header, query parameter, and form body. It rejects malformed headers,
// forbidden query credentials, and ambiguity between sources.
func extractToken(r *http.Request, o *authOptions) (string, tokenType, *AuthError) {
	tt := tokenTypeBearer
	var candidates []string

	if h := r.Header.Get(authorizationHeader); h != "" {
		parts := strings.Fields(h)
		if len(parts) != 2 {
			return "", tt, badRequest("Invalid Authorization header")
		}
		switch strings.ToLower(parts[0]) {
		case "bearer":
			tt = tokenTypeBearer
		case "dpop":
			tt = tokenTypeDPoP
		default:
			return "", tt, badRequest("Invalid Authorization header scheme")
		}
		candidates = append(candidates, parts[1])
	}

	if q := r.URL.Query().Get("access_token"); q != "" {
		if !o.query {
			return "", tt, badRequest("Query string credentials are not enabled")
		}
		candidates = append(candidates, q)
	}

	if mt, err := contenttype.GetMediaType(r); err == nil && mt.Type == formMediaType.Type && mt.Subtype == formMediaType.Subtype {
		_ = r.ParseForm()
		if b := r.PostForm.Get("access_token"); b != "" {
			candidates = append(candidates, b)
		}
	}

	if len(candidates) > 1 {
		return "", tt, badRequest("Multiple authentication methods")
	}
	if len(candidates) == 0 {
		return "", tt, nil
	}
	return candidates[0], tt, nil
}

// checkAllow enforces the allowlist. The audience check applies only to
// plain bearer tokens; PoP-bound tokens prove audience via possession.
func checkAllow(cred credential.Credential, o *authOptions, tt tokenType) *AuthError {
	if o.allow == nil {
		return nil
	}
	if o.allow.Audience.isSet() && tt == tokenTypeBearer && !cred.IsPoP() {
		if !o.allow.Audience.matchAny(cred.Audiences()) {
			return accessDenied("Token audience is not allowed")
		}
	}
	if o.allow.Issuers.isSet() && !o.allow.Issuers.match(cred.Issuer()) {
		return accessDenied("Token issuer is not allowed")
	}
	if o.allow.Subjects.isSet() && !o.allow.Subjects.match(cred.Subject()) {
		return accessDenied("Token subject is not allowed")
	}
	return nil
}

// checkDeny enforces the denylist. Every filter is presence-checked before
// evaluation; any match rejects.
func checkDeny(cred credential.Credential, o *authOptions) *AuthError {
	if o.deny == nil {
		return nil
	}
	if o.deny.Issuers.isSet() && o.deny.Issuers.match(cred.Issuer()) {
		return accessDenied("Token issuer is denied")
	}
	if o.deny.Audience.isSet() && o.deny.Audience.matchAny(cred.Audiences()) {
		return accessDenied("Token audience is denied")
	}
	if o.deny.Subjects.isSet() && o.deny.Subjects.match(cred.Subject()) {
		return accessDenied("Token subject is denied")
	}
	return nil
}

// respond produces the single HTTP outcome for a failed validation. The
// challenge header is set for 400/401/403 in both handling modes; the body
// is written locally or delegated to the configured error handler.
func (rs *ResourceServer) respond(w http.ResponseWriter, r *http.Request, o *authOptions, tt tokenType, aerr *AuthError) {
	if aerr.Status != http.StatusInternalServerError {
		params := map[string]string{}
		if aerr.Code != "" {
			params["error"] = aerr.Code
			if aerr.Description != "" {
				params["error_description"] = aerr.Description
			}
		}
		w.Header().Set(wwwAuthenticateHeader, buildChallenge(tt.challengeScheme(), o.realm, params))
	}

	if !o.handleErrors && o.errorHandler != nil {
		o.errorHandler(w, r, aerr)
		return
	}

	if aerr.Code == "" {
		w.WriteHeader(aerr.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(aerr.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":             aerr.Code,
		"error_description": aerr.Description,
	})
}
