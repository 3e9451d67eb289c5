// Package resourceserver validates OAuth 2.0 bearer credentials presented to
// HTTP endpoints, using JWTs signed by OpenID Connect providers. It accepts
// three credential shapes: plain bearer JWTs, legacy proof-of-possession
// wrapper JWTs, and DPoP-bound access tokens.
//
// For each request the middleware runs a full validation pipeline:
// credential extraction (header, query, or form body), JWT decoding,
// proof-of-possession verification, allow/deny policy enforcement,
// signing-key resolution with live rotation against provider metadata,
// signature verification, temporal claim validation, and scope enforcement.
// Failures map onto RFC 6750 challenge responses.
//
// # Usage
//
//	rs, err := resourceserver.New(
//	    resourceserver.WithBaseURL("https://api.example.com"))
//	if err != nil { log.Fatal(err) }
//
//	mux.Handle("/orders", rs.Authenticate(
//	    resourceserver.WithRealm("api"),
//	    resourceserver.WithScopes("orders:read"),
//	)(ordersHandler))
//
// Inside a protected handler, the verified claims are available from the
// request context:
//
//	claims := resourceserver.ClaimsValue(r.Context())
//	sub, _ := claims["sub"].(string)
//
// # Providers
//
// Signing keys are resolved through a per-server provider cache that
// performs OIDC discovery on first use of an issuer and refetches the JWK
// Set when a token's key cannot be matched. The cache serializes via
// ResourceServer.Serialize and restores via FromSerialized so a process can
// warm-start without network I/O; the providers subpackages offer file and
// Redis persistence for the serialized form.
//
// # Errors
//
// With default options the middleware writes the error response itself:
// status code, WWW-Authenticate challenge, and a JSON body carrying the
// RFC 6750 error code. WithErrorForwarding hands the terminal *AuthError to
// a caller-supplied handler instead. ErrUnauthorized and
// ErrInsufficientScope sentinels are reachable through errors.Is on the
// forwarded error.
package resourceserver
