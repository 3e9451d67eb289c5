package resourceserver

import (
	"net/http"
	"strings"
	"time"
)

// Filter is a list-or-predicate match used by allow and deny rules. The zero
// value is unset and matches nothing; construct with Values or MatchFunc.
type Filter struct {
	values []string
	fn     func(string) bool
}

// Values builds a Filter that matches by membership in the given list.
func Values(vs ...string) Filter {
	return Filter{values: append([]string{}, vs...)}
}

// MatchFunc builds a Filter backed by a predicate.
func MatchFunc(fn func(string) bool) Filter {
	return Filter{fn: fn}
}

func (f Filter) isSet() bool { return f.values != nil || f.fn != nil }

func (f Filter) match(v string) bool {
	if f.fn != nil {
		return f.fn(v)
	}
	for _, want := range f.values {
		if v == want {
			return true
		}
	}
	return false
}

// matchAny reports whether any of the claim values matches: list overlap for
// list filters, any satisfying element for predicates.
func (f Filter) matchAny(vs []string) bool {
	for _, v := range vs {
		if f.match(v) {
			return true
		}
	}
	return false
}

// Rules groups the per-claim filters of an allow or deny policy. An unset
// filter skips its check.
type Rules struct {
	Issuers  Filter
	Audience Filter
	Subjects Filter
}

// ErrorHandler receives the terminal failure when error forwarding is
// enabled. The handler owns writing the status and any body; the
// WWW-Authenticate header has already been set when applicable.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err *AuthError)

const defaultClaimsProperty = "claims"

type authOptions struct {
	realm          string
	scopes         []string
	allow          *Rules
	deny           *Rules
	query          bool
	optional       bool
	handleErrors   bool
	errorHandler   ErrorHandler
	tokenProperty  string
	claimsProperty string
	leeway         time.Duration
}

// AuthOption configures a single Authenticate middleware.
type AuthOption func(*authOptions)

// WithRealm sets the realm parameter echoed in challenges. The default is
// the server's WithDefaultRealm value; when the realm is empty, the realm
// attribute is omitted per RFC 6750.
func WithRealm(realm string) AuthOption {
	return func(o *authOptions) { o.realm = strings.TrimSpace(realm) }
}

// WithScopes requires all of the provided scopes to be present in the
// token's space-delimited scope claim.
func WithScopes(scopes ...string) AuthOption {
	return func(o *authOptions) { o.scopes = append([]string(nil), scopes...) }
}

// WithAllow installs an allowlist policy. Set filters must match for the
// request to proceed. The audience filter is enforced only for plain bearer
// tokens; PoP-bound tokens prove audience via possession.
func WithAllow(rules Rules) AuthOption {
	return func(o *authOptions) { rc := rules; o.allow = &rc }
}

// WithDeny installs a denylist policy. Any set filter matching rejects the
// request.
func WithDeny(rules Rules) AuthOption {
	return func(o *authOptions) { rc := rules; o.deny = &rc }
}

// WithQueryToken permits ?access_token= credentials. Disabled by default per
// the RFC 6750 section 2.3 warning.
func WithQueryToken() AuthOption {
	return func(o *authOptions) { o.query = true }
}

// WithOptional lets unauthenticated requests pass through without claims.
func WithOptional() AuthOption {
	return func(o *authOptions) { o.optional = true }
}

// WithErrorForwarding disables the built-in error body and instead forwards
// the terminal failure to handler.
func WithErrorForwarding(handler ErrorHandler) AuthOption {
	return func(o *authOptions) {
		o.handleErrors = false
		o.errorHandler = handler
	}
}

// WithTokenProperty additionally publishes the decoded token under name.
func WithTokenProperty(name string) AuthOption {
	return func(o *authOptions) { o.tokenProperty = name }
}

// WithClaimsProperty sets the property name the verified claims are
// published under. Defaults to "claims".
func WithClaimsProperty(name string) AuthOption {
	return func(o *authOptions) {
		if name != "" {
			o.claimsProperty = name
		}
	}
}

// WithLeeway sets clock skew tolerance for exp/nbf validation. The default
// is zero.
func WithLeeway(d time.Duration) AuthOption {
	return func(o *authOptions) { o.leeway = d }
}
