package resourceserver

import (
	"fmt"
	"strings"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// tokenType is the credential scheme detected during extraction. It selects
// the challenge scheme on failures.
type tokenType string

const (
	tokenTypeBearer tokenType = "bearer"
	tokenTypeDPoP   tokenType = "dpop"
)

func (t tokenType) challengeScheme() string {
	if t == tokenTypeDPoP {
		return "DPoP"
	}
	return "Bearer"
}

// buildChallenge builds an RFC 6750 challenge header value. Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Parameter values are backslash-escaped so
// embedded quotes cannot break the header syntax. Emission order is fixed:
// realm, error, error_description, scope.
func buildChallenge(scheme string, realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
		if v, ok := params["scope"]; ok {
			pieces = append(pieces, fmt.Sprintf(`scope="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return scheme
	}
	return scheme + " " + strings.Join(pieces, ", ")
}
