package credential

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

// dpopProofAlgs is the set of signature algorithms accepted on DPoP proofs.
// Asymmetric only: the proof key is presented by the client, so symmetric
// algorithms would be meaningless.
var dpopProofAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// dpopToken is an access token bound to a per-request DPoP proof JWT.
type dpopToken struct {
	accessToken
	proof  string
	method string
	host   string
	path   string
	base   *url.URL
}

func (d *dpopToken) IsPoP() bool { return true }

// dpopProofClaims is the DPoP proof payload per RFC 9449. jti and iat are
// carried but not enforced here; replay tracking is a deployment concern.
type dpopProofClaims struct {
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	JTI string `json:"jti"`
}

// ValidatePoP verifies the DPoP proof against the access token and request:
// proof signature under the header jwk, RFC 7638 thumbprint equality with
// the token's cnf.jkt, and htu/htm binding to the request target.
func (d *dpopToken) ValidatePoP() error {
	if d.proof == "" {
		return errors.New("missing DPoP proof header")
	}
	jws, err := jose.ParseSigned(d.proof, dpopProofAlgs)
	if err != nil {
		return fmt.Errorf("DPoP proof is not a valid JWS: %v", err)
	}
	if len(jws.Signatures) != 1 {
		return errors.New("DPoP proof must carry exactly one signature")
	}
	jwk := jws.Signatures[0].Header.JSONWebKey
	if jwk == nil {
		return errors.New("DPoP proof header has no jwk")
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return fmt.Errorf("DPoP proof signature verification failed: %v", err)
	}

	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("cannot compute DPoP key thumbprint: %v", err)
	}
	jkt := base64.RawURLEncoding.EncodeToString(tp)
	cnf, _ := d.claims["cnf"].(map[string]any)
	bound, _ := cnf["jkt"].(string)
	if bound == "" {
		return errors.New("access token has no cnf.jkt confirmation claim")
	}
	if bound != jkt {
		return errors.New("DPoP proof key does not match the token cnf.jkt confirmation")
	}

	var claims dpopProofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fmt.Errorf("DPoP proof payload is not valid JSON: %v", err)
	}

	expected := d.expectedTargetURI()
	if claims.HTU != expected {
		return fmt.Errorf("DPoP proof htu %q does not match request target %q", claims.HTU, expected)
	}
	if claims.HTM != d.method {
		return fmt.Errorf("DPoP proof htm %q does not match request method %q", claims.HTM, d.method)
	}
	return nil
}

// expectedTargetURI reconstructs the request target from the configured base
// URI and the request path. When the request Host is a subdomain of the
// configured host (dot-aligned suffix match), the request host is used
// instead, widening htu acceptance across subdomains of the deployment.
func (d *dpopToken) expectedTargetURI() string {
	scheme := "https"
	host := d.host
	if d.base != nil {
		scheme = d.base.Scheme
		host = d.base.Host
		if d.host != "" && d.host != d.base.Host && strings.HasSuffix(d.host, "."+d.base.Host) {
			host = d.host
		}
	}
	return scheme + "://" + host + d.path
}
