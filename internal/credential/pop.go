package credential

import "errors"

// popToken is a legacy proof-of-possession wrapper JWT, signalled by a
// token_type claim equal to "pop". The wrapper carries an inner access token
// in an implementation-defined claim; this library validates only the
// confirmation binding of the wrapper itself.
type popToken struct {
	accessToken
}

func (p *popToken) IsPoP() bool { return true }

// ValidatePoP requires the wrapper to carry a cnf confirmation claim binding
// it to a client-held key.
func (p *popToken) ValidatePoP() error {
	cnf, ok := p.claims["cnf"].(map[string]any)
	if !ok || len(cnf) == 0 {
		return errors.New("pop token has no cnf confirmation claim")
	}
	return nil
}
