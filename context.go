package resourceserver

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the decoded access token published on the request context when a
// token property is configured.
type Token struct {
	Raw    string
	Header map[string]any
	Claims jwt.MapClaims
}

type propsKey struct{}

type published struct {
	props      map[string]any
	claimsName string
}

func withProperties(ctx context.Context, claimsName string, props map[string]any) context.Context {
	return context.WithValue(ctx, propsKey{}, &published{props: props, claimsName: claimsName})
}

// ClaimsValue returns the verified claims published by the middleware, or
// nil when the request was not authenticated (e.g. optional pass-through).
func ClaimsValue(ctx context.Context) jwt.MapClaims {
	p, ok := ctx.Value(propsKey{}).(*published)
	if !ok {
		return nil
	}
	claims, _ := p.props[p.claimsName].(jwt.MapClaims)
	return claims
}

// PropertyValue returns the value published under name, such as the decoded
// token configured via WithTokenProperty. Returns nil if absent.
func PropertyValue(ctx context.Context, name string) any {
	p, ok := ctx.Value(propsKey{}).(*published)
	if !ok {
		return nil
	}
	return p.props[name]
}
