package resourceserver

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks a
// required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// AuthError is the terminal outcome of a failed validation. It carries the
// RFC 6750 error code, a human-readable description, and the HTTP status a
// surrounding error handler should reproduce. Code is empty for bare
// challenges (missing credentials, signature mismatch) and for internal
// failures.
type AuthError struct {
	Status      int
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
	}
	if e.Description == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Description)
}

// Unwrap maps the failure onto the package sentinels so callers can use
// errors.Is without inspecting status codes.
func (e *AuthError) Unwrap() error {
	if e.Code == "insufficient_scope" {
		return ErrInsufficientScope
	}
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

func badRequest(description string) *AuthError {
	return &AuthError{Status: http.StatusBadRequest, Code: "invalid_request", Description: description}
}

func unauthorized() *AuthError {
	return &AuthError{Status: http.StatusUnauthorized}
}

func invalidToken(description string) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Code: "invalid_token", Description: description}
}

func accessDenied(description string) *AuthError {
	return &AuthError{Status: http.StatusForbidden, Code: "access_denied", Description: description}
}

func insufficientScope(description string) *AuthError {
	return &AuthError{Status: http.StatusForbidden, Code: "insufficient_scope", Description: description}
}

func internalError() *AuthError {
	return &AuthError{Status: http.StatusInternalServerError}
}
