// Package identity verifies user credentials against an account backend
// and reports the account's roles and shared-access grants.
package identity

import (
	"context"
	"errors"
	"fmt"
)

// Auth error codes carried to clients in errorMessage payloads.
const (
	CodeWrongCredentials = 401
	CodeTooManyRequests  = 429
	CodeBackendError     = 500
)

// AuthError is a failed credential check with a client-facing code.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Code, e.Message)
}

// Convenience constructors for the three outcomes clients distinguish.
func ErrWrongCredentials() *AuthError {
	return &AuthError{Code: CodeWrongCredentials, Message: "credentials wrong or token expired"}
}
func ErrTooManyRequests() *AuthError {
	return &AuthError{Code: CodeTooManyRequests, Message: "login temporarily blocked due to too many failed requests"}
}
func ErrBackendError(err error) *AuthError {
	return &AuthError{Code: CodeBackendError, Message: fmt.Sprintf("account backend not reachable or unknown error: %v", err)}
}

// AsAuthError extracts the AuthError from err, mapping unknown errors
// onto a backend error.
func AsAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return ErrBackendError(err)
}

// SharedAccessItem is one device another account granted access to,
// keyed in Identity.SharedAccess by the permission area.
type SharedAccessItem struct {
	User     string `json:"user"`
	DeviceID string `json:"device,omitempty"`
}

// Identity is a verified account.
type Identity struct {
	UserID       string
	Name         string
	Roles        []string
	SharedAccess map[string][]SharedAccessItem
}

// HasRole reports whether the account carries the named role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Credentials as presented by a connecting client. Password may also be
// a login token, the backend decides.
type Credentials struct {
	UserID     string
	Password   string
	ClientInfo string
}

// Provider checks credentials against an account backend.
type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)
}
