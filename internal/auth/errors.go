package auth

import "errors"

// ErrorKind identifies the reason a bearer token was rejected. The set is
// closed; every kind maps to HTTP 401 at the API boundary.
type ErrorKind string

const (
	KindMissingHeader  ErrorKind = "authorization_header_missing"
	KindInvalidHeader  ErrorKind = "invalid_header"
	KindKeyNotFound    ErrorKind = "key_not_found"
	KindKeyFetchFailed ErrorKind = "key_fetch_failed"
	KindTokenExpired   ErrorKind = "token_expired"
	KindInvalidClaims  ErrorKind = "invalid_claims"
)

// Error is the only error type produced by the token gateway.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func rejection(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the rejection kind from an error produced by this package.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
