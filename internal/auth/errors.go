// ABOUTME: Credential failure kinds and the error type that carries them
// ABOUTME: Kinds are recorded in audit logs and never sent to clients

package auth

import (
	"errors"
)

// Kind names why a credential was rejected.
type Kind string

// Credential failure kinds.
const (
	KindMissingToken        Kind = "MissingToken"
	KindMalformedAuthHeader Kind = "MalformedAuthHeader"
	KindMalformedToken      Kind = "MalformedToken"
	KindUnknownIssuer       Kind = "UnknownIssuer"
	KindInvalidSignature    Kind = "InvalidSignature"
	KindExpiredToken        Kind = "ExpiredToken"
	KindAudienceMismatch    Kind = "AudienceMismatch"
	KindKeyRefreshTimeout   Kind = "KeyRefreshTimeout"
)

// VerifyError is returned for every rejected credential.
type VerifyError struct {
	Kind Kind
	Err  error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind carried by err. Errors that did not come from this
// package report KindMalformedToken so callers always fail closed.
func KindOf(err error) Kind {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindMalformedToken
}

func fail(kind Kind, err error) error {
	return &VerifyError{Kind: kind, Err: err}
}
