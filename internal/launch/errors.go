package launch

import "fmt"

// Code classifies a validation failure so callers can tell "user should
// retry" from "configuration error".
type Code string

const (
	// CodeReplay: state missing, expired or already consumed.
	CodeReplay Code = "replay"
	// CodeRegistration: token issuer/audience resolves to no registration.
	CodeRegistration Code = "registration_not_found"
	// CodeSignature: token signature could not be verified.
	CodeSignature Code = "bad_signature"
	// CodeClaims: a required claim is missing or does not match.
	CodeClaims Code = "invalid_claims"
	// CodeMalformed: the id_token is not a parseable JWT.
	CodeMalformed Code = "malformed_token"
)

// Error is a typed launch validation failure.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lti: %s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("lti: %s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func errReplay(reason string) *Error { return &Error{Code: CodeReplay, Reason: reason} }
func errClaims(reason string) *Error { return &Error{Code: CodeClaims, Reason: reason} }
