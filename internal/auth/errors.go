package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: resource conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")

	// ErrActorNotFound and ErrAccountNotFound signal that the actor registry and the
	// account store disagree. They are bugs, not user errors.
	ErrActorNotFound   = errors.New("auth: actor not found")
	ErrAccountNotFound = errors.New("auth: account not found")

	ErrInvalidHashFormat = errors.New("auth: invalid password hash format")
	ErrBootstrapConsumed = errors.New("auth: bootstrap secret already consumed")
)

// OAuth 2.0 error codes (RFC 6749 section 4.1.2.1 and 5.2).
const (
	CodeInvalidRequest          = "invalid_request"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeAccessDenied            = "access_denied"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeServerError             = "server_error"
)

// FatalError is a protocol error that must not be sent back to the client's
// redirect_uri, either because the client/redirect pairing cannot be trusted or
// because the endpoint answers directly (token endpoint).
type FatalError struct {
	Code        string
	Description string
}

func (e *FatalError) Error() string {
	if e.Description == "" {
		return "oidc: " + e.Code
	}
	return fmt.Sprintf("oidc: %s: %s", e.Code, e.Description)
}

// RedirectError is a protocol error reported to the client by redirecting the
// browser to the already validated redirect_uri.
type RedirectError struct {
	Code        string
	Description string
	RedirectURI string
	State       string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("oidc: %s: %s", e.Code, e.Description)
}

func fatal(code, description string) error {
	return &FatalError{Code: code, Description: description}
}

// PolicyReason is the machine-readable reason of a password policy failure.
type PolicyReason string

const (
	PolicyTooShort            PolicyReason = "TOO_SHORT"
	PolicyWhitespacesOnly     PolicyReason = "WHITESPACES_ONLY"
	PolicyEqualsUsername      PolicyReason = "EQUALS_USERNAME"
	PolicyMissingCharCategory PolicyReason = "MISSING_CHAR_CATEGORY"
)

// PolicyError reports a password that does not satisfy the password policy.
type PolicyError struct {
	Reason PolicyReason
}

func (e *PolicyError) Error() string {
	return "auth: password policy violation: " + string(e.Reason)
}

// VerificationReason classifies why a foreign token was rejected.
type VerificationReason string

const (
	VerifyMalformed        VerificationReason = "malformed"
	VerifyUnknownIssuer    VerificationReason = "unknown_issuer"
	VerifyAlgNotAllowed    VerificationReason = "alg_not_allowed"
	VerifyKeyNotFound      VerificationReason = "key_not_found"
	VerifyBadSignature     VerificationReason = "bad_signature"
	VerifyExpired          VerificationReason = "expired"
	VerifyNotYetValid      VerificationReason = "not_yet_valid"
	VerifyAudienceMismatch VerificationReason = "audience_mismatch"
	VerifyJWKSUnavailable  VerificationReason = "jwks_unavailable"
)

// VerificationError is returned when a JWT fails verification.
type VerificationError struct {
	Reason VerificationReason
	Detail string
	Err    error
}

func (e *VerificationError) Error() string {
	msg := "auth: token verification failed: " + string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Err }

func verifyErr(reason VerificationReason, detail string) *VerificationError {
	return &VerificationError{Reason: reason, Detail: detail}
}

// KeyMaterialError reports unreadable or corrupt persisted key material. The
// process cannot issue tokens when this happens.
type KeyMaterialError struct {
	Path string
	Err  error
}

func (e *KeyMaterialError) Error() string {
	return fmt.Sprintf("auth: key material %s: %v", e.Path, e.Err)
}

func (e *KeyMaterialError) Unwrap() error { return e.Err }
