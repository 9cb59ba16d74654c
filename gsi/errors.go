package gsi

import "errors"

var (
	// ErrConfiguration is returned when the manager is constructed from
	// malformed or missing settings
	ErrConfiguration = errors.New("invalid credential manager configuration")

	// ErrCredentialLoad is returned when the host credential cannot be
	// read or fails verification. Client-side load failures are absorbed
	// and never surface as this error.
	ErrCredentialLoad = errors.New("could not load credentials")

	// ErrValidation is returned when a certificate chain fails trust
	// validation
	ErrValidation = errors.New("certificate chain validation failed")

	// ErrDelegationState is returned when finalize is called with no
	// outstanding proxy request
	ErrDelegationState = errors.New("cannot finalize proxy: proxy request was not sent")

	// ErrStoreUnavailable is returned when a delegation operation is
	// attempted with no credential store configured
	ErrStoreUnavailable = errors.New("no client to credential store has been provided")

	// ErrIdentityMismatch is returned when a certificate matches neither
	// the expected subject name nor any subject alternative name
	ErrIdentityMismatch = errors.New("the name of the source server does not match any subject name of the received credential")

	// ErrInvalidCaPath is returned when a CA identity does not resolve to
	// a file under the trust directory
	ErrInvalidCaPath = errors.New("invalid ca cert path")
)
