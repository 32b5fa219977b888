package acctlink

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSubject is returned for a subject not of the form provider|id.
	ErrInvalidSubject = errors.New("acctlink: invalid subject")

	// ErrNoUnlinkTarget means no identity matched the unlink correlation value.
	ErrNoUnlinkTarget = errors.New("acctlink: no identity matches unlink target")

	// ErrAmbiguousUnlinkTarget means more than one identity matched.
	ErrAmbiguousUnlinkTarget = errors.New("acctlink: unlink target is ambiguous")

	// ErrAnchorTarget means the operation would detach the anchor identity.
	ErrAnchorTarget = errors.New("acctlink: anchor identity cannot be unlinked")
)

// Reason classifies a token verification failure.
type Reason string

const (
	ReasonMalformed Reason = "malformed"
	ReasonKeyFetch  Reason = "key_fetch"
	ReasonAlgorithm Reason = "algorithm"
	ReasonSignature Reason = "signature"
	ReasonIssuer    Reason = "issuer"
	ReasonAudience  Reason = "audience"
	ReasonNonce     Reason = "nonce"
	ReasonExpired   Reason = "expired"
)

// VerificationError is returned by TokenVerifier implementations.
type VerificationError struct {
	Reason Reason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acctlink: token verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("acctlink: token verification failed: %s: %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// VerificationReason extracts the Reason from err, if it is a VerificationError.
func VerificationReason(err error) (Reason, bool) {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
