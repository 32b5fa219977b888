package acctlink

import (
	"context"
	"time"
)

// Cache is the key/value substrate shared by every invocation in the process.
// A ttl of zero stores the value without expiry.
type Cache interface {
	// Get returns the value and true on a hit.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// TokenVerifier verifies ID tokens issued by the tenant.
// Implementations: jwks/ (RS256 via JWKS), fake/ (testing).
type TokenVerifier interface {
	// Verify validates the token against want and returns its claims.
	// Failures are *VerificationError.
	Verify(ctx context.Context, token string, want Expectations) (*VerifiedToken, error)
}

// AuthorizeRequest carries the per-request parameters of a nested transaction.
type AuthorizeRequest struct {
	Connection string
	Nonce      string
	LoginHint  string
	Scope      string

	// RedirectURI and Prompt override the implementation's defaults when set.
	RedirectURI string
	Prompt      string
}

// NestedTransaction starts and completes the nested authorization
// transaction against an upstream connection.
type NestedTransaction interface {
	// AuthorizeURL builds the URL the user is redirected to.
	AuthorizeURL(req AuthorizeRequest) (string, error)

	// ExchangeCode trades an authorization code for an ID token string.
	// redirectURI must match the one used to build the authorize URL; empty
	// means the implementation's default.
	ExchangeCode(ctx context.Context, code, redirectURI string) (string, error)
}

// CredentialSource yields a machine-to-machine access token for the
// management API.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// IdentityManager persists identity links using a management access token.
// primaryUserID is the "provider|user_id" of the user that stays primary.
type IdentityManager interface {
	Link(ctx context.Context, accessToken, primaryUserID string, secondary Identity) error
	Unlink(ctx context.Context, accessToken, primaryUserID string, secondary Identity) error
}

// Actions are the pipeline runtime operations the engine can trigger.
type Actions interface {
	// Deny fails the login with reason.
	Deny(reason string)

	// RevokeSession ends the current session.
	RevokeSession(reason string)

	// Redirect sends the user to url; the pipeline resumes at the continuation.
	Redirect(url string)

	// ChallengeWithAny asks for any of the given factors.
	ChallengeWithAny(factors []FactorSelector)
}
