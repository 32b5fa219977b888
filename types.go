package acctlink

import (
	"fmt"
	"strings"
	"time"
)

// LoginEvent is the snapshot of an in-progress login transaction handed to the
// engine by the pipeline runtime. Empty strings mean "absent".
type LoginEvent struct {
	Protocol        string   `json:"protocol"`
	ClientID        string   `json:"client_id"`
	RequestedScopes []string `json:"requested_scopes,omitempty"`
	ResourceServer  string   `json:"resource_server,omitempty"`
	RequestIP       string   `json:"request_ip"`
	Query           Query    `json:"query"`

	// AuthenticationMethods lists the methods already completed in this
	// session ("pwd", "federated", "mfa", ...).
	AuthenticationMethods []string `json:"authentication_methods,omitempty"`

	User *User `json:"user"`
}

// Query holds the inbound request parameters the engine reads.
type Query struct {
	IDTokenHint               string `json:"id_token_hint,omitempty"`
	RequestedConnection       string `json:"requested_connection,omitempty"`
	RequestedConnectionScopes string `json:"requested_connection_scopes,omitempty"`
	Code                      string `json:"code,omitempty"`
}

// Validate checks the event once at the boundary.
func (e *LoginEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("acctlink: nil login event")
	}
	if e.Protocol == "" {
		return fmt.Errorf("acctlink: login event has no protocol")
	}
	if e.ClientID == "" {
		return fmt.Errorf("acctlink: login event has no client_id")
	}
	if e.User == nil || e.User.UserID == "" {
		return fmt.Errorf("acctlink: login event has no user")
	}
	return nil
}

// HasCompletedMFA reports whether an mfa method was completed this session.
func (e *LoginEvent) HasCompletedMFA() bool {
	for _, m := range e.AuthenticationMethods {
		if m == "mfa" {
			return true
		}
	}
	return false
}

// User is the authenticating user.
type User struct {
	UserID          string     `json:"user_id"`
	Email           string     `json:"email,omitempty"`
	EmailVerified   bool       `json:"email_verified"`
	Identities      []Identity `json:"identities"`
	EnrolledFactors []Factor   `json:"enrolled_factors,omitempty"`
}

// Anchor returns the first identity of the user. It is the reference point
// for link and unlink calls.
func (u *User) Anchor() (Identity, bool) {
	if u == nil || len(u.Identities) == 0 {
		return Identity{}, false
	}
	return u.Identities[0], true
}

// HasConnection reports whether any identity uses the given connection.
func (u *User) HasConnection(connection string) bool {
	for _, id := range u.Identities {
		if id.Connection == connection {
			return true
		}
	}
	return false
}

// IdentitiesOn returns the identities attached through connection, in order.
func (u *User) IdentitiesOn(connection string) []Identity {
	var out []Identity
	for _, id := range u.Identities {
		if id.Connection == connection {
			out = append(out, id)
		}
	}
	return out
}

// Identity is one authentication method attached to a user.
type Identity struct {
	Provider   string `json:"provider"`
	UserID     string `json:"user_id"`
	Connection string `json:"connection"`
}

// Subject returns the "provider|user_id" form used as a user reference.
func (i Identity) Subject() string {
	return i.Provider + "|" + i.UserID
}

// SplitSubject splits "provider|external_id" at the first separator.
func SplitSubject(sub string) (provider, externalID string, err error) {
	provider, externalID, ok := strings.Cut(sub, "|")
	if !ok || provider == "" || externalID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSubject, sub)
	}
	return provider, externalID, nil
}

// Factor is an enrolled MFA factor.
type Factor struct {
	Method string `json:"method"` // "sms", "otp", "webauthn-roaming", ...
}

// FactorSelector describes one acceptable factor for an MFA challenge.
type FactorSelector struct {
	Type    string            `json:"type"`
	Options map[string]string `json:"options,omitempty"`
}

// FactorSelectors maps enrolled factors to challenge alternatives. SMS
// factors are offered as phone with sms as the preferred method.
func FactorSelectors(factors []Factor) []FactorSelector {
	out := make([]FactorSelector, 0, len(factors))
	for _, f := range factors {
		if f.Method == "sms" {
			out = append(out, FactorSelector{
				Type:    "phone",
				Options: map[string]string{"preferredMethod": "sms"},
			})
			continue
		}
		out = append(out, FactorSelector{Type: f.Method})
	}
	return out
}

// OperationKind is the requested linking operation.
type OperationKind int

const (
	OperationLink OperationKind = iota + 1
	OperationUnlink
)

// Scope names that select an operation.
const (
	ScopeLinkAccount   = "link_account"
	ScopeUnlinkAccount = "unlink_account"
)

// MarshalText encodes the kind by name.
func (k OperationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k OperationKind) String() string {
	switch k {
	case OperationLink:
		return "link"
	case OperationUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// Operation is a link or unlink against a target connection.
type Operation struct {
	Kind       OperationKind `json:"kind"`
	Connection string        `json:"connection,omitempty"`
}

// ParseOperationKind returns the operation selected by scopes. Exactly one of
// link_account and unlink_account must be present.
func ParseOperationKind(scopes []string) (OperationKind, bool) {
	var link, unlink bool
	for _, s := range scopes {
		switch s {
		case ScopeLinkAccount:
			link = true
		case ScopeUnlinkAccount:
			unlink = true
		}
	}
	switch {
	case link && !unlink:
		return OperationLink, true
	case unlink && !link:
		return OperationUnlink, true
	default:
		return 0, false
	}
}

// Expectations are the checks a token must pass. Audience and Nonce are only
// checked when non-empty.
type Expectations struct {
	Issuer   string
	Audience string
	Nonce    string
}

// VerifiedToken holds the claims of an ID token that passed verification.
type VerifiedToken struct {
	Subject       string
	Nonce         string
	Email         string
	EmailVerified bool
	Issuer        string
	Audience      []string
	ExpiresAt     time.Time
}
