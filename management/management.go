// Package management provides the IdentityManager implementation backed by
// the tenant's Management API.
package management

import (
	"context"
	"errors"
	"fmt"

	acctlink "github.com/chimerakang/acctlink-go"
)

var (
	// ErrCredentials means no management access token could be obtained.
	ErrCredentials = errors.New("acctlink/management: machine credentials unavailable")

	// ErrConflict means the identity is already linked to some user.
	ErrConflict = errors.New("acctlink/management: identity already linked")

	// ErrNotFound means the user or identity does not exist.
	ErrNotFound = errors.New("acctlink/management: not found")

	// ErrUnauthorized means the access token was rejected.
	ErrUnauthorized = errors.New("acctlink/management: access token rejected")
)

// Backend defines the contract for pluggable management API backends.
type Backend interface {
	// LinkIdentity attaches provider|userID to primaryID.
	LinkIdentity(ctx context.Context, accessToken, primaryID, provider, userID string) error

	// UnlinkIdentity detaches provider|userID from primaryID.
	UnlinkIdentity(ctx context.Context, accessToken, primaryID, provider, userID string) error
}

// Service implements acctlink.IdentityManager with a configurable backend.
type Service struct {
	backend Backend
}

// compile-time check
var _ acctlink.IdentityManager = (*Service)(nil)

// New creates a new Service with the given backend.
func New(backend Backend) *Service {
	return &Service{backend: backend}
}

// Link attaches secondary to the user primaryUserID, which stays primary.
func (s *Service) Link(ctx context.Context, accessToken, primaryUserID string, secondary acctlink.Identity) error {
	if err := validate(accessToken, primaryUserID, secondary); err != nil {
		return err
	}
	if err := s.backend.LinkIdentity(ctx, accessToken, primaryUserID, secondary.Provider, secondary.UserID); err != nil {
		return fmt.Errorf("acctlink/management: link %s: %w", secondary.Subject(), err)
	}
	return nil
}

// Unlink detaches secondary from the user primaryUserID.
func (s *Service) Unlink(ctx context.Context, accessToken, primaryUserID string, secondary acctlink.Identity) error {
	if err := validate(accessToken, primaryUserID, secondary); err != nil {
		return err
	}
	if err := s.backend.UnlinkIdentity(ctx, accessToken, primaryUserID, secondary.Provider, secondary.UserID); err != nil {
		return fmt.Errorf("acctlink/management: unlink %s: %w", secondary.Subject(), err)
	}
	return nil
}

func validate(accessToken, primaryUserID string, secondary acctlink.Identity) error {
	if accessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrCredentials)
	}
	if primaryUserID == "" {
		return fmt.Errorf("acctlink/management: primary user id cannot be empty")
	}
	if secondary.Provider == "" || secondary.UserID == "" {
		return fmt.Errorf("acctlink/management: secondary identity needs provider and user id")
	}
	return nil
}
