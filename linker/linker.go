// Package linker attaches and detaches secondary identities through the
// management API. The anchor identity, the first identity of a user, is the
// primary reference of every call and is never detached.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/audit"
	"github.com/chimerakang/acctlink-go/management"
	"github.com/chimerakang/acctlink-go/metrics"
)

// ErrNotConfigured is returned when the client has no credential source or
// identity manager.
var ErrNotConfigured = errors.New("acctlink/linker: management collaborators not configured")

// LinkResult reports the outcome of a link. Err holds the management or
// credential failure, if any, regardless of the failure policy.
type LinkResult struct {
	Primary   string
	Secondary acctlink.Identity
	Err       error
}

// UnlinkResult reports the outcome of an unlink.
type UnlinkResult struct {
	Primary string
	Target  acctlink.Identity
	Err     error
}

// Executor performs link and unlink calls.
type Executor struct {
	credentials acctlink.CredentialSource
	identities  acctlink.IdentityManager
	policy      acctlink.FailurePolicy
	logger      *slog.Logger
	audit       *audit.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration
}

// New creates an Executor from the client's collaborators.
func New(c *acctlink.Client) *Executor {
	return &Executor{
		credentials: c.Credentials(),
		identities:  c.Identities(),
		policy:      c.Config().LinkFailurePolicy,
		logger:      c.Logger(),
		audit:       c.Audit(),
		metrics:     c.Metrics(),
		timeout:     c.Config().HTTPTimeout,
	}
}

// Link attaches candidateSubject ("provider|external_id") under anchor; the
// current user stays primary. A malformed subject or a subject equal to the
// anchor is rejected before any call is made.
//
// A failed credential grant or management call is recorded in the result. It
// is also returned when the failure policy is FailureSurface.
func (e *Executor) Link(ctx context.Context, anchor acctlink.Identity, candidateSubject string) (LinkResult, error) {
	provider, externalID, err := acctlink.SplitSubject(candidateSubject)
	if err != nil {
		return LinkResult{}, err
	}
	secondary := acctlink.Identity{Provider: provider, UserID: externalID}
	if secondary.Subject() == anchor.Subject() {
		return LinkResult{}, fmt.Errorf("%w: %s", acctlink.ErrAnchorTarget, candidateSubject)
	}

	res := LinkResult{Primary: anchor.Subject(), Secondary: secondary}
	res.Err = e.call(ctx, "link", func(ctx context.Context, token string) error {
		return e.identities.Link(ctx, token, res.Primary, secondary)
	})

	ev := audit.Event{
		UserID: res.Primary,
		Action: audit.ActionLink,
		Target: secondary.Subject(),
		Result: audit.ResultSuccess,
	}
	if res.Err != nil {
		if management.IsConflict(res.Err) {
			e.logger.InfoContext(ctx, "identity already linked", "primary", res.Primary, "secondary", secondary.Subject())
		} else {
			e.logger.WarnContext(ctx, "unable to link, no changes", "primary", res.Primary, "secondary", secondary.Subject(), "error", res.Err)
		}
		ev.Result = audit.ResultFailure
		ev.Error = res.Err.Error()
		e.audit.Emit(ctx, ev)
		return res, e.surface(res.Err)
	}
	e.logger.InfoContext(ctx, "link successful", "primary", res.Primary, "secondary", secondary.Subject())
	e.audit.Emit(ctx, ev)
	return res, nil
}

// Unlink detaches target from anchor. Detaching the anchor itself is rejected
// before any call is made.
func (e *Executor) Unlink(ctx context.Context, anchor, target acctlink.Identity) (UnlinkResult, error) {
	if target.Subject() == anchor.Subject() {
		return UnlinkResult{}, fmt.Errorf("%w: %s", acctlink.ErrAnchorTarget, target.Subject())
	}
	if target.Provider == "" || target.UserID == "" {
		return UnlinkResult{}, fmt.Errorf("%w: %q", acctlink.ErrInvalidSubject, target.Subject())
	}

	res := UnlinkResult{Primary: anchor.Subject(), Target: target}
	res.Err = e.call(ctx, "unlink", func(ctx context.Context, token string) error {
		return e.identities.Unlink(ctx, token, res.Primary, target)
	})

	ev := audit.Event{
		UserID:     res.Primary,
		Action:     audit.ActionUnlink,
		Connection: target.Connection,
		Target:     target.Subject(),
		Result:     audit.ResultSuccess,
	}
	if res.Err != nil {
		e.logger.WarnContext(ctx, "error unlinking identity", "primary", res.Primary, "target", target.Subject(), "error", res.Err)
		ev.Result = audit.ResultFailure
		ev.Error = res.Err.Error()
		e.audit.Emit(ctx, ev)
		return res, e.surface(res.Err)
	}
	e.logger.InfoContext(ctx, "successfully unlinked identity", "primary", res.Primary, "target", target.Subject())
	e.audit.Emit(ctx, ev)
	return res, nil
}

// call acquires a management token and runs fn with it. The token grant and
// the call share one HTTPTimeout budget. Nothing is retried.
func (e *Executor) call(ctx context.Context, op string, fn func(ctx context.Context, token string) error) error {
	if e.credentials == nil || e.identities == nil {
		e.metrics.RecordManagementCall(op, "not_configured")
		return ErrNotConfigured
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	token, err := e.credentials.AccessToken(ctx)
	if err != nil {
		e.metrics.RecordManagementCall(op, "credentials_error")
		return fmt.Errorf("%w: %w", management.ErrCredentials, err)
	}
	if err := fn(ctx, token); err != nil {
		e.metrics.RecordManagementCall(op, "failure")
		return err
	}
	e.metrics.RecordManagementCall(op, "success")
	return nil
}

func (e *Executor) surface(err error) error {
	if e.policy == acctlink.FailureSurface {
		return err
	}
	return nil
}

// UnlinkCorrelation returns the external id of the single non-anchor identity
// of user on connection. It is the correlation value of an unlink.
func UnlinkCorrelation(user *acctlink.User, connection string) (string, error) {
	target, err := resolve(user, func(id acctlink.Identity) bool {
		return id.Connection == connection
	})
	if err != nil {
		return "", fmt.Errorf("%w: connection %q", err, connection)
	}
	return target.UserID, nil
}

// ResolveUnlinkTarget returns the single non-anchor identity whose external id
// equals correlation. When connection is non-empty the identity must also be
// on that connection.
func ResolveUnlinkTarget(user *acctlink.User, connection, correlation string) (acctlink.Identity, error) {
	if correlation == "" {
		return acctlink.Identity{}, acctlink.ErrNoUnlinkTarget
	}
	target, err := resolve(user, func(id acctlink.Identity) bool {
		return id.UserID == correlation && (connection == "" || id.Connection == connection)
	})
	if err != nil {
		return acctlink.Identity{}, fmt.Errorf("%w: %q", err, correlation)
	}
	return target, nil
}

func resolve(user *acctlink.User, match func(acctlink.Identity) bool) (acctlink.Identity, error) {
	anchor, ok := user.Anchor()
	if !ok {
		return acctlink.Identity{}, acctlink.ErrNoUnlinkTarget
	}

	var found []acctlink.Identity
	for _, id := range user.Identities[1:] {
		if match(id) && id.Subject() != anchor.Subject() {
			found = append(found, id)
		}
	}
	switch {
	case len(found) == 1:
		return found[0], nil
	case len(found) > 1:
		return acctlink.Identity{}, acctlink.ErrAmbiguousUnlinkTarget
	case match(anchor):
		return acctlink.Identity{}, acctlink.ErrAnchorTarget
	default:
		return acctlink.Identity{}, acctlink.ErrNoUnlinkTarget
	}
}
