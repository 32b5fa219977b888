// Package flow implements the two-phase account-linking decision engine.
//
// OnExecute runs in the initial phase of a login and decides whether to skip,
// challenge the inner transaction for MFA, or redirect into a nested
// transaction against the requested connection. OnContinue runs when the
// nested transaction returns, verifies its result, and links or unlinks.
//
// The engine keeps no state between phases. A link is correlated by a nonce
// derived from the user id and request IP. An unlink is correlated by the
// external id of the identity being removed, carried in the nonce position.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/audit"
	"github.com/chimerakang/acctlink-go/linker"
	"github.com/chimerakang/acctlink-go/nonce"
)

// Deny and revoke reasons reported to the pipeline.
const (
	ReasonInvalidHint    = "invalid id_token_hint"
	ReasonSubMismatch    = "sub mismatch"
	ReasonExchangeFailed = "error in exchange"
	ReasonInvalidIDToken = "invalid id_token"
	ReasonEmailMismatch  = "emails do not match"
	ReasonLinkFailed     = "link failed"
	ReasonUnlinkFailed   = "unlink failed"
)

// Engine runs both phases against one Client.
type Engine struct {
	client   *acctlink.Client
	executor *linker.Executor
}

// NewEngine creates an Engine. The client must carry a token verifier and a
// nested transaction implementation.
func NewEngine(c *acctlink.Client) (*Engine, error) {
	if c == nil {
		return nil, fmt.Errorf("acctlink/flow: nil client")
	}
	if c.Verifier() == nil {
		return nil, fmt.Errorf("acctlink/flow: token verifier not configured")
	}
	if c.Nested() == nil {
		return nil, fmt.Errorf("acctlink/flow: nested transaction not configured")
	}
	return &Engine{client: c, executor: linker.New(c)}, nil
}

// OnExecute runs the initial phase. The returned error is non-nil only for an
// event that fails validation; every other outcome is reported in the Decision.
func (e *Engine) OnExecute(ctx context.Context, ev *acctlink.LoginEvent, actions acctlink.Actions) (Decision, error) {
	if err := ev.Validate(); err != nil {
		return Decision{}, err
	}
	ctx = acctlink.WithPhase(ctx, acctlink.PhaseExecute)
	d := e.execute(ctx, ev, actions)
	e.record(ctx, d)
	return d, nil
}

// OnContinue runs the continuation phase.
func (e *Engine) OnContinue(ctx context.Context, ev *acctlink.LoginEvent, actions acctlink.Actions) (Decision, error) {
	if err := ev.Validate(); err != nil {
		return Decision{}, err
	}
	ctx = acctlink.WithPhase(ctx, acctlink.PhaseContinue)
	d := e.resume(ctx, ev, actions)
	e.record(ctx, d)
	return d, nil
}

func (e *Engine) execute(ctx context.Context, ev *acctlink.LoginEvent, actions acctlink.Actions) Decision {
	cfg := e.client.Config()
	log := e.client.Logger()

	if !e.client.IsInteractive(ev.Protocol) {
		return skip("skip since protocol is not interactive")
	}

	if ev.ClientID == cfg.ClientID {
		if len(ev.User.EnrolledFactors) > 0 && !ev.HasCompletedMFA() {
			log.InfoContext(ctx, "mfa required in inner tx", "user_id", ev.User.UserID)
			actions.ChallengeWithAny(acctlink.FactorSelectors(ev.User.EnrolledFactors))
			e.client.Audit().Emit(ctx, audit.Event{
				UserID: ev.User.UserID,
				Action: audit.ActionMFAChallenge,
				Result: audit.ResultSuccess,
				IP:     ev.RequestIP,
			})
			return Decision{Outcome: OutcomeChallenge, Reason: "mfa required in inner tx"}
		}
		return skip("mfa not required in inner tx")
	}

	kind, reason, ok := e.matchRequest(ev)
	if !ok {
		return skip(reason)
	}
	op := acctlink.Operation{Kind: kind, Connection: ev.Query.RequestedConnection}

	if ev.Query.IDTokenHint == "" {
		return skipOp(op, "skip since no id_token_hint present")
	}
	if op.Connection == "" {
		return skipOp(op, "skip since no requested_connection defined")
	}

	linked := ev.User.HasConnection(op.Connection)
	if op.Kind == acctlink.OperationLink && linked {
		return skipOp(op, "user already has a linked profile against requested connection")
	}
	if op.Kind == acctlink.OperationUnlink && !linked {
		return skipOp(op, "user does not have a linked profile against requested connection")
	}

	hint, err := e.verify(ctx, ev.Query.IDTokenHint, acctlink.Expectations{Issuer: cfg.Issuer})
	if err != nil {
		log.WarnContext(ctx, "id_token_hint rejected", "user_id", ev.User.UserID, "error", err)
		actions.Deny(ReasonInvalidHint)
		return Decision{Outcome: OutcomeDeny, Operation: op.Kind, Connection: op.Connection, Reason: ReasonInvalidHint, Err: err}
	}
	if hint.Subject != ev.User.UserID {
		log.WarnContext(ctx, "logging out due to sub mismatch", "expected", ev.User.UserID, "received", hint.Subject)
		actions.Deny(ReasonSubMismatch)
		actions.RevokeSession(ReasonSubMismatch)
		e.client.Audit().Emit(ctx, audit.Event{
			UserID:     ev.User.UserID,
			Action:     audit.ActionSecurityIncident,
			Connection: op.Connection,
			Result:     audit.ResultDenied,
			Details:    ReasonSubMismatch,
			IP:         ev.RequestIP,
		})
		return Decision{Outcome: OutcomeDeny, Operation: op.Kind, Connection: op.Connection, Reason: ReasonSubMismatch}
	}

	var correlation string
	switch op.Kind {
	case acctlink.OperationLink:
		correlation = nonce.Make(ev.User.UserID, ev.RequestIP)
	case acctlink.OperationUnlink:
		correlation, err = linker.UnlinkCorrelation(ev.User, op.Connection)
		if err != nil {
			d := skipOp(op, "skip since unlink target is not unique")
			d.Err = err
			return d
		}
	}

	scope := ev.Query.RequestedConnectionScopes
	if scope == "" {
		scope = cfg.DefaultConnectionScopes
	}
	url, err := e.client.Nested().AuthorizeURL(acctlink.AuthorizeRequest{
		Connection:  op.Connection,
		Nonce:       correlation,
		LoginHint:   ev.User.Email,
		Scope:       scope,
		RedirectURI: cfg.ContinueURL,
		Prompt:      cfg.Prompt,
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to build nested authorize url", "error", err)
		d := skipOp(op, "skip since nested authorize url could not be built")
		d.Err = err
		return d
	}

	log.InfoContext(ctx, "redirecting to nested transaction", "operation", op.Kind, "connection", op.Connection)
	actions.Redirect(url)

	action := audit.ActionLinkRequest
	if op.Kind == acctlink.OperationUnlink {
		action = audit.ActionUnlinkRequest
	}
	e.client.Audit().Emit(ctx, audit.Event{
		UserID:     ev.User.UserID,
		Action:     action,
		Connection: op.Connection,
		Result:     audit.ResultSuccess,
		IP:         ev.RequestIP,
	})
	return Decision{
		Outcome:     OutcomeRedirect,
		Operation:   op.Kind,
		Connection:  op.Connection,
		URL:         url,
		Correlation: correlation,
	}
}

func (e *Engine) resume(ctx context.Context, ev *acctlink.LoginEvent, actions acctlink.Actions) Decision {
	cfg := e.client.Config()
	log := e.client.Logger()

	kind, reason, ok := e.matchRequest(ev)
	if !ok {
		return skip(reason)
	}

	if ev.Query.Code == "" {
		actions.Deny(ReasonExchangeFailed)
		return Decision{Outcome: OutcomeDeny, Operation: kind, Reason: ReasonExchangeFailed, Err: errors.New("acctlink/flow: no authorization code")}
	}
	idToken, err := e.client.Nested().ExchangeCode(ctx, ev.Query.Code, cfg.ContinueURL)
	if err != nil || idToken == "" {
		log.WarnContext(ctx, "code exchange failed", "error", err)
		actions.Deny(ReasonExchangeFailed)
		return Decision{Outcome: OutcomeDeny, Operation: kind, Reason: ReasonExchangeFailed, Err: err}
	}

	want := acctlink.Expectations{Issuer: cfg.Issuer, Audience: cfg.ClientID}
	if kind == acctlink.OperationLink {
		want.Nonce = nonce.Make(ev.User.UserID, ev.RequestIP)
	}
	tok, err := e.verify(ctx, idToken, want)
	if err != nil {
		log.WarnContext(ctx, "nested id_token rejected", "user_id", ev.User.UserID, "error", err)
		if r, _ := acctlink.VerificationReason(err); r == acctlink.ReasonNonce {
			e.client.Audit().Emit(ctx, audit.Event{
				UserID:  ev.User.UserID,
				Action:  audit.ActionSecurityIncident,
				Result:  audit.ResultDenied,
				Details: "nonce mismatch",
				IP:      ev.RequestIP,
			})
		}
		actions.Deny(ReasonInvalidIDToken)
		return Decision{Outcome: OutcomeDeny, Operation: kind, Reason: ReasonInvalidIDToken, Err: err}
	}

	anchor, ok := ev.User.Anchor()
	if !ok {
		return Decision{Outcome: OutcomeFailed, Operation: kind, Reason: "user has no identities"}
	}

	if kind == acctlink.OperationLink {
		return e.completeLink(ctx, ev, actions, anchor, tok)
	}
	return e.completeUnlink(ctx, ev, actions, anchor, tok)
}

func (e *Engine) completeLink(ctx context.Context, ev *acctlink.LoginEvent, actions acctlink.Actions, anchor acctlink.Identity, tok *acctlink.VerifiedToken) Decision {
	cfg := e.client.Config()

	if !tok.EmailVerified {
		e.client.Logger().InfoContext(ctx, "skipped linking, email not verified in nested tx")
		return Decision{Outcome: OutcomeSkip, Operation: acctlink.OperationLink, Reason: "email not verified in nested tx"}
	}
	if cfg.RequireMatchingEmail && !strings.EqualFold(ev.User.Email, tok.Email) {
		actions.Deny(ReasonEmailMismatch)
		return Decision{Outcome: OutcomeDeny, Operation: acctlink.OperationLink, Reason: ReasonEmailMismatch}
	}

	res, err := e.executor.Link(ctx, anchor, tok.Subject)
	d := Decision{Operation: acctlink.OperationLink}
	switch {
	case errors.Is(err, acctlink.ErrInvalidSubject), errors.Is(err, acctlink.ErrAnchorTarget):
		d.Outcome, d.Reason, d.Err = OutcomeFailed, "upstream subject cannot be linked", err
	case err != nil:
		actions.Deny(ReasonLinkFailed)
		d.Outcome, d.Reason, d.Err = OutcomeDeny, ReasonLinkFailed, err
	case res.Err != nil:
		d.Outcome, d.Reason, d.Err = OutcomeFailed, ReasonLinkFailed, res.Err
	default:
		d.Outcome = OutcomeLinked
	}
	return d
}

func (e *Engine) completeUnlink(ctx context.Context, ev *acctlink.LoginEvent, actions acctlink.Actions, anchor acctlink.Identity, tok *acctlink.VerifiedToken) Decision {
	target, err := linker.ResolveUnlinkTarget(ev.User, "", tok.Nonce)
	if err != nil {
		e.client.Logger().WarnContext(ctx, "unlink target not resolved", "error", err)
		return Decision{Outcome: OutcomeFailed, Operation: acctlink.OperationUnlink, Reason: "unlink target not resolved", Err: err}
	}

	res, err := e.executor.Unlink(ctx, anchor, target)
	d := Decision{Operation: acctlink.OperationUnlink, Connection: target.Connection}
	switch {
	case errors.Is(err, acctlink.ErrInvalidSubject), errors.Is(err, acctlink.ErrAnchorTarget):
		d.Outcome, d.Reason, d.Err = OutcomeFailed, "unlink target rejected", err
	case err != nil:
		actions.Deny(ReasonUnlinkFailed)
		d.Outcome, d.Reason, d.Err = OutcomeDeny, ReasonUnlinkFailed, err
	case res.Err != nil:
		d.Outcome, d.Reason, d.Err = OutcomeFailed, ReasonUnlinkFailed, res.Err
	default:
		d.Outcome = OutcomeUnlinked
	}
	return d
}

// matchRequest checks the resource server and operation scope shared by
// both phases.
func (e *Engine) matchRequest(ev *acctlink.LoginEvent) (acctlink.OperationKind, string, bool) {
	if ev.ResourceServer != e.client.Config().LinkingResourceServer {
		return 0, "skip since resource-server is not the linking resource server", false
	}
	kind, ok := acctlink.ParseOperationKind(ev.RequestedScopes)
	if !ok {
		return 0, "missing required scopes, expecting either link_account or unlink_account", false
	}
	return kind, "", true
}

func (e *Engine) record(ctx context.Context, d Decision) {
	phase := acctlink.PhaseFromContext(ctx)
	e.client.Metrics().RecordDecision(phase, d.Outcome.String())

	args := []any{"phase", phase, "outcome", d.Outcome.String()}
	if d.Operation != 0 {
		args = append(args, "operation", d.Operation.String())
	}
	if d.Reason != "" {
		args = append(args, "reason", d.Reason)
	}
	if rid := acctlink.RequestIDFromContext(ctx); rid != "" {
		args = append(args, "request_id", rid)
	}
	e.client.Logger().InfoContext(ctx, "linking decision", args...)
}

// verify bounds one token verification, key fetch included, by HTTPTimeout.
func (e *Engine) verify(ctx context.Context, token string, want acctlink.Expectations) (*acctlink.VerifiedToken, error) {
	ctx, cancel := context.WithTimeout(ctx, e.client.Config().HTTPTimeout)
	defer cancel()
	return e.client.Verifier().Verify(ctx, token, want)
}

func skip(reason string) Decision {
	return Decision{Outcome: OutcomeSkip, Reason: reason}
}

func skipOp(op acctlink.Operation, reason string) Decision {
	return Decision{Outcome: OutcomeSkip, Operation: op.Kind, Connection: op.Connection, Reason: reason}
}
