package flow

import (
	acctlink "github.com/chimerakang/acctlink-go"
)

// Outcome is the terminal state of one phase.
type Outcome int

const (
	// OutcomeSkip leaves the login untouched.
	OutcomeSkip Outcome = iota
	// OutcomeChallenge asked the inner transaction for MFA.
	OutcomeChallenge
	// OutcomeRedirect sent the user into the nested transaction.
	OutcomeRedirect
	// OutcomeDeny failed the login.
	OutcomeDeny
	// OutcomeLinked attached the upstream identity.
	OutcomeLinked
	// OutcomeUnlinked detached the target identity.
	OutcomeUnlinked
	// OutcomeFailed ended the operation without changes and without denying the login.
	OutcomeFailed
)

var outcomeNames = [...]string{
	OutcomeSkip:      "skip",
	OutcomeChallenge: "challenge",
	OutcomeRedirect:  "redirect",
	OutcomeDeny:      "deny",
	OutcomeLinked:    "linked",
	OutcomeUnlinked:  "unlinked",
	OutcomeFailed:    "failed",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Decision is the result of one phase.
type Decision struct {
	Outcome    Outcome                `json:"outcome"`
	Operation  acctlink.OperationKind `json:"operation,omitempty"`
	Connection string                 `json:"connection,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	URL        string                 `json:"url,omitempty"`

	// Correlation is the value embedded in the nested transaction's nonce.
	Correlation string `json:"-"`

	// Err is the underlying failure, if any.
	Err error `json:"-"`
}
