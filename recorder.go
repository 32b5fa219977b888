package acctlink

import "sync"

// CommandType names a recorded pipeline action.
type CommandType string

const (
	CommandDeny      CommandType = "deny"
	CommandRevoke    CommandType = "revoke_session"
	CommandRedirect  CommandType = "redirect"
	CommandChallenge CommandType = "challenge"
)

// Command is one pipeline action, in the shape returned to the runtime.
type Command struct {
	Type    CommandType      `json:"type"`
	Reason  string           `json:"reason,omitempty"`
	URL     string           `json:"url,omitempty"`
	Factors []FactorSelector `json:"factors,omitempty"`
}

// Recorder implements Actions by recording each call in order.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
}

var _ Actions = (*Recorder)(nil)

func (r *Recorder) Deny(reason string) {
	r.add(Command{Type: CommandDeny, Reason: reason})
}

func (r *Recorder) RevokeSession(reason string) {
	r.add(Command{Type: CommandRevoke, Reason: reason})
}

func (r *Recorder) Redirect(url string) {
	r.add(Command{Type: CommandRedirect, URL: url})
}

func (r *Recorder) ChallengeWithAny(factors []FactorSelector) {
	r.add(Command{Type: CommandChallenge, Factors: factors})
}

// Commands returns a copy of the recorded commands.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

func (r *Recorder) add(c Command) {
	r.mu.Lock()
	r.commands = append(r.commands, c)
	r.mu.Unlock()
}
