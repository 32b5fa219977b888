package acctlink

import (
	"context"

	"github.com/chimerakang/acctlink-go/audit"
)

type ctxKey string

const ctxKeyPhase ctxKey = "acctlink_phase"

// Pipeline phases.
const (
	PhaseExecute  = "execute"
	PhaseContinue = "continue"
)

// WithRequestID stores the runtime request ID in the context. The audit
// logger reads the same value.
func WithRequestID(ctx context.Context, id string) context.Context {
	return audit.WithRequestID(ctx, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestID(ctx)
}

// WithPhase stores the pipeline phase in the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, ctxKeyPhase, phase)
}

// PhaseFromContext extracts the pipeline phase from the context.
func PhaseFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyPhase).(string)
	return v
}
