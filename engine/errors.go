package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these; a *Rejection carries the
// human-readable reason.
var (
	ErrNotFound     = errors.New("engine: not found")
	ErrUnauthorized = errors.New("engine: unauthorized")
	ErrInvalidState = errors.New("engine: invalid state")
	ErrValidation   = errors.New("engine: validation error")
	ErrGateway      = errors.New("engine: payment gateway error")
	// ErrDuplicateEvent marks an already reconciled payment event. Callers
	// treat it as success.
	ErrDuplicateEvent = errors.New("engine: duplicate event")
)

// Rejection is a typed refusal of a transition.
type Rejection struct {
	Kind   error
	Reason string
}

func (r *Rejection) Error() string {
	return r.Kind.Error() + ": " + r.Reason
}

func (r *Rejection) Unwrap() error {
	return r.Kind
}

func reject(kind error, format string, args ...any) error {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// GatewayFailure wraps a payment processor error. No state was committed.
type GatewayFailure struct {
	Op  string
	Err error
}

func (g *GatewayFailure) Error() string {
	return fmt.Sprintf("engine: gateway %s: %v", g.Op, g.Err)
}

func (g *GatewayFailure) Unwrap() []error {
	return []error{ErrGateway, g.Err}
}

// Reason extracts the message to show a party.
func Reason(err error) string {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	var gw *GatewayFailure
	if errors.As(err, &gw) {
		return "the payment provider could not complete the request, please try again"
	}
	return "something went wrong"
}

// IsRejection reports whether err is a guard, authorization, lookup or input
// refusal rather than an infrastructure failure.
func IsRejection(err error) bool {
	var rej *Rejection
	return errors.As(err, &rej)
}
