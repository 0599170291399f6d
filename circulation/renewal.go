/*
renewal.go - Capability-checked renewal

PURPOSE:
  Renewal is the only privileged lending operation. The engine never decides
  who is a librarian; it asks an Authorizer supplied by the authentication
  layer whether the actor holds the renewal capability.

FLOW:
  RenewalAuthority.Renew -> Machine.Renew
    capability check  -> ErrUnauthorized   (surfaced as PermissionDeniedError)
    date check        -> ErrInvalidRenewalDate
    status check      -> ErrInvalidTransition
    compare-and-set   -> committed copy

  Permission failures are returned as-is, never retried: retrying with the
  same actor fails the same way.

SEE ALSO:
  - auth/: Static and JWT-backed Authorizer implementations
*/
package circulation

import (
	"context"
	"errors"
)

// Capability names a privilege granted by the authorization layer.
type Capability string

const (
	// CapabilityRenew allows marking copies returned and extending loans.
	CapabilityRenew Capability = "catalog.can_mark_returned"
)

// Authorizer answers capability questions for an actor.
type Authorizer interface {
	HasCapability(ctx context.Context, actor ActorID, capability Capability) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, actor ActorID, capability Capability) bool

func (f AuthorizerFunc) HasCapability(ctx context.Context, actor ActorID, capability Capability) bool {
	return f(ctx, actor, capability)
}

// RenewalAuthority is the entry point for renewals coming from outside the engine.
type RenewalAuthority struct {
	Machine *Machine
}

func NewRenewalAuthority(m *Machine) *RenewalAuthority {
	return &RenewalAuthority{Machine: m}
}

// Renew extends a loan. A zero newDueBack uses the machine's renewal period.
func (ra *RenewalAuthority) Renew(ctx context.Context, id CopyID, newDueBack Date, actor ActorID) (Copy, error) {
	c, err := ra.Machine.Renew(ctx, id, newDueBack, actor)
	if errors.Is(err, ErrUnauthorized) {
		return Copy{}, &PermissionDeniedError{Actor: actor, Capability: CapabilityRenew}
	}
	return c, err
}
