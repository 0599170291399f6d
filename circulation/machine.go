/*
machine.go - Lending state machine for a single copy

PURPOSE:
  Enforces the legal status transitions of one physical copy. All six
  operations go through the same read-check-write loop against the Ledger,
  so the transition table below is the only place statuses are compared.

TRANSITIONS:
  Maintenance ──MakeAvailable──────────▶ Available
  OnLoan      ──MakeAvailable──────────▶ Available
  Available   ──Reserve────────────────▶ Reserved
  Available   ──AssignLoan─────────────▶ OnLoan
  Reserved    ──AssignLoan─────────────▶ OnLoan     (reserving patron only)
  OnLoan      ──Renew──────────────────▶ OnLoan
  OnLoan      ──Return─────────────────▶ Available
  Reserved    ──Return─────────────────▶ Available
  any         ──WithdrawForMaintenance─▶ Maintenance

ATOMICITY:
  Each operation is: Get -> check precondition -> build next record ->
  CompareAndSet(expected status, expected version). A CAS conflict means a
  concurrent commit landed between our read and our write; the loop re-reads
  and re-validates, so the precondition is always judged against the latest
  committed state. After MaxAttempts conflicts the operation reports
  ErrTransientFailure. A failed operation never mutates the record.

SEE ALSO:
  - ledger.go:  CompareAndSet contract
  - matcher.go: Title-level reservation built on Reserve
  - renewal.go: Capability-checked renewal
*/
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// OPERATIONS & TRANSITION TABLE
// =============================================================================

type Operation string

const (
	OpMakeAvailable Operation = "make_available"
	OpReserve       Operation = "reserve"
	OpAssignLoan    Operation = "assign_loan"
	OpRenew         Operation = "renew"
	OpReturn        Operation = "return"
	OpWithdraw      Operation = "withdraw_for_maintenance"
)

type transition struct {
	from map[Status]bool // nil = any status
	to   Status
}

// transitions is the single source of truth for what may follow what.
// MakeAvailable does not accept Reserved: a reserved copy always has an
// active claim, which is released with Return.
var transitions = map[Operation]transition{
	OpMakeAvailable: {from: statuses(StatusMaintenance, StatusOnLoan), to: StatusAvailable},
	OpReserve:       {from: statuses(StatusAvailable), to: StatusReserved},
	OpAssignLoan:    {from: statuses(StatusAvailable, StatusReserved), to: StatusOnLoan},
	OpRenew:         {from: statuses(StatusOnLoan), to: StatusOnLoan},
	OpReturn:        {from: statuses(StatusOnLoan, StatusReserved), to: StatusAvailable},
	OpWithdraw:      {from: nil, to: StatusMaintenance},
}

func statuses(ss ...Status) map[Status]bool {
	m := make(map[Status]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// CanApply reports whether op is legal from the given status.
func CanApply(op Operation, from Status) bool {
	t, ok := transitions[op]
	if !ok {
		return false
	}
	return t.from == nil || t.from[from]
}

// TargetStatus returns the status op leads to.
func TargetStatus(op Operation) (Status, bool) {
	t, ok := transitions[op]
	return t.to, ok
}

// =============================================================================
// METRICS HOOK
// =============================================================================

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeConflict  Outcome = "conflict"
	OutcomeFailed    Outcome = "failed"
)

// Metrics receives counters from the engine. See package metrics for the
// Prometheus implementation.
type Metrics interface {
	Transition(op Operation, outcome Outcome)
	LostRace()
}

type NopMetrics struct{}

func (NopMetrics) Transition(Operation, Outcome) {}
func (NopMetrics) LostRace()                     {}

// =============================================================================
// MACHINE
// =============================================================================

const (
	DefaultLoanPeriodDays    = 21
	DefaultRenewalPeriodDays = 21
	DefaultMaxAttempts       = 3
)

// Machine applies lending operations to copies stored in a Ledger.
type Machine struct {
	Ledger     Ledger
	Clock      Clock
	Authorizer Authorizer
	Audit      AuditLog // optional
	Metrics    Metrics
	Logger     zerolog.Logger

	LoanPeriodDays    int
	RenewalPeriodDays int
	MaxAttempts       int
}

// NewMachine creates a machine with default periods and no audit log.
func NewMachine(ledger Ledger, clock Clock, authorizer Authorizer) *Machine {
	return &Machine{
		Ledger:            ledger,
		Clock:             clock,
		Authorizer:        authorizer,
		Metrics:           NopMetrics{},
		Logger:            zerolog.Nop(),
		LoanPeriodDays:    DefaultLoanPeriodDays,
		RenewalPeriodDays: DefaultRenewalPeriodDays,
		MaxAttempts:       DefaultMaxAttempts,
	}
}

// MakeAvailable puts a copy back on the shelf from maintenance or loan.
func (m *Machine) MakeAvailable(ctx context.Context, id CopyID) (Copy, error) {
	return m.apply(ctx, OpMakeAvailable, id, "", m.maxAttempts(), clearClaim)
}

// Reserve holds an available copy for a patron.
func (m *Machine) Reserve(ctx context.Context, id CopyID, patron PatronID) (Copy, error) {
	return m.reserve(ctx, id, patron, m.maxAttempts())
}

func (m *Machine) reserve(ctx context.Context, id CopyID, patron PatronID, attempts int) (Copy, error) {
	if patron == "" {
		return Copy{}, fmt.Errorf("reserve copy %s: patron is required: %w", id, ErrInvalidCopy)
	}
	return m.apply(ctx, OpReserve, id, "", attempts, func(cur Copy) (Copy, error) {
		next := cur
		next.Holder = patron
		next.DueBack = Date{}
		return next, nil
	})
}

// AssignLoan lends a copy to a patron. A reserved copy can only be lent to
// the patron holding the reservation. A zero dueBack means the default loan
// period from today.
func (m *Machine) AssignLoan(ctx context.Context, id CopyID, patron PatronID, dueBack Date) (Copy, error) {
	if patron == "" {
		return Copy{}, fmt.Errorf("assign loan on copy %s: patron is required: %w", id, ErrInvalidCopy)
	}
	today := m.Clock.Today()
	if dueBack.IsZero() {
		dueBack = today.AddDays(m.loanPeriod())
	}
	if !dueBack.After(today) {
		m.Metrics.Transition(OpAssignLoan, OutcomeRejected)
		return Copy{}, fmt.Errorf("assign loan on copy %s due %s: %w", id, dueBack, ErrInvalidLoanDate)
	}
	return m.apply(ctx, OpAssignLoan, id, "", m.maxAttempts(), func(cur Copy) (Copy, error) {
		if cur.Status == StatusReserved && cur.Holder != patron {
			return Copy{}, &TransitionError{Op: OpAssignLoan, CopyID: id, Status: cur.Status, Reason: "reserved for another patron"}
		}
		next := cur
		next.Holder = patron
		next.DueBack = dueBack
		return next, nil
	})
}

// Renew extends the due date of an on-loan copy. The actor must hold the
// renewal capability; a zero newDueBack means the default renewal period
// from today.
func (m *Machine) Renew(ctx context.Context, id CopyID, newDueBack Date, actor ActorID) (Copy, error) {
	if m.Authorizer == nil || !m.Authorizer.HasCapability(ctx, actor, CapabilityRenew) {
		m.Metrics.Transition(OpRenew, OutcomeRejected)
		return Copy{}, fmt.Errorf("renew copy %s as %q: %w", id, actor, ErrUnauthorized)
	}
	today := m.Clock.Today()
	if newDueBack.IsZero() {
		newDueBack = today.AddDays(m.renewalPeriod())
	}
	if !newDueBack.After(today) {
		m.Metrics.Transition(OpRenew, OutcomeRejected)
		return Copy{}, fmt.Errorf("renew copy %s to %s: %w", id, newDueBack, ErrInvalidRenewalDate)
	}
	return m.apply(ctx, OpRenew, id, actor, m.maxAttempts(), func(cur Copy) (Copy, error) {
		next := cur
		next.DueBack = newDueBack
		return next, nil
	})
}

// Return releases a loan or a reservation.
func (m *Machine) Return(ctx context.Context, id CopyID) (Copy, error) {
	return m.apply(ctx, OpReturn, id, "", m.maxAttempts(), clearClaim)
}

// WithdrawForMaintenance pulls a copy out of circulation from any status.
func (m *Machine) WithdrawForMaintenance(ctx context.Context, id CopyID) (Copy, error) {
	return m.apply(ctx, OpWithdraw, id, "", m.maxAttempts(), clearClaim)
}

func clearClaim(cur Copy) (Copy, error) {
	next := cur
	next.Holder = ""
	next.DueBack = Date{}
	return next, nil
}

// =============================================================================
// READ-CHECK-WRITE LOOP
// =============================================================================

func (m *Machine) apply(
	ctx context.Context,
	op Operation,
	id CopyID,
	actor ActorID,
	attempts int,
	mutate func(cur Copy) (Copy, error),
) (Copy, error) {
	t := transitions[op]

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cur, err := m.Ledger.Get(ctx, id)
		if err != nil {
			m.Metrics.Transition(op, OutcomeFailed)
			return Copy{}, err
		}
		if !CanApply(op, cur.Status) {
			m.Metrics.Transition(op, OutcomeRejected)
			return Copy{}, &TransitionError{Op: op, CopyID: id, Status: cur.Status}
		}

		next, err := mutate(cur)
		if err != nil {
			m.Metrics.Transition(op, OutcomeRejected)
			return Copy{}, err
		}
		next.ID = cur.ID
		next.TitleRef = cur.TitleRef
		next.Status = t.to
		next.UpdatedAt = time.Now().UTC()
		if err := next.Validate(); err != nil {
			m.Metrics.Transition(op, OutcomeFailed)
			return Copy{}, err
		}

		committed, err := m.Ledger.CompareAndSet(ctx, id, cur.Status, cur.Version, next)
		if errors.Is(err, ErrConcurrencyConflict) {
			m.Metrics.Transition(op, OutcomeConflict)
			m.Logger.Debug().
				Str("copy_id", string(id)).
				Str("op", string(op)).
				Int("attempt", attempt).
				Msg("compare-and-set conflict, re-reading")
			lastErr = err
			continue
		}
		if err != nil {
			m.Metrics.Transition(op, OutcomeFailed)
			return Copy{}, err
		}

		m.Metrics.Transition(op, OutcomeCommitted)
		m.record(ctx, op, cur, committed, actor)
		return committed, nil
	}

	return Copy{}, fmt.Errorf("%s copy %s: %w after %d attempts: %v", op, id, ErrTransientFailure, attempts, lastErr)
}

func (m *Machine) record(ctx context.Context, op Operation, before, after Copy, actor ActorID) {
	m.Logger.Debug().
		Str("copy_id", string(after.ID)).
		Str("op", string(op)).
		Str("from", string(before.Status)).
		Str("to", string(after.Status)).
		Uint64("version", after.Version).
		Msg("transition committed")

	if m.Audit == nil {
		return
	}
	patron := after.Holder
	if patron == "" {
		patron = before.Holder
	}
	entry := AuditEntry{
		ID:        fmt.Sprintf("%s-v%d", after.ID, after.Version),
		CopyID:    after.ID,
		Op:        op,
		From:      before.Status,
		To:        after.Status,
		Patron:    patron,
		Actor:     actor,
		DueBack:   after.DueBack,
		Version:   after.Version,
		Timestamp: after.UpdatedAt,
	}
	// The transition is already committed; a lost audit line must not undo it.
	if err := m.Audit.Append(ctx, entry); err != nil {
		m.Logger.Warn().Err(err).Str("copy_id", string(after.ID)).Str("op", string(op)).Msg("failed to append audit entry")
	}
}

func (m *Machine) maxAttempts() int {
	if m.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return m.MaxAttempts
}

func (m *Machine) loanPeriod() int {
	if m.LoanPeriodDays <= 0 {
		return DefaultLoanPeriodDays
	}
	return m.LoanPeriodDays
}

func (m *Machine) renewalPeriod() int {
	if m.RenewalPeriodDays <= 0 {
		return DefaultRenewalPeriodDays
	}
	return m.RenewalPeriodDays
}
