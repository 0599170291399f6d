package circulation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const librarian circulation.ActorID = "librarian-1"

var jan1 = circulation.NewDate(2024, time.January, 1)

type engine struct {
	ledger  *store.Memory
	clock   *circulation.FixedClock
	machine *circulation.Machine
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	ledger := store.NewMemory()
	clock := circulation.NewFixedClock(jan1)
	auth := circulation.AuthorizerFunc(func(_ context.Context, actor circulation.ActorID, c circulation.Capability) bool {
		return actor == librarian && c == circulation.CapabilityRenew
	})
	m := circulation.NewMachine(ledger, clock, auth)
	m.Audit = ledger
	return &engine{ledger: ledger, clock: clock, machine: m}
}

func (e *engine) seed(t *testing.T, c circulation.Copy) circulation.Copy {
	t.Helper()
	got, err := store.Seed(context.Background(), e.ledger, c)
	require.NoError(t, err)
	return got
}

func copyIn(id string, title string, status circulation.Status) circulation.Copy {
	return circulation.Copy{
		ID:       circulation.CopyID(id),
		TitleRef: circulation.TitleRef(title),
		Imprint:  "test imprint",
		Status:   status,
	}
}

func onLoan(id, title string, holder circulation.PatronID, due circulation.Date) circulation.Copy {
	c := copyIn(id, title, circulation.StatusOnLoan)
	c.Holder = holder
	c.DueBack = due
	return c
}

func reserved(id, title string, holder circulation.PatronID) circulation.Copy {
	c := copyIn(id, title, circulation.StatusReserved)
	c.Holder = holder
	return c
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestMachine_TransitionMatrix(t *testing.T) {
	// Every operation from every status either commits to its target status
	// or fails with ErrInvalidTransition and leaves the record untouched.
	seeds := map[circulation.Status]func(id string) circulation.Copy{
		circulation.StatusMaintenance: func(id string) circulation.Copy { return copyIn(id, "dune", circulation.StatusMaintenance) },
		circulation.StatusAvailable:   func(id string) circulation.Copy { return copyIn(id, "dune", circulation.StatusAvailable) },
		circulation.StatusOnLoan:      func(id string) circulation.Copy { return onLoan(id, "dune", "alice", jan1.AddDays(10)) },
		circulation.StatusReserved:    func(id string) circulation.Copy { return reserved(id, "dune", "alice") },
	}

	type opCase struct {
		op  circulation.Operation
		run func(e *engine, id circulation.CopyID) (circulation.Copy, error)
	}
	ctx := context.Background()
	ops := []opCase{
		{circulation.OpMakeAvailable, func(e *engine, id circulation.CopyID) (circulation.Copy, error) {
			return e.machine.MakeAvailable(ctx, id)
		}},
		{circulation.OpReserve, func(e *engine, id circulation.CopyID) (circulation.Copy, error) {
			return e.machine.Reserve(ctx, id, "bob")
		}},
		{circulation.OpAssignLoan, func(e *engine, id circulation.CopyID) (circulation.Copy, error) {
			return e.machine.AssignLoan(ctx, id, "alice", jan1.AddDays(21))
		}},
		{circulation.OpRenew, func(e *engine, id circulation.CopyID) (circulation.Copy, error) {
			return e.machine.Renew(ctx, id, jan1.AddDays(30), librarian)
		}},
		{circulation.OpReturn, func(e *engine, id circulation.CopyID) (circulation.Copy, error) {
			return e.machine.Return(ctx, id)
		}},
		{circulation.OpWithdraw, func(e *engine, id circulation.CopyID) (circulation.Copy, error) {
			return e.machine.WithdrawForMaintenance(ctx, id)
		}},
	}

	for from, seed := range seeds {
		for _, oc := range ops {
			t.Run(string(oc.op)+"_from_"+string(from), func(t *testing.T) {
				e := newEngine(t)
				before := e.seed(t, seed("c1"))

				got, err := oc.run(e, before.ID)

				if circulation.CanApply(oc.op, from) {
					require.NoError(t, err)
					want, _ := circulation.TargetStatus(oc.op)
					assert.Equal(t, want, got.Status)
					assert.Equal(t, before.Version+1, got.Version)
					assert.NoError(t, got.Validate())
					return
				}

				require.Error(t, err)
				assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
				var te *circulation.TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, oc.op, te.Op)
				assert.Equal(t, from, te.Status)

				after, err := e.ledger.Get(ctx, before.ID)
				require.NoError(t, err)
				assert.Equal(t, before, after, "failed transition must not mutate")
			})
		}
	}
}

func TestMachine_ReserveOnLoan_Rejected(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	before := e.seed(t, onLoan("c1", "dune", "carol", jan1.AddDays(5)))

	_, err := e.machine.Reserve(ctx, "c1", "alice")

	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
	after, _ := e.ledger.Get(ctx, "c1")
	assert.Equal(t, before, after)
}

func TestMachine_ReserveThenReturn_RoundTrip(t *testing.T) {
	// GIVEN: An available copy
	// WHEN: Reserved then returned
	// THEN: Available again with no holder and no due date
	e := newEngine(t)
	ctx := context.Background()
	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))

	r, err := e.machine.Reserve(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReserved, r.Status)
	assert.Equal(t, circulation.PatronID("alice"), r.Holder)

	c, err := e.machine.Return(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusAvailable, c.Status)
	assert.False(t, c.HasHolder())
	assert.False(t, c.HasDueBack())
}

func TestMachine_AssignLoan_ReservedForAnotherPatron_Rejected(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.seed(t, reserved("c1", "dune", "alice"))

	_, err := e.machine.AssignLoan(ctx, "c1", "bob", jan1.AddDays(21))

	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
	var te *circulation.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "reserved for another patron", te.Reason)
}

func TestMachine_AssignLoan_ReservedBySamePatron(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.seed(t, reserved("c1", "dune", "alice"))

	c, err := e.machine.AssignLoan(ctx, "c1", "alice", circulation.Date{})

	require.NoError(t, err)
	assert.Equal(t, circulation.StatusOnLoan, c.Status)
	assert.Equal(t, jan1.AddDays(circulation.DefaultLoanPeriodDays), c.DueBack, "zero due date means default loan period")
}

func TestMachine_AssignLoan_DueDateNotInFuture_Rejected(t *testing.T) {
	e := newEngine(t)
	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))

	_, err := e.machine.AssignLoan(context.Background(), "c1", "alice", jan1)

	assert.ErrorIs(t, err, circulation.ErrInvalidLoanDate)
}

func TestMachine_UnknownCopy(t *testing.T) {
	e := newEngine(t)

	_, err := e.machine.Return(context.Background(), "missing")

	assert.ErrorIs(t, err, circulation.ErrCopyNotFound)
	assert.True(t, circulation.IsNotFound(err))
}

// =============================================================================
// RENEWAL
// =============================================================================

func TestMachine_Renew_Scenario(t *testing.T) {
	// GIVEN: c2 on loan to carol, due 2024-01-10
	// WHEN: A librarian renews to 2024-02-01
	// THEN: Due date moves, status and holder unchanged
	e := newEngine(t)
	ctx := context.Background()
	e.seed(t, onLoan("c2", "dune", "carol", circulation.NewDate(2024, time.January, 10)))

	c, err := e.machine.Renew(ctx, "c2", circulation.NewDate(2024, time.February, 1), librarian)

	require.NoError(t, err)
	assert.Equal(t, circulation.StatusOnLoan, c.Status)
	assert.Equal(t, circulation.PatronID("carol"), c.Holder)
	assert.Equal(t, "2024-02-01", c.DueBack.String())
}

func TestMachine_Renew_Available_Rejected(t *testing.T) {
	e := newEngine(t)
	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))

	_, err := e.machine.Renew(context.Background(), "c1", jan1.AddDays(21), librarian)

	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
}

func TestMachine_Renew_WithoutCapability_UnauthorizedForAnyStatus(t *testing.T) {
	for _, st := range circulation.AllStatuses {
		t.Run(string(st), func(t *testing.T) {
			e := newEngine(t)
			var c circulation.Copy
			switch st {
			case circulation.StatusOnLoan:
				c = onLoan("c1", "dune", "carol", jan1.AddDays(3))
			case circulation.StatusReserved:
				c = reserved("c1", "dune", "carol")
			default:
				c = copyIn("c1", "dune", st)
			}
			before := e.seed(t, c)

			_, err := e.machine.Renew(context.Background(), "c1", jan1.AddDays(21), "patron-mallory")

			assert.ErrorIs(t, err, circulation.ErrUnauthorized)
			after, _ := e.ledger.Get(context.Background(), "c1")
			assert.Equal(t, before, after)
		})
	}
}

func TestMachine_Renew_DateNotAfterToday_Rejected(t *testing.T) {
	e := newEngine(t)
	e.seed(t, onLoan("c1", "dune", "carol", jan1.AddDays(3)))

	_, err := e.machine.Renew(context.Background(), "c1", jan1, librarian)

	assert.ErrorIs(t, err, circulation.ErrInvalidRenewalDate)
}

func TestMachine_Renew_OverdueCopyStillAllowed(t *testing.T) {
	e := newEngine(t)
	e.seed(t, onLoan("c1", "dune", "carol", jan1.AddDays(-60)))

	c, err := e.machine.Renew(context.Background(), "c1", circulation.Date{}, librarian)

	require.NoError(t, err)
	assert.Equal(t, jan1.AddDays(circulation.DefaultRenewalPeriodDays), c.DueBack)
}

func TestRenewalAuthority_PermissionDenied(t *testing.T) {
	e := newEngine(t)
	e.seed(t, onLoan("c1", "dune", "carol", jan1.AddDays(3)))
	ra := circulation.NewRenewalAuthority(e.machine)

	_, err := ra.Renew(context.Background(), "c1", jan1.AddDays(21), "patron-mallory")

	var pd *circulation.PermissionDeniedError
	require.ErrorAs(t, err, &pd)
	assert.Equal(t, circulation.ActorID("patron-mallory"), pd.Actor)
	assert.ErrorIs(t, err, circulation.ErrUnauthorized)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// conflictingLedger fails the first n compare-and-sets with a conflict.
type conflictingLedger struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
}

func (l *conflictingLedger) CompareAndSet(ctx context.Context, id circulation.CopyID, expected circulation.Status, v uint64, next circulation.Copy) (circulation.Copy, error) {
	l.mu.Lock()
	if l.conflicts > 0 {
		l.conflicts--
		l.mu.Unlock()
		return circulation.Copy{}, circulation.ErrConcurrencyConflict
	}
	l.mu.Unlock()
	return l.Memory.CompareAndSet(ctx, id, expected, v, next)
}

func TestMachine_ConflictRetriedTransparently(t *testing.T) {
	ledger := &conflictingLedger{Memory: store.NewMemory(), conflicts: 2}
	_, err := store.Seed(context.Background(), ledger.Memory, copyIn("c1", "dune", circulation.StatusAvailable))
	require.NoError(t, err)
	m := circulation.NewMachine(ledger, circulation.NewFixedClock(jan1), nil)

	c, err := m.Reserve(context.Background(), "c1", "alice")

	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReserved, c.Status)
}

func TestMachine_ConflictExhaustion_TransientFailure(t *testing.T) {
	ledger := &conflictingLedger{Memory: store.NewMemory(), conflicts: 10}
	_, err := store.Seed(context.Background(), ledger.Memory, copyIn("c1", "dune", circulation.StatusAvailable))
	require.NoError(t, err)
	m := circulation.NewMachine(ledger, circulation.NewFixedClock(jan1), nil)

	_, err = m.Reserve(context.Background(), "c1", "alice")

	assert.ErrorIs(t, err, circulation.ErrTransientFailure)
	assert.False(t, errors.Is(err, circulation.ErrConcurrencyConflict), "conflicts stay internal")
	assert.True(t, circulation.IsRetryable(err))
}

func TestMachine_ConcurrentReserveSameCopy_OneWinner(t *testing.T) {
	e := newEngine(t)
	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.machine.Reserve(context.Background(), "c1", circulation.PatronID("p"+string(rune('a'+i))))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, circulation.ErrInvalidTransition) || errors.Is(err, circulation.ErrTransientFailure), err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

// =============================================================================
// INVARIANTS & AUDIT
// =============================================================================

func TestMachine_InvariantsHoldAfterSequence(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.seed(t, circulation.NewCopy("dune", "Ace", "stacks"))
	copies, _ := e.ledger.ListByTitle(ctx, "dune")
	id := copies[0].ID

	steps := []func() (circulation.Copy, error){
		func() (circulation.Copy, error) { return e.machine.MakeAvailable(ctx, id) },
		func() (circulation.Copy, error) { return e.machine.Reserve(ctx, id, "alice") },
		func() (circulation.Copy, error) { return e.machine.AssignLoan(ctx, id, "alice", circulation.Date{}) },
		func() (circulation.Copy, error) { return e.machine.Renew(ctx, id, circulation.Date{}, librarian) },
		func() (circulation.Copy, error) { return e.machine.Return(ctx, id) },
		func() (circulation.Copy, error) { return e.machine.AssignLoan(ctx, id, "bob", jan1.AddDays(7)) },
		func() (circulation.Copy, error) { return e.machine.WithdrawForMaintenance(ctx, id) },
	}
	for i, step := range steps {
		c, err := step()
		require.NoError(t, err, "step %d", i)
		require.NoError(t, c.Validate(), "step %d", i)
		assert.Equal(t, id, c.ID)
	}

	history, err := e.ledger.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, len(steps))
	assert.Equal(t, circulation.OpMakeAvailable, history[0].Op)
	assert.Equal(t, circulation.OpRenew, history[3].Op)
	assert.Equal(t, librarian, history[3].Actor)
	assert.Equal(t, circulation.PatronID("alice"), history[4].Patron, "return keeps the previous holder in the audit trail")
}

func TestParseStatus_LegacyCodes(t *testing.T) {
	cases := map[string]circulation.Status{
		"m":         circulation.StatusMaintenance,
		"a":         circulation.StatusAvailable,
		"o":         circulation.StatusOnLoan,
		"r":         circulation.StatusReserved,
		"on_loan":   circulation.StatusOnLoan,
		" Reserved": circulation.StatusReserved,
	}
	for in, want := range cases {
		got, err := circulation.ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := circulation.ParseStatus("lost")
	assert.Error(t, err)
}
