package circulation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

func TestMatcher_DuneScenario(t *testing.T) {
	// GIVEN: c1, the only Dune copy, is available
	// WHEN: alice asks for Dune, then bob asks for Dune
	// THEN: alice holds c1 reserved, bob gets ErrNoCopyAvailable
	e := newEngine(t)
	ctx := context.Background()
	e.seed(t, copyIn("c1", "Dune", circulation.StatusAvailable))
	mt := circulation.NewMatcher(e.machine, nil)

	c, err := mt.MatchAndReserve(ctx, "Dune", "alice")
	require.NoError(t, err)
	assert.Equal(t, circulation.CopyID("c1"), c.ID)
	assert.Equal(t, circulation.StatusReserved, c.Status)
	assert.Equal(t, circulation.PatronID("alice"), c.Holder)

	_, err = mt.MatchAndReserve(ctx, "Dune", "bob")
	assert.ErrorIs(t, err, circulation.ErrNoCopyAvailable)
}

func TestMatcher_LowestIDWins(t *testing.T) {
	e := newEngine(t)
	e.seed(t, copyIn("c3", "dune", circulation.StatusAvailable))
	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))
	e.seed(t, copyIn("c2", "dune", circulation.StatusAvailable))
	e.seed(t, copyIn("c0", "dune", circulation.StatusMaintenance))
	mt := circulation.NewMatcher(e.machine, nil)

	c, err := mt.MatchAndReserve(context.Background(), "dune", "alice")

	require.NoError(t, err)
	assert.Equal(t, circulation.CopyID("c1"), c.ID)
}

func TestMatcher_IgnoresOtherTitles(t *testing.T) {
	e := newEngine(t)
	e.seed(t, copyIn("c1", "emma", circulation.StatusAvailable))
	mt := circulation.NewMatcher(e.machine, nil)

	_, err := mt.MatchAndReserve(context.Background(), "dune", "alice")

	assert.ErrorIs(t, err, circulation.ErrNoCopyAvailable)
}

func TestMatcher_PatronAlreadyHoldsReservation_ReturnsSameCopy(t *testing.T) {
	e := newEngine(t)
	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))
	e.seed(t, copyIn("c2", "dune", circulation.StatusAvailable))
	mt := circulation.NewMatcher(e.machine, nil)
	ctx := context.Background()

	first, err := mt.MatchAndReserve(ctx, "dune", "alice")
	require.NoError(t, err)
	second, err := mt.MatchAndReserve(ctx, "dune", "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	avail, _ := e.ledger.ListByTitle(ctx, "dune", circulation.StatusAvailable)
	assert.Len(t, avail, 1, "second copy must stay on the shelf")
}

func TestMatcher_ConcurrentCallers_ExactlyKWin(t *testing.T) {
	// GIVEN: K available copies of a title
	// WHEN: N > K patrons ask for the title at the same time
	// THEN: Exactly K succeed with distinct copies, N-K get ErrNoCopyAvailable
	const (
		k = 5
		n = 40
	)
	e := newEngine(t)
	for i := 0; i < k; i++ {
		e.seed(t, copyIn(fmt.Sprintf("c%02d", i), "dune", circulation.StatusAvailable))
	}
	mt := circulation.NewMatcher(e.machine, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = make(map[circulation.CopyID]circulation.PatronID)
		misses  int
		others  []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(patron circulation.PatronID) {
			defer wg.Done()
			<-start
			c, err := mt.MatchAndReserve(context.Background(), "dune", patron)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if prev, dup := winners[c.ID]; dup {
					others = append(others, fmt.Errorf("copy %s returned to %s and %s", c.ID, prev, patron))
				}
				winners[c.ID] = patron
			case circulation.IsRetryable(err):
				others = append(others, err)
			default:
				assert.ErrorIs(t, err, circulation.ErrNoCopyAvailable)
				misses++
			}
		}(circulation.PatronID(fmt.Sprintf("patron-%02d", i)))
	}
	close(start)
	wg.Wait()

	assert.Empty(t, others)
	assert.Len(t, winners, k)
	assert.Equal(t, n-k, misses)

	for id, patron := range winners {
		c, err := e.ledger.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, circulation.StatusReserved, c.Status)
		assert.Equal(t, patron, c.Holder)
	}
}

func TestMatcher_RequestKey_ReplaysFirstResult(t *testing.T) {
	e := newEngine(t)
	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))
	e.seed(t, copyIn("c2", "dune", circulation.StatusAvailable))
	mt := circulation.NewMatcher(e.machine, store.NewMemoryKeys(time.Hour))
	ctx := context.Background()
	req := circulation.ReservationRequest{Title: "dune", Patron: "alice", RequestKey: "req-1"}

	first, err := mt.Reserve(ctx, req)
	require.NoError(t, err)

	// The first copy was handed back in the meantime; the retry must not claim c2.
	_, err = e.machine.Return(ctx, first.ID)
	require.NoError(t, err)

	again, err := mt.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	reservedCopies, _ := e.ledger.ListByTitle(ctx, "dune", circulation.StatusReserved)
	assert.Empty(t, reservedCopies)
}

func TestMatcher_RequestKey_ReleasedOnFailure(t *testing.T) {
	e := newEngine(t)
	keys := store.NewMemoryKeys(time.Hour)
	mt := circulation.NewMatcher(e.machine, keys)
	ctx := context.Background()
	req := circulation.ReservationRequest{Title: "dune", Patron: "alice", RequestKey: "req-1"}

	_, err := mt.Reserve(ctx, req)
	require.ErrorIs(t, err, circulation.ErrNoCopyAvailable)

	e.seed(t, copyIn("c1", "dune", circulation.StatusAvailable))
	c, err := mt.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, circulation.CopyID("c1"), c.ID)
}

func TestMatcher_RequestKey_InProgress(t *testing.T) {
	e := newEngine(t)
	keys := store.NewMemoryKeys(time.Hour)
	mt := circulation.NewMatcher(e.machine, keys)
	ctx := context.Background()

	state, _, err := keys.Begin(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, circulation.KeyNew, state)

	_, err = mt.Reserve(ctx, circulation.ReservationRequest{Title: "dune", Patron: "alice", RequestKey: "req-1"})
	assert.ErrorIs(t, err, circulation.ErrRequestInProgress)
}

func TestMatcher_RequiresTitleAndPatron(t *testing.T) {
	e := newEngine(t)
	mt := circulation.NewMatcher(e.machine, nil)

	_, err := mt.MatchAndReserve(context.Background(), "", "alice")
	assert.ErrorIs(t, err, circulation.ErrInvalidCopy)
}
