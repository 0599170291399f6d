/*
matcher.go - Reserve "any available copy" of a title

PURPOSE:
  Patrons ask for a title, not a copy. The Matcher picks one Available copy
  of the title and reserves it, and it does so safely when many patrons ask
  for the same title at once.

GUARANTEE:
  Under concurrent calls for the same title each Available copy is claimed
  by at most one caller. A caller either gets a copy it uniquely holds in
  Reserved status, or ErrNoCopyAvailable. Given N callers and K Available
  copies (K < N), exactly K succeed.

HOW:
  1. Scan ListByTitle(title, Available, Reserved). The snapshot may be stale.
  2. Try candidates lowest ID first. Each try is a single Machine reserve,
     which re-checks the status under compare-and-set.
  3. A lost race (the copy is no longer Available, or the CAS kept losing)
     moves on to the next candidate. It is not an error for the caller.
  4. When the list runs out, take a fresh scan, up to MaxScans scans, then
     report ErrNoCopyAvailable.

  A copy only drops out of a scan because another caller reserved it, so
  running out of candidates means every copy went to someone else.

IDEMPOTENCY:
  A request may carry a RequestKey. A retried request with the same key
  returns the copy the first attempt reserved. Independently, a patron who
  already holds a reservation on the title gets that copy back instead of a
  second one.

SEE ALSO:
  - machine.go: Reserve and the CAS loop
  - ledger.go:  IdempotencyStore
*/
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const DefaultMaxScans = 3

// ReservationRequest asks for any available copy of a title.
type ReservationRequest struct {
	Title      TitleRef
	Patron     PatronID
	RequestKey string // optional idempotency key
}

// Matcher reserves one available copy per request.
type Matcher struct {
	Machine     *Machine
	Idempotency IdempotencyStore // optional
	MaxScans    int
	Logger      zerolog.Logger
}

func NewMatcher(m *Machine, idem IdempotencyStore) *Matcher {
	return &Matcher{
		Machine:     m,
		Idempotency: idem,
		MaxScans:    DefaultMaxScans,
		Logger:      m.Logger,
	}
}

// MatchAndReserve reserves the lowest-ID available copy of title for patron.
func (mt *Matcher) MatchAndReserve(ctx context.Context, title TitleRef, patron PatronID) (Copy, error) {
	return mt.Reserve(ctx, ReservationRequest{Title: title, Patron: patron})
}

// Reserve is MatchAndReserve with an optional idempotency key.
func (mt *Matcher) Reserve(ctx context.Context, req ReservationRequest) (Copy, error) {
	if req.Title == "" || req.Patron == "" {
		return Copy{}, fmt.Errorf("reservation needs a title and a patron: %w", ErrInvalidCopy)
	}
	if req.RequestKey == "" || mt.Idempotency == nil {
		return mt.match(ctx, req)
	}

	state, prior, err := mt.Idempotency.Begin(ctx, req.RequestKey)
	if err != nil {
		return Copy{}, fmt.Errorf("failed to claim request key: %w", err)
	}
	switch state {
	case KeyCompleted:
		return mt.Machine.Ledger.Get(ctx, prior)
	case KeyPending:
		return Copy{}, ErrRequestInProgress
	}

	c, err := mt.match(ctx, req)
	if err != nil {
		if relErr := mt.Idempotency.Release(ctx, req.RequestKey); relErr != nil {
			mt.Logger.Warn().Err(relErr).Str("request_key", req.RequestKey).Msg("failed to release request key")
		}
		return Copy{}, err
	}
	if cErr := mt.Idempotency.Complete(ctx, req.RequestKey, c.ID); cErr != nil {
		mt.Logger.Warn().Err(cErr).Str("request_key", req.RequestKey).Str("copy_id", string(c.ID)).Msg("failed to complete request key")
	}
	return c, nil
}

func (mt *Matcher) match(ctx context.Context, req ReservationRequest) (Copy, error) {
	ledger := mt.Machine.Ledger

	for scan := 1; scan <= mt.maxScans(); scan++ {
		copies, err := ledger.ListByTitle(ctx, req.Title, StatusAvailable, StatusReserved)
		if err != nil {
			return Copy{}, fmt.Errorf("failed to list copies of %s: %w", req.Title, err)
		}

		var candidates []Copy
		for _, c := range copies {
			if c.Status == StatusReserved && c.Holder == req.Patron {
				return c, nil
			}
			if c.Status == StatusAvailable {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			break
		}
		SortByID(candidates)

		for _, c := range candidates {
			reserved, err := mt.Machine.reserve(ctx, c.ID, req.Patron, 1)
			if err == nil {
				return reserved, nil
			}
			if !lostRace(err) {
				return Copy{}, err
			}
			mt.Machine.Metrics.LostRace()
			mt.Logger.Debug().
				Str("title", string(req.Title)).
				Str("copy_id", string(c.ID)).
				Int("scan", scan).
				Msg("lost reservation race, trying next copy")
		}
	}

	return Copy{}, fmt.Errorf("title %s: %w", req.Title, ErrNoCopyAvailable)
}

// lostRace reports errors meaning "someone else got this copy first".
func lostRace(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTransientFailure) ||
		errors.Is(err, ErrCopyNotFound)
}

func (mt *Matcher) maxScans() int {
	if mt.MaxScans <= 0 {
		return DefaultMaxScans
	}
	return mt.MaxScans
}
