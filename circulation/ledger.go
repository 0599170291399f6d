/*
ledger.go - Persistence interfaces for copy records

PURPOSE:
  Defines the boundary between the lending rules and storage. The Copy
  Ledger is the single shared mutable resource in the system; everything
  else in this package is stateless logic over it.

KEY INTERFACES:
  Ledger:           Get, CompareAndSet, ListByTitle (what the rules need)
  AdminLedger:      Create/Delete and reporting queries
  AuditLog:         Append-only history of committed transitions
  IdempotencyStore: Request keys for retried reservations

COMPARE-AND-SET CONTRACT:
  CompareAndSet(id, expectedStatus, expectedVersion, next) writes `next`
  only if the stored record still has expectedStatus AND expectedVersion.
  The stored version becomes expectedVersion+1. Otherwise it returns
  ErrConcurrencyConflict and writes nothing. This is what makes each copy
  linearizable: two operations can never both observe the same precondition
  and both commit.

IMPLEMENTATIONS:
  - circulation/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:      SQLite via sqlx
  - store/postgres/postgres.go:  PostgreSQL via pgxpool + goqu

SEE ALSO:
  - machine.go: The only writer of existing records
*/
package circulation

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// LEDGER - What the lending rules need
// =============================================================================

type Ledger interface {
	// Get returns the current record. ErrCopyNotFound if absent.
	Get(ctx context.Context, id CopyID) (Copy, error)

	// CompareAndSet atomically replaces the record if it still has the expected
	// status and version. Returns the committed record.
	CompareAndSet(ctx context.Context, id CopyID, expected Status, expectedVersion uint64, next Copy) (Copy, error)

	// ListByTitle returns copies of a title, ordered by ID. With no statuses
	// given, all copies are returned.
	ListByTitle(ctx context.Context, title TitleRef, statuses ...Status) ([]Copy, error)
}

// AdminLedger extends Ledger with administrative writes and reporting queries.
type AdminLedger interface {
	Ledger

	// Create stores a new copy, which must be in Maintenance.
	// ErrDuplicateCopy if the ID exists.
	Create(ctx context.Context, c Copy) error

	// Delete removes a copy. Only Available or Maintenance copies may be
	// removed; otherwise ErrCopyInUse.
	Delete(ctx context.Context, id CopyID) error

	// ListByStatus returns copies across all titles, ordered by ID.
	ListByStatus(ctx context.Context, statuses ...Status) ([]Copy, error)

	// ListByHolder returns copies held by a patron, soonest due first.
	ListByHolder(ctx context.Context, patron PatronID) ([]Copy, error)

	// CountByStatus counts copies per status for one title, or for the whole
	// library when title is empty.
	CountByStatus(ctx context.Context, title TitleRef) (map[Status]int, error)
}

// =============================================================================
// AUDIT LOG - Who did what when
// =============================================================================

type AuditEntry struct {
	ID        string
	CopyID    CopyID
	Op        Operation
	From      Status
	To        Status
	Patron    PatronID
	Actor     ActorID
	DueBack   Date
	Version   uint64
	Timestamp time.Time
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	History(ctx context.Context, id CopyID) ([]AuditEntry, error)
}

// =============================================================================
// IDEMPOTENCY - Retried reservation requests
// =============================================================================

// IdempotencyState is the outcome of claiming a request key.
type IdempotencyState int

const (
	// KeyNew means the caller now owns the key and must Complete or Release it.
	KeyNew IdempotencyState = iota
	// KeyPending means another request with this key is still running.
	KeyPending
	// KeyCompleted means the request already succeeded; CopyID is set.
	KeyCompleted
)

// IdempotencyStore records request keys so a retried reservation returns the
// copy it already reserved instead of claiming a second one.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (IdempotencyState, CopyID, error)
	Complete(ctx context.Context, key string, id CopyID) error
	Release(ctx context.Context, key string) error
}

// =============================================================================
// TITLE RESOLUTION
// =============================================================================

// TitleResolver maps a patron's title query to its catalog identity.
// Unknown titles return ErrTitleNotFound.
type TitleResolver interface {
	Resolve(ctx context.Context, query string) (TitleRef, error)
}

// =============================================================================
// HELPERS
// =============================================================================

// SortByID orders copies by ID in place.
func SortByID(copies []Copy) {
	sort.Slice(copies, func(i, j int) bool { return copies[i].ID < copies[j].ID })
}

// SortByDueBack orders copies soonest-due first; copies without a due date go last.
func SortByDueBack(copies []Copy) {
	sort.SliceStable(copies, func(i, j int) bool {
		a, b := copies[i].DueBack, copies[j].DueBack
		switch {
		case a.IsZero() && b.IsZero():
			return copies[i].ID < copies[j].ID
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		case a.Equal(b):
			return copies[i].ID < copies[j].ID
		}
		return a.Before(b)
	})
}

// StatusSet turns a filter list into a lookup; nil means "any status".
func StatusSet(statuses []Status) map[Status]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}
