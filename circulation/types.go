/*
Package circulation provides the lending and reservation engine for physical
library copies.

PURPOSE:
  This package owns the status model of a single physical copy, the rules
  for moving a copy between statuses, the overdue computation, and the
  concurrency discipline that keeps two patrons from claiming the same copy.
  Catalog browsing, authentication and presentation live elsewhere and talk
  to this package through narrow interfaces (Authorizer, Clock, TitleResolver).

KEY CONCEPTS IN THIS FILE (types.go):
  - Copy:     A physical, individually tracked instance of a title
  - Status:   Maintenance, Available, OnLoan, Reserved
  - TitleRef: Catalog identity shared by all copies of the same work
  - PatronID: Who a loan or reservation is held for

INVARIANTS (checked by Copy.Validate before every ledger write):
  on_loan:  OnLoan                 => DueBack set, Holder set
  idle:     Available, Maintenance => DueBack unset, Holder unset
  reserved: Reserved               => Holder set, DueBack unset
  id:       ID is immutable and unique for the lifetime of the record

USAGE:
  c := circulation.NewCopy("dune", "Ace 1990", "stacks-3")
  err := ledger.Create(ctx, c)             // created in Maintenance
  c, err = machine.MakeAvailable(ctx, c.ID)

SEE ALSO:
  - machine.go: Transition table and the Machine operations
  - ledger.go:  Persistence interfaces
  - matcher.go: Title-level reservation under contention
*/
package circulation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CopyID string
type TitleRef string
type PatronID string
type ActorID string

// NewCopyID returns a fresh random copy identifier.
func NewCopyID() CopyID {
	return CopyID(uuid.NewString())
}

// =============================================================================
// STATUS
// =============================================================================

// Status is the lending status of a physical copy.
type Status string

const (
	StatusMaintenance Status = "maintenance"
	StatusAvailable   Status = "available"
	StatusOnLoan      Status = "on_loan"
	StatusReserved    Status = "reserved"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusMaintenance, StatusAvailable, StatusOnLoan, StatusReserved}

// legacyCodes maps the single-letter codes used by older catalog exports.
var legacyCodes = map[string]Status{
	"m": StatusMaintenance,
	"a": StatusAvailable,
	"o": StatusOnLoan,
	"r": StatusReserved,
}

// ParseStatus accepts both the canonical names and the legacy one-letter codes.
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if st, ok := legacyCodes[s]; ok {
		return st, nil
	}
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown copy status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusMaintenance, StatusAvailable, StatusOnLoan, StatusReserved:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// =============================================================================
// COPY - The central entity
// =============================================================================

// Copy is one physical copy of a title.
//
// Version is the compare-and-set token: every committed transition increments
// it, and a write only lands if the caller saw the current version.
type Copy struct {
	ID       CopyID
	TitleRef TitleRef
	Imprint  string
	Location string

	Status  Status
	DueBack Date     // zero = unset
	Holder  PatronID // "" = unset

	Version   uint64
	UpdatedAt time.Time
}

// NewCopy builds a copy in its initial Maintenance status.
func NewCopy(title TitleRef, imprint, location string) Copy {
	return Copy{
		ID:       NewCopyID(),
		TitleRef: title,
		Imprint:  imprint,
		Location: location,
		Status:   StatusMaintenance,
	}
}

func (c Copy) HasHolder() bool  { return c.Holder != "" }
func (c Copy) HasDueBack() bool { return !c.DueBack.IsZero() }

// Validate checks the field invariants that must hold after every commit.
func (c Copy) Validate() error {
	if c.ID == "" {
		return &InvariantError{CopyID: c.ID, Rule: "id", Detail: "copy id is required"}
	}
	if c.TitleRef == "" {
		return &InvariantError{CopyID: c.ID, Rule: "title", Detail: "title reference is required"}
	}
	switch c.Status {
	case StatusOnLoan:
		if !c.HasDueBack() || !c.HasHolder() {
			return &InvariantError{CopyID: c.ID, Rule: "on_loan", Detail: "on-loan copy needs a holder and a due date"}
		}
	case StatusAvailable, StatusMaintenance:
		if c.HasDueBack() || c.HasHolder() {
			return &InvariantError{CopyID: c.ID, Rule: "idle", Detail: fmt.Sprintf("%s copy must not carry a holder or due date", c.Status)}
		}
	case StatusReserved:
		if !c.HasHolder() {
			return &InvariantError{CopyID: c.ID, Rule: "reserved", Detail: "reserved copy needs a holder"}
		}
		if c.HasDueBack() {
			return &InvariantError{CopyID: c.ID, Rule: "reserved", Detail: "reserved copy carries no due date"}
		}
	default:
		return &InvariantError{CopyID: c.ID, Rule: "status", Detail: fmt.Sprintf("unknown status %q", c.Status)}
	}
	return nil
}

// ValidateNew checks a copy about to be registered. Every copy enters the
// ledger in Maintenance.
func (c Copy) ValidateNew() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status != StatusMaintenance {
		return &InvariantError{CopyID: c.ID, Rule: "creation", Detail: fmt.Sprintf("new copy must start in %s, not %s", StatusMaintenance, c.Status)}
	}
	return nil
}

func (c Copy) String() string {
	return fmt.Sprintf("%s (%s, %s)", c.ID, c.TitleRef, c.Status)
}
