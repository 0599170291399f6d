/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circulation model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types implement ozzo-validation's Validatable. Handlers call
  Validate() right after decoding and answer 400 on failure. Domain rules
  (status checks, due dates in the future) stay in the circulation package.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// COPIES
// =============================================================================

// CopyDTO represents a copy in API responses.
type CopyDTO struct {
	ID          string `json:"id"`
	TitleRef    string `json:"title_ref"`
	Imprint     string `json:"imprint,omitempty"`
	Location    string `json:"location,omitempty"`
	Status      string `json:"status"`
	DueBack     string `json:"due_back,omitempty"`
	Holder      string `json:"holder,omitempty"`
	Overdue     bool   `json:"overdue"`
	DaysOverdue int    `json:"days_overdue,omitempty"`
	Version     uint64 `json:"version"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func toCopyDTO(c circulation.Copy, today circulation.Date) CopyDTO {
	dto := CopyDTO{
		ID:          string(c.ID),
		TitleRef:    string(c.TitleRef),
		Imprint:     c.Imprint,
		Location:    c.Location,
		Status:      string(c.Status),
		DueBack:     c.DueBack.String(),
		Holder:      string(c.Holder),
		Overdue:     circulation.IsOverdue(c, today),
		DaysOverdue: circulation.DaysOverdue(c, today),
		Version:     c.Version,
	}
	if !c.UpdatedAt.IsZero() {
		dto.UpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toCopyDTOs(copies []circulation.Copy, today circulation.Date) []CopyDTO {
	dtos := make([]CopyDTO, 0, len(copies))
	for _, c := range copies {
		dtos = append(dtos, toCopyDTO(c, today))
	}
	return dtos
}

// CreateCopyRequest registers a new physical copy. It starts in maintenance.
type CreateCopyRequest struct {
	ID       string `json:"id,omitempty"` // generated when empty
	TitleRef string `json:"title_ref"`
	Imprint  string `json:"imprint"`
	Location string `json:"location"`
}

func (r CreateCopyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Length(0, 64)),
		validation.Field(&r.TitleRef, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Imprint, validation.Length(0, 200)),
		validation.Field(&r.Location, validation.Length(0, 100)),
	)
}

// ReserveRequest holds a specific copy for a patron.
type ReserveRequest struct {
	Patron string `json:"patron"`
}

func (r ReserveRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Patron, validation.Required),
	)
}

// LoanRequest lends a copy. DueBack is YYYY-MM-DD; empty means the default
// loan period.
type LoanRequest struct {
	Patron  string `json:"patron"`
	DueBack string `json:"due_back,omitempty"`
}

func (r LoanRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Patron, validation.Required),
		validation.Field(&r.DueBack, validation.Date("2006-01-02")),
	)
}

// RenewRequest extends a loan. The actor comes from the bearer token when
// one is present, otherwise from the body.
type RenewRequest struct {
	DueBack string `json:"due_back,omitempty"`
	Actor   string `json:"actor,omitempty"`
}

func (r RenewRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DueBack, validation.Date("2006-01-02")),
	)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReservationRequest asks for any available copy of a title. Title is
// resolved through the catalog; TitleRef is used as-is.
type ReservationRequest struct {
	Title    string `json:"title,omitempty"`
	TitleRef string `json:"title_ref,omitempty"`
	Patron   string `json:"patron"`
}

func (r ReservationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Patron, validation.Required),
		validation.Field(&r.Title, validation.When(r.TitleRef == "", validation.Required.Error("title or title_ref is required"))),
	)
}

// =============================================================================
// HISTORY AND STATS
// =============================================================================

// AuditEntryDTO is one committed transition.
type AuditEntryDTO struct {
	ID        string `json:"id"`
	Op        string `json:"op"`
	From      string `json:"from"`
	To        string `json:"to"`
	Patron    string `json:"patron,omitempty"`
	Actor     string `json:"actor,omitempty"`
	DueBack   string `json:"due_back,omitempty"`
	Version   uint64 `json:"version"`
	Timestamp string `json:"timestamp"`
}

func toAuditEntryDTO(e circulation.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Op:        string(e.Op),
		From:      string(e.From),
		To:        string(e.To),
		Patron:    string(e.Patron),
		Actor:     string(e.Actor),
		DueBack:   e.DueBack.String(),
		Version:   e.Version,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
	}
}

// StatsDTO counts copies per status, for one title or the whole library.
type StatsDTO struct {
	TitleRef string         `json:"title_ref,omitempty"`
	Counts   map[string]int `json:"counts"`
	Total    int            `json:"total"`
}

// PatronLoansDTO lists what a patron holds, earliest due first.
type PatronLoansDTO struct {
	Patron  string    `json:"patron"`
	Copies  []CopyDTO `json:"copies"`
	Overdue int       `json:"overdue"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
