/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes copy lending and reservation over REST. Handles HTTP
  request/response and JSON, and delegates every state change to the
  circulation package.

ENDPOINTS:
  Copies:
    GET    /api/copies                    List copies (?status=)
    POST   /api/copies                    Register a copy (starts in maintenance)
    GET    /api/copies/{id}               Copy details with overdue flag
    DELETE /api/copies/{id}               Remove a copy that is not on loan or reserved
    GET    /api/copies/{id}/history       Committed transitions

  Lending:
    POST   /api/copies/{id}/available     MakeAvailable
    POST   /api/copies/{id}/reserve       Reserve for a patron
    POST   /api/copies/{id}/loan          AssignLoan
    POST   /api/copies/{id}/renew         Renew (requires the renewal capability)
    POST   /api/copies/{id}/return        Return
    POST   /api/copies/{id}/maintenance   WithdrawForMaintenance

  Reservations:
    POST   /api/reservations              Reserve any available copy of a title
                                          (Idempotency-Key header honoured)

  Views:
    GET    /api/titles/{ref}/copies       Copies of a title (?status=)
    GET    /api/patrons/{id}/loans        What a patron holds
    GET    /api/stats                     Counts by status (?title=)
    GET    /api/overdue                   All overdue copies

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status picked by statusFor:
  - 400: Validation errors, bad dates, malformed copy
  - 403: Missing renewal capability
  - 404: Unknown copy or title, no copy available
  - 409: Invalid transition, copy in use, duplicate, request in progress
  - 503: Transient contention, retry later
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/warp/circulation-engine/auth"
	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   circulation.AdminLedger
	Audit    circulation.AuditLog // optional
	Machine  *circulation.Machine
	Matcher  *circulation.Matcher
	Renewals *circulation.RenewalAuthority
	Titles   circulation.TitleResolver // optional
	Tokens   *auth.TokenAuthorizer     // optional; names the renewing actor
	Logger   zerolog.Logger
}

// NewHandler wires handlers around a machine. The ledger must also support
// the admin operations.
func NewHandler(ledger circulation.AdminLedger, machine *circulation.Machine, matcher *circulation.Matcher) *Handler {
	return &Handler{
		Ledger:   ledger,
		Audit:    machine.Audit,
		Machine:  machine,
		Matcher:  matcher,
		Renewals: circulation.NewRenewalAuthority(machine),
		Logger:   machine.Logger,
	}
}

func (h *Handler) today() circulation.Date {
	return h.Machine.Clock.Today()
}

// =============================================================================
// COPY HANDLERS
// =============================================================================

// ListCopies returns every copy, optionally filtered by status.
func (h *Handler) ListCopies(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status filter", err)
		return
	}
	copies, err := h.Ledger.ListByStatus(r.Context(), statuses...)
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, toCopyDTOs(copies, h.today()))
}

// CreateCopy registers a new copy in maintenance.
func (h *Handler) CreateCopy(w http.ResponseWriter, r *http.Request) {
	var req CreateCopyRequest
	if !decode(w, r, &req) {
		return
	}

	c := circulation.NewCopy(circulation.TitleRef(req.TitleRef), req.Imprint, req.Location)
	if req.ID != "" {
		c.ID = circulation.CopyID(req.ID)
	}
	if err := h.Ledger.Create(r.Context(), c); err != nil {
		h.fail(w, r, "create", err)
		return
	}
	h.registerTitle(c.TitleRef)

	created, err := h.Ledger.Get(r.Context(), c.ID)
	if err != nil {
		h.fail(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCopyDTO(created, h.today()))
}

// GetCopy returns one copy.
func (h *Handler) GetCopy(w http.ResponseWriter, r *http.Request) {
	c, err := h.Ledger.Get(r.Context(), copyID(r))
	if err != nil {
		h.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toCopyDTO(c, h.today()))
}

// DeleteCopy removes a copy that nobody holds.
func (h *Handler) DeleteCopy(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Delete(r.Context(), copyID(r)); err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory returns the committed transitions of a copy.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := copyID(r)
	if _, err := h.Ledger.Get(r.Context(), id); err != nil {
		h.fail(w, r, "history", err)
		return
	}
	if h.Audit == nil {
		writeJSON(w, http.StatusOK, []AuditEntryDTO{})
		return
	}
	entries, err := h.Audit.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LENDING HANDLERS
// =============================================================================

// MakeAvailable puts a copy on the shelf.
func (h *Handler) MakeAvailable(w http.ResponseWriter, r *http.Request) {
	c, err := h.Machine.MakeAvailable(r.Context(), copyID(r))
	h.respond(w, r, circulation.OpMakeAvailable, c, err)
}

// Reserve holds a specific copy for a patron.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Machine.Reserve(r.Context(), copyID(r), circulation.PatronID(req.Patron))
	h.respond(w, r, circulation.OpReserve, c, err)
}

// AssignLoan lends a copy to a patron.
func (h *Handler) AssignLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if !decode(w, r, &req) {
		return
	}
	due, err := circulation.ParseDate(req.DueBack)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid due_back", err)
		return
	}
	c, err := h.Machine.AssignLoan(r.Context(), copyID(r), circulation.PatronID(req.Patron), due)
	h.respond(w, r, circulation.OpAssignLoan, c, err)
}

// Renew extends a loan on behalf of a privileged actor.
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	var req RenewRequest
	if !decode(w, r, &req) {
		return
	}
	due, err := circulation.ParseDate(req.DueBack)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid due_back", err)
		return
	}
	actor := circulation.ActorID(req.Actor)
	if raw, ok := auth.TokenFrom(r.Context()); ok && h.Tokens != nil {
		claims, err := h.Tokens.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", err)
			return
		}
		actor = claims.Actor()
	}

	c, err := h.Renewals.Renew(r.Context(), copyID(r), due, actor)
	h.respond(w, r, circulation.OpRenew, c, err)
}

// Return releases a loan or reservation.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	c, err := h.Machine.Return(r.Context(), copyID(r))
	h.respond(w, r, circulation.OpReturn, c, err)
}

// WithdrawForMaintenance pulls a copy out of circulation.
func (h *Handler) WithdrawForMaintenance(w http.ResponseWriter, r *http.Request) {
	c, err := h.Machine.WithdrawForMaintenance(r.Context(), copyID(r))
	h.respond(w, r, circulation.OpWithdraw, c, err)
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// CreateReservation reserves any available copy of a title.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationRequest
	if !decode(w, r, &req) {
		return
	}

	title := circulation.TitleRef(req.TitleRef)
	if title == "" {
		if h.Titles == nil {
			title = circulation.TitleRef(req.Title)
		} else {
			resolved, err := h.Titles.Resolve(r.Context(), req.Title)
			if err != nil {
				h.fail(w, r, "reserve_title", err)
				return
			}
			title = resolved
		}
	}

	c, err := h.Matcher.Reserve(r.Context(), circulation.ReservationRequest{
		Title:      title,
		Patron:     circulation.PatronID(req.Patron),
		RequestKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, "reserve_title", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCopyDTO(c, h.today()))
}

// =============================================================================
// VIEW HANDLERS
// =============================================================================

// ListTitleCopies returns the copies of one title.
func (h *Handler) ListTitleCopies(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status filter", err)
		return
	}
	title := circulation.TitleRef(chi.URLParam(r, "ref"))
	copies, err := h.Ledger.ListByTitle(r.Context(), title, statuses...)
	if err != nil {
		h.fail(w, r, "list_title", err)
		return
	}
	writeJSON(w, http.StatusOK, toCopyDTOs(copies, h.today()))
}

// ListPatronLoans returns a patron's loans and reservations, earliest due first.
func (h *Handler) ListPatronLoans(w http.ResponseWriter, r *http.Request) {
	patron := circulation.PatronID(chi.URLParam(r, "id"))
	copies, err := h.Ledger.ListByHolder(r.Context(), patron)
	if err != nil {
		h.fail(w, r, "list_patron", err)
		return
	}
	today := h.today()
	writeJSON(w, http.StatusOK, PatronLoansDTO{
		Patron:  string(patron),
		Copies:  toCopyDTOs(copies, today),
		Overdue: len(circulation.FilterOverdue(copies, today)),
	})
}

// GetStats counts copies by status.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	title := circulation.TitleRef(r.URL.Query().Get("title"))
	counts, err := h.Ledger.CountByStatus(r.Context(), title)
	if err != nil {
		h.fail(w, r, "stats", err)
		return
	}
	dto := StatsDTO{TitleRef: string(title), Counts: make(map[string]int, len(counts))}
	for st, n := range counts {
		dto.Counts[string(st)] = n
		dto.Total += n
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListOverdue returns every overdue copy.
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	onLoan, err := h.Ledger.ListByStatus(r.Context(), circulation.StatusOnLoan)
	if err != nil {
		h.fail(w, r, "overdue", err)
		return
	}
	today := h.today()
	overdue := circulation.FilterOverdue(onLoan, today)
	circulation.SortByDueBack(overdue)
	writeJSON(w, http.StatusOK, toCopyDTOs(overdue, today))
}

// =============================================================================
// HELPERS
// =============================================================================

// registerTitle makes ref resolvable by name when the catalog accepts new titles.
func (h *Handler) registerTitle(ref circulation.TitleRef) {
	if reg, ok := h.Titles.(titleRegistrar); ok {
		reg.Register(string(ref), ref)
	}
}

func copyID(r *http.Request) circulation.CopyID {
	return circulation.CopyID(chi.URLParam(r, "id"))
}

func statusFilter(r *http.Request) ([]circulation.Status, error) {
	var statuses []circulation.Status
	for _, raw := range r.URL.Query()["status"] {
		st, err := circulation.ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

type validatable interface {
	Validate() error
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, dst validatable) bool {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return false
		}
	}
	if err := dst.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op circulation.Operation, c circulation.Copy, err error) {
	if err != nil {
		h.fail(w, r, string(op), err)
		return
	}
	writeJSON(w, http.StatusOK, toCopyDTO(c, h.today()))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, message := statusFor(err)
	evt := h.Logger.Info()
	if status >= http.StatusInternalServerError {
		evt = h.Logger.Error()
	}
	evt.Err(err).
		Str("op", op).
		Str("copy_id", chi.URLParam(r, "id")).
		Int("status", status).
		Msg("request failed")
	writeError(w, status, message, err)
}

// statusFor maps circulation errors to HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, circulation.ErrUnauthorized):
		return http.StatusForbidden, "permission denied"
	case errors.Is(err, circulation.ErrNoCopyAvailable):
		return http.StatusNotFound, "no copy available"
	case circulation.IsNotFound(err):
		return http.StatusNotFound, "not found"
	case errors.Is(err, circulation.ErrInvalidTransition),
		errors.Is(err, circulation.ErrCopyInUse),
		errors.Is(err, circulation.ErrDuplicateCopy),
		errors.Is(err, circulation.ErrRequestInProgress):
		return http.StatusConflict, "conflict"
	case circulation.IsClientError(err):
		return http.StatusBadRequest, "invalid request"
	case circulation.IsRetryable(err):
		return http.StatusServiceUnavailable, "temporarily unavailable, retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
