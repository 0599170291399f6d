/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	copies for demos and manual testing. Each scenario registers its titles
	with the catalog (when the catalog accepts registrations) and creates
	copies in a mix of statuses.

AVAILABLE SCENARIOS:

	single-copy:  One available copy of Dune; two patrons racing for it
	busy-branch:  Several titles with copies on the shelf, on loan, reserved,
	              overdue and in maintenance
	contention:   One title with five available copies for load testing

HOW SCENARIOS WORK:
 1. Register titles with the catalog
 2. Create copies (every copy starts in maintenance)
 3. Drive copies to their target status through the Machine, so history
    shows up in the audit log
 4. Overdue loans are lent by a copy of the Machine whose clock is set back
    to the day the loan was taken out

	Copy IDs are prefixed with the scenario ID. Loading a scenario twice
	skips copies that already exist.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "busy-branch"}

SEE ALSO:
  - handlers.go: Lending handlers the demo data is meant for
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

func (r LoadScenarioRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ScenarioID, validation.Required),
	)
}

// LoadScenarioResponse reports what a load created.
type LoadScenarioResponse struct {
	Scenario ScenarioDTO `json:"scenario"`
	Created  int         `json:"created"`
	Skipped  int         `json:"skipped"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "single-copy",
		Name:        "Single Copy",
		Description: "One available copy of Dune; the first patron to ask gets it",
	},
	{
		ID:          "busy-branch",
		Name:        "Busy Branch",
		Description: "Several titles with copies available, on loan, reserved, overdue and in maintenance",
	},
	{
		ID:          "contention",
		Name:        "Contention",
		Description: "Five available copies of one title for concurrent reservation tests",
	},
}

// titleRegistrar is implemented by catalogs that accept new titles.
type titleRegistrar interface {
	Register(title string, ref circulation.TitleRef)
}

// seedCopy is one copy of a scenario and the status it should end up in.
type seedCopy struct {
	id       string
	title    circulation.TitleRef
	imprint  string
	location string
	status   circulation.Status
	holder   circulation.PatronID
	dueIn    int // days from today; negative means overdue
}

type scenario struct {
	titles map[string]circulation.TitleRef
	copies []seedCopy
}

var scenarioData = map[string]scenario{
	"single-copy": {
		titles: map[string]circulation.TitleRef{"Dune": "dune"},
		copies: []seedCopy{
			{id: "c1", title: "dune", imprint: "Ace 1990", location: "stacks-3", status: circulation.StatusAvailable},
		},
	},
	"busy-branch": {
		titles: map[string]circulation.TitleRef{
			"Dune":                      "dune",
			"The Left Hand of Darkness": "lhod",
			"Middlemarch":               "middlemarch",
		},
		copies: []seedCopy{
			{id: "dune-1", title: "dune", imprint: "Ace 1990", location: "stacks-3", status: circulation.StatusAvailable},
			{id: "dune-2", title: "dune", imprint: "Ace 2005", location: "stacks-3", status: circulation.StatusOnLoan, holder: "alice", dueIn: 14},
			{id: "dune-3", title: "dune", imprint: "Gollancz", location: "desk", status: circulation.StatusReserved, holder: "bob"},
			{id: "lhod-1", title: "lhod", imprint: "Ace 1969", location: "stacks-1", status: circulation.StatusOnLoan, holder: "carol", dueIn: -5},
			{id: "lhod-2", title: "lhod", imprint: "Ace 1976", location: "bindery", status: circulation.StatusMaintenance},
			{id: "mm-1", title: "middlemarch", imprint: "Penguin", location: "stacks-7", status: circulation.StatusAvailable},
			{id: "mm-2", title: "middlemarch", imprint: "Penguin", location: "stacks-7", status: circulation.StatusOnLoan, holder: "alice", dueIn: -1},
		},
	},
	"contention": {
		titles: map[string]circulation.TitleRef{"Dune": "dune"},
		copies: []seedCopy{
			{id: "k1", title: "dune", status: circulation.StatusAvailable},
			{id: "k2", title: "dune", status: circulation.StatusAvailable},
			{id: "k3", title: "dune", status: circulation.StatusAvailable},
			{id: "k4", title: "dune", status: circulation.StatusAvailable},
			{id: "k5", title: "dune", status: circulation.StatusAvailable},
		},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the ledger with a scenario's copies.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var meta *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			meta = &scenarios[i]
		}
	}
	data, ok := scenarioData[req.ScenarioID]
	if meta == nil || !ok {
		writeError(w, http.StatusNotFound, "unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	created, skipped, err := h.loadScenario(r.Context(), req.ScenarioID, data)
	if err != nil {
		h.fail(w, r, "load_scenario", err)
		return
	}

	h.Logger.Info().Str("scenario", req.ScenarioID).Int("created", created).Int("skipped", skipped).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Scenario: *meta, Created: created, Skipped: skipped})
}

func (h *Handler) loadScenario(ctx context.Context, id string, data scenario) (created, skipped int, err error) {
	if reg, ok := h.Titles.(titleRegistrar); ok {
		for title, ref := range data.titles {
			reg.Register(title, ref)
		}
	}

	today := h.today()
	for _, sc := range data.copies {
		c := circulation.Copy{
			ID:       circulation.CopyID(id + "-" + sc.id),
			TitleRef: sc.title,
			Imprint:  sc.imprint,
			Location: sc.location,
			Status:   circulation.StatusMaintenance,
		}
		if err := h.Ledger.Create(ctx, c); err != nil {
			if errors.Is(err, circulation.ErrDuplicateCopy) {
				skipped++
				continue
			}
			return created, skipped, err
		}
		if err := h.driveTo(ctx, c.ID, sc, today); err != nil {
			return created, skipped, err
		}
		created++
	}
	return created, skipped, nil
}

// driveTo moves a freshly created copy to its seeded status.
func (h *Handler) driveTo(ctx context.Context, id circulation.CopyID, sc seedCopy, today circulation.Date) error {
	if sc.status == circulation.StatusMaintenance {
		return nil
	}
	if _, err := h.Machine.MakeAvailable(ctx, id); err != nil {
		return err
	}

	var err error
	switch sc.status {
	case circulation.StatusReserved:
		_, err = h.Machine.Reserve(ctx, id, sc.holder)
	case circulation.StatusOnLoan:
		due := today.AddDays(sc.dueIn)
		_, err = lenderFor(h.Machine, due, today).AssignLoan(ctx, id, sc.holder, due)
	}
	return err
}

// lenderFor returns m for loans due after today. For a loan due today or
// earlier it returns a copy of m whose clock reads the day a standard loan
// with that due date was taken out.
func lenderFor(m *circulation.Machine, due, today circulation.Date) *circulation.Machine {
	if due.After(today) {
		return m
	}
	backdated := *m
	backdated.Clock = circulation.NewFixedClock(due.AddDays(-circulation.DefaultLoanPeriodDays))
	return &backdated
}
