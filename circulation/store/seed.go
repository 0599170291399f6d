package store

import (
	"context"

	"github.com/warp/circulation-engine/circulation"
)

// Seed registers c in Maintenance and then moves it to c's status with a
// single compare-and-set. It is meant for fixtures and for importing existing
// holdings; lending traffic goes through circulation.Machine.
func Seed(ctx context.Context, ledger circulation.AdminLedger, c circulation.Copy) (circulation.Copy, error) {
	fresh := c
	fresh.Status = circulation.StatusMaintenance
	fresh.Holder = ""
	fresh.DueBack = circulation.Date{}
	if err := ledger.Create(ctx, fresh); err != nil {
		return circulation.Copy{}, err
	}

	created, err := ledger.Get(ctx, c.ID)
	if err != nil || c.Status == circulation.StatusMaintenance {
		return created, err
	}
	return ledger.CompareAndSet(ctx, c.ID, circulation.StatusMaintenance, created.Version, c)
}
