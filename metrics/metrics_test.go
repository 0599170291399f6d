package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

func TestPrometheus_CountsMachineOutcomes(t *testing.T) {
	p := NewPrometheus()
	ledger := store.NewMemory()
	ctx := context.Background()
	_, err := store.Seed(ctx, ledger, circulation.Copy{ID: "c1", TitleRef: "dune", Status: circulation.StatusAvailable})
	require.NoError(t, err)

	m := circulation.NewMachine(ledger, circulation.NewFixedClock(circulation.NewDate(2024, time.January, 1)), nil)
	m.Metrics = p

	_, err = m.Reserve(ctx, "c1", "alice")
	require.NoError(t, err)
	_, err = m.Reserve(ctx, "c1", "bob")
	require.ErrorIs(t, err, circulation.ErrInvalidTransition)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.transitions.WithLabelValues("reserve", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.transitions.WithLabelValues("reserve", "rejected")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus()
	p.LostRace()
	p.SetOverdue(4)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(text, "circulation_matcher_lost_races_total 1"))
	assert.True(t, strings.Contains(text, "circulation_overdue_copies 4"))
}
