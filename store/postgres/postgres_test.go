package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

// These tests cover query construction and input checks only; they need no database.

func TestBuildCompareAndSet_GuardsStatusVersionAndTitle(t *testing.T) {
	s := New(nil)
	next := circulation.Copy{
		ID:        "c1",
		TitleRef:  "dune",
		Status:    circulation.StatusOnLoan,
		Holder:    "alice",
		DueBack:   circulation.NewDate(2024, time.February, 1),
		Version:   4,
		UpdatedAt: time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
	}

	query, args, err := s.buildCompareAndSet(circulation.StatusAvailable, 3, next)

	require.NoError(t, err)
	assert.Contains(t, query, `UPDATE "copies" SET`)
	assert.Contains(t, query, `"id" = $`)
	assert.Contains(t, query, `"status" = $`)
	assert.Contains(t, query, `"version" = $`)
	assert.Contains(t, query, `"title_ref" = $`)
	assert.Contains(t, args, "c1")
	assert.Contains(t, args, "available")
	assert.Contains(t, args, "on_loan")
	assert.Contains(t, args, int64(3))
	assert.Contains(t, args, int64(4))
	assert.Contains(t, args, "dune")
}

func TestBuildCompareAndSet_ClearsDueBack(t *testing.T) {
	s := New(nil)
	next := circulation.Copy{ID: "c1", TitleRef: "dune", Status: circulation.StatusAvailable, Version: 5}

	query, args, err := s.buildCompareAndSet(circulation.StatusOnLoan, 4, next)

	require.NoError(t, err)
	// SET columns are rendered in name order, so due_back is the first parameter.
	assert.Contains(t, query, `SET "due_back"=$1,`)
	require.NotEmpty(t, args)
	assert.Nil(t, args[0])
}

func TestCreate_RequiresMaintenance(t *testing.T) {
	s := New(nil)

	err := s.Create(context.Background(), circulation.Copy{ID: "c1", TitleRef: "dune", Status: circulation.StatusAvailable})

	assert.ErrorIs(t, err, circulation.ErrInvalidCopy)
}

func TestBuildList_StatusFilter(t *testing.T) {
	s := New(nil)

	query, args, err := s.buildList(map[string]any{colTitleRef: "dune"}, []circulation.Status{circulation.StatusAvailable, circulation.StatusReserved})

	require.NoError(t, err)
	assert.Contains(t, query, `FROM "copies"`)
	assert.Contains(t, query, `"status" IN ($`)
	assert.Contains(t, query, `ORDER BY "id" ASC`)
	assert.Contains(t, args, "dune")
	assert.Contains(t, args, "available")
	assert.Contains(t, args, "reserved")
}

func TestBuildList_NoFilter(t *testing.T) {
	s := New(nil)

	query, args, err := s.buildList(map[string]any{}, nil)

	require.NoError(t, err)
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)
}

func TestBuildDelete_SkipsClaimedCopies(t *testing.T) {
	s := New(nil)

	query, args, err := s.buildDelete("c1")

	require.NoError(t, err)
	assert.Contains(t, query, `DELETE FROM "copies"`)
	assert.Contains(t, query, `"status" NOT IN`)
	assert.Contains(t, args, "on_loan")
	assert.Contains(t, args, "reserved")
}

func TestBuildCount(t *testing.T) {
	s := New(nil)

	all, _, err := s.buildCount("")
	require.NoError(t, err)
	assert.Contains(t, all, `COUNT(*)`)
	assert.Contains(t, all, `GROUP BY "status"`)
	assert.NotContains(t, all, "WHERE")

	one, args, err := s.buildCount("dune")
	require.NoError(t, err)
	assert.Contains(t, one, `"title_ref" = $1`)
	assert.Equal(t, []any{"dune"}, args)
}

func TestBuildAppend_PayloadIsJSON(t *testing.T) {
	s := New(nil)
	entry := circulation.AuditEntry{
		ID: "c1-v2", CopyID: "c1", Op: circulation.OpReserve,
		From: circulation.StatusAvailable, To: circulation.StatusReserved,
		Patron: "alice", Version: 2,
	}

	query, args, err := s.buildAppend(entry)

	require.NoError(t, err)
	assert.Contains(t, query, `INSERT INTO "copy_audit"`)
	assert.Contains(t, query, `ON CONFLICT DO NOTHING`)

	var payload string
	for _, a := range args {
		if str, ok := a.(string); ok && len(str) > 0 && str[0] == '{' {
			payload = str
		}
	}
	require.NotEmpty(t, payload)

	var p auditPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	assert.Equal(t, circulation.StatusReserved, p.To)
	assert.Equal(t, circulation.PatronID("alice"), p.Patron)
	assert.True(t, p.DueBack.IsZero())
}
