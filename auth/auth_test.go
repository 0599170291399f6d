package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

func TestStatic(t *testing.T) {
	s := Static{"librarian-1": {circulation.CapabilityRenew}}
	ctx := context.Background()

	assert.True(t, s.HasCapability(ctx, "librarian-1", circulation.CapabilityRenew))
	assert.False(t, s.HasCapability(ctx, "patron-7", circulation.CapabilityRenew))
	assert.False(t, s.HasCapability(ctx, "librarian-1", "catalog.can_delete"))
}

func TestTokenAuthorizer_RoundTrip(t *testing.T) {
	a := NewTokenAuthorizer("test-secret")
	token, err := a.Issue("librarian-1", []circulation.Capability{circulation.CapabilityRenew}, time.Hour)
	require.NoError(t, err)

	ctx := WithToken(context.Background(), token)

	assert.True(t, a.HasCapability(ctx, "librarian-1", circulation.CapabilityRenew))
	assert.False(t, a.HasCapability(ctx, "librarian-2", circulation.CapabilityRenew), "token belongs to another actor")
	assert.False(t, a.HasCapability(ctx, "librarian-1", "catalog.can_delete"))
	assert.False(t, a.HasCapability(context.Background(), "librarian-1", circulation.CapabilityRenew), "no token")
}

func TestTokenAuthorizer_RejectsForeignSignature(t *testing.T) {
	token, err := NewTokenAuthorizer("other-secret").Issue("librarian-1", []circulation.Capability{circulation.CapabilityRenew}, time.Hour)
	require.NoError(t, err)

	_, err = NewTokenAuthorizer("test-secret").Verify(token)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenAuthorizer_RejectsExpired(t *testing.T) {
	a := NewTokenAuthorizer("test-secret")
	issued := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return issued }
	token, err := a.Issue("librarian-1", []circulation.Capability{circulation.CapabilityRenew}, time.Hour)
	require.NoError(t, err)

	a.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = a.Verify(token)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)

	_, err = BearerToken("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = BearerToken("Basic dXNlcg==")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenAuthorizer_DrivesRenewal(t *testing.T) {
	a := NewTokenAuthorizer("test-secret")
	token, err := a.Issue("librarian-1", []circulation.Capability{circulation.CapabilityRenew}, time.Hour)
	require.NoError(t, err)

	ledger := store.NewMemory()
	today := circulation.NewDate(2024, time.January, 11)
	_, err = store.Seed(context.Background(), ledger, circulation.Copy{
		ID: "c2", TitleRef: "dune", Status: circulation.StatusOnLoan, Holder: "alice", DueBack: today.AddDays(-1),
	})
	require.NoError(t, err)
	m := circulation.NewMachine(ledger, circulation.NewFixedClock(today), a)
	ra := circulation.NewRenewalAuthority(m)
	newDue := circulation.NewDate(2024, time.February, 1)

	_, err = ra.Renew(context.Background(), "c2", newDue, "librarian-1")
	var denied *circulation.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, circulation.ActorID("librarian-1"), denied.Actor)

	c, err := ra.Renew(WithToken(context.Background(), token), "c2", newDue, "librarian-1")
	require.NoError(t, err)
	assert.Equal(t, newDue, c.DueBack)
}
