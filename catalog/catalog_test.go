package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

func TestStatic_Resolve(t *testing.T) {
	s := NewStatic()
	s.Register("Dune", "dune-herbert")
	s.Register("The Left Hand of Darkness", "lhod-leguin")
	ctx := context.Background()

	tests := []struct {
		query string
		want  circulation.TitleRef
	}{
		{"Dune", "dune-herbert"},
		{"  dune ", "dune-herbert"},
		{"DUNE-HERBERT", "dune-herbert"},
		{"the left  hand of darkness", "lhod-leguin"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := s.Resolve(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.Resolve(ctx, "Dun")
	assert.ErrorIs(t, err, circulation.ErrTitleNotFound)
	_, err = s.Resolve(ctx, "   ")
	assert.ErrorIs(t, err, circulation.ErrTitleNotFound)

	assert.Equal(t, []circulation.TitleRef{"dune-herbert", "lhod-leguin"}, s.Refs())
}
