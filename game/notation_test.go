package game

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotation(t *testing.T) {
	require.Equal(t, "aA", Move{Row: 0, Col: 0}.Notation())
	require.Equal(t, "hH", Move{Row: 7, Col: 7}.Notation())
	require.Equal(t, "oO", Move{Row: 14, Col: 14}.Notation())

	for idx := 0; idx < BoardCapacity; idx++ {
		m := MoveFromIndex(idx)
		parsed, err := ParseMove(m.Notation())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}
}

func TestParseMove(t *testing.T) {
	m, err := ParseMove(" c D\n")
	require.NoError(t, err)
	require.Equal(t, Move{Row: 2, Col: 3}, m)

	for _, bad := range []string{"", "a", "aAa", "Aa", "zA", "aZ", "12"} {
		_, err := ParseMove(bad)
		require.ErrorIs(t, err, ErrBadNotation, bad)
	}
}
