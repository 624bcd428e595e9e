package game

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTurnOrder(t *testing.T) {
	g := NewGame()
	require.Equal(t, Black, g.Turn())
	require.Equal(t, 1, g.Remain())

	require.NoError(t, g.Set(Move{Row: 7, Col: 7}))
	require.Equal(t, White, g.Turn())
	require.Equal(t, 2, g.Remain())

	require.NoError(t, g.Set(Move{Row: 0, Col: 0}))
	require.Equal(t, White, g.Turn())
	require.Equal(t, 1, g.Remain())

	require.NoError(t, g.Set(Move{Row: 0, Col: 1}))
	require.Equal(t, Black, g.Turn())
	require.Equal(t, 2, g.Remain())
}

func TestSetErrors(t *testing.T) {
	g := NewGame()
	require.ErrorIs(t, g.Set(Move{Row: BoardSize, Col: 0}), ErrOutOfBoard)
	require.ErrorIs(t, g.Set(Move{Row: -1, Col: 3}), ErrOutOfBoard)

	require.NoError(t, g.Set(Move{Row: 3, Col: 3}))
	require.ErrorIs(t, g.Set(Move{Row: 3, Col: 3}), ErrOccupied)
}

func TestSearchWinner(t *testing.T) {
	cases := []struct {
		name string
		dir  [2]int
	}{
		{"horizontal", [2]int{0, 1}},
		{"vertical", [2]int{1, 0}},
		{"diagonal", [2]int{1, 1}},
		{"anti-diagonal", [2]int{1, -1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b Board
			start := Move{Row: 4, Col: 7}
			var last Move
			for i := 0; i < WinLength; i++ {
				last = Move{Row: start.Row + i*tc.dir[0], Col: start.Col + i*tc.dir[1]}
				b.Set(last.Row, last.Col, White)
			}
			require.Equal(t, White, SearchWinner(&b, last))

			// Five is not enough.
			b.Set(last.Row, last.Col, None)
			prev := Move{Row: last.Row - tc.dir[0], Col: last.Col - tc.dir[1]}
			require.Equal(t, None, SearchWinner(&b, prev))
		})
	}
}

func TestGameWinnerStopsPlay(t *testing.T) {
	g := NewGame()
	// Black: (7,0); White: (0,0),(0,1); Black: (7,1),(7,2); White: (0,2),(0,3);
	// Black: (7,3),(7,4); White: (0,4),(0,5) completes six.
	moves := []Move{
		{7, 0},
		{0, 0}, {0, 1},
		{7, 1}, {7, 2},
		{0, 2}, {0, 3},
		{7, 3}, {7, 4},
		{0, 4}, {0, 5},
	}
	for _, m := range moves {
		require.NoError(t, g.Set(m))
	}
	require.True(t, g.Over())
	require.Equal(t, White, g.Winner())
	require.ErrorIs(t, g.Set(Move{Row: 10, Col: 10}), ErrGameIsOver)
	require.Empty(t, g.LegalMoves())
}

func TestMoveIndexRoundTrip(t *testing.T) {
	for idx := 0; idx < BoardCapacity; idx++ {
		m := MoveFromIndex(idx)
		require.True(t, m.Valid())
		require.Equal(t, idx, m.Index())
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	g := NewGame()
	require.NoError(t, g.Set(Move{Row: 1, Col: 1}))
	c := g.Clone()
	require.NoError(t, c.Set(Move{Row: 2, Col: 2}))

	gb, cb := g.Board(), c.Board()
	require.Equal(t, None, gb.At(2, 2))
	require.Equal(t, White, cb.At(2, 2))
}
