package mcts

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/game"
	"github.com/stretchr/testify/require"
)

// uniformEvaluator mocks the evaluator with a flat policy and a neutral value.
var uniformEvaluator = inference.EvaluatorFunc(func(player game.Player, boards []float32, count int, values, policies []float32) error {
	for i := 0; i < count; i++ {
		values[i] = 0
	}
	for i := range policies {
		policies[i] = 1
	}
	return nil
})

func playAll(t *testing.T, moves ...game.Move) *game.Game {
	t.Helper()
	g := game.NewGame()
	for _, m := range moves {
		require.NoError(t, g.Set(m))
	}
	return g
}

func TestSearch(t *testing.T) {
	m := MCTS{Config: Config{NumSimulation: 10, Cpuct: 1.0}, Client: uniformEvaluator}

	root, _, err := m.Search(context.Background(), game.NewGame(), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Equal(t, 10, root.VisitCount)

	totalChildVisits := 0
	for _, child := range root.Children {
		totalChildVisits += child.VisitCount
	}
	require.Len(t, root.Children, game.BoardCapacity)
	require.Equal(t, 9, totalChildVisits)
}

func TestSearchFindsWinningMove(t *testing.T) {
	g := playAll(t,
		game.Move{Row: 7, Col: 7},
		game.Move{Row: 0, Col: 0}, game.Move{Row: 0, Col: 1},
		game.Move{Row: 14, Col: 0}, game.Move{Row: 14, Col: 1},
		game.Move{Row: 0, Col: 2}, game.Move{Row: 0, Col: 3},
		game.Move{Row: 14, Col: 3}, game.Move{Row: 14, Col: 4},
		game.Move{Row: 0, Col: 4},
	)
	require.Equal(t, game.White, g.Turn())
	require.Equal(t, 1, g.Remain())

	m := MCTS{Config: Config{NumSimulation: 600, Cpuct: 1.0}, Client: uniformEvaluator}
	root, depth, err := m.Search(context.Background(), g, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	require.GreaterOrEqual(t, depth, 1)
	require.Equal(t, game.Move{Row: 0, Col: 5}, root.Best().Move)
}

func TestSearchWithNoiseAndAugment(t *testing.T) {
	var calls, boards int
	eval := inference.EvaluatorFunc(func(player game.Player, b []float32, count int, values, policies []float32) error {
		calls++
		boards += count
		return uniformEvaluator(player, b, count, values, policies)
	})
	m := MCTS{
		Config: Config{NumSimulation: 20, Cpuct: 1.0, Epsilon: 0.25, DirichletAlpha: 0.3, Augment: true},
		Client: eval,
	}
	root, _, err := m.Search(context.Background(), game.NewGame(), rand.New(rand.NewPCG(5, 6)))
	require.NoError(t, err)
	require.Equal(t, calls*Symmetries, boards)

	var sum float32
	for _, c := range root.Children {
		sum += c.PriorProb
	}
	require.InDelta(t, 1.0, sum, 1e-3)
}

func TestSearchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := MCTS{Config: Config{NumSimulation: 100, Cpuct: 1.0}, Client: uniformEvaluator}
	_, _, err := m.Search(ctx, game.NewGame(), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSearchPropagatesEvaluatorError(t *testing.T) {
	boom := errors.New("boom")
	m := MCTS{Config: Config{NumSimulation: 5, Cpuct: 1.0}, Client: inference.EvaluatorFunc(
		func(game.Player, []float32, int, []float32, []float32) error { return boom })}
	_, _, err := m.Search(context.Background(), game.NewGame(), nil)
	require.ErrorIs(t, err, boom)
}

func TestAugmentRecoverIdentity(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	var b game.Board
	for i := range b {
		b[i] = game.Player(rng.IntN(3) - 1)
	}

	boards := make([]float32, Symmetries*game.BoardCapacity)
	augment(&b, boards)

	out := make([]float32, game.BoardCapacity)
	recover8(boards, out)
	for i := range b {
		require.Equal(t, float32(b[i]), out[i], "cell %d", i)
	}
}

func TestTransformsAreDistinctPermutations(t *testing.T) {
	images := make(map[[2]int]bool)
	for k := 0; k < Symmetries; k++ {
		seen := make(map[[2]int]bool)
		for row := 0; row < game.BoardSize; row++ {
			for col := 0; col < game.BoardSize; col++ {
				r, c := transform(k, row, col)
				seen[[2]int{r, c}] = true
			}
		}
		require.Len(t, seen, game.BoardCapacity)
		r, c := transform(k, 0, 1)
		images[[2]int{r, c}] = true
	}
	require.Len(t, images, Symmetries)
}

func TestMaskPriors(t *testing.T) {
	var b game.Board
	b[0] = game.Black
	priors := make([]float32, game.BoardCapacity)
	priors[0] = 5
	maskPriors(&b, priors)
	require.Zero(t, priors[0])
	require.InDelta(t, 1.0/float32(game.BoardCapacity-1), priors[1], 1e-7)
}

func BenchmarkSearch(b *testing.B) {
	m := MCTS{Config: Config{NumSimulation: 800, Cpuct: 1.0}, Client: uniformEvaluator}
	g := game.NewGame()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := m.Search(context.Background(), g, nil); err != nil {
			b.Fatalf("Search failed: %v", err)
		}
	}
}
