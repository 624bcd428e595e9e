package model

import (
	"math/rand"
	"testing"

	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/game"
	"github.com/brensch/sixzero/replay"
	"github.com/stretchr/testify/require"
)

func randomBatch(rng *rand.Rand, n int) *replay.Batch {
	b := &replay.Batch{
		Winners: make([]float32, n),
		Players: make([]float32, n),
		Boards:  make([]float32, n*game.BoardCapacity),
		Moves:   make([]int32, n),
	}
	for i := 0; i < n; i++ {
		b.Winners[i] = float32(rng.Intn(3) - 1)
		b.Players[i] = float32(rng.Intn(2)*2 - 1)
		b.Moves[i] = int32(rng.Intn(game.BoardCapacity))
		for c := 0; c < game.BoardCapacity; c++ {
			b.Boards[i*game.BoardCapacity+c] = float32(rng.Intn(3) - 1)
		}
	}
	return b
}

func TestEvaluateOutputs(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	w := New(DefaultHyper(), rng)

	n := 5
	boards := randomBatch(rng, n).Boards
	values := make([]float32, n)
	policies := make([]float32, n*game.BoardCapacity)
	require.NoError(t, w.Evaluate(game.White, boards, n, values, policies))

	for i := 0; i < n; i++ {
		require.Greater(t, values[i], float32(-1))
		require.Less(t, values[i], float32(1))
		var sum float32
		for _, p := range policies[i*game.BoardCapacity : (i+1)*game.BoardCapacity] {
			require.GreaterOrEqual(t, p, float32(0))
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-4)
	}

	require.NoError(t, w.Evaluate(game.White, nil, 0, nil, nil))
}

func TestTrainStepReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	w := New(Hyper{BoardSize: game.BoardSize, LearningRate: 1e-4, Momentum: 0.9}, rng)
	batch := randomBatch(rng, 16)

	before, err := w.Loss(batch)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := w.TrainStep(batch)
		require.NoError(t, err)
	}
	after, err := w.Loss(batch)
	require.NoError(t, err)

	require.Less(t, after.Total, before.Total)
	require.Less(t, after.Policy, before.Policy)
	require.InDelta(t, after.Value+after.Policy, after.Total, 1e-5)
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	w := New(DefaultHyper(), rng)
	batch := randomBatch(rng, 4)

	_, _, g, err := w.objective(batch, true)
	require.NoError(t, err)

	const eps = 1e-6
	total := func() float64 {
		vl, pl, _, err := w.objective(batch, false)
		require.NoError(t, err)
		return vl + pl
	}

	check := func(name string, get func() float64, set func(float64), analytic float64) {
		orig := get()
		set(orig + eps)
		up := total()
		set(orig - eps)
		down := total()
		set(orig)
		numeric := (up - down) / (2 * eps)
		require.InDelta(t, analytic, numeric, 1e-4, name)
	}

	move := int(batch.Moves[0])
	check("policy bias",
		func() float64 { return w.policyB.At(0, move) },
		func(v float64) { w.policyB.Set(0, move, v) },
		g.policyB.At(0, move))
	check("value bias",
		func() float64 { return w.valueB.At(0, 0) },
		func(v float64) { w.valueB.Set(0, 0, v) },
		g.valueB.At(0, 0))
	check("value kernel player row",
		func() float64 { return w.valueW.At(0, 0) },
		func(v float64) { w.valueW.Set(0, 0, v) },
		g.valueW.At(0, 0))
}

func TestLossRejectsBadBatches(t *testing.T) {
	w := New(DefaultHyper(), rand.New(rand.NewSource(1)))

	_, err := w.Loss(&replay.Batch{})
	require.ErrorIs(t, err, replay.ErrEmpty)

	bad := randomBatch(rand.New(rand.NewSource(2)), 2)
	bad.Moves[1] = game.BoardCapacity
	_, err = w.TrainStep(bad)
	require.ErrorIs(t, err, inference.ErrShape)

	short := randomBatch(rand.New(rand.NewSource(2)), 2)
	short.Boards = short.Boards[:game.BoardCapacity]
	_, err = w.Loss(short)
	require.ErrorIs(t, err, inference.ErrShape)
}

func TestRestoreReproducesOutputs(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	src := New(DefaultHyper(), rng)
	_, err := src.TrainStep(randomBatch(rng, 8))
	require.NoError(t, err)

	dst := New(DefaultHyper(), rand.New(rand.NewSource(100)))
	require.NoError(t, dst.Restore(src.Tensors()))

	boards := randomBatch(rng, 3).Boards
	v1, p1 := make([]float32, 3), make([]float32, 3*game.BoardCapacity)
	v2, p2 := make([]float32, 3), make([]float32, 3*game.BoardCapacity)
	require.NoError(t, src.Evaluate(game.Black, boards, 3, v1, p1))
	require.NoError(t, dst.Evaluate(game.Black, boards, 3, v2, p2))
	require.Equal(t, v1, v2)
	require.Equal(t, p1, p2)
}

func TestRestoreRejectsWrongShape(t *testing.T) {
	w := New(DefaultHyper(), nil)
	tensors := w.Tensors()
	tensors[0].Rows = 3
	require.Error(t, w.Restore(tensors))
	require.ErrorContains(t, w.Restore(tensors[1:]), "missing tensor")
}

func TestPlacement(t *testing.T) {
	w := New(DefaultHyper(), nil)
	require.NoError(t, w.Place(inference.CPU))
	require.ErrorIs(t, w.Place(inference.GPU), ErrUnsupportedDevice)

	a := inference.NewAdapter(w)
	require.Error(t, a.SetPlacement(inference.GPU))
	require.Equal(t, inference.CPU, a.Placement())
}
