package store

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/game"
	"github.com/brensch/sixzero/model"
	"github.com/stretchr/testify/require"
)

func playRandom(r *rand.Rand) game.Trajectory {
	g := game.NewGame()
	var steps []game.Step
	for !g.Over() {
		moves := g.LegalMoves()
		m := moves[r.Intn(len(moves))]
		steps = append(steps, game.Step{Turn: g.Turn(), Board: g.Board(), Move: m})
		if err := g.Set(m); err != nil {
			panic(err)
		}
	}
	return game.Trajectory{Winner: g.Winner(), Steps: steps}
}

func TestArchiveRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	want := []game.Trajectory{playRandom(r), playRandom(r), playRandom(r)}

	dir := t.TempDir()
	a, err := NewArchive(dir, "test")
	require.NoError(t, err)

	path, n, err := a.Write(7, want)
	require.NoError(t, err)
	require.Equal(t, want[0].Len()+want[1].Len()+want[2].Len(), n)
	require.Equal(t, dir, filepath.Dir(path))

	tmp, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	require.Empty(t, tmp, "tmp file must be renamed away")

	got, err := ReadArchiveFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestArchiveEmptyGeneration(t *testing.T) {
	a, err := NewArchive(t.TempDir(), "test")
	require.NoError(t, err)
	path, n, err := a.Write(0, nil)
	require.NoError(t, err)
	require.Empty(t, path)
	require.Zero(t, n)
}

func TestLoadRecent(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	dir := t.TempDir()
	a, err := NewArchive(dir, "test")
	require.NoError(t, err)

	var all []game.Trajectory
	for i := 0; i < 3; i++ {
		ts := []game.Trajectory{playRandom(r)}
		_, _, err := a.Write(i, ts)
		require.NoError(t, err)
		all = append(all, ts...)
	}

	got, err := LoadRecent(dir, Selection{}, all[2].Len())
	require.NoError(t, err)
	require.Equal(t, all[2:], got)

	got, err = LoadRecent(dir, Selection{}, 1<<30)
	require.NoError(t, err)
	require.Equal(t, all, got)

	got, err = LoadRecent(t.TempDir(), Selection{}, 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLoadRecentSelection(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	dir := t.TempDir()
	mine, err := NewArchive(dir, "mine")
	require.NoError(t, err)
	other, err := NewArchive(dir, "other")
	require.NoError(t, err)

	early := []game.Trajectory{playRandom(r)}
	_, _, err = mine.Write(2, early)
	require.NoError(t, err)
	_, _, err = other.Write(2, []game.Trajectory{playRandom(r)})
	require.NoError(t, err)
	_, _, err = mine.Write(5, []game.Trajectory{playRandom(r)})
	require.NoError(t, err)

	got, err := LoadRecent(dir, Selection{Source: "mine", Before: 5}, 1<<30)
	require.NoError(t, err)
	require.Equal(t, early, got)

	got, err = LoadRecent(dir, Selection{Source: "mine"}, 1<<30)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = LoadRecent(dir, Selection{Source: "nobody"}, 1<<30)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestInspectUnderTmpDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tmp", "archive")
	a, err := NewArchive(dir, "test")
	require.NoError(t, err)
	r := rand.New(rand.NewSource(11))
	_, n, err := a.Write(1, []game.Trajectory{playRandom(r)})
	require.NoError(t, err)

	s, err := Inspect(context.Background(), dir)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Files)
	require.EqualValues(t, 1, s.Games)
	require.EqualValues(t, n, s.Steps)
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	s, err := Inspect(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, Summary{}, s)

	r := rand.New(rand.NewSource(9))
	ts := []game.Trajectory{playRandom(r), playRandom(r)}
	a, err := NewArchive(dir, "test")
	require.NoError(t, err)
	_, n, err := a.Write(4, ts)
	require.NoError(t, err)

	s, err = Inspect(context.Background(), dir)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Files)
	require.EqualValues(t, 2, s.Games)
	require.EqualValues(t, n, s.Steps)
	require.EqualValues(t, 2, s.BlackWins+s.WhiteWins+s.Draws)
	require.InDelta(t, float64(n)/2, s.MeanLength, 1e-9)
	require.EqualValues(t, 4, s.LastEpoch)
}

func newCheckpoint(epoch int) Checkpoint {
	w := model.New(model.DefaultHyper(), rand.New(rand.NewSource(1)))
	return Checkpoint{
		Epoch: epoch,
		Search: config.SearchParam{
			NumSimulation:  37,
			Epsilon:        0.1,
			DirichletAlpha: 0.03,
			CPuct:          1.5,
			Debug:          true,
			NumGameThread:  4,
		},
		Model:   model.DefaultHyper(),
		Tensors: w.Tensors(),
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := newCheckpoint(300)
	require.NoError(t, SaveCheckpoint(dir, "connect6_", want))

	params, meta := Paths(dir, "connect6_", 300)
	require.FileExists(t, params)
	require.FileExists(t, meta)

	got, err := LoadCheckpoint(dir, "connect6_", 300)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, config.SearchParam{
		NumSimulation:  37,
		Epsilon:        0.1,
		DirichletAlpha: 0.03,
		CPuct:          1.5,
		Debug:          true,
		NumGameThread:  4,
	}, got.Search)

	restored := model.New(got.Model, rand.New(rand.NewSource(2)))
	require.NoError(t, restored.Restore(got.Tensors))
	require.Equal(t, want.Tensors, restored.Tensors())
}

func TestLatestEpochResumes(t *testing.T) {
	dir := t.TempDir()
	_, err := LatestEpoch(dir, "run")
	require.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = LatestEpoch(filepath.Join(dir, "missing"), "run")
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	for _, e := range []int{100, 900, 200} {
		require.NoError(t, SaveCheckpoint(dir, "run", newCheckpoint(e)))
	}
	// Another run in the same directory must not be picked up.
	require.NoError(t, SaveCheckpoint(dir, "other", newCheckpoint(5000)))

	ck, err := LoadLatest(dir, "run")
	require.NoError(t, err)
	require.Equal(t, 900, ck.Epoch)
}

func TestLoadCheckpointMissing(t *testing.T) {
	_, err := LoadCheckpoint(t.TempDir(), "run", 1)
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	dir := t.TempDir()
	require.NoError(t, SaveCheckpoint(dir, "run", newCheckpoint(1)))
	params, _ := Paths(dir, "run", 1)
	require.NoError(t, os.Remove(params))
	_, err = LoadCheckpoint(dir, "run", 1)
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestParseSidecarRejects(t *testing.T) {
	const hyper = `"model": {"board_size": 15, "learning_rate": 0.001, "momentum": 0.9}`
	cases := map[string]string{
		"not json":          `{`,
		"missing epsilon":   `{"epoch": 1, "num_simulation": 800, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 11, ` + hyper + `}`,
		"missing debug":     `{"epoch": 1, "num_simulation": 800, "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "num_game_thread": 11, ` + hyper + `}`,
		"missing epoch":     `{"num_simulation": 800, "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 11, ` + hyper + `}`,
		"missing model":     `{"epoch": 1, "num_simulation": 800, "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 11}`,
		"string simulation": `{"epoch": 1, "num_simulation": "800", "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 11, ` + hyper + `}`,
		"float threads":     `{"epoch": 1, "num_simulation": 800, "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 1.5, ` + hyper + `}`,
		"unknown key":       `{"epoch": 1, "num_simulations": 800, "num_simulation": 800, "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 11, ` + hyper + `}`,
		"out of range":      `{"epoch": 1, "num_simulation": 0, "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 11, ` + hyper + `}`,
		"bad board size":    `{"epoch": 1, "num_simulation": 800, "epsilon": 0.25, "dirichlet_alpha": 0.03, "c_puct": 1, "debug": false, "num_game_thread": 11, "model": {"board_size": 19, "learning_rate": 0.001, "momentum": 0.9}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := ParseSidecar([]byte(body))
			require.ErrorIs(t, err, ErrMalformedSidecar)
		})
	}
}

func TestLoadCheckpointRejectsMalformedSidecar(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveCheckpoint(dir, "run", newCheckpoint(3)))
	_, meta := Paths(dir, "run", 3)
	require.NoError(t, os.WriteFile(meta, []byte(`{"epoch": 3}`), 0o644))

	_, err := LoadCheckpoint(dir, "run", 3)
	require.ErrorIs(t, err, ErrMalformedSidecar)
}
