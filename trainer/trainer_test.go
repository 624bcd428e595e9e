package trainer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/exchange"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/game"
	"github.com/brensch/sixzero/model"
	"github.com/brensch/sixzero/replay"
	"github.com/brensch/sixzero/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns games of a fixed length without searching.
type fakeEngine struct {
	steps  int
	calls  int
	params []config.SearchParam
	// devices records the adapter placement seen by each call.
	devices []inference.Device
	hook    func(ctx context.Context) error
}

func (f *fakeEngine) SelfPlay(ctx context.Context, eval inference.Evaluator, param config.SearchParam, alloc *exchange.Allocator) (*exchange.Bulk, error) {
	f.calls++
	f.params = append(f.params, param)
	if a, ok := eval.(*inference.Adapter); ok {
		f.devices = append(f.devices, a.Placement())
	}
	// Score one position so tests can see which evaluator the engine got.
	if err := eval.Evaluate(game.Black, make([]float32, game.BoardCapacity), 1, make([]float32, 1), make([]float32, game.BoardCapacity)); err != nil {
		return nil, err
	}
	if f.hook != nil {
		if err := f.hook(ctx); err != nil {
			return nil, err
		}
	}

	trajectories := make([]game.Trajectory, param.NumGameThread)
	for i := range trajectories {
		g := game.NewGame()
		for s := 0; s < f.steps; s++ {
			m := game.Move{Row: s, Col: i}
			trajectories[i].Steps = append(trajectories[i].Steps, game.Step{Turn: g.Turn(), Board: g.Board(), Move: m})
			if err := g.Set(m); err != nil {
				return nil, err
			}
		}
		trajectories[i].Winner = game.White
	}
	return exchange.Encode(alloc, trajectories), nil
}

type fakeModel struct {
	mu         sync.Mutex
	trainSteps int
	lossCalls  int
	batchSizes []int
	placements []inference.Device
	tensors    []model.Tensor
}

func newFakeModel() *fakeModel {
	return &fakeModel{tensors: []model.Tensor{{Name: "w", Rows: 1, Cols: 2, Data: []float64{0.5, -1}}}}
}

func (f *fakeModel) Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error {
	return nil
}

func (f *fakeModel) TrainStep(batch *replay.Batch) (inference.Loss, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trainSteps++
	f.batchSizes = append(f.batchSizes, batch.Len())
	return inference.Loss{Value: 1, Policy: 2, Total: 3}, nil
}

func (f *fakeModel) Loss(batch *replay.Batch) (inference.Loss, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lossCalls++
	return inference.Loss{Value: 0.5, Policy: 1.5, Total: 2}, nil
}

func (f *fakeModel) Hyper() model.Hyper { return model.DefaultHyper() }

func (f *fakeModel) Tensors() []model.Tensor { return f.tensors }

func (f *fakeModel) Restore(ts []model.Tensor) error {
	f.tensors = ts
	return nil
}

func (f *fakeModel) Place(d inference.Device) error {
	f.placements = append(f.placements, d)
	return nil
}

func testOptions(t *testing.T) Options {
	return Options{
		Name:    "run",
		CkptDir: t.TempDir(),
		Search: config.SearchParam{
			NumSimulation: 1, Epsilon: 0.25, DirichletAlpha: 0.03, CPuct: 1, NumGameThread: 2,
		},
		Training: config.TrainingConfig{
			MaxBuffer:    100,
			StartTrain:   10,
			BatchSize:    3,
			MiniBatch:    8,
			CkptInterval: 2,
		},
		Logger: zerolog.Nop(),
		Rand:   rand.New(rand.NewSource(1)),
	}
}

func TestTrainingWaitsForThreshold(t *testing.T) {
	eng := &fakeEngine{steps: 4}
	m := newFakeModel()
	o, err := New(eng, m, testOptions(t))
	require.NoError(t, err)

	require.NoError(t, o.Step(context.Background()))
	s := o.Status()
	require.Equal(t, 2, s.Games)
	require.Equal(t, 8, s.Buffered)
	require.Zero(t, s.Epoch)
	require.Zero(t, m.trainSteps)

	require.NoError(t, o.Step(context.Background()))
	s = o.Status()
	require.Equal(t, 4, s.Games)
	require.Equal(t, 16, s.Buffered)
	require.Equal(t, 1, s.Epoch)
	require.Equal(t, 3, m.trainSteps)
	require.Equal(t, []int{8, 8, 8}, m.batchSizes)
	require.Equal(t, 1, m.lossCalls)
	require.Equal(t, inference.Loss{Value: 0.5, Policy: 1.5, Total: 2}, s.Loss)
	require.Equal(t, Idle, s.State)
}

func TestRunCheckpointsOnInterval(t *testing.T) {
	opts := testOptions(t)
	opts.Training.MaxEpochs = 4
	eng := &fakeEngine{steps: 6}
	o, err := New(eng, newFakeModel(), opts)
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, 4, o.Status().Epoch)

	for epoch, want := range map[int]bool{1: false, 2: true, 3: false, 4: true} {
		_, err := store.LoadCheckpoint(opts.CkptDir, opts.Name, epoch)
		if want {
			require.NoError(t, err, "epoch %d", epoch)
		} else {
			require.ErrorIs(t, err, store.ErrCheckpointNotFound, "epoch %d", epoch)
		}
	}
	latest, err := store.LatestEpoch(opts.CkptDir, opts.Name)
	require.NoError(t, err)
	require.Equal(t, 4, latest)
	params, _ := store.Paths(opts.CkptDir, opts.Name, 4)
	require.Equal(t, params, o.Status().Checkpoint)
}

func TestResumeRestoresEpochAndSearch(t *testing.T) {
	opts := testOptions(t)
	resumed := config.SearchParam{NumSimulation: 37, Epsilon: 0.1, DirichletAlpha: 0.03, CPuct: 1.5, Debug: true, NumGameThread: 4}
	saved := store.Checkpoint{
		Epoch:   6,
		Search:  resumed,
		Model:   model.DefaultHyper(),
		Tensors: []model.Tensor{{Name: "w", Rows: 1, Cols: 2, Data: []float64{3, 4}}},
	}
	require.NoError(t, store.SaveCheckpoint(opts.CkptDir, opts.Name, saved))
	ck, err := store.LoadLatest(opts.CkptDir, opts.Name)
	require.NoError(t, err)

	eng := &fakeEngine{steps: 4}
	m := newFakeModel()
	o, err := New(eng, m, opts)
	require.NoError(t, err)
	require.NoError(t, o.Resume(ck))
	require.Equal(t, 6, o.Status().Epoch)
	require.Equal(t, resumed, o.Search())
	require.Equal(t, saved.Tensors, m.tensors)

	require.NoError(t, o.Step(context.Background()))
	require.Equal(t, resumed, eng.params[0])
	require.Equal(t, 16, o.Status().Buffered, "four games of four steps")
	require.Equal(t, 7, o.Status().Epoch)
}

func TestCancelledBeforeRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng := &fakeEngine{steps: 4}
	o, err := New(eng, newFakeModel(), testOptions(t))
	require.NoError(t, err)

	require.ErrorIs(t, o.Run(ctx), context.Canceled)
	require.Zero(t, eng.calls)
}

func TestCancelledDuringGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eng := &fakeEngine{steps: 4, hook: func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}}
	m := newFakeModel()
	o, err := New(eng, m, testOptions(t))
	require.NoError(t, err)

	require.ErrorIs(t, o.Run(ctx), context.Canceled)
	require.Equal(t, 1, eng.calls)
	require.Zero(t, o.Status().Games)
	require.Zero(t, m.trainSteps)
	require.Equal(t, Idle, o.Status().State)
}

func TestEngineErrorStopsRun(t *testing.T) {
	boom := errors.New("worker crashed")
	eng := &fakeEngine{hook: func(context.Context) error { return boom }}
	o, err := New(eng, newFakeModel(), testOptions(t))
	require.NoError(t, err)
	require.ErrorIs(t, o.Run(context.Background()), boom)
}

func TestPlacementSwitchesAtTransitions(t *testing.T) {
	opts := testOptions(t)
	opts.InferenceDevice = inference.GPU
	opts.TrainingDevice = inference.CPU
	eng := &fakeEngine{steps: 6}
	m := newFakeModel()
	o, err := New(eng, m, opts)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, o.Step(context.Background()))
	}
	require.Equal(t, []inference.Device{inference.GPU, inference.GPU}, eng.devices)
	require.Equal(t, []inference.Device{inference.GPU, inference.CPU, inference.GPU, inference.CPU}, m.placements)
}

func TestSelfPlayEvaluatorOverride(t *testing.T) {
	opts := testOptions(t)
	var used bool
	opts.SelfPlay = inference.EvaluatorFunc(func(game.Player, []float32, int, []float32, []float32) error {
		used = true
		return nil
	})
	eng := &fakeEngine{steps: 4}
	o, err := New(eng, newFakeModel(), opts)
	require.NoError(t, err)
	require.NoError(t, o.Step(context.Background()))
	require.Empty(t, eng.devices, "engine must not see the training adapter")
	require.True(t, used)
}

func TestEventsAndArchive(t *testing.T) {
	opts := testOptions(t)
	opts.Training.CkptInterval = 1
	events := make(chan Event, 64)
	opts.Events = events
	archive, err := store.NewArchive(t.TempDir(), "test")
	require.NoError(t, err)
	opts.Archive = archive

	o, err := New(&fakeEngine{steps: 6}, newFakeModel(), opts)
	require.NoError(t, err)
	require.NoError(t, o.Step(context.Background()))
	close(events)

	var kinds []string
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []string{
		EventState, EventGenerated, EventState,
		EventState, EventTrained, EventState,
		EventCheckpoint,
	}, kinds)

	files, err := store.ArchiveFiles(archive.Dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	got, err := store.ReadArchiveFile(files[0])
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestPrime(t *testing.T) {
	o, err := New(&fakeEngine{steps: 4}, newFakeModel(), testOptions(t))
	require.NoError(t, err)
	o.Prime([]game.Trajectory{{Winner: game.Black, Steps: make([]game.Step, 5)}})
	require.Equal(t, 5, o.Status().Buffered)
	require.Equal(t, 5, o.Buffer().Size())
}

func TestNewRejectsBadOptions(t *testing.T) {
	opts := testOptions(t)
	opts.Training.StartTrain = opts.Training.MaxBuffer
	_, err := New(&fakeEngine{}, newFakeModel(), opts)
	require.ErrorIs(t, err, config.ErrInvalid)

	opts = testOptions(t)
	opts.Search.NumGameThread = 0
	_, err = New(&fakeEngine{}, newFakeModel(), opts)
	require.ErrorIs(t, err, config.ErrInvalid)
}
