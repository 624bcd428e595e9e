// Package trainer drives the self-play training loop: generate games, buffer
// their decision points, train on uniform minibatches and checkpoint.
//
// Generation and training never overlap. The loop runs on the caller's
// goroutine; only the engine's self-play call fans out.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/exchange"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/game"
	"github.com/brensch/sixzero/model"
	"github.com/brensch/sixzero/replay"
	"github.com/brensch/sixzero/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	epochGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sixzero_trainer_epoch",
		Help: "Training epochs completed.",
	})
	gamesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_trainer_games_total",
		Help: "Self-play games pushed into the replay buffer.",
	})
	lossGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sixzero_trainer_loss",
		Help: "Loss on the summary minibatch drawn after each epoch.",
	}, []string{"kind"})
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sixzero_trainer_phase_seconds",
		Help:    "Wall time of each orchestrator phase.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"phase"})
	checkpointsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_trainer_checkpoints_total",
		Help: "Checkpoints written.",
	})
)

// Engine generates self-play games. It must evaluate positions only through
// eval and hand its results back through alloc.
type Engine interface {
	SelfPlay(ctx context.Context, eval inference.Evaluator, param config.SearchParam, alloc *exchange.Allocator) (*exchange.Bulk, error)
}

// Model is a trainable evaluator whose parameters can be checkpointed.
type Model interface {
	inference.Trainer
	Hyper() model.Hyper
	Tensors() []model.Tensor
	Restore([]model.Tensor) error
}

type State int

const (
	Idle State = iota
	Generating
	Training
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case Training:
		return "training"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Generating, Training} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Status is a snapshot of the orchestrator.
type Status struct {
	State      State          `json:"state"`
	Epoch      int            `json:"epoch"`
	Games      int            `json:"games"`
	Buffered   int            `json:"buffered"`
	Loss       inference.Loss `json:"loss"`
	Checkpoint string         `json:"checkpoint,omitempty"`
}

// Event kinds.
const (
	EventState      = "state"
	EventGenerated  = "generated"
	EventTrained    = "trained"
	EventCheckpoint = "checkpoint"
)

// Event is published on Options.Events after every transition.
type Event struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`
	Status
}

type Options struct {
	Name     string
	CkptDir  string
	Search   config.SearchParam
	Training config.TrainingConfig

	InferenceDevice inference.Device
	TrainingDevice  inference.Device

	// SelfPlay, when set, scores positions during generation instead of the
	// model being trained.
	SelfPlay inference.Evaluator
	// Archive, when set, receives every generation.
	Archive *store.Archive
	// Events receives a copy of every event. Sends never block; events are
	// dropped when the channel is full.
	Events chan<- Event

	Logger zerolog.Logger
	Rand   *rand.Rand
}

// Orchestrator is the training loop. Run and Step must be called from one
// goroutine; Status may be called from anywhere.
type Orchestrator struct {
	opts   Options
	engine Engine
	model  Model
	eval   *inference.Adapter
	buffer *replay.Buffer
	alloc  *exchange.Allocator
	log    zerolog.Logger

	mu     sync.Mutex
	status Status
}

func New(engine Engine, m Model, opts Options) (*Orchestrator, error) {
	if engine == nil || m == nil {
		return nil, errors.New("engine and model are required")
	}
	if err := opts.Search.Validate(); err != nil {
		return nil, err
	}
	if opts.Training.StartTrain >= opts.Training.MaxBuffer {
		return nil, fmt.Errorf("%w: start_train %d never reached with max_buffer %d", config.ErrInvalid, opts.Training.StartTrain, opts.Training.MaxBuffer)
	}
	if opts.Training.BatchSize <= 0 || opts.Training.MiniBatch <= 0 || opts.Training.CkptInterval <= 0 {
		return nil, fmt.Errorf("%w: batch_size, mini_batch and ckpt_interval must be positive", config.ErrInvalid)
	}
	if opts.InferenceDevice == "" {
		opts.InferenceDevice = inference.CPU
	}
	if opts.TrainingDevice == "" {
		opts.TrainingDevice = inference.CPU
	}

	buffer, err := replay.New(opts.Training.MaxBuffer, opts.Rand)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		opts:   opts,
		engine: engine,
		model:  m,
		eval:   inference.NewAdapter(m),
		buffer: buffer,
		alloc:  exchange.NewAllocator(),
		log:    opts.Logger,
	}, nil
}

// Status returns the latest snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Search returns the parameters used for generation.
func (o *Orchestrator) Search() config.SearchParam {
	return o.opts.Search
}

// Buffer exposes the replay buffer. It must not be used while Run is active.
func (o *Orchestrator) Buffer() *replay.Buffer {
	return o.buffer
}

// Evaluator returns the adapter around the trained model.
func (o *Orchestrator) Evaluator() *inference.Adapter {
	return o.eval
}

// Resume restores the model, the search parameters and the epoch counter from
// ck.
func (o *Orchestrator) Resume(ck store.Checkpoint) error {
	if got, want := ck.Model.BoardSize, o.model.Hyper().BoardSize; got != want {
		return fmt.Errorf("checkpoint board size %d, model has %d", got, want)
	}
	if err := ck.Search.Validate(); err != nil {
		return err
	}
	if err := o.model.Restore(ck.Tensors); err != nil {
		return fmt.Errorf("restore epoch %d: %w", ck.Epoch, err)
	}
	o.opts.Search = ck.Search
	o.update(func(s *Status) { s.Epoch = ck.Epoch })
	epochGauge.Set(float64(ck.Epoch))
	o.log.Info().Int("epoch", ck.Epoch).Msg("resumed from checkpoint")
	return nil
}

// Prime pushes previously archived trajectories into the replay buffer.
func (o *Orchestrator) Prime(trajectories []game.Trajectory) {
	for _, t := range trajectories {
		o.buffer.Push(t)
	}
	size := o.buffer.Size()
	o.update(func(s *Status) { s.Buffered = size })
	o.log.Info().Int("trajectories", len(trajectories)).Int("buffered", size).Msg("replay buffer primed")
}

func (o *Orchestrator) update(fn func(*Status)) Status {
	o.mu.Lock()
	fn(&o.status)
	s := o.status
	o.mu.Unlock()
	return s
}

func (o *Orchestrator) emit(kind string, s Status) {
	if o.opts.Events == nil {
		return
	}
	select {
	case o.opts.Events <- Event{Time: time.Now(), Kind: kind, Status: s}:
	default:
	}
}

func (o *Orchestrator) setState(st State) {
	s := o.update(func(s *Status) { s.State = st })
	o.emit(EventState, s)
}

// Run loops until ctx is cancelled, an error occurs, or MaxEpochs epochs
// have been trained. Cancellation is reported as ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().
		Int("epoch", o.Status().Epoch).
		Int("num_game_thread", o.opts.Search.NumGameThread).
		Int("max_buffer", o.opts.Training.MaxBuffer).
		Int("start_train", o.opts.Training.StartTrain).
		Msg("training loop started")
	for {
		if limit := o.opts.Training.MaxEpochs; limit > 0 && o.Status().Epoch >= limit {
			o.log.Info().Int("epoch", o.Status().Epoch).Msg("max epochs reached")
			return nil
		}
		if err := o.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs one generation and, once the buffer holds more than start_train
// entries, one training epoch. ctx is checked between phases.
func (o *Orchestrator) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.generate(ctx); err != nil {
		return err
	}

	if o.buffer.Size() <= o.opts.Training.StartTrain {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.train(); err != nil {
		return err
	}

	if epoch := o.Status().Epoch; epoch%o.opts.Training.CkptInterval == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.checkpoint(epoch); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) generate(ctx context.Context) error {
	if err := o.eval.SetPlacement(o.opts.InferenceDevice); err != nil {
		return fmt.Errorf("inference placement: %w", err)
	}
	o.setState(Generating)
	defer o.setState(Idle)

	var eval inference.Evaluator = o.eval
	if o.opts.SelfPlay != nil {
		eval = o.opts.SelfPlay
	}

	start := time.Now()
	bulk, err := o.engine.SelfPlay(ctx, eval, o.opts.Search, o.alloc)
	if err != nil {
		return fmt.Errorf("self-play: %w", err)
	}
	trajectories := bulk.Take()
	phaseDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())

	steps := 0
	for _, t := range trajectories {
		o.buffer.Push(t)
		steps += t.Len()
	}
	gamesCounter.Add(float64(o.opts.Search.NumGameThread))

	s := o.update(func(s *Status) {
		s.Games += o.opts.Search.NumGameThread
		s.Buffered = o.buffer.Size()
	})

	if o.opts.Archive != nil {
		path, _, err := o.opts.Archive.Write(s.Epoch, trajectories)
		if err != nil {
			return fmt.Errorf("archive generation: %w", err)
		}
		if path != "" {
			o.log.Debug().Str("path", path).Msg("generation archived")
		}
	}

	o.log.Info().
		Int("games", s.Games).
		Int("steps", steps).
		Int("buffered", s.Buffered).
		Dur("took", time.Since(start)).
		Msg("generation finished")
	o.emit(EventGenerated, s)
	return nil
}

func (o *Orchestrator) train() error {
	if err := o.eval.SetPlacement(o.opts.TrainingDevice); err != nil {
		return fmt.Errorf("training placement: %w", err)
	}
	o.setState(Training)
	defer o.setState(Idle)

	start := time.Now()
	epoch := o.Status().Epoch + 1
	for i := 0; i < o.opts.Training.BatchSize; i++ {
		batch, err := o.buffer.Sample(o.opts.Training.MiniBatch)
		if err != nil {
			return fmt.Errorf("epoch %d sample: %w", epoch, err)
		}
		if _, err := o.eval.TrainStep(batch); err != nil {
			return fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
		}
	}

	batch, err := o.buffer.Sample(o.opts.Training.MiniBatch)
	if err != nil {
		return fmt.Errorf("epoch %d summary sample: %w", epoch, err)
	}
	loss, err := o.eval.Loss(batch)
	if err != nil {
		return fmt.Errorf("epoch %d summary loss: %w", epoch, err)
	}
	phaseDuration.WithLabelValues("train").Observe(time.Since(start).Seconds())

	epochGauge.Set(float64(epoch))
	lossGauge.WithLabelValues("value").Set(float64(loss.Value))
	lossGauge.WithLabelValues("policy").Set(float64(loss.Policy))
	lossGauge.WithLabelValues("total").Set(float64(loss.Total))

	s := o.update(func(s *Status) {
		s.Epoch = epoch
		s.Loss = loss
	})
	o.log.Info().
		Int("epoch", epoch).
		Float32("loss", loss.Total).
		Float32("value_loss", loss.Value).
		Float32("policy_loss", loss.Policy).
		Dur("took", time.Since(start)).
		Msg("epoch trained")
	o.emit(EventTrained, s)
	return nil
}

func (o *Orchestrator) checkpoint(epoch int) error {
	start := time.Now()
	ck := store.Checkpoint{
		Epoch:   epoch,
		Search:  o.opts.Search,
		Model:   o.model.Hyper(),
		Tensors: o.model.Tensors(),
	}
	if err := store.SaveCheckpoint(o.opts.CkptDir, o.opts.Name, ck); err != nil {
		return fmt.Errorf("checkpoint epoch %d: %w", epoch, err)
	}
	phaseDuration.WithLabelValues("checkpoint").Observe(time.Since(start).Seconds())
	checkpointsCounter.Inc()

	path, _ := store.Paths(o.opts.CkptDir, o.opts.Name, epoch)
	s := o.update(func(s *Status) { s.Checkpoint = path })
	o.log.Info().Int("epoch", epoch).Str("path", path).Msg("checkpoint saved")
	o.emit(EventCheckpoint, s)
	return nil
}
