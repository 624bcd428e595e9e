package inference

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brensch/sixzero/game"
	"github.com/brensch/sixzero/replay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrShape         = errors.New("evaluation buffer shape mismatch")
	ErrPlacementBusy = errors.New("cannot change placement while evaluations are in flight")
	ErrNotTrainable  = errors.New("evaluator does not support training")
)

var (
	evalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_eval_calls_total",
		Help: "Batched evaluation calls answered by the adapter.",
	})
	evalBoards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_eval_boards_total",
		Help: "Boards scored by the adapter.",
	})
	evalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_eval_errors_total",
		Help: "Evaluation calls that returned an error.",
	})
	evalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sixzero_eval_duration_seconds",
		Help:    "Latency of one batched evaluation call.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
)

// Evaluator scores count boards for one player to move.
//
// boards holds count*BoardCapacity cells in {-1,0,1}. Before returning, the
// evaluator writes count values into values and count*BoardCapacity move
// probabilities into policies.
type Evaluator interface {
	Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error
}

// EvaluatorFunc adapts a plain function to Evaluator.
type EvaluatorFunc func(player game.Player, boards []float32, count int, values, policies []float32) error

func (f EvaluatorFunc) Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error {
	return f(player, boards, count, values, policies)
}

// Reentrant is implemented by evaluators that tolerate concurrent calls.
// Evaluators that do not implement it are serialized by the Adapter.
type Reentrant interface {
	Reentrant() bool
}

// Loss is the combined training objective on one minibatch.
type Loss struct {
	Value  float32 `json:"value"`
	Policy float32 `json:"policy"`
	Total  float32 `json:"total"`
}

// Trainer is an evaluator whose parameters can be updated from replay batches.
type Trainer interface {
	Evaluator
	// TrainStep applies one optimizer step on batch and returns the loss
	// measured before the update.
	TrainStep(batch *replay.Batch) (Loss, error)
	// Loss measures the objective on batch without updating parameters.
	Loss(batch *replay.Batch) (Loss, error)
}

// Device is where an evaluator runs its math.
type Device string

const (
	CPU Device = "cpu"
	GPU Device = "gpu"
)

// Placeable is implemented by evaluators that can move between devices.
type Placeable interface {
	Place(Device) error
}

// Adapter answers synchronous evaluation calls from engine workers.
//
// It validates buffer shapes, treats count=0 as a no-op, serializes calls into
// evaluators that are not Reentrant, and refuses placement changes while any
// call is in flight.
type Adapter struct {
	eval      Evaluator
	reentrant bool
	normalize bool

	serial sync.Mutex
	// inflight is held for reading by every call and for writing by SetPlacement.
	inflight sync.RWMutex
	device   Device
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithNormalization rescales each policy row to sum to one after evaluation.
func WithNormalization() AdapterOption {
	return func(a *Adapter) { a.normalize = true }
}

// NewAdapter wraps eval.
func NewAdapter(eval Evaluator, opts ...AdapterOption) *Adapter {
	a := &Adapter{eval: eval, device: CPU}
	if r, ok := eval.(Reentrant); ok {
		a.reentrant = r.Reentrant()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluator returns the wrapped evaluator.
func (a *Adapter) Evaluator() Evaluator {
	return a.eval
}

// Evaluate implements Evaluator.
func (a *Adapter) Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error {
	if count < 0 {
		return fmt.Errorf("count %d: %w", count, ErrShape)
	}
	if count == 0 {
		return nil
	}
	if len(boards) < count*game.BoardCapacity {
		return fmt.Errorf("boards has %d cells, need %d: %w", len(boards), count*game.BoardCapacity, ErrShape)
	}
	if len(values) < count {
		return fmt.Errorf("values has %d slots, need %d: %w", len(values), count, ErrShape)
	}
	if len(policies) < count*game.BoardCapacity {
		return fmt.Errorf("policies has %d slots, need %d: %w", len(policies), count*game.BoardCapacity, ErrShape)
	}

	a.inflight.RLock()
	defer a.inflight.RUnlock()

	if !a.reentrant {
		a.serial.Lock()
		defer a.serial.Unlock()
	}

	start := time.Now()
	err := a.eval.Evaluate(player, boards[:count*game.BoardCapacity], count, values[:count], policies[:count*game.BoardCapacity])
	evalDuration.Observe(time.Since(start).Seconds())
	evalCalls.Inc()
	if err != nil {
		evalErrors.Inc()
		return err
	}
	evalBoards.Add(float64(count))

	if a.normalize {
		for i := 0; i < count; i++ {
			NormalizeRow(policies[i*game.BoardCapacity : (i+1)*game.BoardCapacity])
		}
	}
	return nil
}

// Placement returns the current device.
func (a *Adapter) Placement() Device {
	a.inflight.RLock()
	defer a.inflight.RUnlock()
	return a.device
}

// SetPlacement moves the evaluator to d. It fails with ErrPlacementBusy if a
// call is in flight. Evaluators that are not Placeable only record the value.
func (a *Adapter) SetPlacement(d Device) error {
	if !a.inflight.TryLock() {
		return ErrPlacementBusy
	}
	defer a.inflight.Unlock()

	if a.device == d {
		return nil
	}
	if p, ok := a.eval.(Placeable); ok {
		if err := p.Place(d); err != nil {
			return fmt.Errorf("place evaluator on %s: %w", d, err)
		}
	}
	a.device = d
	return nil
}

// TrainStep forwards to the wrapped Trainer while holding the placement lock,
// so no inference call can observe a half-applied update.
func (a *Adapter) TrainStep(batch *replay.Batch) (Loss, error) {
	t, ok := a.eval.(Trainer)
	if !ok {
		return Loss{}, ErrNotTrainable
	}
	a.inflight.Lock()
	defer a.inflight.Unlock()
	return t.TrainStep(batch)
}

// Loss forwards to the wrapped Trainer.
func (a *Adapter) Loss(batch *replay.Batch) (Loss, error) {
	t, ok := a.eval.(Trainer)
	if !ok {
		return Loss{}, ErrNotTrainable
	}
	a.inflight.RLock()
	defer a.inflight.RUnlock()
	if !a.reentrant {
		a.serial.Lock()
		defer a.serial.Unlock()
	}
	return t.Loss(batch)
}

// NormalizeRow rescales p in place to a probability distribution. Negative
// entries are treated as zero; an all-zero row becomes uniform.
func NormalizeRow(p []float32) {
	var sum float32
	for i, v := range p {
		if v < 0 || v != v {
			p[i] = 0
			continue
		}
		sum += v
	}
	if sum <= 0 {
		u := 1 / float32(len(p))
		for i := range p {
			p[i] = u
		}
		return
	}
	inv := 1 / sum
	for i := range p {
		p[i] *= inv
	}
}
