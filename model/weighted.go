// Package model implements the weighted policy evaluator: a single fully
// connected layer over [player, board...] with a softmax policy head and a
// tanh value head, trained with momentum SGD.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/brensch/sixzero/executor/convert"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/game"
	"github.com/brensch/sixzero/replay"
	"gonum.org/v1/gonum/mat"
)

const (
	inputCount  = convert.Features
	policyCount = game.BoardCapacity
)

const (
	DefaultLearningRate = 1e-3
	DefaultMomentum     = 0.9
)

var ErrUnsupportedDevice = errors.New("weighted policy only runs on cpu")

// Hyper are the optimizer settings persisted next to the parameters.
type Hyper struct {
	BoardSize    int     `json:"board_size" yaml:"board_size" validate:"required,eq=15"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" validate:"required,gt=0"`
	Momentum     float64 `json:"momentum" yaml:"momentum" validate:"gte=0,lt=1"`
}

// DefaultHyper returns the settings used by the original training runs.
func DefaultHyper() Hyper {
	return Hyper{BoardSize: game.BoardSize, LearningRate: DefaultLearningRate, Momentum: DefaultMomentum}
}

// Tensor is a named parameter matrix in row-major order.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// WeightedPolicy is safe for concurrent Evaluate calls. TrainStep and Restore
// take the write lock.
type WeightedPolicy struct {
	mu    sync.RWMutex
	hyper Hyper

	policyW *mat.Dense // inputCount x policyCount
	policyB *mat.Dense // 1 x policyCount
	valueW  *mat.Dense // inputCount x 1
	valueB  *mat.Dense // 1 x 1

	// momentum accumulators, same shapes as the parameters
	policyWAcc *mat.Dense
	policyBAcc *mat.Dense
	valueWAcc  *mat.Dense
	valueBAcc  *mat.Dense
}

var (
	_ inference.Trainer   = (*WeightedPolicy)(nil)
	_ inference.Reentrant = (*WeightedPolicy)(nil)
	_ inference.Placeable = (*WeightedPolicy)(nil)
)

// New returns a policy with Glorot-uniform weights and zero biases.
func New(h Hyper, rng *rand.Rand) *WeightedPolicy {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	w := &WeightedPolicy{
		hyper:      h,
		policyW:    glorot(rng, inputCount, policyCount),
		policyB:    mat.NewDense(1, policyCount, nil),
		valueW:     glorot(rng, inputCount, 1),
		valueB:     mat.NewDense(1, 1, nil),
		policyWAcc: mat.NewDense(inputCount, policyCount, nil),
		policyBAcc: mat.NewDense(1, policyCount, nil),
		valueWAcc:  mat.NewDense(inputCount, 1, nil),
		valueBAcc:  mat.NewDense(1, 1, nil),
	}
	return w
}

func glorot(rng *rand.Rand, rows, cols int) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

// Hyper returns the optimizer settings.
func (w *WeightedPolicy) Hyper() Hyper {
	return w.hyper
}

// Reentrant implements inference.Reentrant.
func (w *WeightedPolicy) Reentrant() bool { return true }

// Place implements inference.Placeable. Only the cpu is available.
func (w *WeightedPolicy) Place(d inference.Device) error {
	if d != inference.CPU {
		return fmt.Errorf("%s: %w", d, ErrUnsupportedDevice)
	}
	return nil
}

func inputs(data []float32, count int) *mat.Dense {
	x := make([]float64, count*inputCount)
	for i, v := range data[:count*inputCount] {
		x[i] = float64(v)
	}
	return mat.NewDense(count, inputCount, x)
}

// forward returns policy logits (n x S*S) and tanh values (n x 1).
func (w *WeightedPolicy) forward(x *mat.Dense) (*mat.Dense, *mat.Dense) {
	n, _ := x.Dims()

	var logits mat.Dense
	logits.Mul(x, w.policyW)
	pb := w.policyB.RawRowView(0)
	for i := 0; i < n; i++ {
		row := logits.RawRowView(i)
		for j := range row {
			row[j] += pb[j]
		}
	}

	var value mat.Dense
	value.Mul(x, w.valueW)
	vb := w.valueB.At(0, 0)
	value.Apply(func(i, j int, v float64) float64 {
		return math.Tanh(v + vb)
	}, &value)

	return &logits, &value
}

func softmaxRows(m *mat.Dense) *mat.Dense {
	n, c := m.Dims()
	out := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		src := m.RawRowView(i)
		dst := out.RawRowView(i)
		maxV := src[0]
		for _, v := range src[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for j, v := range src {
			e := math.Exp(v - maxV)
			dst[j] = e
			sum += e
		}
		for j := range dst {
			dst[j] /= sum
		}
	}
	return out
}

// Evaluate implements inference.Evaluator.
func (w *WeightedPolicy) Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error {
	if count == 0 {
		return nil
	}
	encoded := convert.EncodeBatch(player, boards, count)
	x := inputs(*encoded, count)
	convert.PutFloatBuffer(encoded)

	w.mu.RLock()
	logits, value := w.forward(x)
	w.mu.RUnlock()

	probs := softmaxRows(logits)
	for i := 0; i < count; i++ {
		values[i] = float32(value.At(i, 0))
		row := probs.RawRowView(i)
		out := policies[i*policyCount : (i+1)*policyCount]
		for j, p := range row {
			out[j] = float32(p)
		}
	}
	return nil
}

type gradients struct {
	policyW, policyB, valueW, valueB *mat.Dense
}

// objective computes the loss on batch and, when grad is true, its gradients.
//
// Value loss is the mean squared error against the game winner. Policy loss is
// the mean cross entropy between the softmax policy and the one-hot played move.
func (w *WeightedPolicy) objective(batch *replay.Batch, grad bool) (float64, float64, *gradients, error) {
	n := batch.Len()
	if n == 0 {
		return 0, 0, nil, replay.ErrEmpty
	}
	if len(batch.Players) != n || len(batch.Moves) != n || len(batch.Boards) != n*game.BoardCapacity {
		return 0, 0, nil, fmt.Errorf("batch of %d examples: %w", n, inference.ErrShape)
	}

	encoded := convert.EncodeExamples(batch.Players, batch.Boards)
	x := inputs(*encoded, n)
	convert.PutFloatBuffer(encoded)

	logits, value := w.forward(x)
	probs := softmaxRows(logits)

	var valueLoss, policyLoss float64
	dLogits := mat.NewDense(n, policyCount, nil)
	dValue := mat.NewDense(n, 1, nil)
	inv := 1 / float64(n)
	for i := 0; i < n; i++ {
		move := int(batch.Moves[i])
		if move < 0 || move >= policyCount {
			return 0, 0, nil, fmt.Errorf("move index %d out of range: %w", move, inference.ErrShape)
		}
		v := value.At(i, 0)
		diff := v - float64(batch.Winners[i])
		valueLoss += diff * diff
		p := probs.At(i, move)
		policyLoss -= math.Log(math.Max(p, 1e-12))

		if grad {
			// d/dv of the mean squared error, through tanh.
			dValue.Set(i, 0, 2*diff*(1-v*v)*inv)
			row := dLogits.RawRowView(i)
			copy(row, probs.RawRowView(i))
			row[move] -= 1
			for j := range row {
				row[j] *= inv
			}
		}
	}
	valueLoss *= inv
	policyLoss *= inv

	if !grad {
		return valueLoss, policyLoss, nil, nil
	}

	g := &gradients{}
	g.policyW = mat.NewDense(inputCount, policyCount, nil)
	g.policyW.Mul(x.T(), dLogits)
	g.valueW = mat.NewDense(inputCount, 1, nil)
	g.valueW.Mul(x.T(), dValue)

	ones := mat.NewDense(1, n, nil)
	for i := 0; i < n; i++ {
		ones.Set(0, i, 1)
	}
	g.policyB = mat.NewDense(1, policyCount, nil)
	g.policyB.Mul(ones, dLogits)
	g.valueB = mat.NewDense(1, 1, nil)
	g.valueB.Mul(ones, dValue)

	return valueLoss, policyLoss, g, nil
}

func lossOf(valueLoss, policyLoss float64) inference.Loss {
	return inference.Loss{
		Value:  float32(valueLoss),
		Policy: float32(policyLoss),
		Total:  float32(valueLoss + policyLoss),
	}
}

// Loss implements inference.Trainer.
func (w *WeightedPolicy) Loss(batch *replay.Batch) (inference.Loss, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	vl, pl, _, err := w.objective(batch, false)
	if err != nil {
		return inference.Loss{}, err
	}
	return lossOf(vl, pl), nil
}

// TrainStep implements inference.Trainer. It returns the loss measured before
// the update.
func (w *WeightedPolicy) TrainStep(batch *replay.Batch) (inference.Loss, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	vl, pl, g, err := w.objective(batch, true)
	if err != nil {
		return inference.Loss{}, err
	}
	lr := w.hyper.LearningRate
	mu := w.hyper.Momentum
	step := func(param, acc, grad *mat.Dense) {
		acc.Scale(mu, acc)
		acc.Add(acc, grad)
		param.Apply(func(i, j int, v float64) float64 {
			return v - lr*acc.At(i, j)
		}, param)
	}
	step(w.policyW, w.policyWAcc, g.policyW)
	step(w.policyB, w.policyBAcc, g.policyB)
	step(w.valueW, w.valueWAcc, g.valueW)
	step(w.valueB, w.valueBAcc, g.valueB)
	return lossOf(vl, pl), nil
}

// Tensors returns a copy of every parameter.
func (w *WeightedPolicy) Tensors() []Tensor {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return []Tensor{
		tensor("policy/kernel", w.policyW),
		tensor("policy/bias", w.policyB),
		tensor("value/kernel", w.valueW),
		tensor("value/bias", w.valueB),
	}
}

func tensor(name string, m *mat.Dense) Tensor {
	r, c := m.Dims()
	return Tensor{Name: name, Rows: r, Cols: c, Data: mat.DenseCopyOf(m).RawMatrix().Data}
}

// Restore overwrites the parameters from tensors produced by Tensors and
// resets the optimizer state.
func (w *WeightedPolicy) Restore(tensors []Tensor) error {
	targets := map[string]*mat.Dense{
		"policy/kernel": w.policyW,
		"policy/bias":   w.policyB,
		"value/kernel":  w.valueW,
		"value/bias":    w.valueB,
	}
	byName := make(map[string]Tensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	for name, dst := range targets {
		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("missing tensor %q", name)
		}
		r, c := dst.Dims()
		if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
			return fmt.Errorf("tensor %q has shape %dx%d (%d values), want %dx%d", name, t.Rows, t.Cols, len(t.Data), r, c)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for name, dst := range targets {
		copy(dst.RawMatrix().Data, byName[name].Data)
	}
	w.policyWAcc.Zero()
	w.policyBAcc.Zero()
	w.valueWAcc.Zero()
	w.valueBAcc.Zero()
	return nil
}
