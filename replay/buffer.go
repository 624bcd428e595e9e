// Package replay holds a bounded window of recent decision points and draws
// uniform training minibatches from it.
package replay

import (
	"errors"
	"math/rand"

	"github.com/brensch/sixzero/game"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrEmpty           = errors.New("replay buffer is empty")
	ErrInvalidCapacity = errors.New("capacity must be greater than zero")
	ErrInvalidSample   = errors.New("sample size must not be negative")
)

var (
	bufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sixzero_replay_size",
		Help: "Decision points currently held by the replay buffer.",
	})
	pushedSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_replay_pushed_steps_total",
		Help: "Decision points written to the replay buffer, including overwritten ones.",
	})
)

// Entry is the buffer's storage unit: a step tagged with the winner of the
// game it came from.
type Entry struct {
	Winner game.Player
	Step   game.Step
}

// Batch is a sampled minibatch in flat arrays ready for the evaluator.
//
// Winners and Players hold one scalar per example, Boards holds
// BoardCapacity cells per example, and Moves holds row*S+col per example.
type Batch struct {
	Winners []float32
	Players []float32
	Boards  []float32
	Moves   []int32
}

// Len returns the number of examples in the batch.
func (b *Batch) Len() int {
	return len(b.Winners)
}

// Buffer is a fixed-capacity ring of entries.
//
// Buffer is not safe for concurrent use. The trainer pushes and samples from a
// single goroutine.
type Buffer struct {
	entries []Entry
	tail    int
	numData int
	rng     *rand.Rand
}

// New returns an empty buffer holding at most capacity entries.
func New(capacity int, rng *rand.Rand) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		rng:     rng,
	}, nil
}

// Capacity returns the fixed capacity.
func (b *Buffer) Capacity() int {
	return len(b.entries)
}

// Size returns the number of live entries.
func (b *Buffer) Size() int {
	return b.numData
}

// Push stores every step of t tagged with t.Winner, overwriting the oldest
// entries once the buffer is full. When t is longer than the capacity only
// its most recent Capacity steps survive.
func (b *Buffer) Push(t game.Trajectory) {
	c := len(b.entries)
	steps := t.Steps
	if len(steps) > c {
		// Writing the skipped prefix would only be overwritten by the suffix,
		// but the cursor still advances by the full length.
		skip := len(steps) - c
		b.tail = (b.tail + skip) % c
		steps = steps[skip:]
	}
	for i := range steps {
		b.entries[b.tail] = Entry{Winner: t.Winner, Step: steps[i]}
		b.tail = (b.tail + 1) % c
	}
	b.numData = min(b.numData+len(t.Steps), c)

	pushedSteps.Add(float64(len(t.Steps)))
	bufferSize.Set(float64(b.numData))
}

// Entry returns the i-th stored entry in storage order.
func (b *Buffer) Entry(i int) Entry {
	return b.entries[i]
}

// Entries returns the live entries from oldest to newest.
func (b *Buffer) Entries() []Entry {
	out := make([]Entry, 0, b.numData)
	start := (b.tail - b.numData + len(b.entries)) % len(b.entries)
	for i := 0; i < b.numData; i++ {
		out = append(out, b.entries[(start+i)%len(b.entries)])
	}
	return out
}

// SampleIndices draws n indices uniformly with replacement from [0, Size()).
func (b *Buffer) SampleIndices(n int) ([]int, error) {
	if n < 0 {
		return nil, ErrInvalidSample
	}
	if b.numData == 0 {
		return nil, ErrEmpty
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = b.rng.Intn(b.numData)
	}
	return idx, nil
}

// Sample draws n examples uniformly with replacement. Duplicates are kept.
func (b *Buffer) Sample(n int) (*Batch, error) {
	idx, err := b.SampleIndices(n)
	if err != nil {
		return nil, err
	}
	return b.Gather(idx), nil
}

// Gather assembles the entries at idx into a batch.
func (b *Buffer) Gather(idx []int) *Batch {
	n := len(idx)
	batch := &Batch{
		Winners: make([]float32, n),
		Players: make([]float32, n),
		Boards:  make([]float32, n*game.BoardCapacity),
		Moves:   make([]int32, n),
	}
	for i, j := range idx {
		e := &b.entries[j]
		batch.Winners[i] = e.Winner.Float()
		batch.Players[i] = e.Step.Turn.Float()
		e.Step.Board.Flatten(batch.Boards[i*game.BoardCapacity : (i+1)*game.BoardCapacity])
		batch.Moves[i] = int32(e.Step.Move.Index())
	}
	return batch
}

// Clear logically empties the buffer without releasing storage.
func (b *Buffer) Clear() {
	b.numData = 0
	b.tail = 0
	bufferSize.Set(0)
}

// ClearHalf drops the older half of the live entries.
func (b *Buffer) ClearHalf() {
	keep := b.Entries()
	keep = keep[len(keep)/2:]
	b.Clear()
	for _, e := range keep {
		b.entries[b.tail] = e
		b.tail = (b.tail + 1) % len(b.entries)
	}
	b.numData = len(keep)
	bufferSize.Set(float64(b.numData))
}
