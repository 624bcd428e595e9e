package inference

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/brensch/sixzero/game"
)

// RandomEvaluator is the untrained baseline opponent. Every board gets a
// uniform value in [-1, 1] and a random policy that sums to one.
type RandomEvaluator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomEvaluator returns a baseline seeded with seed.
func NewRandomEvaluator(seed uint64) *RandomEvaluator {
	return &RandomEvaluator{rng: rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))}
}

// Reentrant implements Reentrant; the generator is guarded by a mutex.
func (r *RandomEvaluator) Reentrant() bool { return true }

// Evaluate implements Evaluator.
func (r *RandomEvaluator) Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error {
	if len(values) < count || len(policies) < count*game.BoardCapacity {
		return fmt.Errorf("random evaluator with %d boards: %w", count, ErrShape)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < count; i++ {
		values[i] = r.rng.Float32()*2 - 1
		row := policies[i*game.BoardCapacity : (i+1)*game.BoardCapacity]
		var sum float32
		for j := range row {
			row[j] = r.rng.Float32()
			sum += row[j]
		}
		if sum > 0 {
			for j := range row {
				row[j] /= sum
			}
		}
	}
	return nil
}
