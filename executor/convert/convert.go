package convert

import (
	"sync"

	"github.com/brensch/sixzero/game"
)

const (
	// Features is the per-example input width: one player feature followed by
	// the flattened board.
	Features = game.BoardCapacity + 1
)

var floatPool = sync.Pool{
	New: func() interface{} {
		b := make([]float32, 0, 64*Features)
		return &b
	},
}

// GetFloatBuffer returns a zero-length buffer from the pool with capacity for
// at least n floats. Caller must return it using PutFloatBuffer.
func GetFloatBuffer(n int) *[]float32 {
	ptr := floatPool.Get().(*[]float32)
	if cap(*ptr) < n {
		b := make([]float32, 0, n)
		ptr = &b
	}
	*ptr = (*ptr)[:n]
	clear(*ptr)
	return ptr
}

// PutFloatBuffer returns a buffer to the pool.
func PutFloatBuffer(b *[]float32) {
	*b = (*b)[:0]
	floatPool.Put(b)
}

// EncodeBatch writes count examples of [player, board...] into a pooled buffer.
// boards is the flattened batch (count*BoardCapacity cells in {-1,0,1}).
// Output shape: [count, Features]. Caller must return it using PutFloatBuffer.
func EncodeBatch(player game.Player, boards []float32, count int) *[]float32 {
	dataPtr := GetFloatBuffer(count * Features)
	data := *dataPtr
	for i := 0; i < count; i++ {
		row := data[i*Features : (i+1)*Features]
		row[0] = player.Float()
		copy(row[1:], boards[i*game.BoardCapacity:(i+1)*game.BoardCapacity])
	}
	return dataPtr
}

// EncodeExamples is EncodeBatch for training examples, where every example
// carries its own player-to-move.
func EncodeExamples(players []float32, boards []float32) *[]float32 {
	count := len(players)
	dataPtr := GetFloatBuffer(count * Features)
	data := *dataPtr
	for i := 0; i < count; i++ {
		row := data[i*Features : (i+1)*Features]
		row[0] = players[i]
		copy(row[1:], boards[i*game.BoardCapacity:(i+1)*game.BoardCapacity])
	}
	return dataPtr
}
