// Package exchange moves finished self-play games from the search engine to
// the trainer.
//
// Ownership crosses the boundary in two levels: an outer ResultArray with one
// RawResult per game, and for each game an inner StepArray of fixed-layout step
// records. The engine allocates both levels through the caller's Allocator.
// The caller copies every record into owned game.Step values, releases each
// inner array, and finally releases the outer array. Bulk.Take performs that
// sequence exactly once.
package exchange

import (
	"fmt"

	"github.com/brensch/sixzero/game"
)

// RawStep is the fixed-layout record for one ply.
type RawStep struct {
	Turn  int32
	Board [game.BoardSize][game.BoardSize]int32
	Row   int32
	Col   int32
}

// RawResult is one finished game. Len is the step count the engine declares;
// it must match Steps.
type RawResult struct {
	Winner int32
	Steps  *StepArray
	Len    int32
}

// ContractViolation is the panic value for misuse of the boundary: mixed
// allocators, premature or repeated release, reads after release, and records
// whose declared lengths or values cannot be trusted. These are never
// recoverable; retrying a corrupted handoff cannot be made safe.
type ContractViolation struct {
	Op     string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("exchange contract violation: %s: %s", e.Op, e.Reason)
}

func violate(op, reason string) {
	panic(&ContractViolation{Op: op, Reason: reason})
}

// Bulk is the owned result of one self-play call.
type Bulk struct {
	alloc   *Allocator
	results *ResultArray
	taken   bool
}

// NewBulk wraps an outer array the engine filled using alloc.
func NewBulk(alloc *Allocator, results *ResultArray) *Bulk {
	if results.owner != alloc {
		violate("new bulk", "result array was allocated by a different allocator")
	}
	return &Bulk{alloc: alloc, results: results}
}

// Encode is the engine side of the handoff: it allocates both levels through
// alloc and writes every trajectory into them.
func Encode(alloc *Allocator, trajectories []game.Trajectory) *Bulk {
	results := alloc.AllocResults(len(trajectories))
	for i := range trajectories {
		*results.At(i) = EncodeResult(alloc, &trajectories[i])
	}
	return NewBulk(alloc, results)
}

// EncodeResult allocates the inner array for one game and fills it.
func EncodeResult(alloc *Allocator, t *game.Trajectory) RawResult {
	steps := alloc.AllocSteps(len(t.Steps))
	for i := range t.Steps {
		ToRawStep(&t.Steps[i], steps.At(i))
	}
	return RawResult{
		Winner: int32(t.Winner),
		Steps:  steps,
		Len:    int32(len(t.Steps)),
	}
}

// Len returns the number of games in the bulk result.
func (b *Bulk) Len() int {
	if b.taken {
		violate("bulk len", "use after release")
	}
	return b.results.Len()
}

// Take converts every record into owned trajectories and then releases the
// engine buffers: each inner array once its records are copied, then the outer
// array once every inner array is gone. It may be called once.
func (b *Bulk) Take() []game.Trajectory {
	if b.taken {
		violate("take", "bulk already released")
	}
	b.taken = true

	n := b.results.Len()
	out := make([]game.Trajectory, n)
	for i := 0; i < n; i++ {
		raw := b.results.At(i)
		out[i] = DecodeResult(raw)
		b.alloc.FreeSteps(raw.Steps)
	}
	b.alloc.FreeResults(b.results)
	b.results = nil
	return out
}

// DecodeResult copies one game into an owned trajectory without releasing it.
func DecodeResult(raw *RawResult) game.Trajectory {
	if raw.Steps == nil {
		violate("decode result", "missing step array")
	}
	if raw.Len < 0 || int(raw.Len) != raw.Steps.Len() {
		violate("decode result", fmt.Sprintf("declared length %d does not match buffer length %d", raw.Len, raw.Steps.Len()))
	}
	winner := checkPlayer("decode result", raw.Winner)

	steps := make([]game.Step, raw.Len)
	for i := range steps {
		FromRawStep(raw.Steps.At(i), &steps[i])
	}
	return game.Trajectory{Winner: winner, Steps: steps}
}

// ToRawStep writes an owned step into its fixed-layout record.
func ToRawStep(s *game.Step, dst *RawStep) {
	dst.Turn = int32(s.Turn)
	for r := 0; r < game.BoardSize; r++ {
		for c := 0; c < game.BoardSize; c++ {
			dst.Board[r][c] = int32(s.Board.At(r, c))
		}
	}
	dst.Row = int32(s.Move.Row)
	dst.Col = int32(s.Move.Col)
}

// FromRawStep copies a fixed-layout record into an owned step.
func FromRawStep(src *RawStep, dst *game.Step) {
	dst.Turn = checkPlayer("decode step turn", src.Turn)
	for r := 0; r < game.BoardSize; r++ {
		for c := 0; c < game.BoardSize; c++ {
			dst.Board.Set(r, c, checkPlayer("decode step board", src.Board[r][c]))
		}
	}
	dst.Move = game.Move{Row: int(src.Row), Col: int(src.Col)}
	if !dst.Move.Valid() {
		violate("decode step move", fmt.Sprintf("position (%d,%d) out of board", src.Row, src.Col))
	}
}

func checkPlayer(op string, v int32) game.Player {
	if v < -1 || v > 1 {
		violate(op, fmt.Sprintf("player value %d out of range", v))
	}
	return game.Player(v)
}

// EchoStep sends one step through the boundary and reads it back.
func EchoStep(alloc *Allocator, s game.Step) game.Step {
	t := game.Trajectory{Winner: game.None, Steps: []game.Step{s}}
	out := Encode(alloc, []game.Trajectory{t}).Take()
	return out[0].Steps[0]
}

// EchoResult sends one trajectory through the boundary and reads it back.
func EchoResult(alloc *Allocator, t game.Trajectory) game.Trajectory {
	return Encode(alloc, []game.Trajectory{t}).Take()[0]
}
