// Package game defines the core value types for Connect6 self-play.
//
// These types represent one decision point in a game and one finished game.
// Boards are fixed-size arrays so copying a Step or a Board never aliases
// another game's memory.
package game

import "fmt"

const (
	// BoardSize is the side length of the square board.
	BoardSize = 15
	// BoardCapacity is the number of cells on the board.
	BoardCapacity = BoardSize * BoardSize
)

// Player is stored as a signed small integer so it can double as a numeric
// feature: Black=-1, None=0, White=1.
type Player int8

const (
	Black Player = -1
	None  Player = 0
	White Player = 1
)

// Switch returns the opponent. None stays None.
func (p Player) Switch() Player {
	return -p
}

// Float returns the player as a numeric feature.
func (p Player) Float() float32 {
	return float32(p)
}

func (p Player) String() string {
	switch p {
	case Black:
		return "Black"
	case White:
		return "White"
	default:
		return "None"
	}
}

// Board is an S×S grid in row-major order.
type Board [BoardCapacity]Player

// At returns the cell at (row, col).
func (b *Board) At(row, col int) Player {
	return b[row*BoardSize+col]
}

// Set writes the cell at (row, col).
func (b *Board) Set(row, col int, p Player) {
	b[row*BoardSize+col] = p
}

// Flatten writes the board as float features into dst, which must hold at
// least BoardCapacity values.
func (b *Board) Flatten(dst []float32) {
	_ = dst[BoardCapacity-1]
	for i, p := range b {
		dst[i] = float32(p)
	}
}

// Move is a zero-indexed board position.
type Move struct {
	Row int
	Col int
}

// Index encodes the move as row*S + col.
func (m Move) Index() int {
	return m.Row*BoardSize + m.Col
}

// MoveFromIndex is the inverse of Move.Index.
func MoveFromIndex(idx int) Move {
	return Move{Row: idx / BoardSize, Col: idx % BoardSize}
}

// Valid reports whether the move lies on the board.
func (m Move) Valid() bool {
	return m.Row >= 0 && m.Row < BoardSize && m.Col >= 0 && m.Col < BoardSize
}

func (m Move) String() string {
	return fmt.Sprintf("(%d,%d)", m.Row, m.Col)
}

// Step is one ply: the player to act, the board before the move, and the
// move that was played. It owns its board snapshot.
type Step struct {
	Turn  Player
	Board Board
	Move  Move
}

// Trajectory is a finished game and its outcome.
type Trajectory struct {
	Winner Player
	Steps  []Step
}

// Len returns the number of steps in the trajectory.
func (t *Trajectory) Len() int {
	return len(t.Steps)
}
