package game

import (
	"errors"
	"fmt"
)

// WinLength is the number of consecutive stones that wins the game.
const WinLength = 6

var (
	ErrOutOfBoard = errors.New("position out of board")
	ErrOccupied   = errors.New("position already set")
	ErrGameIsOver = errors.New("game is over")
)

// Game holds the mutable state of one Connect6 game.
//
// Black opens with a single stone; afterwards each player places two stones
// per turn.
type Game struct {
	board    Board
	turn     Player
	remain   int
	placed   int
	winner   Player
	finished bool
}

// NewGame returns an empty board with Black to move.
func NewGame() *Game {
	return &Game{turn: Black, remain: 1}
}

// Clone returns an independent copy of the game.
func (g *Game) Clone() *Game {
	out := *g
	return &out
}

func (g *Game) Board() Board   { return g.board }
func (g *Game) Turn() Player   { return g.turn }
func (g *Game) Remain() int    { return g.remain }
func (g *Game) Winner() Player { return g.winner }
func (g *Game) Over() bool     { return g.finished }

// Set places a stone for the current player at m.
func (g *Game) Set(m Move) error {
	if g.finished {
		return ErrGameIsOver
	}
	if !m.Valid() {
		return fmt.Errorf("set %s: %w", m, ErrOutOfBoard)
	}
	if g.board.At(m.Row, m.Col) != None {
		return fmt.Errorf("set %s: %w", m, ErrOccupied)
	}

	g.board.Set(m.Row, m.Col, g.turn)
	g.placed++

	if SearchWinner(&g.board, m) != None {
		g.winner = g.turn
		g.finished = true
		return nil
	}
	if g.placed == BoardCapacity {
		g.finished = true
		return nil
	}

	g.remain--
	if g.remain <= 0 {
		g.remain = 2
		g.turn = g.turn.Switch()
	}
	return nil
}

// LegalMoves returns every empty cell.
func (g *Game) LegalMoves() []Move {
	if g.finished {
		return nil
	}
	moves := make([]Move, 0, BoardCapacity-g.placed)
	for i, p := range g.board {
		if p == None {
			moves = append(moves, MoveFromIndex(i))
		}
	}
	return moves
}

var directions = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// SearchWinner checks the lines through last and returns the owner of a run of
// at least WinLength stones, or None.
func SearchWinner(b *Board, last Move) Player {
	p := b.At(last.Row, last.Col)
	if p == None {
		return None
	}
	for _, d := range directions {
		count := 1
		for sign := -1; sign <= 1; sign += 2 {
			r, c := last.Row+sign*d[0], last.Col+sign*d[1]
			for r >= 0 && r < BoardSize && c >= 0 && c < BoardSize && b.At(r, c) == p {
				count++
				r += sign * d[0]
				c += sign * d[1]
			}
		}
		if count >= WinLength {
			return p
		}
	}
	return None
}
