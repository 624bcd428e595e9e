// visualize.go - Console rendering for interactive play and debugging.
//
// RenderBoard draws the board with row letters a-o down the side and column
// letters A-O across the top, matching the move notation players type.
package selfplay

import (
	"fmt"
	"io"
	"strings"

	"github.com/brensch/sixzero/game"
)

func stoneChar(p game.Player) string {
	switch p {
	case game.Black:
		return "X"
	case game.White:
		return "O"
	default:
		return "_"
	}
}

// RenderBoard returns the board as text. The last move, if on the board, is
// marked with brackets.
func RenderBoard(b *game.Board, last game.Move) string {
	var sb strings.Builder
	sb.WriteString("  ")
	for col := 0; col < game.BoardSize; col++ {
		sb.WriteString(fmt.Sprintf(" %c ", 'A'+col))
	}
	sb.WriteString("\n")
	for row := 0; row < game.BoardSize; row++ {
		sb.WriteString(fmt.Sprintf("%c ", 'a'+row))
		for col := 0; col < game.BoardSize; col++ {
			ch := stoneChar(b.At(row, col))
			if last.Valid() && last.Row == row && last.Col == col {
				sb.WriteString("[" + ch + "]")
			} else {
				sb.WriteString(" " + ch + " ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// PrintBoard writes RenderBoard output with a status line for the side to move.
func PrintBoard(w io.Writer, g *game.Game, last game.Move) {
	b := g.Board()
	fmt.Fprintf(w, "%s - remain %d\n%s", g.Turn(), g.Remain(), RenderBoard(&b, last))
}
