package selfplay

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/executor/mcts"
	"github.com/brensch/sixzero/game"
)

// PlayWith runs an interactive game on in/out. The human plays the given
// color by typing positions like "hH"; the engine answers with search moves
// against eval. It returns the winner.
func (e *Engine) PlayWith(ctx context.Context, eval inference.Evaluator, param config.SearchParam, human game.Player, in io.Reader, out io.Writer) (game.Player, error) {
	if err := param.Validate(); err != nil {
		return game.None, err
	}
	if human != game.Black && human != game.White {
		return game.None, fmt.Errorf("human must play Black or White, got %s", human)
	}

	search := &mcts.MCTS{Config: searchConfig(param, e.Augment), Client: eval}
	rng := e.rng()
	scanner := bufio.NewScanner(in)

	g := game.NewGame()
	last := game.Move{Row: -1, Col: -1}
	for !g.Over() {
		if err := ctx.Err(); err != nil {
			return game.None, err
		}
		PrintBoard(out, g, last)

		var move game.Move
		if g.Turn() == human {
			fmt.Fprint(out, "> ")
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return game.None, fmt.Errorf("read move: %w", err)
				}
				return game.None, io.ErrUnexpectedEOF
			}
			m, err := game.ParseMove(scanner.Text())
			if err != nil {
				fmt.Fprintf(out, "invalid input, retry: %v\n", err)
				continue
			}
			move = m
		} else {
			root, _, err := search.Search(ctx, g, rng)
			if err != nil {
				return game.None, err
			}
			move = root.Best().Move
			fmt.Fprintf(out, "%s plays %s\n", g.Turn(), move.Notation())
		}

		if err := g.Set(move); err != nil {
			if g.Turn() != human {
				return game.None, fmt.Errorf("engine move %s: %w", move.Notation(), err)
			}
			fmt.Fprintf(out, "illegal move %s: %v\n", move.Notation(), err)
			continue
		}
		last = move
	}

	PrintBoard(out, g, last)
	fmt.Fprintf(out, "winner: %s\n", g.Winner())
	return g.Winner(), nil
}
