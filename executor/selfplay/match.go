package selfplay

import (
	"context"
	"fmt"
	"sync"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/game"
	"golang.org/x/sync/errgroup"
)

// MatchResult tallies the games of a match by winner.
type MatchResult struct {
	Games     int `json:"games"`
	BlackWins int `json:"black_wins"`
	WhiteWins int `json:"white_wins"`
	Draws     int `json:"draws"`
}

func (r *MatchResult) record(winner game.Player) {
	r.Games++
	switch winner {
	case game.Black:
		r.BlackWins++
	case game.White:
		r.WhiteWins++
	default:
		r.Draws++
	}
}

// Match plays games between black and white, at most param.NumGameThread at
// a time. Cancelling ctx abandons the match and returns no result.
func (e *Engine) Match(ctx context.Context, black, white inference.Evaluator, param config.SearchParam, games int) (MatchResult, error) {
	if err := param.Validate(); err != nil {
		return MatchResult{}, err
	}
	if games <= 0 {
		return MatchResult{}, fmt.Errorf("%w: match needs at least one game, got %d", config.ErrInvalid, games)
	}

	var (
		mu  sync.Mutex
		res MatchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(param.NumGameThread)
	for i := 0; i < games; i++ {
		g.Go(func() error {
			t, err := e.PlayBetween(gctx, i, black, white, param)
			if err != nil {
				return err
			}
			mu.Lock()
			res.record(t.Winner)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return MatchResult{}, err
	}
	return res, nil
}
