package selfplay

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/exchange"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/executor/mcts"
	"github.com/brensch/sixzero/game"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	gamesPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sixzero_selfplay_games_total",
		Help: "Self-play games finished, by winner.",
	}, []string{"winner"})
	movesPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sixzero_selfplay_moves_total",
		Help: "Stones placed during self-play.",
	})
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sixzero_selfplay_search_seconds",
		Help:    "Wall time of one move search.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
)

type GameResult struct {
	GameID string
	Winner game.Player
	Steps  int
}

// Engine plays self-play games with PUCT search.
type Engine struct {
	Logger zerolog.Logger
	// Augment evaluates every leaf over the eight board symmetries.
	Augment bool
	// Seed makes games reproducible when non-zero. Game i of the engine's
	// lifetime uses Seed+i.
	Seed uint64

	// OnStep is called after every stone, from the worker goroutine.
	OnStep func()
	// OnGame is called once per finished game, from the worker goroutine.
	OnGame func(GameResult)

	games atomic.Uint64
}

// NewEngine returns an engine that logs to logger.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{Logger: logger}
}

func searchConfig(param config.SearchParam, augment bool) mcts.Config {
	return mcts.Config{
		NumSimulation:  param.NumSimulation,
		Epsilon:        float32(param.Epsilon),
		DirichletAlpha: param.DirichletAlpha,
		Cpuct:          float32(param.CPuct),
		Augment:        augment,
	}
}

func (e *Engine) rng() *rand.Rand {
	n := e.games.Add(1)
	if e.Seed != 0 {
		return rand.New(rand.NewPCG(e.Seed+n-1, e.Seed^0x9e3779b97f4a7c15))
	}
	return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), n))
}

// SelfPlay runs param.NumGameThread games concurrently against eval and hands
// the finished trajectories back as a Bulk allocated from alloc. The caller
// owns the Bulk and must Take it.
//
// If ctx is cancelled every unfinished game is discarded and no Bulk is
// returned.
func (e *Engine) SelfPlay(ctx context.Context, eval inference.Evaluator, param config.SearchParam, alloc *exchange.Allocator) (*exchange.Bulk, error) {
	if err := param.Validate(); err != nil {
		return nil, err
	}

	trajectories := make([]game.Trajectory, param.NumGameThread)
	g, gctx := errgroup.WithContext(ctx)
	for i := range trajectories {
		g.Go(func() error {
			t, err := e.PlayGame(gctx, i, eval, param)
			if err != nil {
				return err
			}
			trajectories[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return exchange.Encode(alloc, trajectories), nil
}

// PlayGame plays one game from the empty board, choosing the most visited move
// at every ply.
func (e *Engine) PlayGame(ctx context.Context, workerID int, eval inference.Evaluator, param config.SearchParam) (game.Trajectory, error) {
	return e.PlayBetween(ctx, workerID, eval, eval, param)
}

// PlayBetween plays one game in which each side searches with its own
// evaluator.
func (e *Engine) PlayBetween(ctx context.Context, workerID int, black, white inference.Evaluator, param config.SearchParam) (game.Trajectory, error) {
	gameID := uuid.NewString()
	log := e.Logger.With().Str("game_id", gameID).Int("worker", workerID).Logger()
	cfg := searchConfig(param, e.Augment)
	searches := map[game.Player]*mcts.MCTS{
		game.Black: {Config: cfg, Client: black},
		game.White: {Config: cfg, Client: white},
	}
	rng := e.rng()

	g := game.NewGame()
	steps := make([]game.Step, 0, 64)
	for !g.Over() {
		start := time.Now()
		root, depth, err := searches[g.Turn()].Search(ctx, g, rng)
		if err != nil {
			return game.Trajectory{}, fmt.Errorf("game %s move %d: %w", gameID, len(steps), err)
		}
		searchDuration.Observe(time.Since(start).Seconds())

		best := root.Best()
		if best == nil {
			return game.Trajectory{}, fmt.Errorf("game %s move %d: search produced no children", gameID, len(steps))
		}
		steps = append(steps, game.Step{Turn: g.Turn(), Board: g.Board(), Move: best.Move})
		if err := g.Set(best.Move); err != nil {
			return game.Trajectory{}, fmt.Errorf("game %s move %d: %w", gameID, len(steps), err)
		}
		movesPlayed.Inc()

		if param.Debug {
			log.Debug().
				Int("ply", len(steps)).
				Str("player", steps[len(steps)-1].Turn.String()).
				Str("move", best.Move.Notation()).
				Int("visits", best.VisitCount).
				Int("root_visits", root.VisitCount).
				Float32("q", best.Q()).
				Float32("prior", best.PriorProb).
				Int("depth", depth).
				Msg("move")
		}
		if e.OnStep != nil {
			e.OnStep()
		}
	}

	res := GameResult{GameID: gameID, Winner: g.Winner(), Steps: len(steps)}
	gamesPlayed.WithLabelValues(res.Winner.String()).Inc()
	log.Debug().Str("winner", res.Winner.String()).Int("steps", res.Steps).Msg("game finished")
	if e.OnGame != nil {
		e.OnGame(res)
	}
	return game.Trajectory{Winner: g.Winner(), Steps: steps}, nil
}
