package main

import (
	"fmt"
	"sync/atomic"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/executor/selfplay"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newMatchCmd(rf *rootFlags) *cobra.Command {
	var (
		black, white string
		games        int
		simulations  int
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Play checkpoints against each other or against a random baseline",
		Long: `Play a series of games between two players. Each player is "random",
"latest", or a checkpoint epoch of this run. Root noise stays on so
repeated games differ.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(rf)
			if err != nil {
				return err
			}
			blackEval, err := matchPlayer(cfg, black, 0, log)
			if err != nil {
				return fmt.Errorf("black: %w", err)
			}
			whiteEval, err := matchPlayer(cfg, white, 1, log)
			if err != nil {
				return fmt.Errorf("white: %w", err)
			}

			param := cfg.Search
			if cmd.Flags().Changed("simulations") {
				param.NumSimulation = simulations
			}

			var played atomic.Int64
			engine := selfplay.NewEngine(log)
			engine.Augment = cfg.Inference.Augment
			engine.OnGame = func(r selfplay.GameResult) {
				log.Info().
					Int64("game", played.Add(1)).
					Str("game_id", r.GameID).
					Str("winner", r.Winner.String()).
					Int("steps", r.Steps).
					Msg("match game finished")
			}

			res, err := engine.Match(cmd.Context(), blackEval, whiteEval, param, games)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "black %s: %d wins\nwhite %s: %d wins\ndraws: %d of %d games\n",
				black, res.BlackWins, white, res.WhiteWins, res.Draws, res.Games)
			return nil
		},
	}
	cmd.Flags().StringVar(&black, "black", "latest", `black player: "random", "latest", or an epoch number`)
	cmd.Flags().StringVar(&white, "white", "random", `white player: "random", "latest", or an epoch number`)
	cmd.Flags().IntVar(&games, "games", 10, "games to play")
	cmd.Flags().IntVar(&simulations, "simulations", 0, "override search.num_simulation")
	return cmd
}

// matchPlayer builds the evaluator named by which. Random players are seeded
// from the config seed and their side so both colors differ.
func matchPlayer(cfg config.Config, which string, side uint64, log zerolog.Logger) (inference.Evaluator, error) {
	if which == "random" {
		return inference.NewRandomEvaluator(uint64(cfg.Seed)*2 + side), nil
	}
	ck, err := loadCheckpoint(cfg, which)
	if err != nil {
		return nil, err
	}
	m, err := newModel(cfg, &ck)
	if err != nil {
		return nil, err
	}
	log.Info().Str("player", which).Int("epoch", ck.Epoch).Msg("loaded checkpoint")
	return inference.NewAdapter(m), nil
}
