package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/executor/selfplay"
	"github.com/brensch/sixzero/game"
	"github.com/brensch/sixzero/store"
	"github.com/spf13/cobra"
)

func newPlayCmd(rf *rootFlags) *cobra.Command {
	var (
		checkpoint  string
		color       string
		simulations int
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play one game against the engine on the terminal",
		Long: `Play one game against the engine. Positions are typed as a row letter
followed by a column letter, for example "hH" for the center.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(rf)
			if err != nil {
				return err
			}

			var human game.Player
			switch strings.ToLower(color) {
			case "black", "b":
				human = game.Black
			case "white", "w":
				human = game.White
			default:
				return fmt.Errorf("color must be black or white, got %q", color)
			}

			param := cfg.Search
			var eval inference.Evaluator
			if cfg.Inference.Backend == "onnx" {
				pool, err := openOnnx(cfg.Inference, log)
				if err != nil {
					return err
				}
				defer pool.Close()
				eval = inference.NewAdapter(pool, inference.WithNormalization())
			} else {
				var ck *store.Checkpoint
				if checkpoint != "" {
					c, err := loadCheckpoint(cfg, checkpoint)
					switch {
					case errors.Is(err, store.ErrCheckpointNotFound) && checkpoint == "latest":
						log.Warn().Msg("no checkpoint found, playing an untrained model")
					case err != nil:
						return err
					default:
						ck = &c
						param = c.Search
						log.Info().Int("epoch", c.Epoch).Msg("loaded checkpoint")
					}
				}
				m, err := newModel(cfg, ck)
				if err != nil {
					return err
				}
				eval = inference.NewAdapter(m)
			}
			if cmd.Flags().Changed("simulations") {
				param.NumSimulation = simulations
			}
			// Interactive play has no use for exploration noise.
			param.Epsilon = 0

			engine := selfplay.NewEngine(log)
			engine.Augment = cfg.Inference.Augment
			winner, err := engine.PlayWith(cmd.Context(), eval, param, human, os.Stdin, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if winner == human {
				fmt.Fprintln(cmd.OutOrStdout(), "you win")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "latest", `"latest", an epoch number, or empty for an untrained model`)
	cmd.Flags().StringVar(&color, "color", "white", "your color: black or white")
	cmd.Flags().IntVar(&simulations, "simulations", 0, "override search.num_simulation")
	return cmd
}
