package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/brensch/sixzero/store"
	"github.com/spf13/cobra"
)

func newInspectCmd(rf *rootFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the self-play archive and checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(rf)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.ArchiveDir
			}

			s, err := store.Inspect(cmd.Context(), dir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "archive\t%s\n", dir)
			fmt.Fprintf(w, "files\t%d\n", s.Files)
			fmt.Fprintf(w, "games\t%d\n", s.Games)
			fmt.Fprintf(w, "steps\t%d\n", s.Steps)
			fmt.Fprintf(w, "black wins\t%d\n", s.BlackWins)
			fmt.Fprintf(w, "white wins\t%d\n", s.WhiteWins)
			fmt.Fprintf(w, "draws\t%d\n", s.Draws)
			fmt.Fprintf(w, "mean length\t%.1f\n", s.MeanLength)
			fmt.Fprintf(w, "last epoch\t%d\n", s.LastEpoch)

			epoch, err := store.LatestEpoch(cfg.CkptDir, cfg.Name)
			switch {
			case errors.Is(err, store.ErrCheckpointNotFound):
				fmt.Fprintf(w, "checkpoint\tnone\n")
			case err != nil:
				return err
			default:
				ck, err := store.LoadCheckpoint(cfg.CkptDir, cfg.Name, epoch)
				if err != nil {
					return err
				}
				params, _ := store.Paths(cfg.CkptDir, cfg.Name, epoch)
				fmt.Fprintf(w, "checkpoint\t%s\n", params)
				fmt.Fprintf(w, "search\t%+v\n", ck.Search)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "archive directory (defaults to archive_dir)")
	return cmd
}
