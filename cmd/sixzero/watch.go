package main

import (
	"errors"
	"time"

	"github.com/brensch/sixzero/monitor"
	"github.com/brensch/sixzero/trainer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newWatchCmd(rf *rootFlags) *cobra.Command {
	var (
		url       string
		timeout   time.Duration
		dashboard bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the events of a running trainer",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := setup(rf)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if !dashboard {
				return monitor.Watch(ctx, url, timeout, func(e trainer.Event) {
					log.Info().
						Str("kind", e.Kind).
						Str("state", e.State.String()).
						Int("epoch", e.Epoch).
						Int("games", e.Games).
						Int("buffered", e.Buffered).
						Float32("loss", e.Loss.Total).
						Msg("event")
				})
			}

			events := make(chan trainer.Event, 64)
			errc := make(chan error, 1)
			go func() {
				defer close(events)
				errc <- monitor.Watch(ctx, url, timeout, func(e trainer.Event) {
					select {
					case events <- e:
					default:
					}
				})
			}()
			p := tea.NewProgram(newDashboard(events, nil), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			select {
			case err := <-errc:
				return err
			default:
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:9464/events", "trainer event stream")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "handshake timeout")
	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "show a terminal dashboard instead of log lines")
	return cmd
}
