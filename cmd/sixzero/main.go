// Command sixzero trains a Connect6 policy by self-play.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "sixzero",
		Short:         "Self-play training for Connect6",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rf.configPath, "config", "c", "", "YAML config file (defaults when empty)")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().StringVar(&rf.logFormat, "log-format", "", "override log.format (console, json, pretty)")

	root.AddCommand(
		newTrainCmd(&rf),
		newPlayCmd(&rf),
		newInspectCmd(&rf),
		newWatchCmd(&rf),
		newMatchCmd(&rf),
	)
	return root
}

// setup loads the config and builds the logger shared by every command.
func setup(rf *rootFlags) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	if rf.logLevel != "" {
		cfg.Log.Level = rf.logLevel
	}
	if rf.logFormat != "" {
		cfg.Log.Format = rf.logFormat
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
