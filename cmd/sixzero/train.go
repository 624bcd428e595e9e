package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/executor/selfplay"
	"github.com/brensch/sixzero/logging"
	"github.com/brensch/sixzero/monitor"
	"github.com/brensch/sixzero/store"
	"github.com/brensch/sixzero/trainer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type trainFlags struct {
	resume      string
	maxEpochs   int
	metricsAddr string
	games       int
	simulations int
	dashboard   bool
}

func newTrainCmd(rf *rootFlags) *cobra.Command {
	var tf trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the self-play training loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(rf)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("resume") {
				cfg.Resume = tf.resume
			}
			if flags.Changed("max-epochs") {
				cfg.Training.MaxEpochs = tf.maxEpochs
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = tf.metricsAddr
			}
			if flags.Changed("games") {
				cfg.Search.NumGameThread = tf.games
			}
			if flags.Changed("simulations") {
				cfg.Search.NumSimulation = tf.simulations
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, tf.dashboard, log)
		},
	}
	cmd.Flags().StringVar(&tf.resume, "resume", "", `continue from "latest" or an epoch number`)
	cmd.Flags().IntVar(&tf.maxEpochs, "max-epochs", 0, "stop after this many epochs (0 runs until interrupted)")
	cmd.Flags().StringVar(&tf.metricsAddr, "metrics-addr", "", "serve /metrics and /events here (empty disables)")
	cmd.Flags().IntVar(&tf.games, "games", 0, "override search.num_game_thread")
	cmd.Flags().IntVar(&tf.simulations, "simulations", 0, "override search.num_simulation")
	cmd.Flags().BoolVar(&tf.dashboard, "dashboard", false, "show a terminal dashboard; logs go to {ckpt_dir}/{name}.log")
	return cmd
}

func runTrain(ctx context.Context, cfg config.Config, dashboard bool, log zerolog.Logger) error {
	if err := os.MkdirAll(cfg.CkptDir, 0o755); err != nil {
		return err
	}
	// The effective config, flags included, sits next to the checkpoints.
	if err := config.Save(effectiveConfigPath(cfg), cfg); err != nil {
		return fmt.Errorf("save effective config: %w", err)
	}
	if dashboard {
		f, err := os.OpenFile(filepath.Join(cfg.CkptDir, cfg.Name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		if log, err = logging.New(f, cfg.Log.Level, "json"); err != nil {
			return err
		}
	}

	var ck *store.Checkpoint
	if cfg.Resume != "" {
		c, err := loadCheckpoint(cfg, cfg.Resume)
		if err != nil {
			return err
		}
		ck = &c
	}
	m, err := newModel(cfg, ck)
	if err != nil {
		return err
	}

	var moves atomic.Int64
	engine := selfplay.NewEngine(log)
	engine.Augment = cfg.Inference.Augment
	engine.Seed = uint64(cfg.Seed)
	engine.OnStep = func() { moves.Add(1) }

	events := make(chan trainer.Event, 256)
	opts := trainer.Options{
		Name:            cfg.Name,
		CkptDir:         cfg.CkptDir,
		Search:          cfg.Search,
		Training:        cfg.Training,
		InferenceDevice: inference.Device(cfg.Placement.Inference),
		TrainingDevice:  inference.Device(cfg.Placement.Training),
		Events:          events,
		Logger:          log,
		Rand:            rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.ArchiveDir != "" {
		if opts.Archive, err = store.NewArchive(cfg.ArchiveDir, cfg.Name); err != nil {
			return err
		}
	}
	if cfg.Inference.Backend == "onnx" {
		pool, err := openOnnx(cfg.Inference, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		opts.SelfPlay = inference.NewAdapter(pool, inference.WithNormalization())
		log.Info().Str("model", cfg.Inference.OnnxModel).Int("sessions", pool.Sessions()).Msg("self-play scored by the exported network")
	}

	o, err := trainer.New(engine, m, opts)
	if err != nil {
		return err
	}
	if ck != nil {
		if err := o.Resume(*ck); err != nil {
			return err
		}
		if cfg.ArchiveDir != "" {
			trajectories, err := store.LoadRecent(cfg.ArchiveDir, store.Selection{Source: cfg.Name, Before: ck.Epoch}, cfg.Training.MaxBuffer)
			if err != nil {
				return fmt.Errorf("prime replay buffer: %w", err)
			}
			o.Prime(trajectories)
		}
	}

	hub := monitor.NewHub(log)
	hubEvents := make(chan trainer.Event, 256)
	var dashEvents chan trainer.Event
	if dashboard {
		dashEvents = make(chan trainer.Event, 256)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		err := o.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		tee(gctx, events, hubEvents, dashEvents)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx, hubEvents)
		return nil
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return monitor.Serve(gctx, cfg.MetricsAddr, hub, log) })
	}
	if dashboard {
		g.Go(func() error {
			defer cancel()
			p := tea.NewProgram(newDashboard(dashEvents, &moves), tea.WithContext(gctx))
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func effectiveConfigPath(cfg config.Config) string {
	return filepath.Join(cfg.CkptDir, cfg.Name+".yaml")
}

// tee copies events to every non-nil output without blocking the trainer.
// It closes the outputs when ctx is done.
func tee(ctx context.Context, in <-chan trainer.Event, outs ...chan trainer.Event) {
	defer func() {
		for _, out := range outs {
			if out != nil {
				close(out)
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-in:
			for _, out := range outs {
				if out == nil {
					continue
				}
				select {
				case out <- e:
				default:
				}
			}
		}
	}
}
