package main

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/executor/inference"
	"github.com/brensch/sixzero/model"
	"github.com/brensch/sixzero/store"
	"github.com/rs/zerolog"
)

// loadCheckpoint resolves which ("latest" or an epoch number) for this run.
func loadCheckpoint(cfg config.Config, which string) (store.Checkpoint, error) {
	if which == "latest" {
		return store.LoadLatest(cfg.CkptDir, cfg.Name)
	}
	epoch, err := strconv.Atoi(which)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("checkpoint %q: want \"latest\" or an epoch number", which)
	}
	return store.LoadCheckpoint(cfg.CkptDir, cfg.Name, epoch)
}

// newModel builds the trainable model, restoring ck when it is not nil.
func newModel(cfg config.Config, ck *store.Checkpoint) (*model.WeightedPolicy, error) {
	hyper := cfg.Model
	if ck != nil {
		hyper = ck.Model
	}
	m := model.New(hyper, rand.New(rand.NewSource(cfg.Seed)))
	if ck != nil {
		if err := m.Restore(ck.Tensors); err != nil {
			return nil, fmt.Errorf("restore epoch %d: %w", ck.Epoch, err)
		}
	}
	return m, nil
}

// openOnnx starts the ONNX Runtime session pool described by cfg.
func openOnnx(cfg config.InferenceConfig, log zerolog.Logger) (*inference.OnnxPool, error) {
	return inference.NewOnnxClientPoolWithConfig(cfg.OnnxModel, cfg.Sessions, inference.OnnxClientConfig{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		UseCUDA:      cfg.UseCUDA,
		Logger:       log,
	})
}
