// Package config holds the search parameters handed to the self-play engine
// and the training run configuration loaded from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brensch/sixzero/model"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// SearchParam configures one self-play call. It is immutable for the duration
// of the call and persisted next to every checkpoint.
type SearchParam struct {
	NumSimulation  int     `json:"num_simulation" yaml:"num_simulation" validate:"gt=0"`
	Epsilon        float64 `json:"epsilon" yaml:"epsilon" validate:"gte=0,lte=1"`
	DirichletAlpha float64 `json:"dirichlet_alpha" yaml:"dirichlet_alpha" validate:"gt=0"`
	CPuct          float64 `json:"c_puct" yaml:"c_puct" validate:"gt=0"`
	Debug          bool    `json:"debug" yaml:"debug"`
	NumGameThread  int     `json:"num_game_thread" yaml:"num_game_thread" validate:"gt=0"`
}

// DefaultSearchParam returns the parameters of the original training runs.
func DefaultSearchParam() SearchParam {
	return SearchParam{
		NumSimulation:  800,
		Epsilon:        0.25,
		DirichletAlpha: 0.03,
		CPuct:          1,
		Debug:          false,
		NumGameThread:  11,
	}
}

// Validate reports the first out-of-range field.
func (p SearchParam) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: search param: %v", ErrInvalid, err)
	}
	return nil
}

// TrainingConfig controls buffering, minibatches and checkpoint cadence.
type TrainingConfig struct {
	MaxBuffer    int `json:"max_buffer" yaml:"max_buffer" validate:"gt=0"`
	StartTrain   int `json:"start_train" yaml:"start_train" validate:"gte=0"`
	BatchSize    int `json:"batch_size" yaml:"batch_size" validate:"gt=0"`
	MiniBatch    int `json:"mini_batch" yaml:"mini_batch" validate:"gt=0"`
	CkptInterval int `json:"ckpt_interval" yaml:"ckpt_interval" validate:"gt=0"`
	// MaxEpochs stops the run after that many epochs. Zero runs until
	// cancelled.
	MaxEpochs int `json:"max_epochs" yaml:"max_epochs" validate:"gte=0"`
}

// PlacementConfig names the device used in each phase.
type PlacementConfig struct {
	Inference string `json:"inference" yaml:"inference" validate:"oneof=cpu gpu"`
	Training  string `json:"training" yaml:"training" validate:"oneof=cpu gpu"`
}

// InferenceConfig selects the evaluator backend used during self-play.
type InferenceConfig struct {
	// Backend is "weighted" for the in-process trainable model or "onnx" for
	// an exported network served by ONNX Runtime.
	Backend      string        `json:"backend" yaml:"backend" validate:"oneof=weighted onnx"`
	OnnxModel    string        `json:"onnx_model" yaml:"onnx_model" validate:"required_if=Backend onnx"`
	Sessions     int           `json:"sessions" yaml:"sessions" validate:"gte=0"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout" validate:"gte=0"`
	UseCUDA      bool          `json:"use_cuda" yaml:"use_cuda"`
	// Augment averages the evaluator over the eight board symmetries.
	Augment bool `json:"augment" yaml:"augment"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json pretty"`
}

// Config is the full training run configuration.
type Config struct {
	Name       string `json:"name" yaml:"name" validate:"required"`
	CkptDir    string `json:"ckpt_dir" yaml:"ckpt_dir" validate:"required"`
	ArchiveDir string `json:"archive_dir" yaml:"archive_dir"`
	// Resume continues from a checkpoint of this run: "latest" or an epoch
	// number. Empty starts fresh.
	Resume      string `json:"resume" yaml:"resume" validate:"omitempty,number|eq=latest"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
	Seed        int64  `json:"seed" yaml:"seed"`

	Search    SearchParam     `json:"search" yaml:"search"`
	Model     model.Hyper     `json:"model" yaml:"model"`
	Training  TrainingConfig  `json:"training" yaml:"training"`
	Placement PlacementConfig `json:"placement" yaml:"placement"`
	Inference InferenceConfig `json:"inference" yaml:"inference"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// Default returns a runnable configuration.
func Default() Config {
	return Config{
		Name:        "sixzero",
		CkptDir:     "./ckpt",
		ArchiveDir:  "./data/selfplay",
		MetricsAddr: ":9464",
		Seed:        1,
		Search:      DefaultSearchParam(),
		Model:       model.DefaultHyper(),
		Training: TrainingConfig{
			MaxBuffer:    10000,
			StartTrain:   2000,
			BatchSize:    1,
			MiniBatch:    1024,
			CkptInterval: 100,
		},
		Placement: PlacementConfig{Inference: "cpu", Training: "cpu"},
		Inference: InferenceConfig{
			Backend:      "weighted",
			Sessions:     1,
			BatchSize:    128,
			BatchTimeout: time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Validate checks every field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Training.StartTrain >= c.Training.MaxBuffer {
		return fmt.Errorf("%w: start_train %d never reached with max_buffer %d", ErrInvalid, c.Training.StartTrain, c.Training.MaxBuffer)
	}
	return nil
}

// Load reads path on top of Default and validates the result. An empty path
// returns the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
