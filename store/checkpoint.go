package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/brensch/sixzero/config"
	"github.com/brensch/sixzero/model"
	"github.com/go-playground/validator/v10"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrMalformedSidecar   = errors.New("malformed checkpoint sidecar")
)

const paramSchema = "sixzero_params_v1"

var validate = validator.New()

// Checkpoint is everything needed to resume training at Epoch.
type Checkpoint struct {
	Epoch   int
	Search  config.SearchParam
	Model   model.Hyper
	Tensors []model.Tensor
}

type tensorRow struct {
	Name string    `parquet:"name,dict"`
	Rows int32     `parquet:"rows"`
	Cols int32     `parquet:"cols"`
	Data []float64 `parquet:"data"`
}

// sidecar mirrors the JSON file next to the parameters. Every field is a
// pointer so a missing key can be told apart from a zero value.
type sidecar struct {
	Epoch          *int         `json:"epoch" validate:"required,gte=0"`
	NumSimulation  *int         `json:"num_simulation" validate:"required"`
	Epsilon        *float64     `json:"epsilon" validate:"required"`
	DirichletAlpha *float64     `json:"dirichlet_alpha" validate:"required"`
	CPuct          *float64     `json:"c_puct" validate:"required"`
	Debug          *bool        `json:"debug" validate:"required"`
	NumGameThread  *int         `json:"num_game_thread" validate:"required"`
	Model          *model.Hyper `json:"model" validate:"required"`
}

// Paths returns the parameter and sidecar file names for name at epoch.
func Paths(dir, name string, epoch int) (params, meta string) {
	base := filepath.Join(dir, name+strconv.Itoa(epoch))
	return base + ".parquet", base + ".json"
}

// SaveCheckpoint writes the parameters then the sidecar. The sidecar is
// written last so a checkpoint is only visible once it is complete.
func SaveCheckpoint(dir, name string, ck Checkpoint) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	paramPath, metaPath := Paths(dir, name, ck.Epoch)

	rows := make([]tensorRow, len(ck.Tensors))
	for i, t := range ck.Tensors {
		rows[i] = tensorRow{Name: t.Name, Rows: int32(t.Rows), Cols: int32(t.Cols), Data: t.Data}
	}
	if _, err := writeAtomic(dir, filepath.Base(paramPath), rows, paramSchema); err != nil {
		return fmt.Errorf("save parameters: %w", err)
	}

	s := ck.Search
	meta := sidecar{
		Epoch:          &ck.Epoch,
		NumSimulation:  &s.NumSimulation,
		Epsilon:        &s.Epsilon,
		DirichletAlpha: &s.DirichletAlpha,
		CPuct:          &s.CPuct,
		Debug:          &s.Debug,
		NumGameThread:  &s.NumGameThread,
		Model:          &ck.Model,
	}
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename sidecar: %w", err)
	}
	return nil
}

// ParseSidecar decodes a sidecar document. Unknown keys, missing keys and
// type mismatches are all reported as ErrMalformedSidecar.
func ParseSidecar(body []byte) (epoch int, param config.SearchParam, hyper model.Hyper, err error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var meta sidecar
	if err := dec.Decode(&meta); err != nil {
		return 0, param, hyper, fmt.Errorf("%w: %w", ErrMalformedSidecar, err)
	}
	if err := validate.Struct(meta); err != nil {
		return 0, param, hyper, fmt.Errorf("%w: %w", ErrMalformedSidecar, err)
	}
	if meta.Model == nil {
		return 0, param, hyper, fmt.Errorf("%w: missing model", ErrMalformedSidecar)
	}

	param = config.SearchParam{
		NumSimulation:  *meta.NumSimulation,
		Epsilon:        *meta.Epsilon,
		DirichletAlpha: *meta.DirichletAlpha,
		CPuct:          *meta.CPuct,
		Debug:          *meta.Debug,
		NumGameThread:  *meta.NumGameThread,
	}
	if err := param.Validate(); err != nil {
		return 0, param, hyper, fmt.Errorf("%w: %w", ErrMalformedSidecar, err)
	}
	if err := validate.Struct(meta.Model); err != nil {
		return 0, param, hyper, fmt.Errorf("%w: model: %w", ErrMalformedSidecar, err)
	}
	return *meta.Epoch, param, *meta.Model, nil
}

// LoadCheckpoint reads the checkpoint written for name at epoch.
func LoadCheckpoint(dir, name string, epoch int) (Checkpoint, error) {
	paramPath, metaPath := Paths(dir, name, epoch)

	body, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, metaPath)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read sidecar: %w", err)
	}
	gotEpoch, param, hyper, err := ParseSidecar(body)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%s: %w", metaPath, err)
	}
	if gotEpoch != epoch {
		return Checkpoint{}, fmt.Errorf("%w: %s records epoch %d", ErrMalformedSidecar, metaPath, gotEpoch)
	}

	rows, err := readRows[tensorRow](paramPath)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, paramPath)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load parameters: %w", err)
	}
	tensors := make([]model.Tensor, len(rows))
	for i, r := range rows {
		tensors[i] = model.Tensor{Name: r.Name, Rows: int(r.Rows), Cols: int(r.Cols), Data: r.Data}
	}
	return Checkpoint{Epoch: epoch, Search: param, Model: hyper, Tensors: tensors}, nil
}

// LatestEpoch returns the highest epoch with a complete sidecar for name.
func LatestEpoch(dir, name string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrCheckpointNotFound
	}
	if err != nil {
		return 0, err
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `(\d+)\.json$`)
	best := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if epoch > best {
			best = epoch
		}
	}
	if best < 0 {
		return 0, ErrCheckpointNotFound
	}
	return best, nil
}

// LoadLatest loads the newest checkpoint for name.
func LoadLatest(dir, name string) (Checkpoint, error) {
	epoch, err := LatestEpoch(dir, name)
	if err != nil {
		return Checkpoint{}, err
	}
	return LoadCheckpoint(dir, name, epoch)
}
