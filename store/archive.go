// Package store persists self-play trajectories and training checkpoints as
// Parquet files.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/brensch/sixzero/game"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

const archiveSchema = "sixzero_step_v1"

// StepRow is one decision point of an archived game.
//
// Board holds BoardCapacity bytes in row-major order, each cell stored as
// player+1 (0 Black, 1 empty, 2 White).
type StepRow struct {
	GameID string `parquet:"game_id,dict"`
	Epoch  int32  `parquet:"epoch"`
	Ply    int32  `parquet:"ply"`
	Turn   int32  `parquet:"turn"`
	Board  []byte `parquet:"board"`
	Row    int32  `parquet:"row"`
	Col    int32  `parquet:"col"`
	Winner int32  `parquet:"winner"`
	Source string `parquet:"source,dict"`
}

func encodeBoard(b *game.Board) []byte {
	out := make([]byte, game.BoardCapacity)
	for i, p := range b {
		out[i] = byte(p + 1)
	}
	return out
}

func decodeBoard(src []byte, dst *game.Board) error {
	if len(src) != game.BoardCapacity {
		return fmt.Errorf("board has %d cells, want %d", len(src), game.BoardCapacity)
	}
	for i, c := range src {
		if c > 2 {
			return fmt.Errorf("cell %d holds %d", i, c)
		}
		dst[i] = game.Player(int8(c) - 1)
	}
	return nil
}

// Rows flattens trajectories into archive rows. Each trajectory gets a fresh
// game ID.
func Rows(epoch int, source string, trajectories []game.Trajectory) []StepRow {
	n := 0
	for i := range trajectories {
		n += trajectories[i].Len()
	}
	rows := make([]StepRow, 0, n)
	for _, t := range trajectories {
		id := uuid.NewString()
		for ply, s := range t.Steps {
			rows = append(rows, StepRow{
				GameID: id,
				Epoch:  int32(epoch),
				Ply:    int32(ply),
				Turn:   int32(s.Turn),
				Board:  encodeBoard(&s.Board),
				Row:    int32(s.Move.Row),
				Col:    int32(s.Move.Col),
				Winner: int32(t.Winner),
				Source: source,
			})
		}
	}
	return rows
}

// Archive appends self-play generations to a directory of Parquet batches.
type Archive struct {
	Dir    string
	Source string
}

// NewArchive returns an archive rooted at dir. Files written by it are
// tagged with source.
func NewArchive(dir, source string) (*Archive, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Archive{Dir: dir, Source: source}, nil
}

// Write stores one generation and returns the final path and row count. An
// empty generation writes nothing and returns an empty path.
func (a *Archive) Write(epoch int, trajectories []game.Trajectory) (string, int, error) {
	rows := Rows(epoch, a.Source, trajectories)
	if len(rows) == 0 {
		return "", 0, nil
	}
	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	path, err := writeAtomic(a.Dir, name, rows, archiveSchema, "board")
	if err != nil {
		return "", 0, err
	}
	return path, len(rows), nil
}

// writeAtomic writes rows into dir/tmp and renames the file into dir, so
// readers globbing dir never observe a partial file.
func writeAtomic[T any](dir, name string, rows []T, schema string, skipBounds ...string) (string, error) {
	tmpDir := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	opts := []parquet.WriterOption{
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", schema),
	}
	if len(skipBounds) > 0 {
		opts = append(opts, parquet.SkipPageBounds(skipBounds...))
	}
	if err := parquet.WriteFile(tmpPath, rows, opts...); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}
	return finalPath, nil
}

func readRows[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	reader := parquet.NewGenericReader[T](pf)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows[:n], nil
}

// ReadArchiveFile loads the trajectories stored in one batch file, in the
// order they were written.
func ReadArchiveFile(path string) ([]game.Trajectory, error) {
	rows, err := readRows[StepRow](path)
	if err != nil {
		return nil, err
	}
	return assemble(path, rows)
}

// assemble regroups rows into trajectories by game ID, keeping the order in
// which each game first appears.
func assemble(path string, rows []StepRow) ([]game.Trajectory, error) {
	var (
		out   []game.Trajectory
		index = make(map[string]int)
	)
	for i, r := range rows {
		gi, ok := index[r.GameID]
		if !ok {
			gi = len(out)
			index[r.GameID] = gi
			out = append(out, game.Trajectory{Winner: game.Player(r.Winner)})
		}
		var s game.Step
		s.Turn = game.Player(r.Turn)
		s.Move = game.Move{Row: int(r.Row), Col: int(r.Col)}
		if err := decodeBoard(r.Board, &s.Board); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i, err)
		}
		out[gi].Steps = append(out[gi].Steps, s)
	}
	return out, nil
}

// ArchiveFiles lists finished batch files in dir, oldest first.
func ArchiveFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "batch_*.parquet"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Selection restricts which archived rows LoadRecent returns.
type Selection struct {
	// Source keeps only rows written by this run. Empty keeps every run.
	Source string
	// Before keeps rows tagged with an epoch below it. Zero keeps every epoch.
	// Rows carry the epoch the generation was played under, so the
	// checkpoint for epoch E was trained on exactly the rows before E.
	Before int
}

func (sel Selection) keep(r *StepRow) bool {
	if sel.Source != "" && r.Source != sel.Source {
		return false
	}
	return sel.Before <= 0 || int(r.Epoch) < sel.Before
}

// LoadRecent reads the newest archive batches until at least limit selected
// steps are collected, and returns their trajectories oldest first.
func LoadRecent(dir string, sel Selection, limit int) ([]game.Trajectory, error) {
	files, err := ArchiveFiles(dir)
	if err != nil {
		return nil, err
	}

	var (
		batches [][]game.Trajectory
		steps   int
	)
	for i := len(files) - 1; i >= 0 && steps < limit; i-- {
		rows, err := readRows[StepRow](files[i])
		if err != nil {
			return nil, err
		}
		kept := rows[:0]
		for j := range rows {
			if sel.keep(&rows[j]) {
				kept = append(kept, rows[j])
			}
		}
		if len(kept) == 0 {
			continue
		}
		ts, err := assemble(files[i], kept)
		if err != nil {
			return nil, err
		}
		steps += len(kept)
		batches = append(batches, ts)
	}

	var out []game.Trajectory
	for i := len(batches) - 1; i >= 0; i-- {
		out = append(out, batches[i]...)
	}
	return out, nil
}
