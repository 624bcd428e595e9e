package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Summary describes the contents of an archive directory.
type Summary struct {
	Files     int64
	Games     int64
	Steps     int64
	BlackWins int64
	WhiteWins int64
	Draws     int64
	// MeanLength is the average number of stones per game.
	MeanLength float64
	LastEpoch  int64
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// openArchiveDB returns an in-memory DuckDB with a steps view over every
// finished batch in dir. The glob is not recursive, so partial files in
// dir/tmp are never read.
func openArchiveDB(dir string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, err
	}
	_, _ = db.Exec("PRAGMA threads=4")

	glob := filepath.Join(dir, "batch_*.parquet")
	q := `CREATE OR REPLACE VIEW steps AS
		SELECT * FROM read_parquet('` + escapeSQLString(glob) + `', filename=true)`
	if _, err := db.Exec(q); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create steps view: %w", err)
	}
	return db, nil
}

// Inspect summarizes the archive in dir with DuckDB. An empty directory
// yields a zero Summary.
func Inspect(ctx context.Context, dir string) (Summary, error) {
	files, err := ArchiveFiles(dir)
	if err != nil {
		return Summary{}, err
	}
	if len(files) == 0 {
		return Summary{}, nil
	}

	db, err := openArchiveDB(dir)
	if err != nil {
		return Summary{}, err
	}
	defer db.Close()

	var s Summary
	err = db.QueryRowContext(ctx, `
		WITH games AS (
			SELECT game_id, MIN(winner) AS winner, COUNT(*) AS plies
			FROM steps
			GROUP BY game_id
		)
		SELECT
			(SELECT COUNT(DISTINCT filename) FROM steps),
			COUNT(*),
			COALESCE(SUM(plies), 0)::BIGINT,
			COUNT(*) FILTER (WHERE winner = -1),
			COUNT(*) FILTER (WHERE winner = 1),
			COUNT(*) FILTER (WHERE winner = 0),
			COALESCE(AVG(plies), 0)::DOUBLE,
			(SELECT COALESCE(MAX(epoch), 0)::BIGINT FROM steps)
		FROM games`).Scan(
		&s.Files, &s.Games, &s.Steps,
		&s.BlackWins, &s.WhiteWins, &s.Draws,
		&s.MeanLength, &s.LastEpoch,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize archive: %w", err)
	}
	return s, nil
}
