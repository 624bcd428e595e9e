// Package logging builds the zerolog loggers used by the sixzero binaries.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to w at level. Format is one of "console",
// "json" or "pretty" (one indented JSON object per event).
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer
	switch format {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	case "json":
		out = w
	case "pretty":
		out = NewPrettyJSONWriter(w)
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// PrettyJSONWriter re-indents each JSON event written by zerolog. It is meant
// for CLI use and is not tuned for throughput.
type PrettyJSONWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrettyJSONWriter(w io.Writer) *PrettyJSONWriter {
	return &PrettyJSONWriter{w: w}
}

func (p *PrettyJSONWriter) Write(b []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimRight(b, "\n"), "", "  "); err != nil {
		// Not JSON; pass it through rather than drop it.
		buf.Reset()
		buf.Write(bytes.TrimRight(b, "\n"))
	}
	buf.WriteByte('\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}
