// CLAUDE:SUMMARY Append-only CSV writer with a frozen column schema and mutex-scoped durable appends.
// Package sink appends harvest rows to a shared CSV table.
//
// The column schema is frozen once: adopted from the file's existing
// header when the table is non-empty, otherwise established by the
// first appended result. Fields without a column overflow into the
// extra_json column as a JSON object; if an adopted header has no
// extra_json column, unmapped fields are dropped. Reserved column
// names (the identifier column, "error", "extra_json") never become
// data columns.
//
// Append is safe for concurrent use. Each call holds the writer mutex
// for exactly one row's encode, flush, and fsync, so rows from racing
// workers never interleave and every row is durable before Append
// returns.
package sink

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("sink: writer closed")

// Record is one harvest outcome to persist.
type Record struct {
	ID     string
	Err    string            // empty means success
	Fields map[string]string // flattened payload, nil on failure
}

// Config configures a Writer.
type Config struct {
	// Path of the CSV table.
	Path string
	// IDColumn is the identifier column name. Default: "EHRAID".
	IDColumn string
}

func (c *Config) defaults() {
	if c.IDColumn == "" {
		c.IDColumn = "EHRAID"
	}
}

// Writer appends rows to one CSV table.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	csv    *csv.Writer
	config Config

	header   []string       // frozen column order, nil until first append
	colIdx   map[string]int // lower-cased column name -> index
	idIdx    int
	errIdx   int
	extraIdx int // -1 when the adopted header has no extra_json column

	rows   int
	closed bool
}

// Open opens or creates the table at cfg.Path for appending. A non-empty
// table must already carry the identifier and error columns in its header;
// the header is adopted verbatim and never rewritten.
func Open(cfg Config) (*Writer, error) {
	cfg.defaults()
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", cfg.Path, err)
	}
	w := &Writer{f: f, csv: csv.NewWriter(f), config: cfg, extraIdx: -1}

	header, err := readHeader(cfg.Path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if header != nil {
		if err := w.freeze(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// readHeader returns the existing header row, or nil for a missing or
// empty table.
func readHeader(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sink: read %s: %w", path, err)
	}
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(b))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sink: parse header of %s: %w", path, err)
	}
	return header, nil
}

// freeze locks in the column order and resolves the special columns.
func (w *Writer) freeze(header []string) error {
	w.header = header
	w.colIdx = make(map[string]int, len(header))
	w.idIdx, w.errIdx, w.extraIdx = -1, -1, -1
	for i, name := range header {
		name = strings.TrimSpace(name)
		w.colIdx[name] = i
		switch {
		case strings.EqualFold(name, w.config.IDColumn):
			w.idIdx = i
		case strings.EqualFold(name, "error"):
			w.errIdx = i
		case strings.EqualFold(name, "extra_json"):
			w.extraIdx = i
		}
	}
	if w.idIdx < 0 {
		return fmt.Errorf("sink: table %s lacks identifier column %q", w.config.Path, w.config.IDColumn)
	}
	if w.errIdx < 0 {
		return fmt.Errorf("sink: table %s lacks error column", w.config.Path)
	}
	return nil
}

// reserved reports whether a field name may not become a data column.
func (w *Writer) reserved(name string) bool {
	return strings.EqualFold(name, w.config.IDColumn) ||
		strings.EqualFold(name, "error") ||
		strings.EqualFold(name, "extra_json")
}

// buildHeader derives a fresh header from the first record: identifier,
// error, the record's field names sorted, then extra_json.
func (w *Writer) buildHeader(rec Record) []string {
	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		if !w.reserved(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	header := make([]string, 0, len(names)+3)
	header = append(header, w.config.IDColumn, "error")
	header = append(header, names...)
	return append(header, "extra_json")
}

// Append durably persists one row. The first call against a fresh table
// also writes the header derived from that record.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if w.header == nil {
		if err := w.freeze(w.buildHeader(rec)); err != nil {
			return err
		}
		if err := w.csv.Write(w.header); err != nil {
			return fmt.Errorf("sink: write header: %w", err)
		}
	}

	row := make([]string, len(w.header))
	row[w.idIdx] = rec.ID
	row[w.errIdx] = rec.Err
	var overflow map[string]string
	for name, value := range rec.Fields {
		if i, ok := w.colIdx[name]; ok && !w.reserved(name) {
			row[i] = value
			continue
		}
		if overflow == nil {
			overflow = make(map[string]string)
		}
		overflow[name] = value
	}
	if len(overflow) > 0 && w.extraIdx >= 0 {
		b, err := json.Marshal(overflow)
		if err != nil {
			return fmt.Errorf("sink: marshal overflow: %w", err)
		}
		row[w.extraIdx] = string(b)
	}

	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("sink: write row: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sink: sync: %w", err)
	}
	w.rows++
	return nil
}

// Header returns a copy of the frozen column order, nil before the
// schema is established.
func (w *Writer) Header() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.header == nil {
		return nil
	}
	out := make([]string, len(w.header))
	copy(out, w.header)
	return out
}

// Rows returns the number of rows appended by this writer.
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close releases the table file. Further appends return ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
