// Package ledger reads the identifiers already recorded in an output table.
//
// Only rows whose error column is empty count as recorded: failure rows
// stay visible in the table but are retried on the next run.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var utf8BOM = "\xEF\xBB\xBF"

// ErrCorrupt marks a table that could not be parsed as CSV.
var ErrCorrupt = errors.New("ledger: corrupt table")

// Snapshot is the state of an existing output table, read once before
// workers start and never refreshed mid-run.
type Snapshot struct {
	// Done holds identifiers with at least one successful row.
	Done map[string]struct{}
	// Header is the table's column order, nil when the table is absent or
	// empty. The writer adopts it so the schema stays frozen across runs.
	Header []string
	// Rows counts data rows read, including failure rows.
	Rows int
}

// Contains reports whether id already has a successful row.
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.Done[id]
	return ok
}

// Load reads the output table at path. A missing, empty, or header-only
// file yields an empty snapshot. A header without the identifier or error
// column yields an empty Done set (the table is not yet usable as a
// ledger) but still reports the header. Any CSV parse error is fatal: an
// ambiguous ledger must not silently proceed. Rows torn short by a crash
// are still valid CSV and are simply never counted as done.
func Load(path, idColumn, errColumn string) (*Snapshot, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{Done: make(map[string]struct{})}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()
	return read(f, idColumn, errColumn)
}

func read(f io.Reader, idColumn, errColumn string) (*Snapshot, error) {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	snap := &Snapshot{Done: make(map[string]struct{})}

	header, err := r.Read()
	if err == io.EOF {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	snap.Header = append([]string(nil), header...)
	if len(snap.Header) > 0 {
		snap.Header[0] = strings.TrimPrefix(snap.Header[0], utf8BOM)
	}

	idIdx, errIdx := -1, -1
	for i, name := range snap.Header {
		switch {
		case strings.EqualFold(name, idColumn):
			idIdx = i
		case strings.EqualFold(name, errColumn):
			errIdx = i
		}
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrCorrupt, snap.Rows+2, err)
		}
		snap.Rows++
		if idIdx < 0 || errIdx < 0 || idIdx >= len(rec) {
			continue
		}
		id := strings.TrimSpace(rec[idIdx])
		if id == "" {
			continue
		}
		// A row truncated before the error column cannot prove success.
		if errIdx >= len(rec) || strings.TrimSpace(rec[errIdx]) != "" {
			continue
		}
		snap.Done[id] = struct{}{}
	}
	return snap, nil
}

// Diff returns the identifiers from ids that are not yet recorded,
// preserving order.
func Diff(ids []string, snap *Snapshot) []string {
	remaining := make([]string, 0, len(ids))
	for _, id := range ids {
		if !snap.Contains(id) {
			remaining = append(remaining, id)
		}
	}
	return remaining
}
