// Package extract discovers identifiers in a directory of CSV input files.
//
// Only files directly inside the directory are scanned (non-recursive).
// Files are processed in name order and the collected set is returned
// sorted, so a configured cap selects the same identifiers on every run
// while the inputs are unchanged.
package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/hazyhaar/recolte/netsafe"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result holds the identifiers found in an input directory.
type Result struct {
	IDs      []string // unique, sorted, capped
	Files    int      // CSV files scanned
	Warnings []string // one entry per skipped file or anomaly
}

// CollectIDs scans dir for *.csv files and collects the values of the named
// column. Files that cannot be parsed or lack the column are skipped with a
// warning. With max > 0 the first max identifiers of the sorted set are
// returned. An unreadable directory is an error: a mistyped input path must
// not silently yield an empty harvest.
func CollectIDs(dir, column string, max int) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("extract: read input dir: %w", err)
	}

	res := &Result{}
	seen := make(map[string]struct{})

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		res.Files++
		ids, warn := scanFile(filepath.Join(dir, e.Name()), column)
		if warn != "" {
			res.Warnings = append(res.Warnings, e.Name()+": "+warn)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	res.IDs = make([]string, 0, len(seen))
	for id := range seen {
		res.IDs = append(res.IDs, id)
	}
	sortIdentifiers(res.IDs)

	if max > 0 && len(res.IDs) > max {
		res.IDs = res.IDs[:max]
	}
	return res, nil
}

// scanFile returns the column's identifiers from one file. A non-empty
// warning means the file contributed nothing (or, for malformed cells,
// that some values were dropped).
func scanFile(path, column string) ([]string, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Sprintf("read: %v", err)
	}
	data = decodeInput(data)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Sprintf("parse: %v", err)
	}
	if len(records) == 0 {
		return nil, "empty file"
	}

	col := -1
	for i, name := range records[0] {
		if strings.EqualFold(strings.TrimSpace(name), column) {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Sprintf("column %q not found", column)
	}

	var ids []string
	malformed := 0
	for _, rec := range records[1:] {
		if col >= len(rec) {
			continue
		}
		cell := strings.TrimSpace(rec[col])
		if cell == "" {
			continue
		}
		if err := netsafe.ValidateIdentifier(cell); err != nil {
			malformed++
			continue
		}
		ids = append(ids, cell)
	}

	if malformed > 0 {
		return ids, fmt.Sprintf("%d malformed identifiers skipped", malformed)
	}
	return ids, ""
}

// decodeInput strips a UTF-8 BOM and transparently re-decodes Windows-1252
// content. Swiss registry exports commonly ship in either encoding.
func decodeInput(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}

// sortIdentifiers orders numerically when both values are integers, so
// numeric registry identifiers cap at the same ceiling every run.
func sortIdentifiers(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aErr := strconv.ParseInt(ids[i], 10, 64)
		b, bErr := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case aErr == nil && bErr == nil:
			if a != b {
				return a < b
			}
			return ids[i] < ids[j]
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}
