// CLAUDE:SUMMARY Re-exports journal record types and defines run states and the pass Summary.
// Package recolte harvests company purpose records from a public registry.
//
// Each pass extracts identifiers from input CSVs, diffs them against the
// rows already present in the output table, fetches the remainder through
// a rate-limited worker pool, and appends one row per outcome. Passes are
// resumable: killing one mid-run loses nothing but time.
package recolte

import (
	"github.com/hazyhaar/recolte/recolte/internal/journal"
	"github.com/hazyhaar/recolte/recolte/internal/pool"
)

// Re-export journal types for the public API.
type (
	RunRecord   = journal.RunRecord
	FetchRecord = journal.FetchRecord
)

// RunState is one phase of a harvest pass.
type RunState string

// Run states, in order of a clean pass.
const (
	StateIdle          RunState = "idle"
	StateExtracting    RunState = "extracting"
	StateDiffingLedger RunState = "diffing_ledger"
	StateScheduling    RunState = "scheduling"
	StateDraining      RunState = "draining"
	StateDone          RunState = "done"
	StateFailed        RunState = "failed"
)

// Summary is the terminal report of one pass.
type Summary struct {
	RunID       string   `json:"run_id,omitempty"`
	State       RunState `json:"state"`
	Found       int      `json:"found"`        // distinct identifiers in the inputs
	AlreadyDone int      `json:"already_done"` // skipped via the ledger
	Attempted   int      `json:"attempted"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	Warnings    []string `json:"warnings,omitempty"` // skipped input files
	Error       string   `json:"error,omitempty"`
	StartedAt   int64    `json:"started_at"` // unix ms
	DurationMs  int64    `json:"duration_ms"`
}

func (s *Summary) fillStats(st pool.Stats) {
	s.Attempted = st.Attempted
	s.Succeeded = st.Succeeded
	s.Failed = st.Failed
}
