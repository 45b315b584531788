// CLAUDE:SUMMARY Sentinel errors for the recolte service: active run, invalid config, corrupt ledger, closed writer.
package recolte

import (
	"errors"

	"github.com/hazyhaar/recolte/recolte/internal/ledger"
	"github.com/hazyhaar/recolte/recolte/internal/sink"
)

// ErrRunActive is returned when a pass is requested while one is running.
var ErrRunActive = errors.New("recolte: a run is already active")

// ErrInvalidConfig is returned when the configuration cannot drive a run.
var ErrInvalidConfig = errors.New("recolte: invalid config")

// ErrNoJournal is returned by history reads when no journal is configured.
var ErrNoJournal = errors.New("recolte: journal not configured")

// ErrLedgerCorrupt marks an output table that could not be parsed at
// startup. Aliased from the ledger so callers can match at this surface.
var ErrLedgerCorrupt = ledger.ErrCorrupt

// ErrWriterClosed is returned by appends after the output table is closed.
var ErrWriterClosed = sink.ErrClosed
