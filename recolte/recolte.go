// CLAUDE:SUMMARY Run coordinator: Service wiring plus the pass state machine from extraction to drained pool.
package recolte

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/recolte/netsafe"
	"github.com/hazyhaar/recolte/recolte/internal/client"
	"github.com/hazyhaar/recolte/recolte/internal/extract"
	"github.com/hazyhaar/recolte/recolte/internal/journal"
	"github.com/hazyhaar/recolte/recolte/internal/ledger"
	"github.com/hazyhaar/recolte/recolte/internal/pace"
	"github.com/hazyhaar/recolte/recolte/internal/pool"
	"github.com/hazyhaar/recolte/recolte/internal/sink"
)

// Service is the harvest coordinator. It owns the fetch client and drives
// one pass at a time; the output table is the only durable ledger, the
// journal is optional history.
type Service struct {
	config       *Config
	logger       *slog.Logger
	client       *client.Client
	journal      *journal.Journal // optional — run history
	ownsJournal  bool
	metrics      *metrics
	urlValidator func(string) error

	mu          sync.Mutex
	running     bool
	state       RunState
	workset     int // identifiers pending in the current pass
	lastSummary *Summary
}

// New creates a recolte Service.
func New(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		config:       cfg,
		logger:       logger,
		urlValidator: netsafe.ValidateURL,
		state:        StateIdle,
	}

	// Apply options.
	for _, opt := range opts {
		opt(svc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c, err := client.New(client.Config{
		Template:     cfg.Endpoint,
		Timeout:      cfg.Timeout,
		MaxBytes:     cfg.MaxBodyBytes,
		UserAgent:    cfg.UserAgent,
		KeepMarkup:   cfg.KeepMarkup,
		URLValidator: svc.urlValidator,
	})
	if err != nil {
		return nil, err
	}
	svc.client = c

	if svc.metrics == nil {
		svc.metrics = newMetrics(nil)
	}

	// Open the journal unless one was injected.
	if svc.journal == nil && cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		svc.journal = j
		svc.ownsJournal = true
	}

	return svc, nil
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithJournal sets an already-open journal. The caller keeps ownership;
// Close will not touch it.
func WithJournal(j *journal.Journal) ServiceOption {
	return func(svc *Service) { svc.journal = j }
}

// WithURLValidator overrides the URL validation function (default: netsafe.ValidateURL).
// Use in tests with httptest servers that listen on loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// WithRegistry sets the Prometheus registry the service's instruments
// register into, for processes that expose one scrape endpoint.
func WithRegistry(reg *prometheus.Registry) ServiceOption {
	return func(svc *Service) { svc.metrics = newMetrics(reg) }
}

// Close releases the journal when the service opened it itself.
func (svc *Service) Close() error {
	if svc.ownsJournal && svc.journal != nil {
		return svc.journal.Close()
	}
	return nil
}

// State returns the service's current phase.
func (svc *Service) State() RunState {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.state
}

// LastSummary returns the report of the most recently finished pass, or
// nil before the first one completes.
func (svc *Service) LastSummary() *Summary {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.lastSummary == nil {
		return nil
	}
	cp := *svc.lastSummary
	return &cp
}

// Run executes one harvest pass and blocks until it is done, failed, or
// cancelled. Only one pass runs at a time; a concurrent call returns
// ErrRunActive. The Summary is returned on failure too, with the error.
func (svc *Service) Run(ctx context.Context) (*Summary, error) {
	return svc.run(ctx, svc.config.MaxIDs)
}

// RunCapped is Run with a per-pass cap on the identifiers taken from the
// inputs. max <= 0 falls back to the configured MaxIDs.
func (svc *Service) RunCapped(ctx context.Context, max int) (*Summary, error) {
	if max <= 0 {
		max = svc.config.MaxIDs
	}
	return svc.run(ctx, max)
}

func (svc *Service) run(ctx context.Context, maxIDs int) (*Summary, error) {
	svc.mu.Lock()
	if svc.running {
		svc.mu.Unlock()
		return nil, ErrRunActive
	}
	svc.running = true
	svc.mu.Unlock()
	defer func() {
		svc.mu.Lock()
		svc.running = false
		svc.mu.Unlock()
	}()

	started := time.Now()
	summary := &Summary{State: StateExtracting, StartedAt: started.UnixMilli()}

	var runID string
	if svc.journal != nil {
		rec, err := svc.journal.StartRun(ctx)
		if err != nil {
			svc.logger.Warn("recolte: journal start failed", "error", err)
		} else {
			runID = rec.ID
		}
	}
	summary.RunID = runID

	// Extracting: collect identifiers from the input directory.
	svc.setState(ctx, runID, StateExtracting)
	found, err := extract.CollectIDs(svc.config.InputDir, svc.config.IDColumn, maxIDs)
	if err != nil {
		return svc.seal(ctx, summary, started, err)
	}
	summary.Found = len(found.IDs)
	summary.Warnings = found.Warnings
	for _, w := range found.Warnings {
		svc.logger.Warn("recolte: input skipped", "run_id", runID, "warning", w)
	}
	svc.logger.Info("recolte: extracted", "run_id", runID,
		"identifiers", summary.Found, "files", found.Files)

	// Diffing: drop identifiers the output table already has a good row for.
	svc.setState(ctx, runID, StateDiffingLedger)
	snap, err := ledger.Load(svc.config.OutputPath, svc.config.IDColumn, "error")
	if err != nil {
		return svc.seal(ctx, summary, started, err)
	}
	workset := ledger.Diff(found.IDs, snap)
	summary.AlreadyDone = summary.Found - len(workset)
	svc.logger.Info("recolte: diffed", "run_id", runID,
		"pending", len(workset), "already_done", summary.AlreadyDone)

	writer, err := sink.Open(sink.Config{Path: svc.config.OutputPath, IDColumn: svc.config.IDColumn})
	if err != nil {
		return svc.seal(ctx, summary, started, err)
	}
	defer writer.Close()

	// Scheduling: fan the work set out to the paced pool. Draining is
	// flipped by the pool itself once the feed is handed out.
	svc.mu.Lock()
	svc.workset = len(workset)
	svc.mu.Unlock()
	svc.setState(ctx, runID, StateScheduling)
	svc.metrics.worksetSize.Set(float64(len(workset)))

	interval := svc.config.Interval
	stats, err := pool.Run(ctx, pool.Config{
		Workers: svc.config.Workers,
		Spacer:  func() *pace.Spacer { return pace.NewSpacer(pace.Fixed(interval)) },
		OnDrain: func() { svc.setState(ctx, runID, StateDraining) },
	}, workset, func(ctx context.Context, id string) (bool, error) {
		return svc.harvest(ctx, runID, writer, id)
	})
	summary.fillStats(stats)
	svc.metrics.worksetSize.Set(0)
	return svc.seal(ctx, summary, started, err)
}

// harvest performs one identifier's fetch-and-append. A fetch failure
// becomes a failure row and the pass continues; an append failure is fatal
// because the table can no longer absorb outcomes.
func (svc *Service) harvest(ctx context.Context, runID string, writer *sink.Writer, id string) (bool, error) {
	res := svc.client.Fetch(ctx, id)
	if res.Failed() && ctx.Err() != nil {
		// Cut off mid-flight: leave no row, the next pass retries it.
		return false, ctx.Err()
	}

	if err := writer.Append(sink.Record{ID: id, Err: res.Err, Fields: res.Fields}); err != nil {
		return false, fmt.Errorf("recolte: append %s: %w", id, err)
	}
	svc.metrics.observeFetch(res.Failed(), res.Elapsed)
	svc.metrics.rowsWritten.Inc()

	if res.Failed() {
		svc.logger.Warn("recolte: fetch failed", "run_id", runID,
			"identifier", id, "error", res.Err, "status", res.Status)
	} else {
		svc.logger.Debug("recolte: fetched", "run_id", runID,
			"identifier", id, "fields", len(res.Fields), "elapsed", res.Elapsed)
	}

	if svc.journal != nil && runID != "" {
		status := journal.StatusSuccess
		if res.Failed() {
			status = journal.StatusFailure
		}
		rec := &FetchRecord{
			RunID:      runID,
			Identifier: id,
			Status:     status,
			HTTPStatus: res.Status,
			Error:      res.Err,
			DurationMs: res.Elapsed.Milliseconds(),
		}
		if err := svc.journal.RecordFetch(ctx, rec); err != nil {
			svc.logger.Warn("recolte: journal fetch record failed",
				"identifier", id, "error", err)
		}
	}
	return !res.Failed(), nil
}

// setState records a phase transition on the service, the log, and the
// journal. Journal failures are logged and ignored: history never stops
// a harvest.
func (svc *Service) setState(ctx context.Context, runID string, state RunState) {
	svc.mu.Lock()
	svc.state = state
	svc.mu.Unlock()
	svc.logger.Info("recolte: state", "run_id", runID, "state", state)
	if svc.journal != nil && runID != "" {
		if err := svc.journal.UpdateRunState(ctx, runID, string(state)); err != nil {
			svc.logger.Warn("recolte: journal state update failed", "error", err)
		}
	}
}

// seal finalizes a pass: stamps the summary, stores it for LastSummary,
// bumps the run counter, and writes the journal's terminal record.
func (svc *Service) seal(ctx context.Context, summary *Summary, started time.Time, err error) (*Summary, error) {
	summary.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		summary.State = StateFailed
		summary.Error = err.Error()
	} else {
		summary.State = StateDone
	}

	svc.mu.Lock()
	svc.state = summary.State
	svc.workset = 0
	svc.lastSummary = summary
	svc.mu.Unlock()

	svc.metrics.runsTotal.WithLabelValues(string(summary.State)).Inc()

	if svc.journal != nil && summary.RunID != "" {
		state := journal.StateDone
		if err != nil {
			state = journal.StateFailed
		}
		rec := &RunRecord{
			ID:          summary.RunID,
			State:       state,
			Found:       summary.Found,
			AlreadyDone: summary.AlreadyDone,
			Attempted:   summary.Attempted,
			Succeeded:   summary.Succeeded,
			Failed:      summary.Failed,
			Error:       summary.Error,
			StartedAt:   summary.StartedAt,
		}
		// The pass may be ending on a cancelled context; the terminal
		// record still has to land.
		if jerr := svc.journal.FinishRun(context.WithoutCancel(ctx), rec); jerr != nil {
			svc.logger.Warn("recolte: journal finish failed", "error", jerr)
		}
	}

	if err != nil {
		svc.logger.Error("recolte: pass failed", "run_id", summary.RunID,
			"error", err, "attempted", summary.Attempted)
		return summary, err
	}
	svc.logger.Info("recolte: pass done", "run_id", summary.RunID,
		"found", summary.Found, "already_done", summary.AlreadyDone,
		"attempted", summary.Attempted, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "duration_ms", summary.DurationMs)
	return summary, nil
}

// --- Run history ---

// RecentRuns returns the latest passes, newest first.
func (svc *Service) RecentRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if svc.journal == nil {
		return nil, ErrNoJournal
	}
	return svc.journal.RecentRuns(ctx, limit)
}

// RunByID returns one recorded pass, or nil when it does not exist.
func (svc *Service) RunByID(ctx context.Context, id string) (*RunRecord, error) {
	if svc.journal == nil {
		return nil, ErrNoJournal
	}
	return svc.journal.RunByID(ctx, id)
}

// RecentFailures returns recent failed fetches, optionally scoped to one run.
func (svc *Service) RecentFailures(ctx context.Context, runID string, limit int) ([]*FetchRecord, error) {
	if svc.journal == nil {
		return nil, ErrNoJournal
	}
	return svc.journal.RecentFailures(ctx, runID, limit)
}
