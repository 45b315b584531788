package recolte

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/recolte/dbopen"
	"github.com/hazyhaar/recolte/recolte/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopValidator(string) error { return nil }

// harvestServer serves a fake registry keyed by identifier. fail maps an
// identifier to the HTTP status it should get instead of a record.
func harvestServer(t *testing.T, fail map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
		id := parts[1]
		if code, ok := fail[id]; ok {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name":"Company %s","zip":"8004"}`, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a runnable config over a fresh temp tree.
func testConfig(t *testing.T, endpoint string) *Config {
	t.Helper()
	dir := t.TempDir()
	inputs := filepath.Join(dir, "inputs")
	if err := os.Mkdir(inputs, 0o755); err != nil {
		t.Fatal(err)
	}
	return &Config{
		InputDir:   inputs,
		OutputPath: filepath.Join(dir, "out.csv"),
		Endpoint:   endpoint + "/api/{id}/data.json",
		Workers:    4,
		Interval:   time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

func newService(t *testing.T, cfg *Config, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithURLValidator(noopValidator)}, opts...)
	svc, err := New(cfg, testLogger(), opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func writeInput(t *testing.T, dir, name string, ids ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("EHRAID,name\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "%s,Input %s\n", id, id)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readOutput(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return rows
}

func TestNew_InitialState(t *testing.T) {
	// WHAT: A fresh service is idle with no history.
	// WHY: Status surfaces read these before the first pass.
	srv := harvestServer(t, nil)
	svc := newService(t, testConfig(t, srv.URL))
	if got := svc.State(); got != StateIdle {
		t.Errorf("state: got %s, want %s", got, StateIdle)
	}
	if svc.LastSummary() != nil {
		t.Error("last summary before any pass: want nil")
	}
}

func TestNew_RejectsBadEndpoint(t *testing.T) {
	// WHAT: A template without the identifier placeholder fails construction.
	// WHY: Every fetch would hit the same URL; better to refuse up front.
	cfg := testConfig(t, "http://registry.example")
	cfg.Endpoint = "http://registry.example/api/company.json"
	_, err := New(cfg, testLogger(), WithURLValidator(noopValidator))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err: got %v, want ErrInvalidConfig", err)
	}
}

func TestRun_FreshStart(t *testing.T) {
	// WHAT: A first pass fetches every identifier and appends one row per
	// outcome, failures included.
	// WHY: This is the whole harvest contract in one scenario.
	srv := harvestServer(t, map[string]int{"102": http.StatusNotFound})
	cfg := testConfig(t, srv.URL)
	cfg.Workers = 1 // deterministic row order
	writeInput(t, cfg.InputDir, "batch.csv", "101", "102", "103")
	svc := newService(t, cfg)

	sum, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.State != StateDone {
		t.Errorf("state: got %s, want %s", sum.State, StateDone)
	}
	if sum.Found != 3 || sum.AlreadyDone != 0 || sum.Attempted != 3 || sum.Succeeded != 2 || sum.Failed != 1 {
		t.Errorf("counts: got %+v", sum)
	}
	if got := svc.State(); got != StateDone {
		t.Errorf("service state: got %s, want %s", got, StateDone)
	}
	last := svc.LastSummary()
	if last == nil || last.Attempted != 3 {
		t.Errorf("last summary: got %+v", last)
	}

	rows := readOutput(t, cfg.OutputPath)
	want := [][]string{
		{"EHRAID", "error", "name", "zip", "extra_json"},
		{"101", "", "Company 101", "8004", ""},
		{"102", "http 404", "", "", ""},
		{"103", "", "Company 103", "8004", ""},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows: got %d, want %d", len(rows), len(want))
	}
	for i := range want {
		if strings.Join(rows[i], "|") != strings.Join(want[i], "|") {
			t.Errorf("row %d: got %v, want %v", i, rows[i], want[i])
		}
	}
}

func TestRun_ResumeSkipsDoneRetriesFailed(t *testing.T) {
	// WHAT: A second pass skips identifiers with a good row but retries
	// ones whose only rows are failures.
	// WHY: Resumability is the point of the ledger; failures must not be
	// permanently abandoned, only deferred to the next pass.
	srv := harvestServer(t, map[string]int{"102": http.StatusNotFound})
	cfg := testConfig(t, srv.URL)
	writeInput(t, cfg.InputDir, "batch.csv", "101", "102")
	svc := newService(t, cfg)

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	writeInput(t, cfg.InputDir, "batch.csv", "101", "102", "103")
	sum, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.Found != 3 || sum.AlreadyDone != 1 || sum.Attempted != 2 {
		t.Errorf("counts: got %+v", sum)
	}

	rows := readOutput(t, cfg.OutputPath)
	if len(rows) != 5 { // header + 2 first pass + 2 second pass
		t.Fatalf("rows: got %d, want 5", len(rows))
	}
	var count101, count102 int
	for _, row := range rows[1:] {
		switch row[0] {
		case "101":
			count101++
		case "102":
			count102++
		}
	}
	if count101 != 1 {
		t.Errorf("rows for done identifier: got %d, want 1", count101)
	}
	if count102 != 2 {
		t.Errorf("rows for failing identifier: got %d, want 2", count102)
	}
}

func TestRun_SecondPassAppendsNothing(t *testing.T) {
	// WHAT: With everything harvested, another pass leaves the output
	// byte-identical.
	// WHY: Idempotent convergence lets the tool run from cron unattended.
	srv := harvestServer(t, nil)
	cfg := testConfig(t, srv.URL)
	writeInput(t, cfg.InputDir, "batch.csv", "101", "102", "103")
	svc := newService(t, cfg)

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}

	sum, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.AlreadyDone != 3 || sum.Attempted != 0 {
		t.Errorf("counts: got %+v", sum)
	}
	if sum.State != StateDone {
		t.Errorf("state: got %s, want %s", sum.State, StateDone)
	}
	after, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("output changed on a fully caught-up pass")
	}
}

func TestRun_ManyWorkersCompleteSet(t *testing.T) {
	// WHAT: A concurrent pass still produces exactly one row per identifier.
	// WHY: The pool, pacing, and the shared writer must not lose or
	// duplicate outcomes under contention.
	srv := harvestServer(t, nil)
	cfg := testConfig(t, srv.URL)
	cfg.Workers = 8
	ids := make([]string, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("%03d", 100+i)
	}
	writeInput(t, cfg.InputDir, "batch.csv", ids...)
	svc := newService(t, cfg)

	sum, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Attempted != 40 || sum.Succeeded != 40 {
		t.Errorf("counts: got %+v", sum)
	}

	rows := readOutput(t, cfg.OutputPath)
	if len(rows) != 41 {
		t.Fatalf("rows: got %d, want 41", len(rows))
	}
	seen := make(map[string]bool)
	for _, row := range rows[1:] {
		if seen[row[0]] {
			t.Errorf("duplicate row for %s", row[0])
		}
		seen[row[0]] = true
	}
	if len(seen) != 40 {
		t.Errorf("distinct identifiers: got %d, want 40", len(seen))
	}
}

func TestRunCapped(t *testing.T) {
	// WHAT: A capped pass takes only the first N of the sorted set, and the
	// cap composes with the ledger across passes.
	// WHY: Caps bound test batches without giving up incremental progress.
	srv := harvestServer(t, nil)
	cfg := testConfig(t, srv.URL)
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("%03d", 200+i)
	}
	writeInput(t, cfg.InputDir, "batch.csv", ids...)
	svc := newService(t, cfg)

	sum, err := svc.RunCapped(context.Background(), 3)
	if err != nil {
		t.Fatalf("capped run: %v", err)
	}
	if sum.Found != 3 || sum.Attempted != 3 {
		t.Errorf("first capped pass: got %+v", sum)
	}

	sum, err = svc.RunCapped(context.Background(), 3)
	if err != nil {
		t.Fatalf("second capped run: %v", err)
	}
	if sum.AlreadyDone != 3 || sum.Attempted != 0 {
		t.Errorf("second capped pass: got %+v", sum)
	}

	sum, err = svc.Run(context.Background())
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	if sum.Found != 10 || sum.AlreadyDone != 3 || sum.Attempted != 7 {
		t.Errorf("full pass: got %+v", sum)
	}
}

func TestRun_SecondCallWhileActive(t *testing.T) {
	// WHAT: Run refuses to overlap with an in-flight pass.
	// WHY: Two passes appending to one table would double-fetch the work set.
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		fmt.Fprint(w, `{"name":"X"}`)
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(t, srv.URL)
	writeInput(t, cfg.InputDir, "batch.csv", "101", "102")
	svc := newService(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background())
		done <- err
	}()
	<-started

	if _, err := svc.Run(context.Background()); !errors.Is(err, ErrRunActive) {
		t.Errorf("overlapping run: got %v, want ErrRunActive", err)
	}

	release <- struct{}{}
	release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRun_CancelLeavesNoPartialRows(t *testing.T) {
	// WHAT: Cancelling mid-flight fails the pass without writing rows for
	// the cut-off fetches.
	// WHY: A "context canceled" failure row would be noise; the next pass
	// simply retries those identifiers.
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		fmt.Fprint(w, `{"name":"X"}`)
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(t, srv.URL)
	cfg.Workers = 2
	writeInput(t, cfg.InputDir, "batch.csv", "101", "102", "103", "104")
	svc := newService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var sum *Summary
	go func() {
		var err error
		sum, err = svc.Run(ctx)
		done <- err
	}()
	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: got %v, want context.Canceled", err)
	}
	if sum.State != StateFailed {
		t.Errorf("state: got %s, want %s", sum.State, StateFailed)
	}

	info, err := os.Stat(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("output size: got %d, want 0 (no rows for cancelled fetches)", info.Size())
	}
}

func TestRun_CorruptLedgerIsFatal(t *testing.T) {
	// WHAT: An unparseable output table aborts the pass before any fetch.
	// WHY: Guessing what is done from a broken ledger risks silent
	// double-appends; the taxonomy makes this operator territory.
	srv := harvestServer(t, nil)
	cfg := testConfig(t, srv.URL)
	writeInput(t, cfg.InputDir, "batch.csv", "101", "102")
	corrupt := "EHRAID,error,name,zip,extra_json\n101,,Company 101,8004,\n\"torn\n"
	if err := os.WriteFile(cfg.OutputPath, []byte(corrupt), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := newService(t, cfg)

	sum, err := svc.Run(context.Background())
	if !errors.Is(err, ErrLedgerCorrupt) {
		t.Fatalf("run: got %v, want ErrLedgerCorrupt", err)
	}
	if sum.State != StateFailed || sum.Error == "" {
		t.Errorf("summary: got %+v", sum)
	}
	if sum.Attempted != 0 {
		t.Errorf("attempted against corrupt ledger: got %d", sum.Attempted)
	}
}

func TestRun_MissingInputDirIsFatal(t *testing.T) {
	// WHAT: An unreadable input directory fails the pass.
	// WHY: A typoed path must not report a clean empty harvest.
	srv := harvestServer(t, nil)
	cfg := testConfig(t, srv.URL)
	cfg.InputDir = filepath.Join(cfg.InputDir, "nope")
	svc := newService(t, cfg)

	sum, err := svc.Run(context.Background())
	if err == nil {
		t.Fatal("run on missing input dir: want error")
	}
	if sum.State != StateFailed {
		t.Errorf("state: got %s, want %s", sum.State, StateFailed)
	}
	if got := svc.State(); got != StateFailed {
		t.Errorf("service state: got %s, want %s", got, StateFailed)
	}
}

func TestRun_SkipsUnparsableInputWithWarning(t *testing.T) {
	// WHAT: An input file without the identifier column is skipped and
	// surfaced as a warning; the rest of the pass proceeds.
	// WHY: One stray export in the drop directory must not block the batch.
	srv := harvestServer(t, nil)
	cfg := testConfig(t, srv.URL)
	writeInput(t, cfg.InputDir, "good.csv", "101", "102")
	if err := os.WriteFile(filepath.Join(cfg.InputDir, "bad.csv"), []byte("uid,value\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := newService(t, cfg)

	sum, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Found != 2 || sum.Succeeded != 2 {
		t.Errorf("counts: got %+v", sum)
	}
	if len(sum.Warnings) != 1 || !strings.Contains(sum.Warnings[0], "bad.csv") {
		t.Errorf("warnings: got %v", sum.Warnings)
	}
}

func TestRun_JournalHistory(t *testing.T) {
	// WHAT: With a journal attached, passes and failed fetches are
	// queryable through the service afterwards.
	// WHY: The journal is the only place per-attempt detail survives; the
	// output table keeps outcomes, not timings or run boundaries.
	srv := harvestServer(t, map[string]int{"102": http.StatusNotFound})
	cfg := testConfig(t, srv.URL)
	writeInput(t, cfg.InputDir, "batch.csv", "101", "102")
	db := dbopen.OpenMemory(t, dbopen.WithSchema(journal.Schema))
	svc := newService(t, cfg, WithJournal(journal.New(db)))

	sum, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.RunID == "" || !strings.HasPrefix(sum.RunID, "run_") {
		t.Fatalf("run id: got %q", sum.RunID)
	}

	ctx := context.Background()
	runs, err := svc.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != sum.RunID {
		t.Fatalf("recent runs: got %+v", runs)
	}
	if runs[0].State != journal.StateDone || runs[0].Attempted != 2 || runs[0].Failed != 1 {
		t.Errorf("recorded run: got %+v", runs[0])
	}
	if runs[0].FinishedAt == nil {
		t.Error("finished_at not set")
	}

	rec, err := svc.RunByID(ctx, sum.RunID)
	if err != nil || rec == nil || rec.ID != sum.RunID {
		t.Errorf("run by id: got %+v, %v", rec, err)
	}
	missing, err := svc.RunByID(ctx, "run_nope")
	if err != nil || missing != nil {
		t.Errorf("missing run: got %+v, %v", missing, err)
	}

	fails, err := svc.RecentFailures(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent failures: %v", err)
	}
	if len(fails) != 1 || fails[0].Identifier != "102" || fails[0].HTTPStatus != 404 {
		t.Errorf("failures: got %+v", fails)
	}

	// A second pass lands on top of the history, newest first.
	sum2, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	runs, err = svc.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != sum2.RunID {
		t.Errorf("history order: got %v", []string{runs[0].ID, runs[1].ID})
	}
}

func TestHistory_WithoutJournal(t *testing.T) {
	// WHAT: History reads without a journal return ErrNoJournal.
	// WHY: The HTTP and MCP surfaces turn this into an explicit "not
	// configured" answer instead of empty history.
	srv := harvestServer(t, nil)
	svc := newService(t, testConfig(t, srv.URL))
	ctx := context.Background()
	if _, err := svc.RecentRuns(ctx, 5); !errors.Is(err, ErrNoJournal) {
		t.Errorf("recent runs: got %v, want ErrNoJournal", err)
	}
	if _, err := svc.RunByID(ctx, "x"); !errors.Is(err, ErrNoJournal) {
		t.Errorf("run by id: got %v, want ErrNoJournal", err)
	}
	if _, err := svc.RecentFailures(ctx, "", 5); !errors.Is(err, ErrNoJournal) {
		t.Errorf("recent failures: got %v, want ErrNoJournal", err)
	}
}
