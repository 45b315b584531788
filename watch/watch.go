// Package watch provides a generic "poll a source, detect change, debounce,
// act" loop. recolte uses it to keep a long-running harvester reactive: new
// input files landing in the drop directory trigger a pass without operator
// intervention, with consistent intervals, debounce windows, and counters.
//
// Typical usage:
//
//	w := watch.New(watch.DirSignature(dir), watch.Options{Interval: 2*time.Second, Debounce: 2*time.Second})
//	go w.OnChange(ctx, func() error { _, err := svc.Run(ctx); return err })
package watch

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Detector reads a signature token from the watched source. Two calls that
// return different values mean "something changed". The token carries no
// ordering: it is typically a hash of file names, sizes, and modification
// times.
type Detector func(ctx context.Context) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change is detected before the
	// action fires. If more changes arrive during the window the timer
	// resets. 0 means fire immediately. Default: 0.
	Debounce time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a source for changes and runs an action when a change is
// detected. It is safe for concurrent use.
type Watcher struct {
	det  Detector
	opts Options

	// signature is the last observed signature token.
	signature atomic.Int64

	// trigMu + trigCond broadcast when an action completes successfully,
	// enabling WaitForTriggers.
	trigMu   sync.Mutex
	trigCond *sync.Cond

	// Counters for observability (exported via Stats).
	checks   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	triggers atomic.Int64
	actionNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Triggers        int64         `json:"triggers"`
	AvgActionTime   time.Duration `json:"avg_action_time"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(det Detector, opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{det: det, opts: opts}
	w.trigCond = sync.NewCond(&w.trigMu)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Triggers:        w.triggers.Load(),
	}
	if s.Triggers > 0 {
		s.AvgActionTime = time.Duration(w.actionNs.Load() / s.Triggers)
	}
	return s
}

// Signature returns the last observed signature token.
func (w *Watcher) Signature() int64 { return w.signature.Load() }

// OnChange blocks until ctx is cancelled, polling at opts.Interval.
// When the detector reports a signature change and the debounce window
// passes without further changes, action is called.
//
// If action returns an error the signature is NOT advanced — the action
// will be retried on the next poll cycle.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	// Seed initial signature so pre-existing state does not fire.
	v, err := w.det(ctx)
	if err != nil {
		log.Warn("watch: initial signature check failed", "error", err)
	} else {
		w.signature.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	var pendingSig int64
	pending := false

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.det(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: signature check failed", "error", err)
				continue
			}
			if cur != w.signature.Load() && (!pending || cur != pendingSig) {
				w.changes.Add(1)
				pendingSig = cur
				pending = true

				if w.opts.Debounce <= 0 {
					// No debounce — fire immediately.
					w.fire(log, action, pendingSig)
					pending = false
				} else {
					// (Re)start debounce timer — only when the pending
					// signature actually changed, not on every poll cycle.
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.NewTimer(w.opts.Debounce)
					debounceCh = debounceTimer.C
					log.Debug("watch: change detected, debouncing", "pending_signature", cur)
				}
			}

		case <-debounceCh:
			debounceCh = nil
			if pending {
				w.fire(log, action, pendingSig)
				pending = false
			}
		}
	}
}

// WaitForTriggers blocks until the watcher has completed (action returned
// nil) at least n triggers in total, or ctx expires.
func (w *Watcher) WaitForTriggers(ctx context.Context, n int64) error {
	// Fast path.
	if w.triggers.Load() >= n {
		return nil
	}

	done := ctx.Done()
	w.trigMu.Lock()
	defer w.trigMu.Unlock()

	for w.triggers.Load() < n {
		// Interruptible wait: spawn a goroutine that wakes the cond on
		// context cancellation so we can observe both.
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				w.trigCond.Broadcast()
			case <-ch:
			}
		}()

		w.trigCond.Wait()
		close(ch)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) fire(log *slog.Logger, action func() error, sig int64) {
	log.Info("watch: triggering action", "old_signature", w.signature.Load(), "new_signature", sig)
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: action failed", "error", err, "signature", sig)
		return
	}
	elapsed := time.Since(start)
	w.actionNs.Add(int64(elapsed))
	w.signature.Store(sig)

	w.trigMu.Lock()
	w.triggers.Add(1)
	w.trigCond.Broadcast()
	w.trigMu.Unlock()

	log.Info("watch: action complete", "signature", sig, "duration", elapsed)
}

// ---------- Built-in detectors ----------

// DirSignature hashes the names, sizes, and modification times of the
// regular files directly inside dir. Subdirectories are skipped. Any file
// added, removed, grown, or rewritten changes the signature.
func DirSignature(dir string) Detector {
	return func(ctx context.Context) (int64, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, err
		}
		h := fnv.New64a()
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				return 0, err
			}
			fmt.Fprintf(h, "%s|%d|%d\n", e.Name(), info.Size(), info.ModTime().UnixNano())
		}
		return int64(h.Sum64()), nil
	}
}

// FileSignature hashes the size and modification time of a single file.
// Useful for watching one input file instead of a drop directory.
func FileSignature(path string) Detector {
	return func(ctx context.Context) (int64, error) {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		h := fnv.New64a()
		fmt.Fprintf(h, "%d|%d\n", info.Size(), info.ModTime().UnixNano())
		return int64(h.Sum64()), nil
	}
}
