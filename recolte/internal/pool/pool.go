// Package pool fans identifiers out across a fixed set of workers.
//
// Each worker is strictly sequential: it processes one identifier at a
// time and paces itself with its own spacer, so the pool as a whole
// never exceeds Workers in-flight requests and each worker honors the
// per-worker rate limit independently.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/recolte/recolte/internal/pace"
)

// ProcessFunc handles one identifier. ok reports whether the outcome was
// recorded as a success; a non-nil error is fatal and drains the pool.
type ProcessFunc func(ctx context.Context, id string) (ok bool, err error)

// Stats are the pool's outcome counters.
type Stats struct {
	Attempted int // identifiers handed to the process func
	Succeeded int
	Failed    int // non-fatal failures recorded as failure rows
}

// Config configures one pool run.
type Config struct {
	// Workers is the number of concurrent workers. Default: 20.
	Workers int
	// Spacer builds one pacer per worker; nil means no pacing.
	Spacer func() *pace.Spacer
	// OnDrain, when set, fires once when the feed is exhausted and the
	// remaining in-flight work is draining out.
	OnDrain func()
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.Spacer == nil {
		c.Spacer = func() *pace.Spacer { return pace.NewSpacer(nil) }
	}
	if c.OnDrain == nil {
		c.OnDrain = func() {}
	}
}

// Run distributes ids across cfg.Workers goroutines pulling from a shared
// feed and blocks until every identifier is processed or the pool drains.
// The pool drains when the context is cancelled or a process call returns
// a fatal error; identifiers still in the feed are left for the next run.
// Run returns only after all workers have exited, so every row produced
// by process has been durably handled by then.
func Run(parent context.Context, cfg Config, ids []string, process ProcessFunc) (Stats, error) {
	cfg.defaults()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	feed := make(chan string, len(ids))
	for _, id := range ids {
		feed <- id
	}
	close(feed)

	var (
		wg                           sync.WaitGroup
		attempted, succeeded, failed atomic.Int64
		fatalOnce                    sync.Once
		fatal                        error
		drainOnce                    sync.Once
	)
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			spacer := cfg.Spacer()
			for {
				select {
				case <-ctx.Done():
					return
				case id, open := <-feed:
					if !open {
						drainOnce.Do(cfg.OnDrain)
						return
					}
					if ctx.Err() != nil {
						return
					}
					// First pull never waits; later pulls honor the
					// interval since this worker's previous request.
					if err := spacer.Wait(ctx); err != nil {
						return
					}
					attempted.Add(1)
					ok, err := process(ctx, id)
					spacer.Mark()
					if err != nil {
						fatalOnce.Do(func() {
							fatal = err
							cancel()
						})
						return
					}
					if ok {
						succeeded.Add(1)
					} else {
						failed.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()

	stats := Stats{
		Attempted: int(attempted.Load()),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	if fatal != nil {
		return stats, fatal
	}
	return stats, parent.Err()
}
