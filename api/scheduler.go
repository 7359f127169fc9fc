/*
scheduler.go - Automated earn lot lifecycle scheduler

PURPOSE:
  Periodically sweeps earn lots at both ends of their lifecycle:
  PENDING lots whose maturation date has passed are activated into
  wallet balance, and ACTIVE lots whose expiry date has passed have
  their remainders burned.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick delegates to loyalty.MaturationEngine.RunOnce and then
    loyalty.ExpiryEngine.RunOnce
  - A sweep that ends on a per-lot error resumes at the next tick;
    activation and full consumption are idempotent so nothing is
    credited or burned twice

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewMaturationScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/maturation.go: The activation sweep
  - loyalty/expiry.go: The burn sweep
  - cmd/server/main.go: Wiring and lifecycle
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loopline/loyalty-engine/loyalty"
)

// MaturationScheduler drives the periodic earn lot sweeps. Expiry is
// optional; a nil engine skips the burn phase.
type MaturationScheduler struct {
	Engine        *loyalty.MaturationEngine
	Expiry        *loyalty.ExpiryEngine
	CheckInterval time.Duration
	Enabled       bool
	Log           *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewMaturationScheduler creates a new scheduler.
func NewMaturationScheduler(engine *loyalty.MaturationEngine, log *slog.Logger) *MaturationScheduler {
	return &MaturationScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Minute,
		Enabled:       true,
		Log:           log,
		stop:          make(chan struct{}),
	}
}

func (ms *MaturationScheduler) log() *slog.Logger {
	if ms.Log != nil {
		return ms.Log
	}
	return slog.Default()
}

// Start begins the scheduler.
func (ms *MaturationScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.log().Info("maturation scheduler disabled, not starting")
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.wg.Add(1)

	go ms.run()

	ms.log().Info("maturation scheduler started", "interval", ms.CheckInterval)
}

// Stop stops the scheduler.
func (ms *MaturationScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker != nil {
		ms.ticker.Stop()
		close(ms.stop)
		ms.wg.Wait()
		ms.log().Info("maturation scheduler stopped")
	}
}

func (ms *MaturationScheduler) run() {
	defer ms.wg.Done()

	// Run immediately on start
	ms.sweep()

	for {
		select {
		case <-ms.ticker.C:
			ms.sweep()
		case <-ms.stop:
			return
		}
	}
}

func (ms *MaturationScheduler) sweep() {
	ctx := context.Background()
	activated, err := ms.Engine.RunOnce(ctx)
	if err != nil {
		ms.log().Warn("maturation sweep failed", "activated", activated, "error", err)
	}
	if ms.Expiry != nil {
		expired, err := ms.Expiry.RunOnce(ctx)
		if err != nil {
			ms.log().Warn("expiry sweep failed", "expired", expired, "error", err)
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ms *MaturationScheduler) RunNow() {
	ms.sweep()
}
