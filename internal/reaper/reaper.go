// Package reaper runs the periodic cleanup pass over active documents:
// stale sessions are evicted, pending slots whose commit deadline passed are
// released, and ledgers nobody holds anymore are deleted from the store.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"coedit/internal/hub"
	"coedit/internal/ledger"
)

// Options tunes the reaper.
type Options struct {
	// Interval is the cadence of cleanup passes.
	Interval time.Duration

	// StaleSessionAfter is how long a session may go without a heartbeat
	// before it is evicted.
	StaleSessionAfter time.Duration
}

// DefaultOptions returns the default reaper options.
func DefaultOptions() Options {
	return Options{
		Interval:          30 * time.Second,
		StaleSessionAfter: 2 * time.Minute,
	}
}

// Reaper periodically sweeps the active-document set.
type Reaper struct {
	coordinator ledger.Coordinator
	hub         *hub.Hub
	options     Options
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a reaper.
func New(coordinator ledger.Coordinator, h *hub.Hub, options Options, logger *zap.Logger) *Reaper {
	if options.Interval <= 0 {
		options.Interval = DefaultOptions().Interval
	}
	if options.StaleSessionAfter <= 0 {
		options.StaleSessionAfter = DefaultOptions().StaleSessionAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		coordinator: coordinator,
		hub:         h,
		options:     options,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the periodic sweep.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

// Stop halts the sweep and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one cleanup pass. Exported so tests and operators can force a
// pass without waiting for the ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	docs, err := r.coordinator.ActiveDocuments(ctx)
	if err != nil {
		r.logger.Error("Failed to list active documents", zap.Error(err))
		return
	}

	now := time.Now()
	for _, docID := range docs {
		r.sweepDocument(ctx, docID, now)
	}
}

// sweepDocument cleans one document. The three steps are deliberately not
// atomic with respect to new sessions: a join racing the sweep keeps the
// ledger alive on the next pass, and a join racing the purge re-creates the
// ledger on its first import.
func (r *Reaper) sweepDocument(ctx context.Context, docID string, now time.Time) {
	reaped, err := r.coordinator.ReapSessions(ctx, docID, now.Add(-r.options.StaleSessionAfter))
	if err != nil {
		r.logger.Error("Failed to reap sessions",
			zap.String("document_id", docID),
			zap.Error(err))
		return
	}
	for _, rec := range reaped {
		r.logger.Info("Reaped stale session",
			zap.String("document_id", docID),
			zap.String("session_id", rec.SessionID),
			zap.String("user_name", rec.UserName))
		r.hub.PublishLeave(docID, rec.SessionID)
	}

	expired, err := r.coordinator.ReapExpiredPending(ctx, docID, now)
	if err != nil {
		r.logger.Error("Failed to reap expired pending slots",
			zap.String("document_id", docID),
			zap.Error(err))
		return
	}
	if len(expired) > 0 {
		r.logger.Warn("Released expired pending slots",
			zap.String("document_id", docID),
			zap.Int64s("versions", expired))
	}

	purged, err := r.coordinator.PurgeDocument(ctx, docID)
	if err != nil {
		r.logger.Error("Failed to purge document",
			zap.String("document_id", docID),
			zap.Error(err))
		return
	}
	if purged {
		r.logger.Info("Purged abandoned document ledger",
			zap.String("document_id", docID))
	}
}
