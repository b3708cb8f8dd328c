// cleanup.go - Periodic sweep reclaiming expired files, sessions,
// idle rate buckets and orphaned blobs.
//
// The sweep reclaims storage only. Visibility never depends on it:
// every read path filters on expiry, so a file is gone the instant its
// expires_at passes whether or not the sweep has run.
package server

import (
	"context"
	"time"
)

// sweepBatchSize caps how many expired rows one sweep pass reclaims, so
// a large backlog cannot hold database time for long.
const sweepBatchSize = 100

// orphanGracePeriod protects blobs of in-flight uploads: a blob younger
// than this is never treated as an orphan even when no row references
// it yet.
const orphanGracePeriod = time.Hour

// Sweeper runs the periodic reclamation pass.
type Sweeper struct {
	ledger   *Ledger
	sessions *SessionStore
	blobs    BlobStore
	limiter  *RateLimiter
	interval time.Duration
	now      func() time.Time
}

// NewSweeper wires a sweeper over the stores it reclaims from.
func NewSweeper(ledger *Ledger, sessions *SessionStore, blobs BlobStore, limiter *RateLimiter, interval time.Duration) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		sessions: sessions,
		blobs:    blobs,
		limiter:  limiter,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately, then on every tick until the context is
// cancelled. Meant to be started as a goroutine from main.
func (sw *Sweeper) Run(ctx context.Context) {
	Info("sweep starting", map[string]any{"interval": sw.interval.String()})

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			Info("sweep shutting down", nil)
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep performs one full reclamation pass. Each sub-step is
// independent; a failure in one is logged and the others still run.
func (sw *Sweeper) Sweep(ctx context.Context) {
	start := sw.now()

	files := sw.sweepExpiredFiles(ctx)
	sessions := sw.sweepExpiredSessions(ctx)
	orphans := sw.sweepOrphanBlobs(ctx)
	buckets := sw.limiter.Prune()

	if live, err := sw.ledger.LiveBytes(ctx); err == nil {
		metricLiveBytes.Set(float64(live))
	}

	Info("sweep complete", map[string]any{
		"files":    files,
		"sessions": sessions,
		"orphans":  orphans,
		"buckets":  buckets,
		"ms":       time.Since(start).Milliseconds(),
	})
}

// sweepExpiredFiles reclaims expired ledger rows and their blobs, row
// first so a blob failure leaves an orphan rather than a ghost row.
func (sw *Sweeper) sweepExpiredFiles(ctx context.Context) int {
	hashes, err := sw.ledger.ExpiredHashes(ctx, sweepBatchSize)
	if err != nil {
		Error("sweep expired query failed", nil, err)
		return 0
	}

	deleted := 0
	for _, hash := range hashes {
		if err := sw.ledger.DeleteExpired(ctx, hash); err != nil {
			Error("sweep row delete failed", map[string]any{"hash": hash}, err)
			continue
		}
		if err := sw.blobs.Remove(ctx, hash); err != nil {
			// The next orphan pass picks it up.
			Warn("sweep blob delete failed", map[string]any{"hash": hash, "error": err.Error()})
		}
		deleted++
	}
	if deleted > 0 {
		metricSweepDeleted.WithLabelValues("file").Add(float64(deleted))
	}
	return deleted
}

func (sw *Sweeper) sweepExpiredSessions(ctx context.Context) int64 {
	n, err := sw.sessions.DeleteExpired(ctx)
	if err != nil {
		Error("sweep session delete failed", nil, err)
		return 0
	}
	if n > 0 {
		metricSweepDeleted.WithLabelValues("session").Add(float64(n))
	}
	return n
}

// sweepOrphanBlobs removes blobs no ledger row references. Blobs
// younger than the grace period are skipped so an upload whose row
// insert is still in flight cannot lose its bytes.
func (sw *Sweeper) sweepOrphanBlobs(ctx context.Context) int {
	cutoff := sw.now().Add(-orphanGracePeriod)
	removed := 0

	err := sw.blobs.List(ctx, func(hash string, modified time.Time) error {
		if modified.After(cutoff) {
			return nil
		}
		referenced, err := sw.ledger.HasRow(ctx, hash)
		if err != nil {
			return err
		}
		if referenced {
			return nil
		}
		if err := sw.blobs.Remove(ctx, hash); err != nil {
			Warn("sweep orphan delete failed", map[string]any{"hash": hash, "error": err.Error()})
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		Error("sweep orphan scan failed", nil, err)
	}
	if removed > 0 {
		metricSweepDeleted.WithLabelValues("orphan").Add(float64(removed))
	}
	return removed
}
