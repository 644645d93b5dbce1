package syncer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/updownlabs/optsync/pkg/sink"
	"github.com/updownlabs/optsync/pkg/storage"
)

const reaperReason = "Trade reached overtime"

// ReaperConfig bounds the stale-trade sweep.
type ReaperConfig struct {
	// MaxQueuedAge is how long a trade may sit QUEUED before it is
	// considered abandoned. Trades opened strictly earlier than
	// now-MaxQueuedAge are cancelled.
	MaxQueuedAge time.Duration

	Interval time.Duration

	// BatchLimit caps trades cancelled per sweep.
	BatchLimit int
}

// Reaper cancels trades stuck in QUEUED: submitted to the chain but never
// confirmed, rejected, or seen again. Without it an orphaned queue entry
// would hold its reserved balance forever.
type Reaper struct {
	cfg     ReaperConfig
	trades  storage.TradeStore
	outputs []sink.Output

	now func() time.Time
}

// NewReaper creates a reaper with sane defaults for unset fields.
func NewReaper(cfg ReaperConfig, trades storage.TradeStore, outputs []sink.Output) *Reaper {
	if cfg.MaxQueuedAge <= 0 {
		cfg.MaxQueuedAge = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	return &Reaper{cfg: cfg, trades: trades, outputs: outputs, now: time.Now}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log.Info("Starting trade reaper", "maxQueuedAge", r.cfg.MaxQueuedAge,
		"interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping trade reaper")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Error("Reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep cancels one batch of overaged QUEUED trades. The cutoff is
// strict: a trade opened exactly MaxQueuedAge ago survives this sweep.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.now()
	cutoff := now.Add(-r.cfg.MaxQueuedAge)

	stale, err := r.trades.QueuedBefore(ctx, cutoff, r.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	ids := make([]int64, len(stale))
	updates := make([]sink.TradeUpdate, len(stale))
	for i, t := range stale {
		ids[i] = t.ID
		updates[i] = sink.TradeUpdate{
			Network:   t.Network,
			Event:     "ReapQueued",
			QueueID:   t.QueueID,
			State:     string(storage.StateCancelled),
			Reason:    reaperReason,
			Timestamp: now.Unix(),
		}
	}

	if err := r.trades.CancelTrades(ctx, ids, reaperReason, now); err != nil {
		return err
	}
	log.Info("Reaped stale queued trades", "count", len(ids), "cutoff", cutoff)

	if err := sink.Broadcast(ctx, r.outputs, updates); err != nil {
		log.Warn("Sink delivery failed", "source", "reaper", "error", err)
	}
	return nil
}
