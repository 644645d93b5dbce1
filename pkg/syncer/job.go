package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/updownlabs/optsync/pkg/rpc"
	"github.com/updownlabs/optsync/pkg/storage"
)

// JobConfig drives one scan job (one cursor on one network).
type JobConfig struct {
	Network string

	// Cursor is the logical cursor name, e.g. "router", "factory", "pools".
	Cursor string

	Purpose      rpc.Purpose
	PollInterval time.Duration

	// SeedRewind is how far behind the chain head a fresh cursor starts.
	SeedRewind uint64

	// MaxBatches bounds the catch-up loop within a single tick so one job
	// far behind the head cannot monopolize a provider.
	MaxBatches int
}

// Job ties a fetcher, deduplicator and reconciler to one persistent
// cursor and runs them on a fixed polling interval. Each tick catches up
// toward the chain head in bounded batches; the cursor advances only
// after a batch's mutations and event records are durably written.
type Job struct {
	cfg       JobConfig
	fetcher   *Fetcher
	dedup     *Deduplicator
	rec       *Reconciler
	cursors   storage.CursorStore
	providers *rpc.Manager

	// refreshFilter, when set, is called at the top of every tick to pick
	// up address-set changes (new pools) before fetching.
	refreshFilter func(ctx context.Context) error

	ticking atomic.Bool
}

// NewJob assembles a scan job.
func NewJob(cfg JobConfig, fetcher *Fetcher, dedup *Deduplicator, rec *Reconciler,
	cursors storage.CursorStore, providers *rpc.Manager) *Job {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	return &Job{
		cfg:       cfg,
		fetcher:   fetcher,
		dedup:     dedup,
		rec:       rec,
		cursors:   cursors,
		providers: providers,
	}
}

// SetFilterRefresh installs a per-tick filter refresh hook.
func (j *Job) SetFilterRefresh(fn func(ctx context.Context) error) {
	j.refreshFilter = fn
}

// Run polls until the context is cancelled. The first tick fires
// immediately so a restart resumes without waiting a full interval.
func (j *Job) Run(ctx context.Context) {
	log.Info("Starting sync job", "network", j.cfg.Network, "cursor", j.cfg.Cursor,
		"interval", j.cfg.PollInterval)

	ticker := time.NewTicker(j.cfg.PollInterval)
	defer ticker.Stop()

	j.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping sync job", "network", j.cfg.Network, "cursor", j.cfg.Cursor)
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

// Tick runs a single scan pass; exported for tests and one-shot runs.
func (j *Job) Tick(ctx context.Context) { j.tick(ctx) }

func (j *Job) tick(ctx context.Context) {
	// Guard against overlapping passes if a tick outlasts the interval.
	if !j.ticking.CompareAndSwap(false, true) {
		log.Warn("Previous pass still running, skipping tick",
			"network", j.cfg.Network, "cursor", j.cfg.Cursor)
		return
	}
	defer j.ticking.Store(false)

	if j.refreshFilter != nil {
		if err := j.refreshFilter(ctx); err != nil {
			log.Error("Filter refresh failed", "network", j.cfg.Network,
				"cursor", j.cfg.Cursor, "error", err)
			return
		}
	}

	cursor, err := j.loadOrSeedCursor(ctx)
	if err != nil {
		log.Error("Cursor load failed", "network", j.cfg.Network,
			"cursor", j.cfg.Cursor, "error", err)
		return
	}

	for batch := 0; batch < j.cfg.MaxBatches; batch++ {
		res, err := j.fetcher.Fetch(ctx, cursor)
		if err != nil {
			j.handleFetchError(ctx, err)
			return
		}

		fresh, err := j.dedup.Filter(ctx, res.Logs)
		if err != nil {
			log.Error("Dedup query failed", "network", j.cfg.Network,
				"cursor", j.cfg.Cursor, "error", err)
			return
		}

		if err := j.rec.Apply(ctx, fresh); err != nil {
			log.Error("Reconcile failed, cursor held", "network", j.cfg.Network,
				"cursor", j.cfg.Cursor, "from", res.FromBlock, "to", res.ToBlock, "error", err)
			return
		}

		// A freshly rotated provider can report a head inside the overlap
		// margin, below the cursor. The re-scan is harmless (dedup drops
		// everything) but the cursor must never move backward.
		next := res.ToBlock + 1
		if next > cursor {
			if err := j.cursors.AdvanceCursor(ctx, j.cfg.Network, j.cfg.Cursor, next); err != nil {
				log.Error("Cursor advance failed", "network", j.cfg.Network,
					"cursor", j.cfg.Cursor, "error", err)
				return
			}
			cursor = next
		}

		if len(fresh) > 0 {
			log.Info("Applied log batch", "network", j.cfg.Network, "cursor", j.cfg.Cursor,
				"from", res.FromBlock, "to", res.ToBlock, "logs", len(fresh))
		}

		if res.ToBlock >= res.ChainHead {
			return
		}
	}
}

// loadOrSeedCursor returns the next block to scan, seeding a fresh cursor
// a fixed rewind behind the current chain head when none exists yet.
func (j *Job) loadOrSeedCursor(ctx context.Context) (uint64, error) {
	c, err := j.cursors.LoadCursor(ctx, j.cfg.Network, j.cfg.Cursor)
	if err != nil {
		return 0, err
	}
	if c != nil {
		return c.BlockSynced, nil
	}

	client, err := j.providers.Get(ctx, j.cfg.Network, j.cfg.Purpose)
	if err != nil {
		return 0, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, rpc.Classify(err)
	}

	start := head
	if start > j.cfg.SeedRewind {
		start -= j.cfg.SeedRewind
	} else {
		start = 0
	}

	if err := j.cursors.SeedCursor(ctx, storage.Cursor{
		Network:     j.cfg.Network,
		Name:        j.cfg.Cursor,
		BlockSynced: start,
	}); err != nil {
		return 0, err
	}

	// Re-read in case a concurrent seeder won the insert.
	c, err = j.cursors.LoadCursor(ctx, j.cfg.Network, j.cfg.Cursor)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return start, nil
	}
	log.Info("Seeded cursor", "network", j.cfg.Network, "cursor", j.cfg.Cursor,
		"block", c.BlockSynced, "head", head)
	return c.BlockSynced, nil
}

func (j *Job) handleFetchError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, rpc.ErrRangeInvalid):
		// Cursor ahead of this provider's head; wait for the chain.
		log.Debug("Scan range past head", "network", j.cfg.Network,
			"cursor", j.cfg.Cursor, "error", err)

	case errors.Is(err, rpc.ErrResultSetTooLarge):
		// Window already shrunk; the smaller range goes out next tick.
		log.Warn("Result set too large, window shrunk", "network", j.cfg.Network,
			"cursor", j.cfg.Cursor, "window", j.fetcher.Window())

	case errors.Is(err, rpc.ErrProviderUnavailable):
		log.Warn("Provider unavailable, rotating", "network", j.cfg.Network,
			"cursor", j.cfg.Cursor, "error", err)
		if rerr := j.providers.Rotate(ctx, j.cfg.Network, j.cfg.Purpose); rerr != nil {
			log.Error("Endpoint rotation failed", "network", j.cfg.Network,
				"purpose", j.cfg.Purpose, "error", rerr)
		}

	default:
		log.Error("Fetch failed", "network", j.cfg.Network,
			"cursor", j.cfg.Cursor, "error", err)
	}
}
