package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/updownlabs/optsync/pkg/rpc"
)

// FetcherConfig bounds one fetcher's scan behavior.
type FetcherConfig struct {
	Network string
	Purpose rpc.Purpose

	// Window is the default block span per fetch.
	Window uint64

	// OverlapMargin is re-scanned below the cursor each fetch to tolerate
	// reorgs; dedup makes the overlap harmless.
	OverlapMargin uint64

	// UseBloom enables the header-bloom short circuit for single-block ranges.
	UseBloom bool
}

// FetchResult carries one batch of raw logs with its range bounds.
type FetchResult struct {
	Logs      []types.Log
	FromBlock uint64
	ToBlock   uint64
	ChainHead uint64
}

// Fetcher pulls logs for bounded block ranges. The scan window shrinks
// by a factor of 3 whenever the provider reports a result-size cap and
// restores to the default on the next successful fetch. All state is
// per-instance so independent jobs (and tests) never interfere.
type Fetcher struct {
	providers *rpc.Manager
	filter    *Filter
	cfg       FetcherConfig

	window uint64
}

// NewFetcher creates a fetcher with the window at its configured default.
func NewFetcher(providers *rpc.Manager, filter *Filter, cfg FetcherConfig) *Fetcher {
	if cfg.Window == 0 {
		cfg.Window = 1000
	}
	return &Fetcher{
		providers: providers,
		filter:    filter,
		cfg:       cfg,
		window:    cfg.Window,
	}
}

// Window returns the current scan window.
func (f *Fetcher) Window() uint64 { return f.window }

// Filter exposes the underlying filter for address refreshes.
func (f *Fetcher) Filter() *Filter { return f.filter }

// Fetch scans from the cursor (minus the overlap margin) up to at most
// cursor+window, capped at the chain head. The range never moves
// backward. Errors are classified: ErrRangeInvalid when the cursor is
// past the head, ErrResultSetTooLarge after shrinking the window,
// ErrProviderUnavailable for transport failures (caller rotates).
func (f *Fetcher) Fetch(ctx context.Context, cursor uint64) (*FetchResult, error) {
	client, err := f.providers.Get(ctx, f.cfg.Network, f.cfg.Purpose)
	if err != nil {
		return nil, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, rpc.Classify(err)
	}

	fromBlock := cursor
	if fromBlock > f.cfg.OverlapMargin {
		fromBlock -= f.cfg.OverlapMargin
	} else {
		fromBlock = 0
	}

	if fromBlock > head {
		return nil, fmt.Errorf("%w: from=%d head=%d", rpc.ErrRangeInvalid, fromBlock, head)
	}

	toBlock := cursor + f.window
	if toBlock > head {
		toBlock = head
	}
	if toBlock < fromBlock {
		toBlock = fromBlock
	}

	// Single-block range: consult the header bloom before eth_getLogs.
	if f.cfg.UseBloom && fromBlock == toBlock {
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(fromBlock))
		if err != nil {
			return nil, rpc.Classify(err)
		}
		if !f.filter.MatchesBloom(header.Bloom) {
			f.window = f.cfg.Window
			return &FetchResult{FromBlock: fromBlock, ToBlock: toBlock, ChainHead: head}, nil
		}
	}

	logs, err := client.FilterLogs(ctx, f.filter.ToQuery(fromBlock, toBlock))
	if err != nil {
		err = rpc.Classify(err)
		if errors.Is(err, rpc.ErrResultSetTooLarge) {
			f.shrinkWindow()
		}
		return nil, err
	}

	f.window = f.cfg.Window
	return &FetchResult{
		Logs:      logs,
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		ChainHead: head,
	}, nil
}

func (f *Fetcher) shrinkWindow() {
	next := f.window / 3
	if next < 1 {
		next = 1
	}
	f.window = next
}
