package syncer

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/updownlabs/optsync/pkg/storage"
)

// Deduplicator filters a batch of candidate logs against the persisted
// event record trail. Pure filter: one batched existence query, no writes.
type Deduplicator struct {
	records storage.EventRecordStore
	network string
}

// NewDeduplicator creates a dedup filter for one network.
func NewDeduplicator(records storage.EventRecordStore, network string) *Deduplicator {
	return &Deduplicator{records: records, network: network}
}

// Filter returns the subset of logs whose txHash+logIndex key has not
// been recorded yet, preserving input order.
func (d *Deduplicator) Filter(ctx context.Context, logs []types.Log) ([]types.Log, error) {
	if len(logs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(logs))
	for i, lg := range logs {
		keys[i] = storage.DedupKey(lg.TxHash.Hex(), lg.Index)
	}

	known, err := d.records.KnownEvents(ctx, d.network, keys)
	if err != nil {
		return nil, err
	}

	fresh := make([]types.Log, 0, len(logs))
	for i, lg := range logs {
		if _, seen := known[keys[i]]; !seen {
			fresh = append(fresh, lg)
		}
	}
	return fresh, nil
}
