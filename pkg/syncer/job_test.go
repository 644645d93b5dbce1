package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updownlabs/optsync/pkg/events"
	"github.com/updownlabs/optsync/pkg/rpc"
	"github.com/updownlabs/optsync/pkg/storage"
)

func newTestJob(t *testing.T, client *fakeClient, store *storage.MemoryStore, cfg JobConfig, fcfg FetcherConfig) *Job {
	t.Helper()
	cfg.Network = testNetwork
	cfg.Cursor = "router"
	cfg.Purpose = rpc.PurposeGeneral
	cfg.PollInterval = time.Hour // ticks are driven manually

	fcfg.Network = testNetwork
	fcfg.Purpose = rpc.PurposeGeneral

	dec, err := events.NewDecoder()
	require.NoError(t, err)

	mgr := managerFor(testNetwork, client)
	filter := NewFilter().AddContract(routerAddr).SetTopics(dec.Topics(events.RoleRouter))
	fetcher := NewFetcher(mgr, filter, fcfg)
	dedup := NewDeduplicator(store, testNetwork)
	rec := NewReconciler(testNetwork, events.RoleRouter, dec, store, store, store, store, nil)

	return NewJob(cfg, fetcher, dedup, rec, store, mgr)
}

func seedCursor(t *testing.T, store *storage.MemoryStore, block uint64) {
	t.Helper()
	require.NoError(t, store.SeedCursor(context.Background(), storage.Cursor{
		Network: testNetwork, Name: "router", BlockSynced: block,
	}))
}

func cursorAt(t *testing.T, store *storage.MemoryStore) uint64 {
	t.Helper()
	c, err := store.LoadCursor(context.Background(), testNetwork, "router")
	require.NoError(t, err)
	require.NotNil(t, c)
	return c.BlockSynced
}

func TestJob_AdvancesCursorPastBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 100)
	client := &fakeClient{head: 120}

	job := newTestJob(t, client, store, JobConfig{}, FetcherConfig{Window: 50})
	job.Tick(context.Background())

	assert.Equal(t, uint64(121), cursorAt(t, store))
}

func TestJob_CatchUpLoopIsBounded(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 0)
	client := &fakeClient{head: 1000}

	job := newTestJob(t, client, store, JobConfig{MaxBatches: 3}, FetcherConfig{Window: 100})
	job.Tick(context.Background())

	// Three batches of ~100 blocks, then the tick yields.
	assert.Equal(t, uint64(303), cursorAt(t, store))
	assert.Len(t, client.filterCalls, 3)

	// The next tick picks up where it stopped and reaches the head.
	job.Tick(context.Background())
	for cursorAt(t, store) <= 1000 {
		job.Tick(context.Background())
	}
	assert.Equal(t, uint64(1001), cursorAt(t, store))
}

func TestJob_SeedsCursorBehindHead(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &fakeClient{head: 200}

	job := newTestJob(t, client, store, JobConfig{SeedRewind: 50}, FetcherConfig{Window: 1000})
	job.Tick(context.Background())

	// Seeded at head-rewind=150, then the tick scanned up to the head.
	assert.Equal(t, uint64(201), cursorAt(t, store))
}

func TestJob_CursorHeldOnFetchError(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 100)
	client := &fakeClient{head: 200, logsErr: errors.New("too many results")}

	job := newTestJob(t, client, store, JobConfig{}, FetcherConfig{Window: 50})
	job.Tick(context.Background())

	assert.Equal(t, uint64(100), cursorAt(t, store))
}

func TestJob_RotatesOnProviderUnavailable(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 100)
	client := &fakeClient{head: 200, logsErr: errors.New("connection refused")}

	var dialed []string
	endpoints := map[string]rpc.Endpoints{
		testNetwork: {
			rpc.PurposeGeneral: []rpc.NodeConfig{{URL: "http://primary"}, {URL: "http://secondary"}},
		},
	}
	mgr := rpc.NewManagerWithDialer(endpoints, func(ctx context.Context, cfg rpc.NodeConfig) (rpc.Client, error) {
		dialed = append(dialed, cfg.URL)
		return client, nil
	})

	dec, err := events.NewDecoder()
	require.NoError(t, err)
	fetcher := NewFetcher(mgr, NewFilter().AddContract(routerAddr), FetcherConfig{
		Network: testNetwork, Purpose: rpc.PurposeGeneral, Window: 50,
	})
	job := NewJob(JobConfig{
		Network: testNetwork, Cursor: "router", Purpose: rpc.PurposeGeneral, PollInterval: time.Hour,
	}, fetcher, NewDeduplicator(store, testNetwork),
		NewReconciler(testNetwork, events.RoleRouter, dec, store, store, store, store, nil), store, mgr)

	job.Tick(context.Background())

	assert.Equal(t, []string{"http://primary", "http://secondary"}, dialed)
	assert.Equal(t, uint64(100), cursorAt(t, store))
}

func TestJob_ReplayIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 90)
	ctx := context.Background()

	trade := seedQueuedTrade(t, store, 7, 5_000_000)
	lg := openTradeLog(routerAddr, 7, 42, 1_900_000_000, common.HexToHash("0xa1"), 0)
	client := &fakeClient{head: 100, logs: []types.Log{lg}}

	job := newTestJob(t, client, store, JobConfig{}, FetcherConfig{Window: 50, OverlapMargin: 20})
	job.Tick(ctx)

	got := store.TradeByID(trade.ID)
	assert.Equal(t, storage.StateOpened, got.State)
	assert.Equal(t, 1, store.EventCount())
	assert.Equal(t, uint64(101), cursorAt(t, store))

	// The chain advances; the overlap margin re-fetches the same log, and
	// dedup keeps the second application from happening.
	client.head = 120
	job.Tick(ctx)

	got = store.TradeByID(trade.ID)
	assert.Equal(t, storage.StateOpened, got.State)
	require.NotNil(t, got.OptionID)
	assert.Equal(t, int64(42), *got.OptionID)
	assert.Equal(t, 1, store.EventCount())
	assert.Equal(t, uint64(121), cursorAt(t, store))
}

func TestJob_CursorNeverMovesBackward(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 500)

	// After a rotation the new provider's head can lag the cursor by less
	// than the overlap margin. The range is scannable, but finishing it
	// must not pull the cursor back to head+1.
	client := &fakeClient{head: 495}

	job := newTestJob(t, client, store, JobConfig{}, FetcherConfig{Window: 50, OverlapMargin: 20})
	job.Tick(context.Background())

	assert.Len(t, client.filterCalls, 1)
	assert.Equal(t, uint64(500), cursorAt(t, store))

	// Once the head passes the cursor again, scanning resumes normally.
	client.head = 510
	job.Tick(context.Background())
	assert.Equal(t, uint64(511), cursorAt(t, store))
}

func TestJob_RangeInvalidWaitsForChain(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 500)
	client := &fakeClient{head: 100}

	job := newTestJob(t, client, store, JobConfig{}, FetcherConfig{Window: 50})
	job.Tick(context.Background())

	// Cursor stays put until the provider's head catches up.
	assert.Equal(t, uint64(500), cursorAt(t, store))
	assert.Empty(t, client.filterCalls)
}

func TestJob_FilterRefreshRunsFirst(t *testing.T) {
	store := storage.NewMemoryStore()
	seedCursor(t, store, 100)
	client := &fakeClient{head: 120}

	job := newTestJob(t, client, store, JobConfig{}, FetcherConfig{Window: 50})
	refreshed := false
	job.SetFilterRefresh(func(ctx context.Context) error {
		refreshed = true
		return nil
	})
	job.Tick(context.Background())

	assert.True(t, refreshed)
	assert.Equal(t, uint64(121), cursorAt(t, store))
}
