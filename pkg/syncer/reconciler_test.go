package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updownlabs/optsync/pkg/events"
	"github.com/updownlabs/optsync/pkg/sink"
	"github.com/updownlabs/optsync/pkg/storage"
)

const testNetwork = "polygon-mainnet"

var (
	routerAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	poolAddr   = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type captureOutput struct {
	updates []sink.TradeUpdate
}

func (c *captureOutput) Name() string { return "capture" }

func (c *captureOutput) Send(ctx context.Context, updates []sink.TradeUpdate) error {
	c.updates = append(c.updates, updates...)
	return nil
}

func (c *captureOutput) Close() error { return nil }

func newTestReconciler(t *testing.T, role string, store *storage.MemoryStore, out *captureOutput) *Reconciler {
	t.Helper()
	dec, err := events.NewDecoder()
	require.NoError(t, err)

	var outputs []sink.Output
	if out != nil {
		outputs = []sink.Output{out}
	}
	rec := NewReconciler(testNetwork, role, dec, store, store, store, store, outputs)
	rec.now = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) }
	return rec
}

func seedQueuedTrade(t *testing.T, store *storage.MemoryStore, queueID, tradeSize int64) *storage.Trade {
	t.Helper()
	trade := &storage.Trade{
		Network:     testNetwork,
		Contract:    strings.ToLower(poolAddr.Hex()),
		QueueID:     queueID,
		UserAddress: "0x3000000000000000000000000000000000000003",
		State:       storage.StateQueued,
		TradeSize:   tradeSize,
		OpenDate:    time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.InsertTrade(context.Background(), trade))
	return trade
}

func seedOpenedTrade(t *testing.T, store *storage.MemoryStore, queueID, optionID, tradeSize int64) *storage.Trade {
	t.Helper()
	trade := seedQueuedTrade(t, store, queueID, tradeSize)
	opened := storage.StateOpened
	require.NoError(t, store.ApplyMutations(context.Background(), []storage.TradeMutation{{
		TradeID:  trade.ID,
		State:    &opened,
		OptionID: &optionID,
	}}))
	return trade
}

func TestReconciler_OpenThenExerciseWin(t *testing.T) {
	store := storage.NewMemoryStore()
	out := &captureOutput{}
	ctx := context.Background()

	trade := seedQueuedTrade(t, store, 7, 5_000_000)

	router := newTestReconciler(t, events.RoleRouter, store, out)
	err := router.Apply(ctx, []types.Log{
		openTradeLog(routerAddr, 7, 42, 1_900_000_000, common.HexToHash("0xa1"), 0),
	})
	require.NoError(t, err)

	got := store.TradeByID(trade.ID)
	require.NotNil(t, got)
	assert.Equal(t, storage.StateOpened, got.State)
	require.NotNil(t, got.OptionID)
	assert.Equal(t, int64(42), *got.OptionID)
	require.NotNil(t, got.ExpirationDate)
	assert.Equal(t, int64(1_900_000_000), got.ExpirationDate.Unix())

	options := newTestReconciler(t, events.RoleOptions, store, out)
	err = options.Apply(ctx, []types.Log{
		exerciseLog(poolAddr, 42, 6_000_000, common.HexToHash("0xa2"), 0),
	})
	require.NoError(t, err)

	got = store.TradeByID(trade.ID)
	assert.Equal(t, storage.StateClosed, got.State)
	assert.Equal(t, storage.StatusWin, got.Status)
	assert.Equal(t, int64(6_000_000), got.Profit)
	assert.Equal(t, int64(1_000_000), got.Pnl)
	assert.Equal(t, "0x"+strings.Repeat("0", 62)+"a2", got.TxClose)
	require.NotNil(t, got.CloseDate)

	assert.Equal(t, 2, store.EventCount())
	require.Len(t, out.updates, 2)
	assert.Equal(t, "OpenTrade", out.updates[0].Event)
	assert.Equal(t, "Exercise", out.updates[1].Event)
	assert.Equal(t, "WIN", out.updates[1].Status)
	assert.Equal(t, int64(1_000_000), out.updates[1].Pnl)
}

func TestReconciler_ExerciseAtBreakEvenIsLoss(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	trade := seedOpenedTrade(t, store, 8, 50, 5_000_000)

	rec := newTestReconciler(t, events.RoleOptions, store, nil)
	// Profit equal to trade size does not beat the stake.
	err := rec.Apply(ctx, []types.Log{
		exerciseLog(poolAddr, 50, 5_000_000, common.HexToHash("0xb1"), 0),
	})
	require.NoError(t, err)

	got := store.TradeByID(trade.ID)
	assert.Equal(t, storage.StatusLoss, got.Status)
	assert.Equal(t, int64(0), got.Pnl)
}

func TestReconciler_ExpireIsTotalLoss(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	trade := seedOpenedTrade(t, store, 9, 51, 5_000_000)

	rec := newTestReconciler(t, events.RoleOptions, store, nil)
	err := rec.Apply(ctx, []types.Log{
		expireLog(poolAddr, 51, common.HexToHash("0xb2"), 0),
	})
	require.NoError(t, err)

	got := store.TradeByID(trade.ID)
	assert.Equal(t, storage.StateClosed, got.State)
	assert.Equal(t, storage.StatusLoss, got.Status)
	assert.Equal(t, int64(0), got.Profit)
	assert.Equal(t, int64(-5_000_000), got.Pnl)
}

func TestReconciler_TerminalStateImmutable(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	trade := seedOpenedTrade(t, store, 10, 52, 5_000_000)

	require.NoError(t, store.CancelTrades(ctx, []int64{trade.ID}, "cancelled upstream", time.Now()))

	rec := newTestReconciler(t, events.RoleOptions, store, nil)
	err := rec.Apply(ctx, []types.Log{
		exerciseLog(poolAddr, 52, 9_000_000, common.HexToHash("0xb3"), 0),
	})
	require.NoError(t, err)

	got := store.TradeByID(trade.ID)
	assert.Equal(t, storage.StateCancelled, got.State)
	assert.Equal(t, int64(0), got.Profit)
	// The log is still recorded so a replay stays a no-op.
	assert.Equal(t, 1, store.EventCount())
}

func TestReconciler_CancelReasonMapping(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	mapped := seedQueuedTrade(t, store, 11, 1_000_000)
	unmapped := seedQueuedTrade(t, store, 12, 1_000_000)

	rec := newTestReconciler(t, events.RoleRouter, store, nil)
	err := rec.Apply(ctx, []types.Log{
		cancelTradeLog(routerAddr, 11, "Router: Insufficient pool balance", common.HexToHash("0xc1"), 0),
		cancelTradeLog(routerAddr, 12, "Router: something unheard of", common.HexToHash("0xc1"), 1),
	})
	require.NoError(t, err)

	got := store.TradeByID(mapped.ID)
	assert.Equal(t, storage.StateCancelled, got.State)
	assert.True(t, got.IsCancelled)
	assert.Equal(t, "Insufficient pool liquidity", got.CancellationReason)
	require.NotNil(t, got.CancellationDate)

	got = store.TradeByID(unmapped.ID)
	assert.Equal(t, "System error", got.CancellationReason)
}

func TestReconciler_FailUnlockRetryable(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	trade := seedOpenedTrade(t, store, 13, 60, 1_000_000)

	rec := newTestReconciler(t, events.RoleRouter, store, nil)
	err := rec.Apply(ctx, []types.Log{
		failUnlockLog(routerAddr, 60, "Router: Transaction underpriced", common.HexToHash("0xd1"), 0),
	})
	require.NoError(t, err)

	// Trade is left alone; the unlock goes to the durable retry queue.
	got := store.TradeByID(trade.ID)
	assert.Equal(t, storage.StateOpened, got.State)
	assert.Equal(t, 1, store.RetryCount())

	due, err := store.DueRetries(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(60), due[0].OptionID)
	assert.Equal(t, trade.UserAddress, due[0].UserAddress)
	assert.Equal(t, strings.ToLower(routerAddr.Hex()), due[0].Contract)
}

func TestReconciler_FailUnlockNonRetryableCancels(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	trade := seedOpenedTrade(t, store, 14, 61, 1_000_000)

	rec := newTestReconciler(t, events.RoleRouter, store, nil)
	err := rec.Apply(ctx, []types.Log{
		failUnlockLog(routerAddr, 61, "Router: Option not found", common.HexToHash("0xd2"), 0),
	})
	require.NoError(t, err)

	got := store.TradeByID(trade.ID)
	assert.Equal(t, storage.StateCancelled, got.State)
	assert.Equal(t, "System error", got.CancellationReason)
	assert.Equal(t, 0, store.RetryCount())
}

func TestReconciler_PoolCreatedRegistersPool(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	factory := common.HexToAddress("0x4000000000000000000000000000000000000004")
	token := common.HexToAddress("0x5000000000000000000000000000000000000005")

	rec := newTestReconciler(t, events.RoleFactory, store, nil)
	err := rec.Apply(ctx, []types.Log{
		poolCreatedLog(factory, poolAddr, token, common.HexToHash("0xe1"), 0),
	})
	require.NoError(t, err)

	addrs, err := store.PoolAddresses(ctx, testNetwork)
	require.NoError(t, err)
	assert.Equal(t, []string{strings.ToLower(poolAddr.Hex())}, addrs)
}

func TestReconciler_UnknownTopicSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := newTestReconciler(t, events.RoleRouter, store, nil)

	err := rec.Apply(context.Background(), []types.Log{{
		Address: routerAddr,
		Topics:  []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))},
		TxHash:  common.HexToHash("0xf1"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, store.EventCount())
}

func TestReconciler_MalformedKnownEventAbortsBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := newTestReconciler(t, events.RoleRouter, store, nil)

	// Recognized signature with the indexed queueId topic missing.
	err := rec.Apply(context.Background(), []types.Log{{
		Address: routerAddr,
		Topics:  []common.Hash{sigOpenTrade},
		TxHash:  common.HexToHash("0xf2"),
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, events.ErrDecode)
	assert.Equal(t, 0, store.EventCount())
}

func TestReconciler_MissingTradeIsSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := newTestReconciler(t, events.RoleRouter, store, nil)

	err := rec.Apply(context.Background(), []types.Log{
		openTradeLog(routerAddr, 999, 1, 1_900_000_000, common.HexToHash("0xf3"), 0),
	})
	require.NoError(t, err)
	// The log is consumed even without a matching trade.
	assert.Equal(t, 1, store.EventCount())
}
