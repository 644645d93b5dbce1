// Package storage persists the sync pipeline's state: trades, the
// append-only event record trail used for dedup, per-contract block
// cursors, the durable unlock-retry queue and the known-pool registry.
package storage

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// TradeState is the trade lifecycle state machine:
// QUEUED -> OPENED/CREATED -> CLOSED, with CANCELLED reachable from any
// non-terminal state. CLOSED and CANCELLED are terminal.
type TradeState string

const (
	StateQueued    TradeState = "QUEUED"
	StateCreated   TradeState = "CREATED"
	StateOpened    TradeState = "OPENED"
	StateClosed    TradeState = "CLOSED"
	StateCancelled TradeState = "CANCELLED"
)

// Terminal reports whether no further event may mutate a trade in this state.
func (s TradeState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// TradeStatus is the settlement outcome of a closed trade.
type TradeStatus string

const (
	StatusWin  TradeStatus = "WIN"
	StatusLoss TradeStatus = "LOSS"
)

// Trade is the domain entity reconciled from chain events. Monetary
// amounts are integer token base units (6-decimal stable token).
type Trade struct {
	ID                 int64
	Network            string
	Contract           string // options pool address, lowercase hex
	QueueID            int64  // pre-chain identifier
	OptionID           *int64 // on-chain identifier, assigned by OpenTrade
	UserAddress        string
	State              TradeState
	Status             TradeStatus
	Strike             int64 // price * 1e8
	Period             int64 // seconds
	TradeSize          int64
	IsAbove            bool
	Token              string
	OpenDate           time.Time
	ExpirationDate     *time.Time
	LockedAmount       int64
	IsCancelled        bool
	CancellationReason string
	CancellationDate   *time.Time
	CloseDate          *time.Time
	Profit             int64
	Pnl                int64
	TxClose            string
}

// EventRecord is one consumed chain log. Uniqueness of DedupKey is what
// makes event application at-most-once across retries and restarts.
type EventRecord struct {
	DedupKey  string
	Network   string
	Contract  string
	CreatedAt time.Time
}

// DedupKey builds the composite log identity: lowercased transaction
// hash joined with the log index.
func DedupKey(txHash string, logIndex uint) string {
	return strings.ToLower(txHash) + "_" + strconv.FormatUint(uint64(logIndex), 10)
}

// Cursor tracks, per (network, logical contract), the next block to
// resume scanning from. BlockSynced only ever increases.
type Cursor struct {
	Network     string
	Name        string // logical role, e.g. "router", "factory", "pools"
	Contract    string
	BlockSynced uint64
	UpdatedAt   time.Time
}

// UnlockRetry is one durable entry in the failed-unlock retry queue.
type UnlockRetry struct {
	ID          int64
	Network     string
	Contract    string // router address the unlock call targets
	OptionID    int64
	UserAddress string
	Reason      string
	Attempts    int
	RetryAfter  time.Time
	CreatedAt   time.Time
}

// OptionKey addresses a trade by its on-chain identity.
type OptionKey struct {
	Contract string
	OptionID int64
}

// TradeMutation is one pending update to a trade; nil fields are left
// untouched. Mutations for a batch are applied in a single transaction.
type TradeMutation struct {
	TradeID            int64
	State              *TradeState
	Status             *TradeStatus
	OptionID           *int64
	ExpirationDate     *time.Time
	IsCancelled        *bool
	CancellationReason *string
	CancellationDate   *time.Time
	CloseDate          *time.Time
	Profit             *int64
	Pnl                *int64
	TxClose            *string
}

// CursorStore persists scan progress per (network, logical contract).
type CursorStore interface {
	// LoadCursor returns the cursor, or nil if none exists yet.
	LoadCursor(ctx context.Context, network, name string) (*Cursor, error)

	// SeedCursor inserts the cursor if absent; an existing row wins.
	SeedCursor(ctx context.Context, c Cursor) error

	// AdvanceCursor moves BlockSynced forward. Must be called only after
	// the batch's trades and event records are durably written.
	AdvanceCursor(ctx context.Context, network, name string, block uint64) error

	Close() error
}

// EventRecordStore is the append-only dedup trail.
type EventRecordStore interface {
	// KnownEvents returns which of the candidate keys are already recorded,
	// in a single batched query.
	KnownEvents(ctx context.Context, network string, keys []string) (map[string]struct{}, error)

	// InsertEvents records a batch of consumed logs in one statement.
	// Conflicting keys are ignored, never updated.
	InsertEvents(ctx context.Context, recs []EventRecord) error
}

// TradeStore reads and mutates trades. Only the reconciler and the
// reaper write; the REST layer elsewhere in the system reads.
type TradeStore interface {
	InsertTrade(ctx context.Context, t *Trade) error
	TradesByQueueIDs(ctx context.Context, network string, queueIDs []int64) ([]*Trade, error)

	// TradesByOptionIDs looks up trades by option id alone; option ids are
	// network-unique (assigned by the router), so router events carry no
	// pool address.
	TradesByOptionIDs(ctx context.Context, network string, optionIDs []int64) ([]*Trade, error)

	// TradesByOptions looks up trades by (pool contract, option id), the
	// identity Exercise/Expire events carry.
	TradesByOptions(ctx context.Context, network string, keys []OptionKey) ([]*Trade, error)

	// ApplyMutations applies a batch of updates in one transaction.
	ApplyMutations(ctx context.Context, muts []TradeMutation) error

	// QueuedBefore returns QUEUED trades opened strictly before cutoff.
	QueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Trade, error)

	// CancelTrades bulk-transitions trades to CANCELLED.
	CancelTrades(ctx context.Context, ids []int64, reason string, at time.Time) error
}

// RetryQueue is the durable failed-unlock retry queue.
type RetryQueue interface {
	// EnqueueRetry inserts an entry; re-enqueueing the same
	// (network, contract, optionId) is a no-op.
	EnqueueRetry(ctx context.Context, r *UnlockRetry) error

	DueRetries(ctx context.Context, now time.Time, limit int) ([]*UnlockRetry, error)
	RescheduleRetry(ctx context.Context, id int64, attempts int, retryAfter time.Time) error
	RemoveRetry(ctx context.Context, id int64) error
}

// PoolStore registers options pools discovered via PoolCreated events;
// the full-block scan restricts its address filter to these.
type PoolStore interface {
	AddPool(ctx context.Context, network, address, token string) error
	PoolAddresses(ctx context.Context, network string) ([]string, error)
}

// Store is the full persistence surface the daemon wires up.
type Store interface {
	CursorStore
	EventRecordStore
	TradeStore
	RetryQueue
	PoolStore
}
