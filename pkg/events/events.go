// Package events decodes raw chain logs into a closed set of typed
// protocol events. Anything outside the per-contract allowlist is
// rejected at decode time rather than passed through half-parsed.
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Meta carries the log identity shared by every decoded event.
type Meta struct {
	Network     string
	Contract    common.Address
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// EventMeta returns the log identity; embedding Meta satisfies half of
// Event. The accessor cannot be named Meta: the promoted field of the
// same name would shadow it on every variant.
func (m Meta) EventMeta() Meta { return m }

func (Meta) sealed() {}

// Event is the closed union of decoded protocol events. Only types in
// this package implement it; consumers type-switch over the variants.
type Event interface {
	EventMeta() Meta
	sealed()
}

// OpenTrade is emitted by the router when a queued trade lands on chain
// and receives its option id.
type OpenTrade struct {
	Meta
	QueueID    int64
	OptionID   int64
	Expiration *big.Int // unix seconds
}

// CancelTrade is emitted by the router when a queued trade is rejected.
type CancelTrade struct {
	Meta
	QueueID int64
	Reason  string
}

// FailResolve is emitted by the router when resolving a queued trade
// fails on chain; its effect matches CancelTrade.
type FailResolve struct {
	Meta
	QueueID int64
	Reason  string
}

// FailUnlock is emitted by the router when unlocking an option's funds
// fails. Retryable reasons feed the unlock retry queue.
type FailUnlock struct {
	Meta
	OptionID int64
	Reason   string
}

// Exercise is emitted by an options pool when an in-the-money option is
// settled with a payout.
type Exercise struct {
	Meta
	OptionID int64
	Profit   *big.Int
}

// Expire is emitted by an options pool when an option lapses worthless.
type Expire struct {
	Meta
	OptionID int64
}

// PoolCreated is emitted by the pool factory when a new options pool is
// deployed for a token.
type PoolCreated struct {
	Meta
	Pool  common.Address
	Token common.Address
}
