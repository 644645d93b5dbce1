package rpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthClient abstracts the underlying ethclient.Client implementation for easier mocking/testing
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Client defines the set of RPC methods the sync jobs and the unlock
// retrier require. Implemented by *Node; mocked in tests.
type Client interface {
	// ChainID retrieves the chain ID (used for transaction signing)
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber retrieves the latest block height
	BlockNumber(ctx context.Context) (uint64, error)

	// HeaderByNumber retrieves a block header (used for Bloom short circuits)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// FilterLogs retrieves protocol event logs for a block range
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// PendingNonceAt retrieves the next nonce for an account (unlock retries)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// SuggestGasPrice retrieves the current gas price estimate
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// SendTransaction broadcasts a signed transaction
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// Close closes the connection
	Close()
}
