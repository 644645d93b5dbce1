package syncer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/updownlabs/optsync/pkg/rpc"
)

// fakeClient is a programmable rpc.Client used across the package tests.
type fakeClient struct {
	head      uint64
	headErr   error
	logs      []types.Log
	logsErr   error
	header    *types.Header
	headerErr error

	nonce    uint64
	gasPrice *big.Int
	chainID  *big.Int
	sendErr  error

	filterCalls []ethereum.FilterQuery
	headerCalls int
	sent        []*types.Transaction
	closed      bool
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	if f.chainID == nil {
		return big.NewInt(137), nil
	}
	return f.chainID, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.headerCalls++
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	if f.header != nil {
		return f.header, nil
	}
	return &types.Header{Number: number}, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.filterCalls = append(f.filterCalls, q)
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logs, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(30_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) Close() { f.closed = true }

// managerFor wires a Manager whose every endpoint dials the given client.
func managerFor(network string, client rpc.Client) *rpc.Manager {
	endpoints := map[string]rpc.Endpoints{
		network: {
			rpc.PurposeGeneral: []rpc.NodeConfig{{URL: "http://primary"}, {URL: "http://secondary"}},
		},
	}
	return rpc.NewManagerWithDialer(endpoints, func(ctx context.Context, cfg rpc.NodeConfig) (rpc.Client, error) {
		return client, nil
	})
}

// ABI word helpers for hand-built log payloads.

func word(n int64) []byte {
	return common.BigToHash(big.NewInt(n)).Bytes()
}

// strData ABI-encodes a single dynamic string argument.
func strData(s string) []byte {
	data := append(word(32), word(int64(len(s)))...)
	padded := make([]byte, (len(s)+31)/32*32)
	copy(padded, s)
	return append(data, padded...)
}

var (
	sigOpenTrade   = crypto.Keccak256Hash([]byte("OpenTrade(uint256,uint256,uint256)"))
	sigCancelTrade = crypto.Keccak256Hash([]byte("CancelTrade(uint256,string)"))
	sigFailUnlock  = crypto.Keccak256Hash([]byte("FailUnlock(uint256,string)"))
	sigExercise    = crypto.Keccak256Hash([]byte("Exercise(uint256,uint256)"))
	sigExpire      = crypto.Keccak256Hash([]byte("Expire(uint256)"))
	sigPoolCreated = crypto.Keccak256Hash([]byte("PoolCreated(address,address)"))
)

func openTradeLog(contract common.Address, queueID, optionID, expiration int64, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{sigOpenTrade, common.BigToHash(big.NewInt(queueID))},
		Data:        append(word(optionID), word(expiration)...),
		TxHash:      tx,
		Index:       index,
		BlockNumber: 100,
	}
}

func cancelTradeLog(contract common.Address, queueID int64, reason string, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{sigCancelTrade, common.BigToHash(big.NewInt(queueID))},
		Data:        strData(reason),
		TxHash:      tx,
		Index:       index,
		BlockNumber: 101,
	}
}

func failUnlockLog(contract common.Address, optionID int64, reason string, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{sigFailUnlock, common.BigToHash(big.NewInt(optionID))},
		Data:        strData(reason),
		TxHash:      tx,
		Index:       index,
		BlockNumber: 102,
	}
}

func exerciseLog(contract common.Address, optionID, profit int64, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{sigExercise, common.BigToHash(big.NewInt(optionID))},
		Data:        word(profit),
		TxHash:      tx,
		Index:       index,
		BlockNumber: 103,
	}
}

func expireLog(contract common.Address, optionID int64, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{sigExpire, common.BigToHash(big.NewInt(optionID))},
		TxHash:      tx,
		Index:       index,
		BlockNumber: 104,
	}
}

func poolCreatedLog(factory, pool, token common.Address, tx common.Hash, index uint) types.Log {
	return types.Log{
		Address: factory,
		Topics: []common.Hash{
			sigPoolCreated,
			common.BytesToHash(pool.Bytes()),
			common.BytesToHash(token.Bytes()),
		},
		TxHash:      tx,
		Index:       index,
		BlockNumber: 105,
	}
}
