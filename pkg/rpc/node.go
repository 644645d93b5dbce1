package rpc

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// NodeConfig represents configuration for a single RPC endpoint
type NodeConfig struct {
	URL string `mapstructure:"url"`
	// QPS caps requests per second against this endpoint (0 = unlimited)
	QPS float64 `mapstructure:"qps"`
}

// Node wraps the underlying ethclient with health metrics and QPS limiting
type Node struct {
	config  NodeConfig
	client  EthClient
	limiter *rate.Limiter

	// Dynamic metrics (atomic operations)
	errorCount  uint64 // Consecutive error count
	totalErrors uint64 // Total error count
	latency     int64  // Average latency (ms)
	latestBlock uint64 // Latest block height observed by this node
}

// NewNode dials a new RPC node (Production)
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return NewNodeWithClient(cfg, client), nil
}

// NewNodeWithClient initializes Node with a pre-created client (Testing/DI)
func NewNodeWithClient(cfg NodeConfig, client EthClient) *Node {
	var limiter *rate.Limiter
	if cfg.QPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), 1)
	}
	return &Node{
		config:  cfg,
		client:  client,
		limiter: limiter,
	}
}

// URL returns the node address
func (n *Node) URL() string {
	return n.config.URL
}

// RecordMetric records result of a call, updating latency and error count
func (n *Node) RecordMetric(start time.Time, err error) {
	duration := time.Since(start).Milliseconds()

	// Simple moving average for latency
	oldLatency := atomic.LoadInt64(&n.latency)
	if oldLatency == 0 {
		atomic.StoreInt64(&n.latency, duration)
	} else {
		// New latency weight 20%
		newLatency := (oldLatency*8 + duration*2) / 10
		atomic.StoreInt64(&n.latency, newLatency)
	}

	if err != nil {
		atomic.AddUint64(&n.errorCount, 1)
		atomic.AddUint64(&n.totalErrors, 1)
	} else {
		// Decrease error count slowly on success to avoid "jitter"
		current := atomic.LoadUint64(&n.errorCount)
		if current > 0 {
			atomic.StoreUint64(&n.errorCount, current-1)
		}
	}
}

// UpdateHeight updates the latest block height for the node
func (n *Node) UpdateHeight(h uint64) {
	current := atomic.LoadUint64(&n.latestBlock)
	if h > current {
		atomic.StoreUint64(&n.latestBlock, h)
	}
}

// GetErrorCount returns the current consecutive error count
func (n *Node) GetErrorCount() uint64 {
	return atomic.LoadUint64(&n.errorCount)
}

// GetTotalErrors returns the total error count
func (n *Node) GetTotalErrors() uint64 {
	return atomic.LoadUint64(&n.totalErrors)
}

// GetLatency returns the average latency in ms
func (n *Node) GetLatency() int64 {
	return atomic.LoadInt64(&n.latency)
}

// GetLatestBlock returns the latest block height observed by this node
func (n *Node) GetLatestBlock() uint64 {
	return atomic.LoadUint64(&n.latestBlock)
}

func (n *Node) wait(ctx context.Context) error {
	if n.limiter == nil {
		return nil
	}
	return n.limiter.Wait(ctx)
}

// Proxy Methods (implement Client interface)

func (n *Node) ChainID(ctx context.Context) (*big.Int, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	id, err := n.client.ChainID(ctx)
	n.RecordMetric(start, err)
	return id, err
}

func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	h, err := n.client.BlockNumber(ctx)
	n.RecordMetric(start, err)
	if err == nil {
		n.UpdateHeight(h)
	}
	return h, err
}

func (n *Node) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	h, err := n.client.HeaderByNumber(ctx, number)
	n.RecordMetric(start, err)
	return h, err
}

func (n *Node) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	logs, err := n.client.FilterLogs(ctx, q)
	n.RecordMetric(start, err)
	return logs, err
}

func (n *Node) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := n.wait(ctx); err != nil {
		return 0, err
	}
	start := time.Now()
	nonce, err := n.client.PendingNonceAt(ctx, account)
	n.RecordMetric(start, err)
	return nonce, err
}

func (n *Node) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	price, err := n.client.SuggestGasPrice(ctx)
	n.RecordMetric(start, err)
	return price, err
}

func (n *Node) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := n.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := n.client.SendTransaction(ctx, tx)
	n.RecordMetric(start, err)
	return err
}

func (n *Node) Close() {
	n.client.Close()
}
