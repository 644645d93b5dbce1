// Package syncer implements the on-chain event synchronization pipeline:
// windowed log fetching with provider failover, dedup against the event
// record trail, decode and reconciliation into trade state, monotonic
// cursor advancement, the stale-trade reaper and the unlock retry pass.
package syncer

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Filter defines the scanning rules for one sync job: which contract
// addresses and which event topics a fetch asks the provider for. The
// topic allowlist is applied server-side here and again client-side by
// the decoder (defense in depth).
type Filter struct {
	// Contracts is the list of contract addresses to listen to.
	// If empty, listens to all contracts.
	Contracts []common.Address

	// Topics maps to the eth_getLogs topics parameter; position 0 is the
	// event signature allowlist.
	Topics [][]common.Hash
}

// NewFilter creates an empty filter.
func NewFilter() *Filter {
	return &Filter{
		Contracts: make([]common.Address, 0),
		Topics:    make([][]common.Hash, 0),
	}
}

// AddContract adds contract addresses to listen to.
func (f *Filter) AddContract(addrs ...common.Address) *Filter {
	f.Contracts = append(f.Contracts, addrs...)
	return f
}

// SetContracts replaces the address list (used when the known-pool set
// grows between ticks).
func (f *Filter) SetContracts(addrs []common.Address) *Filter {
	f.Contracts = append(f.Contracts[:0], addrs...)
	return f
}

// SetTopics replaces the topic filter.
func (f *Filter) SetTopics(topics [][]common.Hash) *Filter {
	f.Topics = topics
	return f
}

// ToQuery converts the filter to go-ethereum standard query parameters.
func (f *Filter) ToQuery(fromBlock, toBlock uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: f.Contracts,
		Topics:    f.Topics,
	}
}

// MatchesBloom uses a block header's Bloom filter to quickly check if the
// block might contain matching logs. False means definitely absent (safe
// to skip); true means possibly present (fetch needed).
func (f *Filter) MatchesBloom(bloom types.Bloom) bool {
	if len(f.Contracts) > 0 {
		found := false
		for _, addr := range f.Contracts {
			if bloom.Test(addr.Bytes()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, subTopics := range f.Topics {
		if len(subTopics) == 0 {
			continue
		}
		found := false
		for _, hash := range subTopics {
			if bloom.Test(hash.Bytes()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
