package syncer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
)

func TestFilter_ToQuery(t *testing.T) {
	addr := common.HexToAddress("0x01")
	f := NewFilter().AddContract(addr).SetTopics([][]common.Hash{{sigOpenTrade}})

	q := f.ToQuery(100, 200)
	assert.Equal(t, uint64(100), q.FromBlock.Uint64())
	assert.Equal(t, uint64(200), q.ToBlock.Uint64())
	assert.Equal(t, []common.Address{addr}, q.Addresses)
	assert.Equal(t, [][]common.Hash{{sigOpenTrade}}, q.Topics)
}

func TestFilter_SetContractsReplaces(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	c := common.HexToAddress("0x03")

	f := NewFilter().AddContract(a)
	f.SetContracts([]common.Address{b, c})
	assert.Equal(t, []common.Address{b, c}, f.Contracts)
}

func TestFilter_MatchesBloom(t *testing.T) {
	addr := common.HexToAddress("0x1000000000000000000000000000000000000001")
	f := NewFilter().AddContract(addr).SetTopics([][]common.Hash{{sigExercise}})

	var empty types.Bloom
	assert.False(t, f.MatchesBloom(empty), "empty bloom cannot contain the address")

	var addrOnly types.Bloom
	addrOnly.Add(addr.Bytes())
	assert.False(t, f.MatchesBloom(addrOnly), "topic still missing")

	var both types.Bloom
	both.Add(addr.Bytes())
	both.Add(sigExercise.Bytes())
	assert.True(t, f.MatchesBloom(both))

	// With no address constraint the topic alone decides.
	open := NewFilter().SetTopics([][]common.Hash{{sigExercise}})
	assert.True(t, open.MatchesBloom(both))
	assert.False(t, open.MatchesBloom(addrOnly))
}
