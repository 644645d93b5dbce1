package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestNode_RecordMetric(t *testing.T) {
	n := NewNodeWithClient(NodeConfig{URL: "http://test"}, &MockEthClient{})

	// Errors accumulate
	n.RecordMetric(time.Now(), assert.AnError)
	n.RecordMetric(time.Now(), assert.AnError)
	assert.Equal(t, uint64(2), n.GetErrorCount())
	assert.Equal(t, uint64(2), n.GetTotalErrors())

	// Success decays the consecutive count but not the total
	n.RecordMetric(time.Now(), nil)
	assert.Equal(t, uint64(1), n.GetErrorCount())
	assert.Equal(t, uint64(2), n.GetTotalErrors())
}

func TestNode_BlockNumberUpdatesHeight(t *testing.T) {
	client := new(MockEthClient)
	client.On("BlockNumber", mock.Anything).Return(uint64(500), nil).Once()

	n := NewNodeWithClient(NodeConfig{URL: "http://test"}, client)
	h, err := n.BlockNumber(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint64(500), h)
	assert.Equal(t, uint64(500), n.GetLatestBlock())

	// Height never moves backward
	n.UpdateHeight(400)
	assert.Equal(t, uint64(500), n.GetLatestBlock())
}
