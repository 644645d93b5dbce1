package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCursorStore_LoadMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisCursorStoreWithClient(client, "test:")

	mock.ExpectGet("test:polygon-mainnet/router").RedisNil()

	c, err := store.LoadCursor(context.Background(), "polygon-mainnet", "router")
	assert.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCursorStore_LoadHit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisCursorStoreWithClient(client, "test:")

	payload, _ := json.Marshal(redisCursor{Contract: "0xr", BlockSynced: 640, UpdatedAt: 1700000000})
	mock.ExpectGet("test:polygon-mainnet/router").SetVal(string(payload))

	c, err := store.LoadCursor(context.Background(), "polygon-mainnet", "router")
	require.NoError(t, err)
	assert.Equal(t, uint64(640), c.BlockSynced)
	assert.Equal(t, "0xr", c.Contract)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCursorStore_SeedAndAdvance(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisCursorStoreWithClient(client, "test:")

	// Seed uses SETNX so an existing cursor wins
	mock.Regexp().ExpectSetNX("test:polygon-mainnet/router", `.*"block_synced":100.*`, 0).SetVal(true)
	err := store.SeedCursor(context.Background(), Cursor{Network: "polygon-mainnet", Name: "router", BlockSynced: 100})
	assert.NoError(t, err)

	// Advance reads the current value to preserve the contract field
	payload, _ := json.Marshal(redisCursor{Contract: "0xr", BlockSynced: 100, UpdatedAt: 1700000000})
	mock.ExpectGet("test:polygon-mainnet/router").SetVal(string(payload))
	mock.Regexp().ExpectSet("test:polygon-mainnet/router", `.*"block_synced":151.*`, 0).SetVal("OK")

	err = store.AdvanceCursor(context.Background(), "polygon-mainnet", "router", 151)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
