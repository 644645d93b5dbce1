package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCursorStore implements CursorStore on Redis, for deployments that
// keep cursors out of Postgres. Trade state always lives in Postgres.
type RedisCursorStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCursorStore connects and verifies the Redis endpoint.
// Final key is prefix + network + "/" + name.
func NewRedisCursorStore(addr, password string, db int, prefix string) (*RedisCursorStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "optsync:cursor:"
	}
	return &RedisCursorStore{client: rdb, prefix: prefix}, nil
}

// NewRedisCursorStoreWithClient wraps an existing client (Testing/DI).
func NewRedisCursorStoreWithClient(client *redis.Client, prefix string) *RedisCursorStore {
	if prefix == "" {
		prefix = "optsync:cursor:"
	}
	return &RedisCursorStore{client: client, prefix: prefix}
}

type redisCursor struct {
	Contract    string `json:"contract"`
	BlockSynced uint64 `json:"block_synced"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (r *RedisCursorStore) key(network, name string) string {
	return r.prefix + network + "/" + name
}

func (r *RedisCursorStore) LoadCursor(ctx context.Context, network, name string) (*Cursor, error) {
	val, err := r.client.Get(ctx, r.key(network, name)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rc redisCursor
	if err := json.Unmarshal(val, &rc); err != nil {
		return nil, err
	}
	return &Cursor{
		Network:     network,
		Name:        name,
		Contract:    rc.Contract,
		BlockSynced: rc.BlockSynced,
		UpdatedAt:   time.Unix(rc.UpdatedAt, 0),
	}, nil
}

func (r *RedisCursorStore) SeedCursor(ctx context.Context, c Cursor) error {
	data, err := json.Marshal(redisCursor{
		Contract:    c.Contract,
		BlockSynced: c.BlockSynced,
		UpdatedAt:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	// SETNX keeps an existing cursor authoritative.
	return r.client.SetNX(ctx, r.key(c.Network, c.Name), string(data), 0).Err()
}

func (r *RedisCursorStore) AdvanceCursor(ctx context.Context, network, name string, block uint64) error {
	existing, err := r.LoadCursor(ctx, network, name)
	if err != nil {
		return err
	}
	contract := ""
	if existing != nil {
		contract = existing.Contract
	}
	data, err := json.Marshal(redisCursor{
		Contract:    contract,
		BlockSynced: block,
		UpdatedAt:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(network, name), string(data), 0).Err()
}

func (r *RedisCursorStore) Close() error { return r.client.Close() }
