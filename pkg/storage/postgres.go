package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on top of database/sql + lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection and ensures the schema exists.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing handle (Testing/DI).
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sync_cursors (
		network VARCHAR(64) NOT NULL,
		name VARCHAR(64) NOT NULL,
		contract TEXT NOT NULL DEFAULT '',
		block_synced BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (network, name)
	);
	CREATE TABLE IF NOT EXISTS sync_events (
		dedup_key TEXT PRIMARY KEY,
		network VARCHAR(64) NOT NULL,
		contract TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		network VARCHAR(64) NOT NULL,
		contract TEXT NOT NULL DEFAULT '',
		queue_id BIGINT NOT NULL,
		option_id BIGINT,
		user_address TEXT NOT NULL DEFAULT '',
		state VARCHAR(16) NOT NULL,
		status VARCHAR(8) NOT NULL DEFAULT '',
		strike BIGINT NOT NULL DEFAULT 0,
		period BIGINT NOT NULL DEFAULT 0,
		trade_size BIGINT NOT NULL DEFAULT 0,
		is_above BOOLEAN NOT NULL DEFAULT FALSE,
		token TEXT NOT NULL DEFAULT '',
		open_date TIMESTAMPTZ NOT NULL,
		expiration_date TIMESTAMPTZ,
		locked_amount BIGINT NOT NULL DEFAULT 0,
		is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		cancellation_date TIMESTAMPTZ,
		close_date TIMESTAMPTZ,
		profit BIGINT NOT NULL DEFAULT 0,
		pnl BIGINT NOT NULL DEFAULT 0,
		tx_close TEXT NOT NULL DEFAULT '',
		UNIQUE (network, queue_id)
	);
	CREATE INDEX IF NOT EXISTS idx_trades_state ON trades (state);
	CREATE INDEX IF NOT EXISTS idx_trades_option ON trades (network, contract, option_id);
	CREATE TABLE IF NOT EXISTS unlock_retries (
		id BIGSERIAL PRIMARY KEY,
		network VARCHAR(64) NOT NULL,
		contract TEXT NOT NULL,
		option_id BIGINT NOT NULL,
		user_address TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		attempts INT NOT NULL DEFAULT 0,
		retry_after TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (network, contract, option_id)
	);
	CREATE TABLE IF NOT EXISTS sync_pools (
		network VARCHAR(64) NOT NULL,
		address TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (network, address)
	);
	`
	_, err := p.db.Exec(schema)
	return err
}

// --- Cursors ---

func (p *PostgresStore) LoadCursor(ctx context.Context, network, name string) (*Cursor, error) {
	const q = `SELECT network, name, contract, block_synced, updated_at FROM sync_cursors WHERE network = $1 AND name = $2`
	var c Cursor
	err := p.db.QueryRowContext(ctx, q, network, name).Scan(&c.Network, &c.Name, &c.Contract, &c.BlockSynced, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) SeedCursor(ctx context.Context, c Cursor) error {
	const q = `
	INSERT INTO sync_cursors (network, name, contract, block_synced, updated_at)
	VALUES ($1, $2, $3, $4, NOW())
	ON CONFLICT (network, name) DO NOTHING`
	_, err := p.db.ExecContext(ctx, q, c.Network, c.Name, c.Contract, c.BlockSynced)
	return err
}

func (p *PostgresStore) AdvanceCursor(ctx context.Context, network, name string, block uint64) error {
	const q = `UPDATE sync_cursors SET block_synced = $3, updated_at = NOW() WHERE network = $1 AND name = $2`
	_, err := p.db.ExecContext(ctx, q, network, name, block)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// --- Event records ---

func (p *PostgresStore) KnownEvents(ctx context.Context, network string, keys []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	if len(keys) == 0 {
		return known, nil
	}
	const q = `SELECT dedup_key FROM sync_events WHERE network = $1 AND dedup_key = ANY($2)`
	rows, err := p.db.QueryContext(ctx, q, network, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		known[k] = struct{}{}
	}
	return known, rows.Err()
}

func (p *PostgresStore) InsertEvents(ctx context.Context, recs []EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	valueStrings := make([]string, 0, len(recs))
	valueArgs := make([]interface{}, 0, len(recs)*3)
	for i, r := range recs {
		n := i * 3
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d)", n+1, n+2, n+3))
		valueArgs = append(valueArgs, r.DedupKey, r.Network, r.Contract)
	}
	stmt := fmt.Sprintf(
		"INSERT INTO sync_events (dedup_key, network, contract) VALUES %s ON CONFLICT (dedup_key) DO NOTHING",
		strings.Join(valueStrings, ","))
	_, err := p.db.ExecContext(ctx, stmt, valueArgs...)
	return err
}

// --- Trades ---

const tradeColumns = `id, network, contract, queue_id, option_id, user_address, state, status,
	strike, period, trade_size, is_above, token, open_date, expiration_date, locked_amount,
	is_cancelled, cancellation_reason, cancellation_date, close_date, profit, pnl, tx_close`

func scanTrade(rows *sql.Rows) (*Trade, error) {
	var t Trade
	var optionID sql.NullInt64
	var expiration, cancellation, closeDate sql.NullTime
	err := rows.Scan(&t.ID, &t.Network, &t.Contract, &t.QueueID, &optionID, &t.UserAddress,
		&t.State, &t.Status, &t.Strike, &t.Period, &t.TradeSize, &t.IsAbove, &t.Token,
		&t.OpenDate, &expiration, &t.LockedAmount, &t.IsCancelled, &t.CancellationReason,
		&cancellation, &closeDate, &t.Profit, &t.Pnl, &t.TxClose)
	if err != nil {
		return nil, err
	}
	if optionID.Valid {
		v := optionID.Int64
		t.OptionID = &v
	}
	if expiration.Valid {
		v := expiration.Time
		t.ExpirationDate = &v
	}
	if cancellation.Valid {
		v := cancellation.Time
		t.CancellationDate = &v
	}
	if closeDate.Valid {
		v := closeDate.Time
		t.CloseDate = &v
	}
	return &t, nil
}

func collectTrades(rows *sql.Rows) ([]*Trade, error) {
	defer rows.Close()
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertTrade(ctx context.Context, t *Trade) error {
	const q = `
	INSERT INTO trades (network, contract, queue_id, option_id, user_address, state, status,
		strike, period, trade_size, is_above, token, open_date, expiration_date, locked_amount,
		is_cancelled, cancellation_reason, cancellation_date, close_date, profit, pnl, tx_close)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	RETURNING id`
	var optionID interface{}
	if t.OptionID != nil {
		optionID = *t.OptionID
	}
	return p.db.QueryRowContext(ctx, q, t.Network, t.Contract, t.QueueID, optionID, t.UserAddress,
		t.State, t.Status, t.Strike, t.Period, t.TradeSize, t.IsAbove, t.Token, t.OpenDate,
		t.ExpirationDate, t.LockedAmount, t.IsCancelled, t.CancellationReason, t.CancellationDate,
		t.CloseDate, t.Profit, t.Pnl, t.TxClose).Scan(&t.ID)
}

func (p *PostgresStore) TradesByQueueIDs(ctx context.Context, network string, queueIDs []int64) ([]*Trade, error) {
	if len(queueIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT %s FROM trades WHERE network = $1 AND queue_id = ANY($2)", tradeColumns)
	rows, err := p.db.QueryContext(ctx, q, network, pq.Array(queueIDs))
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (p *PostgresStore) TradesByOptionIDs(ctx context.Context, network string, optionIDs []int64) ([]*Trade, error) {
	if len(optionIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT %s FROM trades WHERE network = $1 AND option_id = ANY($2)", tradeColumns)
	rows, err := p.db.QueryContext(ctx, q, network, pq.Array(optionIDs))
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (p *PostgresStore) TradesByOptions(ctx context.Context, network string, keys []OptionKey) ([]*Trade, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pairs := make([]string, 0, len(keys))
	args := []interface{}{network}
	for i, k := range keys {
		n := i * 2
		pairs = append(pairs, fmt.Sprintf("(LOWER(contract) = $%d AND option_id = $%d)", n+2, n+3))
		args = append(args, strings.ToLower(k.Contract), k.OptionID)
	}
	q := fmt.Sprintf("SELECT %s FROM trades WHERE network = $1 AND (%s)", tradeColumns, strings.Join(pairs, " OR "))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (p *PostgresStore) ApplyMutations(ctx context.Context, muts []TradeMutation) error {
	if len(muts) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, mut := range muts {
		sets, args := mutationSets(mut)
		if len(sets) == 0 {
			continue
		}
		args = append(args, mut.TradeID)
		q := fmt.Sprintf("UPDATE trades SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func mutationSets(mut TradeMutation) ([]string, []interface{}) {
	var sets []string
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if mut.State != nil {
		add("state", string(*mut.State))
	}
	if mut.Status != nil {
		add("status", string(*mut.Status))
	}
	if mut.OptionID != nil {
		add("option_id", *mut.OptionID)
	}
	if mut.ExpirationDate != nil {
		add("expiration_date", *mut.ExpirationDate)
	}
	if mut.IsCancelled != nil {
		add("is_cancelled", *mut.IsCancelled)
	}
	if mut.CancellationReason != nil {
		add("cancellation_reason", *mut.CancellationReason)
	}
	if mut.CancellationDate != nil {
		add("cancellation_date", *mut.CancellationDate)
	}
	if mut.CloseDate != nil {
		add("close_date", *mut.CloseDate)
	}
	if mut.Profit != nil {
		add("profit", *mut.Profit)
	}
	if mut.Pnl != nil {
		add("pnl", *mut.Pnl)
	}
	if mut.TxClose != nil {
		add("tx_close", *mut.TxClose)
	}
	return sets, args
}

func (p *PostgresStore) QueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Trade, error) {
	q := fmt.Sprintf("SELECT %s FROM trades WHERE state = $1 AND open_date < $2 ORDER BY open_date LIMIT $3", tradeColumns)
	rows, err := p.db.QueryContext(ctx, q, string(StateQueued), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (p *PostgresStore) CancelTrades(ctx context.Context, ids []int64, reason string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `
	UPDATE trades SET state = $1, is_cancelled = TRUE, cancellation_reason = $2,
		cancellation_date = $3, close_date = $3
	WHERE id = ANY($4)`
	_, err := p.db.ExecContext(ctx, q, string(StateCancelled), reason, at, pq.Array(ids))
	return err
}

// --- Unlock retries ---

func (p *PostgresStore) EnqueueRetry(ctx context.Context, r *UnlockRetry) error {
	const q = `
	INSERT INTO unlock_retries (network, contract, option_id, user_address, reason, attempts, retry_after)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (network, contract, option_id) DO NOTHING`
	_, err := p.db.ExecContext(ctx, q, r.Network, strings.ToLower(r.Contract), r.OptionID,
		r.UserAddress, r.Reason, r.Attempts, r.RetryAfter)
	return err
}

func (p *PostgresStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*UnlockRetry, error) {
	const q = `
	SELECT id, network, contract, option_id, user_address, reason, attempts, retry_after, created_at
	FROM unlock_retries WHERE retry_after <= $1 ORDER BY retry_after LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*UnlockRetry
	for rows.Next() {
		var r UnlockRetry
		if err := rows.Scan(&r.ID, &r.Network, &r.Contract, &r.OptionID, &r.UserAddress,
			&r.Reason, &r.Attempts, &r.RetryAfter, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RescheduleRetry(ctx context.Context, id int64, attempts int, retryAfter time.Time) error {
	const q = `UPDATE unlock_retries SET attempts = $2, retry_after = $3 WHERE id = $1`
	_, err := p.db.ExecContext(ctx, q, id, attempts, retryAfter)
	return err
}

func (p *PostgresStore) RemoveRetry(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM unlock_retries WHERE id = $1`, id)
	return err
}

// --- Pools ---

func (p *PostgresStore) AddPool(ctx context.Context, network, address, token string) error {
	const q = `
	INSERT INTO sync_pools (network, address, token)
	VALUES ($1, $2, $3)
	ON CONFLICT (network, address) DO NOTHING`
	_, err := p.db.ExecContext(ctx, q, network, strings.ToLower(address), strings.ToLower(token))
	return err
}

func (p *PostgresStore) PoolAddresses(ctx context.Context, network string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT address FROM sync_pools WHERE network = $1 ORDER BY address`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}
