package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation (data lost on restart;
// for tests and ephemeral runs only).
type MemoryStore struct {
	mu sync.RWMutex

	cursors map[string]*Cursor // network + "/" + name
	events  map[string]*EventRecord
	trades  map[int64]*Trade
	retries map[int64]*UnlockRetry
	pools   map[string]map[string]string // network -> address -> token

	nextTradeID int64
	nextRetryID int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[string]*Cursor),
		events:  make(map[string]*EventRecord),
		trades:  make(map[int64]*Trade),
		retries: make(map[int64]*UnlockRetry),
		pools:   make(map[string]map[string]string),
	}
}

func cursorKey(network, name string) string { return network + "/" + name }

func (m *MemoryStore) LoadCursor(ctx context.Context, network, name string) (*Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[cursorKey(network, name)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SeedCursor(ctx context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cursorKey(c.Network, c.Name)
	if _, ok := m.cursors[key]; ok {
		return nil
	}
	c.UpdatedAt = time.Now()
	m.cursors[key] = &c
	return nil
}

func (m *MemoryStore) AdvanceCursor(ctx context.Context, network, name string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cursorKey(network, name)
	c, ok := m.cursors[key]
	if !ok {
		m.cursors[key] = &Cursor{Network: network, Name: name, BlockSynced: block, UpdatedAt: time.Now()}
		return nil
	}
	c.BlockSynced = block
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) KnownEvents(ctx context.Context, network string, keys []string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	known := make(map[string]struct{})
	for _, k := range keys {
		if rec, ok := m.events[k]; ok && rec.Network == network {
			known[k] = struct{}{}
		}
	}
	return known, nil
}

func (m *MemoryStore) InsertEvents(ctx context.Context, recs []EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recs {
		rec := recs[i]
		if _, ok := m.events[rec.DedupKey]; ok {
			continue
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		m.events[rec.DedupKey] = &rec
	}
	return nil
}

// EventCount reports recorded events (test helper).
func (m *MemoryStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) InsertTrade(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTradeID++
	t.ID = m.nextTradeID
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MemoryStore) TradesByQueueIDs(ctx context.Context, network string, queueIDs []int64) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[int64]struct{}, len(queueIDs))
	for _, id := range queueIDs {
		want[id] = struct{}{}
	}
	var out []*Trade
	for _, t := range m.trades {
		if t.Network != network {
			continue
		}
		if _, ok := want[t.QueueID]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTrades(out)
	return out, nil
}

func (m *MemoryStore) TradesByOptionIDs(ctx context.Context, network string, optionIDs []int64) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[int64]struct{}, len(optionIDs))
	for _, id := range optionIDs {
		want[id] = struct{}{}
	}
	var out []*Trade
	for _, t := range m.trades {
		if t.Network != network || t.OptionID == nil {
			continue
		}
		if _, ok := want[*t.OptionID]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTrades(out)
	return out, nil
}

func (m *MemoryStore) TradesByOptions(ctx context.Context, network string, keys []OptionKey) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[OptionKey]struct{}, len(keys))
	for _, k := range keys {
		want[OptionKey{Contract: strings.ToLower(k.Contract), OptionID: k.OptionID}] = struct{}{}
	}
	var out []*Trade
	for _, t := range m.trades {
		if t.Network != network || t.OptionID == nil {
			continue
		}
		if _, ok := want[OptionKey{Contract: strings.ToLower(t.Contract), OptionID: *t.OptionID}]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTrades(out)
	return out, nil
}

func (m *MemoryStore) ApplyMutations(ctx context.Context, muts []TradeMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mut := range muts {
		t, ok := m.trades[mut.TradeID]
		if !ok {
			continue
		}
		if mut.State != nil {
			t.State = *mut.State
		}
		if mut.Status != nil {
			t.Status = *mut.Status
		}
		if mut.OptionID != nil {
			v := *mut.OptionID
			t.OptionID = &v
		}
		if mut.ExpirationDate != nil {
			v := *mut.ExpirationDate
			t.ExpirationDate = &v
		}
		if mut.IsCancelled != nil {
			t.IsCancelled = *mut.IsCancelled
		}
		if mut.CancellationReason != nil {
			t.CancellationReason = *mut.CancellationReason
		}
		if mut.CancellationDate != nil {
			v := *mut.CancellationDate
			t.CancellationDate = &v
		}
		if mut.CloseDate != nil {
			v := *mut.CloseDate
			t.CloseDate = &v
		}
		if mut.Profit != nil {
			t.Profit = *mut.Profit
		}
		if mut.Pnl != nil {
			t.Pnl = *mut.Pnl
		}
		if mut.TxClose != nil {
			t.TxClose = *mut.TxClose
		}
	}
	return nil
}

func (m *MemoryStore) QueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Trade
	for _, t := range m.trades {
		if t.State == StateQueued && t.OpenDate.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sortTrades(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CancelTrades(ctx context.Context, ids []int64, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		t, ok := m.trades[id]
		if !ok {
			continue
		}
		t.State = StateCancelled
		t.IsCancelled = true
		t.CancellationReason = reason
		cd := at
		t.CancellationDate = &cd
		xd := at
		t.CloseDate = &xd
	}
	return nil
}

// TradeByID returns a copy of a trade (test helper).
func (m *MemoryStore) TradeByID(id int64) *Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (m *MemoryStore) EnqueueRetry(ctx context.Context, r *UnlockRetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.retries {
		if ex.Network == r.Network && ex.Contract == r.Contract && ex.OptionID == r.OptionID {
			return nil
		}
	}
	m.nextRetryID++
	r.ID = m.nextRetryID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	m.retries[r.ID] = &cp
	return nil
}

func (m *MemoryStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*UnlockRetry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*UnlockRetry
	for _, r := range m.retries {
		if !r.RetryAfter.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RescheduleRetry(ctx context.Context, id int64, attempts int, retryAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.retries[id]; ok {
		r.Attempts = attempts
		r.RetryAfter = retryAfter
	}
	return nil
}

func (m *MemoryStore) RemoveRetry(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, id)
	return nil
}

// RetryCount reports queued retries (test helper).
func (m *MemoryStore) RetryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.retries)
}

func (m *MemoryStore) AddPool(ctx context.Context, network, address, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools[network] == nil {
		m.pools[network] = make(map[string]string)
	}
	m.pools[network][strings.ToLower(address)] = strings.ToLower(token)
	return nil
}

func (m *MemoryStore) PoolAddresses(ctx context.Context, network string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools[network]))
	for addr := range m.pools[network] {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func sortTrades(ts []*Trade) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
