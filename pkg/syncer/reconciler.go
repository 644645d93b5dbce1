package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/updownlabs/optsync/pkg/events"
	"github.com/updownlabs/optsync/pkg/sink"
	"github.com/updownlabs/optsync/pkg/storage"
)

// Reconciler turns a deduplicated batch of raw logs into trade mutations,
// event records, retry-queue entries and pool registrations, commits them,
// and fans the resulting transitions out to the configured sinks.
//
// Commit order matters: mutations and event records are written before the
// caller advances the cursor, and sink delivery happens after commit so a
// slow or failing sink never blocks persistence.
type Reconciler struct {
	network string
	role    string
	decoder *events.Decoder
	trades  storage.TradeStore
	records storage.EventRecordStore
	retries storage.RetryQueue
	pools   storage.PoolStore
	outputs []sink.Output

	now func() time.Time
}

// NewReconciler builds a reconciler for one network and contract role.
// retries and pools may be nil for roles that never produce FailUnlock or
// PoolCreated events.
func NewReconciler(network, role string, dec *events.Decoder, trades storage.TradeStore,
	records storage.EventRecordStore, retries storage.RetryQueue, pools storage.PoolStore,
	outputs []sink.Output) *Reconciler {
	return &Reconciler{
		network: network,
		role:    role,
		decoder: dec,
		trades:  trades,
		records: records,
		retries: retries,
		pools:   pools,
		outputs: outputs,
		now:     time.Now,
	}
}

// Apply decodes and reconciles one batch. A decode failure on a known
// event aborts the whole batch so the caller leaves the cursor in place
// and the window is retried next tick; unknown topics are skipped.
func (r *Reconciler) Apply(ctx context.Context, logs []types.Log) error {
	if len(logs) == 0 {
		return nil
	}

	decoded := make([]events.Event, 0, len(logs))
	for _, lg := range logs {
		ev, err := r.decoder.Decode(r.role, r.network, lg)
		if err != nil {
			if errors.Is(err, events.ErrUnknownEvent) {
				log.Debug("Skipping unrecognized log", "network", r.network,
					"tx", lg.TxHash.Hex(), "index", lg.Index)
				continue
			}
			return err
		}
		decoded = append(decoded, ev)
	}
	if len(decoded) == 0 {
		return nil
	}

	byQueue, byOptID, byOption, err := r.lookupTrades(ctx, decoded)
	if err != nil {
		return err
	}

	var (
		muts     []storage.TradeMutation
		recs     []storage.EventRecord
		enqueues []*storage.UnlockRetry
		updates  []sink.TradeUpdate
	)
	now := r.now()

	for _, ev := range decoded {
		meta := ev.EventMeta()
		recs = append(recs, storage.EventRecord{
			DedupKey:  storage.DedupKey(meta.TxHash.Hex(), meta.LogIndex),
			Network:   meta.Network,
			Contract:  strings.ToLower(meta.Contract.Hex()),
			CreatedAt: now,
		})

		switch e := ev.(type) {
		case *events.OpenTrade:
			t := byQueue[e.QueueID]
			if skip(t, "OpenTrade", e.QueueID, r.network) {
				continue
			}
			muts = append(muts, openMutation(t, *e))
			updates = append(updates, update(t, e.Meta, "OpenTrade", now, func(u *sink.TradeUpdate) {
				u.OptionID = e.OptionID
				u.State = string(storage.StateOpened)
			}))

		case *events.CancelTrade:
			t := byQueue[e.QueueID]
			if skip(t, "CancelTrade", e.QueueID, r.network) {
				continue
			}
			reason := mapCancelReason(e.Reason)
			muts = append(muts, cancelMutation(t, reason, now))
			updates = append(updates, update(t, e.Meta, "CancelTrade", now, func(u *sink.TradeUpdate) {
				u.State = string(storage.StateCancelled)
				u.Reason = reason
			}))

		case *events.FailResolve:
			t := byQueue[e.QueueID]
			if skip(t, "FailResolve", e.QueueID, r.network) {
				continue
			}
			reason := mapCancelReason(e.Reason)
			muts = append(muts, cancelMutation(t, reason, now))
			updates = append(updates, update(t, e.Meta, "FailResolve", now, func(u *sink.TradeUpdate) {
				u.State = string(storage.StateCancelled)
				u.Reason = reason
			}))

		case *events.FailUnlock:
			t := byOptID[e.OptionID]
			if skip(t, "FailUnlock", e.OptionID, r.network) {
				continue
			}
			if isRetryableUnlock(e.Reason) && r.retries != nil {
				enqueues = append(enqueues, &storage.UnlockRetry{
					Network:     r.network,
					Contract:    strings.ToLower(meta.Contract.Hex()),
					OptionID:    e.OptionID,
					UserAddress: t.UserAddress,
					Reason:      e.Reason,
					RetryAfter:  now,
				})
				continue
			}
			reason := mapCancelReason(e.Reason)
			muts = append(muts, cancelMutation(t, reason, now))
			updates = append(updates, update(t, e.Meta, "FailUnlock", now, func(u *sink.TradeUpdate) {
				u.State = string(storage.StateCancelled)
				u.Reason = reason
			}))

		case *events.Exercise:
			key := storage.OptionKey{Contract: strings.ToLower(meta.Contract.Hex()), OptionID: e.OptionID}
			t := byOption[key]
			if skip(t, "Exercise", e.OptionID, r.network) {
				continue
			}
			profit := e.Profit.Int64()
			muts = append(muts, closeMutation(t, profit, meta, now))
			status := settleStatus(profit, t.TradeSize)
			updates = append(updates, update(t, e.Meta, "Exercise", now, func(u *sink.TradeUpdate) {
				u.State = string(storage.StateClosed)
				u.Status = string(status)
				u.Profit = profit
				u.Pnl = profit - t.TradeSize
			}))

		case *events.Expire:
			key := storage.OptionKey{Contract: strings.ToLower(meta.Contract.Hex()), OptionID: e.OptionID}
			t := byOption[key]
			if skip(t, "Expire", e.OptionID, r.network) {
				continue
			}
			muts = append(muts, closeMutation(t, 0, meta, now))
			updates = append(updates, update(t, e.Meta, "Expire", now, func(u *sink.TradeUpdate) {
				u.State = string(storage.StateClosed)
				u.Status = string(storage.StatusLoss)
				u.Pnl = -t.TradeSize
			}))

		case *events.PoolCreated:
			if r.pools == nil {
				continue
			}
			if err := r.pools.AddPool(ctx, r.network, e.Pool.Hex(), e.Token.Hex()); err != nil {
				return err
			}
			log.Info("Registered options pool", "network", r.network,
				"pool", e.Pool.Hex(), "token", e.Token.Hex())
		}
	}

	if err := r.commit(ctx, muts, recs); err != nil {
		return err
	}

	for _, entry := range enqueues {
		if err := r.retries.EnqueueRetry(ctx, entry); err != nil {
			return err
		}
		log.Info("Queued unlock retry", "network", r.network,
			"optionId", entry.OptionID, "reason", entry.Reason)
	}

	if err := sink.Broadcast(ctx, r.outputs, updates); err != nil {
		log.Warn("Sink delivery failed", "network", r.network, "error", err)
	}
	return nil
}

// commit writes trade mutations and event records concurrently; both must
// succeed before the caller may advance the cursor.
func (r *Reconciler) commit(ctx context.Context, muts []storage.TradeMutation, recs []storage.EventRecord) error {
	var wg sync.WaitGroup
	var mutErr, recErr error

	if len(muts) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mutErr = r.trades.ApplyMutations(ctx, muts)
		}()
	}
	if len(recs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recErr = r.records.InsertEvents(ctx, recs)
		}()
	}
	wg.Wait()

	if mutErr != nil {
		return mutErr
	}
	return recErr
}

// lookupTrades batches the trade reads the batch will need: queue ids for
// router lifecycle events, bare option ids for FailUnlock, and
// (contract, option id) pairs for pool settlement events.
func (r *Reconciler) lookupTrades(ctx context.Context, decoded []events.Event) (
	map[int64]*storage.Trade, map[int64]*storage.Trade, map[storage.OptionKey]*storage.Trade, error) {

	var queueIDs, optIDs []int64
	var keys []storage.OptionKey
	for _, ev := range decoded {
		switch e := ev.(type) {
		case *events.OpenTrade:
			queueIDs = append(queueIDs, e.QueueID)
		case *events.CancelTrade:
			queueIDs = append(queueIDs, e.QueueID)
		case *events.FailResolve:
			queueIDs = append(queueIDs, e.QueueID)
		case *events.FailUnlock:
			optIDs = append(optIDs, e.OptionID)
		case *events.Exercise:
			keys = append(keys, storage.OptionKey{
				Contract: strings.ToLower(e.Contract.Hex()), OptionID: e.OptionID})
		case *events.Expire:
			keys = append(keys, storage.OptionKey{
				Contract: strings.ToLower(e.Contract.Hex()), OptionID: e.OptionID})
		}
	}

	byQueue := make(map[int64]*storage.Trade)
	byOptID := make(map[int64]*storage.Trade)
	byOption := make(map[storage.OptionKey]*storage.Trade)

	if len(queueIDs) > 0 {
		trades, err := r.trades.TradesByQueueIDs(ctx, r.network, queueIDs)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, t := range trades {
			byQueue[t.QueueID] = t
		}
	}
	if len(optIDs) > 0 {
		trades, err := r.trades.TradesByOptionIDs(ctx, r.network, optIDs)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, t := range trades {
			byOptID[*t.OptionID] = t
		}
	}
	if len(keys) > 0 {
		trades, err := r.trades.TradesByOptions(ctx, r.network, keys)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, t := range trades {
			byOption[storage.OptionKey{Contract: strings.ToLower(t.Contract), OptionID: *t.OptionID}] = t
		}
	}
	return byQueue, byOptID, byOption, nil
}

// skip reports whether an event cannot be applied: no matching trade, or
// the trade already reached a terminal state. Both are normal under
// at-least-once delivery and replay.
func skip(t *storage.Trade, event string, id int64, network string) bool {
	if t == nil {
		log.Warn("No trade for event", "network", network, "event", event, "id", id)
		return true
	}
	if t.State.Terminal() {
		log.Debug("Ignoring event for settled trade", "network", network,
			"event", event, "tradeId", t.ID, "state", t.State)
		return true
	}
	return false
}

func settleStatus(profit, tradeSize int64) storage.TradeStatus {
	if profit > tradeSize {
		return storage.StatusWin
	}
	return storage.StatusLoss
}

func openMutation(t *storage.Trade, e events.OpenTrade) storage.TradeMutation {
	state := storage.StateOpened
	optID := e.OptionID
	exp := time.Unix(e.Expiration.Int64(), 0).UTC()
	return storage.TradeMutation{
		TradeID:        t.ID,
		State:          &state,
		OptionID:       &optID,
		ExpirationDate: &exp,
	}
}

func cancelMutation(t *storage.Trade, reason string, at time.Time) storage.TradeMutation {
	state := storage.StateCancelled
	cancelled := true
	cd := at
	xd := at
	return storage.TradeMutation{
		TradeID:            t.ID,
		State:              &state,
		IsCancelled:        &cancelled,
		CancellationReason: &reason,
		CancellationDate:   &cd,
		CloseDate:          &xd,
	}
}

func closeMutation(t *storage.Trade, profit int64, meta events.Meta, at time.Time) storage.TradeMutation {
	state := storage.StateClosed
	status := settleStatus(profit, t.TradeSize)
	pnl := profit - t.TradeSize
	tx := strings.ToLower(meta.TxHash.Hex())
	cd := at
	return storage.TradeMutation{
		TradeID:   t.ID,
		State:     &state,
		Status:    &status,
		Profit:    &profit,
		Pnl:       &pnl,
		TxClose:   &tx,
		CloseDate: &cd,
	}
}

func update(t *storage.Trade, meta events.Meta, event string, at time.Time, fill func(*sink.TradeUpdate)) sink.TradeUpdate {
	u := sink.TradeUpdate{
		Network:   meta.Network,
		Event:     event,
		QueueID:   t.QueueID,
		TxHash:    strings.ToLower(meta.TxHash.Hex()),
		Timestamp: at.Unix(),
	}
	if t.OptionID != nil {
		u.OptionID = *t.OptionID
	}
	fill(&u)
	return u
}
