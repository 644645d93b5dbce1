package syncer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/updownlabs/optsync/pkg/events"
	"github.com/updownlabs/optsync/pkg/rpc"
	"github.com/updownlabs/optsync/pkg/storage"
)

// unlockGasLimit covers the router's unlock path with headroom; the call
// touches one option plus one ERC20 transfer.
const unlockGasLimit = 300_000

// KeySource resolves a user address to its signing key.
// Satisfied by *keystore.Store.
type KeySource interface {
	PrivateKey(address string) (*ecdsa.PrivateKey, error)
}

// RetrierConfig bounds the unlock retry pass.
type RetrierConfig struct {
	Network  string
	Interval time.Duration

	// MaxAttempts is how many sends an entry gets before it is dropped.
	MaxAttempts int

	// BaseBackoff is doubled per attempt when rescheduling.
	BaseBackoff time.Duration

	// BatchLimit caps entries processed per pass.
	BatchLimit int
}

// UnlockRetrier drains the durable failed-unlock queue: for each due
// entry it rebuilds the router unlock transaction, signs it with the
// user's key and broadcasts it. Success removes the entry; failure
// reschedules it with exponential backoff until MaxAttempts.
type UnlockRetrier struct {
	cfg       RetrierConfig
	queue     storage.RetryQueue
	keys      KeySource
	decoder   *events.Decoder
	providers *rpc.Manager

	now func() time.Time
}

// NewUnlockRetrier creates a retrier with sane defaults for unset fields.
func NewUnlockRetrier(cfg RetrierConfig, queue storage.RetryQueue, keys KeySource,
	dec *events.Decoder, providers *rpc.Manager) *UnlockRetrier {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &UnlockRetrier{
		cfg:       cfg,
		queue:     queue,
		keys:      keys,
		decoder:   dec,
		providers: providers,
		now:       time.Now,
	}
}

// Run processes due entries on the configured interval until cancelled.
func (u *UnlockRetrier) Run(ctx context.Context) {
	log.Info("Starting unlock retrier", "network", u.cfg.Network,
		"interval", u.cfg.Interval, "maxAttempts", u.cfg.MaxAttempts)

	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping unlock retrier", "network", u.cfg.Network)
			return
		case <-ticker.C:
			if err := u.Pass(ctx); err != nil {
				log.Error("Unlock retry pass failed", "network", u.cfg.Network, "error", err)
			}
		}
	}
}

// Pass processes one batch of due entries. Per-entry failures reschedule
// that entry and move on; only queue-level errors abort the pass.
func (u *UnlockRetrier) Pass(ctx context.Context) error {
	due, err := u.queue.DueRetries(ctx, u.now(), u.cfg.BatchLimit)
	if err != nil {
		return err
	}

	for _, entry := range due {
		if err := u.send(ctx, entry); err != nil {
			u.reschedule(ctx, entry, err)
			continue
		}
		if err := u.queue.RemoveRetry(ctx, entry.ID); err != nil {
			return err
		}
		log.Info("Unlock resubmitted", "network", u.cfg.Network,
			"optionId", entry.OptionID, "attempts", entry.Attempts+1)
	}
	return nil
}

func (u *UnlockRetrier) send(ctx context.Context, entry *storage.UnlockRetry) error {
	key, err := u.keys.PrivateKey(entry.UserAddress)
	if err != nil {
		return err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	input, err := u.decoder.RouterUnlockInput(entry.OptionID)
	if err != nil {
		return err
	}

	client, err := u.providers.Get(ctx, u.cfg.Network, rpc.PurposeGeneral)
	if err != nil {
		return err
	}

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return rpc.Classify(err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return rpc.Classify(err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return rpc.Classify(err)
	}

	router := common.HexToAddress(entry.Contract)
	tx := types.NewTransaction(nonce, router, big.NewInt(0), unlockGasLimit, gasPrice, input)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return err
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return rpc.Classify(err)
	}
	return nil
}

// reschedule backs the entry off exponentially, dropping it once it has
// burned through MaxAttempts.
func (u *UnlockRetrier) reschedule(ctx context.Context, entry *storage.UnlockRetry, cause error) {
	attempts := entry.Attempts + 1
	if attempts >= u.cfg.MaxAttempts {
		log.Warn("Dropping unlock retry after max attempts", "network", u.cfg.Network,
			"optionId", entry.OptionID, "attempts", attempts, "error", cause)
		if err := u.queue.RemoveRetry(ctx, entry.ID); err != nil {
			log.Error("Retry removal failed", "network", u.cfg.Network,
				"optionId", entry.OptionID, "error", err)
		}
		return
	}

	backoff := u.cfg.BaseBackoff << (attempts - 1)
	retryAfter := u.now().Add(backoff)
	if err := u.queue.RescheduleRetry(ctx, entry.ID, attempts, retryAfter); err != nil {
		log.Error("Retry reschedule failed", "network", u.cfg.Network,
			"optionId", entry.OptionID, "error", err)
		return
	}
	log.Warn("Unlock retry failed, rescheduled", "network", u.cfg.Network,
		"optionId", entry.OptionID, "attempts", attempts, "retryAfter", retryAfter, "error", cause)
}
