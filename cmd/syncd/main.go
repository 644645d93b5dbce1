// syncd is the chain synchronization daemon: it tails the router, factory
// and options-pool contracts on every configured network, reconciles the
// decoded events into trade state, reaps stale queued trades and drains
// the failed-unlock retry queue.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/updownlabs/optsync/internal/keystore"
	"github.com/updownlabs/optsync/pkg/config"
	"github.com/updownlabs/optsync/pkg/events"
	"github.com/updownlabs/optsync/pkg/rpc"
	"github.com/updownlabs/optsync/pkg/sink"
	"github.com/updownlabs/optsync/pkg/storage"
	"github.com/updownlabs/optsync/pkg/syncer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the daemon config file")
	flag.Parse()

	if err := run(context.Background(), *configPath); err != nil && err != context.Canceled {
		log.Crit("Daemon failed", "err", err)
	}
}

func run(ctx context.Context, configPath string) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := storage.NewPostgresStore(cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	var cursors storage.CursorStore = store
	if cfg.Redis.Enabled {
		rc, err := storage.NewRedisCursorStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Project)
		if err != nil {
			return err
		}
		defer rc.Close()
		cursors = rc
	}

	var keys *keystore.Store
	if cfg.Keystore.Dir != "" {
		keys, err = keystore.NewStore(cfg.Keystore.Dir, cfg.Keystore.Password)
		if err != nil {
			return err
		}
	}

	dec, err := events.NewDecoder()
	if err != nil {
		return err
	}

	outputs := initOutputs(cfg.Sinks)
	defer func() {
		for _, o := range outputs {
			o.Close()
		}
	}()

	endpoints := make(map[string]rpc.Endpoints, len(cfg.Networks))
	for _, n := range cfg.Networks {
		endpoints[n.Name] = n.RPCEndpoints()
	}
	providers := rpc.NewManager(endpoints)
	defer providers.Close()

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}

	for _, n := range cfg.Networks {
		for _, job := range buildNetworkJobs(n, dec, store, cursors, providers, outputs) {
			start(job.Run)
		}

		if keys != nil {
			retrier := syncer.NewUnlockRetrier(syncer.RetrierConfig{
				Network:     n.Name,
				Interval:    cfg.Retry.Interval,
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseBackoff: cfg.Retry.BaseBackoff,
				BatchLimit:  cfg.Retry.BatchLimit,
			}, store, keys, dec, providers)
			start(retrier.Run)
		}
	}

	reaper := syncer.NewReaper(syncer.ReaperConfig{
		MaxQueuedAge: cfg.Reaper.MaxQueuedAge,
		Interval:     cfg.Reaper.Interval,
		BatchLimit:   cfg.Reaper.BatchLimit,
	}, store, outputs)
	start(reaper.Run)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down...")
	case <-ctx.Done():
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("Shutdown timed out with jobs still running")
	}
	return nil
}

// buildNetworkJobs wires the scan jobs for one network: the router event
// sync, the factory pool-discovery sync and the full-block settlement
// scan over every known pool.
func buildNetworkJobs(n config.NetworkConfig, dec *events.Decoder, store *storage.PostgresStore,
	cursors storage.CursorStore, providers *rpc.Manager, outputs []sink.Output) []*syncer.Job {

	var jobs []*syncer.Job
	newJob := func(cursor, role string, purpose rpc.Purpose, filter *syncer.Filter,
		window uint64, pools storage.PoolStore) *syncer.Job {
		fetcher := syncer.NewFetcher(providers, filter, syncer.FetcherConfig{
			Network:       n.Name,
			Purpose:       purpose,
			Window:        window,
			OverlapMargin: n.OverlapMargin,
			UseBloom:      n.UseBloom,
		})
		rec := syncer.NewReconciler(n.Name, role, dec, store, store, store, pools, outputs)
		return syncer.NewJob(syncer.JobConfig{
			Network:      n.Name,
			Cursor:       cursor,
			Purpose:      purpose,
			PollInterval: n.PollInterval,
			SeedRewind:   n.SeedRewind,
			MaxBatches:   n.MaxBatches,
		}, fetcher, syncer.NewDeduplicator(store, n.Name), rec, cursors, providers)
	}

	routerFilter := syncer.NewFilter().
		AddContract(common.HexToAddress(n.Router)).
		SetTopics(dec.Topics(events.RoleRouter))
	jobs = append(jobs, newJob("router", events.RoleRouter, rpc.PurposeEventSync,
		routerFilter, n.EventWindow, nil))

	if n.Factory != "" {
		factoryFilter := syncer.NewFilter().
			AddContract(common.HexToAddress(n.Factory)).
			SetTopics(dec.Topics(events.RoleFactory))
		jobs = append(jobs, newJob("factory", events.RoleFactory, rpc.PurposeEventSync,
			factoryFilter, n.EventWindow, store))
	}

	// The settlement scan listens to every pool the factory has announced;
	// its address list is refreshed each tick so new pools join mid-run.
	poolFilter := syncer.NewFilter().SetTopics(dec.Topics(events.RoleOptions))
	poolJob := newJob("pools", events.RoleOptions, rpc.PurposeBlockSync,
		poolFilter, n.BlockWindow, nil)
	poolJob.SetFilterRefresh(func(ctx context.Context) error {
		addrs, err := store.PoolAddresses(ctx, n.Name)
		if err != nil {
			return err
		}
		hexAddrs := make([]common.Address, len(addrs))
		for i, a := range addrs {
			hexAddrs[i] = common.HexToAddress(a)
		}
		poolFilter.SetContracts(hexAddrs)
		return nil
	})
	jobs = append(jobs, poolJob)

	return jobs
}

func initOutputs(s config.SinksConfig) []sink.Output {
	var outputs []sink.Output

	if s.Console.Enabled {
		outputs = append(outputs, sink.NewConsoleOutput())
	}
	if s.File.Enabled {
		if fo, err := sink.NewFileOutput(s.File.Path); err == nil {
			outputs = append(outputs, fo)
		} else {
			log.Warn("File sink disabled", "err", err)
		}
	}
	if s.Redis.Enabled {
		if ro, err := sink.NewRedisOutput(s.Redis.Addr, s.Redis.Password, s.Redis.DB, s.Redis.Key, s.Redis.Mode); err == nil {
			outputs = append(outputs, ro)
		} else {
			log.Warn("Redis sink disabled", "err", err)
		}
	}
	if s.Kafka.Enabled {
		if ko, err := sink.NewKafkaOutput(s.Kafka.Brokers, s.Kafka.Topic, s.Kafka.User, s.Kafka.Password); err == nil {
			outputs = append(outputs, ko)
		} else {
			log.Warn("Kafka sink disabled", "err", err)
		}
	}
	if s.RabbitMQ.Enabled {
		if ro, err := sink.NewRabbitMQOutput(s.RabbitMQ.URL, s.RabbitMQ.Exchange, s.RabbitMQ.RoutingKey, s.RabbitMQ.Queue, s.RabbitMQ.Durable); err == nil {
			outputs = append(outputs, ro)
		} else {
			log.Warn("RabbitMQ sink disabled", "err", err)
		}
	}
	if s.Webhook.Enabled {
		outputs = append(outputs, sink.NewWebhookOutput(s.Webhook.Client))
	}
	return outputs
}

func setupLogger(cfg config.LogConfig) {
	level := log.LevelInfo
	switch cfg.Level {
	case "debug":
		level = log.LevelDebug
	case "warn":
		level = log.LevelWarn
	case "error":
		level = log.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = log.JSONHandlerWithLevel(os.Stderr, level)
	} else {
		handler = log.NewTerminalHandlerWithLevel(os.Stderr, level, true)
	}
	log.SetDefault(log.NewLogger(handler))
}
