// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides. Per-network sync parameters fall back
// to the chain presets so a deployment only states what differs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/updownlabs/optsync/internal/webhook"
	"github.com/updownlabs/optsync/pkg/chain"
	"github.com/updownlabs/optsync/pkg/rpc"
)

type Config struct {
	Project  string          `mapstructure:"project"`
	Log      LogConfig       `mapstructure:"log"`
	Postgres PostgresConfig  `mapstructure:"postgres"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Keystore KeystoreConfig  `mapstructure:"keystore"`
	Networks []NetworkConfig `mapstructure:"networks"`
	Sinks    SinksConfig     `mapstructure:"sinks"`
	Reaper   ReaperConfig    `mapstructure:"reaper"`
	Retry    RetryConfig     `mapstructure:"retry"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig, when enabled, moves cursor persistence off Postgres.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KeystoreConfig struct {
	Dir      string `mapstructure:"dir"`
	Password string `mapstructure:"password"`
}

// NetworkConfig describes one deployment of the options protocol. Name
// must match a registered chain preset; zero-valued sync parameters are
// filled from the preset.
type NetworkConfig struct {
	Name    string `mapstructure:"name"`
	Router  string `mapstructure:"router"`
	Factory string `mapstructure:"factory"`

	// Endpoints lists RPC candidates per purpose ("general", "event-sync",
	// "block-sync"); purposes without a list fall back to general.
	Endpoints map[string][]rpc.NodeConfig `mapstructure:"endpoints"`

	PollInterval  time.Duration `mapstructure:"poll_interval"`
	EventWindow   uint64        `mapstructure:"event_window"`
	BlockWindow   uint64        `mapstructure:"block_window"`
	OverlapMargin uint64        `mapstructure:"overlap_margin"`

	// SeedRewind is how far behind the head a fresh cursor starts.
	SeedRewind uint64 `mapstructure:"seed_rewind"`

	UseBloom   bool `mapstructure:"use_bloom"`
	MaxBatches int  `mapstructure:"max_batches"`
}

type SinksConfig struct {
	Console  ConsoleSink  `mapstructure:"console"`
	File     FileSink     `mapstructure:"file"`
	Redis    RedisSink    `mapstructure:"redis"`
	Kafka    KafkaSink    `mapstructure:"kafka"`
	RabbitMQ RabbitMQSink `mapstructure:"rabbitmq"`
	Webhook  WebhookSink  `mapstructure:"webhook"`
}

type ConsoleSink struct {
	Enabled bool `mapstructure:"enabled"`
}

type FileSink struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RedisSink struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"` // list, pubsub
}

type KafkaSink struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type RabbitMQSink struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Queue      string `mapstructure:"queue"`
	Durable    bool   `mapstructure:"durable"`
}

type WebhookSink struct {
	Enabled bool           `mapstructure:"enabled"`
	Client  webhook.Config `mapstructure:",squash"`
}

type ReaperConfig struct {
	MaxQueuedAge time.Duration `mapstructure:"max_queued_age"`
	Interval     time.Duration `mapstructure:"interval"`
	BatchLimit   int           `mapstructure:"batch_limit"`
}

type RetryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	BatchLimit  int           `mapstructure:"batch_limit"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults validates each network against the preset registry and
// fills zero-valued sync parameters from the preset.
func (c *Config) applyDefaults() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("config: no networks configured")
	}

	for i := range c.Networks {
		n := &c.Networks[i]
		preset, ok := chain.Get(n.Name)
		if !ok {
			return fmt.Errorf("config: unknown network %q", n.Name)
		}
		if n.Router == "" {
			return fmt.Errorf("config: network %q: router address required", n.Name)
		}
		if len(n.Endpoints) == 0 {
			return fmt.Errorf("config: network %q: at least one endpoint required", n.Name)
		}

		if n.PollInterval == 0 {
			n.PollInterval = preset.PollInterval
		}
		if n.EventWindow == 0 {
			n.EventWindow = preset.EventWindow
		}
		if n.BlockWindow == 0 {
			n.BlockWindow = preset.BlockWindow
		}
		if n.OverlapMargin == 0 {
			n.OverlapMargin = preset.OverlapMargin
		}
		if n.SeedRewind == 0 {
			n.SeedRewind = preset.EventWindow
		}
		if n.MaxBatches == 0 {
			n.MaxBatches = 10
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Reaper.MaxQueuedAge == 0 {
		c.Reaper.MaxQueuedAge = 5 * time.Minute
	}
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = time.Minute
	}
	if c.Retry.Interval == 0 {
		c.Retry.Interval = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = time.Minute
	}
	return nil
}

// RPCEndpoints converts a network's endpoint map into the typed form the
// provider manager expects.
func (n *NetworkConfig) RPCEndpoints() rpc.Endpoints {
	out := make(rpc.Endpoints, len(n.Endpoints))
	for purpose, nodes := range n.Endpoints {
		out[rpc.Purpose(purpose)] = nodes
	}
	return out
}
