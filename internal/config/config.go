// Package config loads the hydrad configuration file.
// Configuration lives in a single TOML file whose path is given on the
// command line; defaults are applied before parsing and the result is
// validated before any subsystem starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"

	"github.com/hydrapool/hydrad/pkg/errors"
)

// Config holds the full node configuration.
type Config struct {
	Stratum     StratumConfig     `toml:"stratum"`
	Store       StoreConfig       `toml:"store"`
	BitcoinRPC  BitcoinRPCConfig  `toml:"bitcoinrpc"`
	Logging     LoggingConfig     `toml:"logging"`
	API         APIConfig         `toml:"api"`
	CoinbaseTag CoinbaseTagConfig `toml:"coinbase_tag"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Events      EventsConfig      `toml:"events"`
}

// StratumConfig configures the miner-facing listener and work parameters.
type StratumConfig struct {
	Hostname          string  `toml:"hostname"`
	Port              int     `toml:"port"`
	StartDifficulty   float64 `toml:"start_difficulty"`
	MinimumDifficulty float64 `toml:"minimum_difficulty"`
	MaximumDifficulty float64 `toml:"maximum_difficulty"`
	// IgnoreDifficulty pins every session to StartDifficulty and disables
	// variable-difficulty adjustment.
	IgnoreDifficulty bool   `toml:"ignore_difficulty"`
	Network          string `toml:"network"`
	// VersionMask is the BIP 320 version-rolling mask offered on
	// mining.configure, hex-encoded without a 0x prefix. Empty disables
	// version rolling.
	VersionMask string `toml:"version_mask"`
	// ZMQPubHashBlock is the bitcoind zmqpubhashblock endpoint used as the
	// block-template push trigger.
	ZMQPubHashBlock string `toml:"zmqpubhashblock"`
}

// StoreConfig configures the share-chain store and its maintenance schedule.
type StoreConfig struct {
	Path                         string `toml:"path"`
	BackgroundTaskFrequencyHours int    `toml:"background_task_frequency_hours"`
	PPLNSTTLDays                 int    `toml:"pplns_ttl_days"`
}

// BitcoinRPCConfig carries the upstream node connection settings. The URL is
// host:port without a scheme, as expected by the RPC client.
type BitcoinRPCConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// LoggingConfig configures log output and the statistics directory.
type LoggingConfig struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	File     string `toml:"file"`
	StatsDir string `toml:"stats_dir"`
}

// APIConfig configures the read-side HTTP listener.
type APIConfig struct {
	Hostname string `toml:"hostname"`
	Port     int    `toml:"port"`
}

// CoinbaseTagConfig holds the optional coinbase identification fields.
// Empty strings are treated as absent.
type CoinbaseTagConfig struct {
	Pool     string `toml:"pool"`
	Miner    string `toml:"miner"`
	Software string `toml:"software"`
	Website  string `toml:"website"`
	Custom   string `toml:"custom"`
}

// MetricsConfig configures InfluxDB metrics emission. An empty URL disables it.
type MetricsConfig struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Org    string `toml:"org"`
	Bucket string `toml:"bucket"`
}

// EventsConfig configures the optional Kafka event stream. Empty broker list
// disables publishing.
type EventsConfig struct {
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
}

// Load reads, parses, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_config",
			fmt.Sprintf("reading config file %s", path))
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load_config",
			fmt.Sprintf("parsing config file %s", path))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with the values used when the file
// leaves a field unset.
func defaults() *Config {
	return &Config{
		Stratum: StratumConfig{
			Hostname:          "0.0.0.0",
			Port:              3333,
			StartDifficulty:   1000.0,
			MinimumDifficulty: 1.0,
			MaximumDifficulty: 1000000.0,
			Network:           "signet",
			ZMQPubHashBlock:   "tcp://localhost:28332",
		},
		Store: StoreConfig{
			Path:                         "data/chain",
			BackgroundTaskFrequencyHours: 1,
			PPLNSTTLDays:                 7,
		},
		BitcoinRPC: BitcoinRPCConfig{
			URL: "localhost:38332",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			StatsDir: "data/stats",
		},
		API: APIConfig{
			Hostname: "127.0.0.1",
			Port:     8080,
		},
		Events: EventsConfig{
			TopicPrefix: "hydra",
		},
	}
}

// knownNetworks are the network names accepted in [stratum].network.
var knownNetworks = map[string]bool{
	"mainnet":  true,
	"testnet3": true,
	"signet":   true,
	"regtest":  true,
}

// validate checks ranges and cross-field constraints.
func (c *Config) validate() error {
	if c.Stratum.Port <= 0 || c.Stratum.Port > 65535 {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"stratum.port must be between 1 and 65535")
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"api.port must be between 1 and 65535")
	}

	if c.Stratum.MinimumDifficulty <= 0 {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"stratum.minimum_difficulty must be positive")
	}

	if c.Stratum.MaximumDifficulty < c.Stratum.MinimumDifficulty {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"stratum.maximum_difficulty must not be below stratum.minimum_difficulty")
	}

	if c.Stratum.StartDifficulty < c.Stratum.MinimumDifficulty ||
		c.Stratum.StartDifficulty > c.Stratum.MaximumDifficulty {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"stratum.start_difficulty must lie within [minimum_difficulty, maximum_difficulty]")
	}

	if !knownNetworks[strings.ToLower(c.Stratum.Network)] {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			fmt.Sprintf("stratum.network %q is not recognized", c.Stratum.Network))
	}

	if c.Stratum.VersionMask != "" {
		if _, err := c.Stratum.ParsedVersionMask(); err != nil {
			return err
		}
	}

	if c.Store.Path == "" {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"store.path cannot be empty")
	}

	if c.Store.BackgroundTaskFrequencyHours <= 0 {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"store.background_task_frequency_hours must be positive")
	}

	if c.Store.PPLNSTTLDays <= 0 {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"store.pplns_ttl_days must be positive")
	}

	if c.BitcoinRPC.URL == "" {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"bitcoinrpc.url cannot be empty")
	}

	if c.Stratum.ZMQPubHashBlock == "" {
		return errors.New(errors.ErrorTypeConfig, "load_config",
			"stratum.zmqpubhashblock cannot be empty")
	}

	return nil
}

// ParsedVersionMask decodes the hex version-rolling mask. Returns zero when
// the mask is unset.
func (s *StratumConfig) ParsedVersionMask() (uint32, error) {
	if s.VersionMask == "" {
		return 0, nil
	}
	mask, err := strconv.ParseUint(strings.TrimPrefix(s.VersionMask, "0x"), 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "load_config",
			fmt.Sprintf("stratum.version_mask %q is not a hex mask", s.VersionMask))
	}
	return uint32(mask), nil
}
