// Package config loads walletd configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	"wallet-sync/internal/domain"
	"wallet-sync/internal/engine"
	"wallet-sync/internal/pending"
	"wallet-sync/internal/retry"
	"wallet-sync/internal/storage"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration decoded from a TOML string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the walletd configuration.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Endpoints EndpointsConfig `toml:"endpoints"`
	Cache     CacheConfig     `toml:"cache"`
	Sync      SyncConfig      `toml:"sync"`
	Retry     RetryConfig     `toml:"retry"`
	Pending   PendingConfig   `toml:"pending"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type WalletConfig struct {
	Address     string `toml:"address"`
	StakingPool string `toml:"staking_pool"`
}

type EndpointsConfig struct {
	RPC       string   `toml:"rpc"`
	WS        string   `toml:"ws"` // optional; accounts are polled without it
	Price     string   `toml:"price"`
	RateLimit float64  `toml:"rate_limit"` // requests per second, 0 disables
	RateBurst int      `toml:"rate_burst"`
	Timeout   Duration `toml:"timeout"`
}

type CacheConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"` // leveldb directory
	DSN     string `toml:"dsn"`  // postgres connection string
	Size    int    `toml:"size"` // memory backend capacity
}

type SyncConfig struct {
	AccountInterval   Duration `toml:"account_interval"`
	PriceInterval     Duration `toml:"price_interval"`
	StakingInterval   Duration `toml:"staking_interval"`
	JobInterval       Duration `toml:"job_interval"`
	ReconcileInterval Duration `toml:"reconcile_interval"`
}

type RetryConfig struct {
	InitialInterval     Duration `toml:"initial_interval"`
	MaxInterval         Duration `toml:"max_interval"`
	Multiplier          float64  `toml:"multiplier"`
	InteractiveAttempts int      `toml:"interactive_attempts"`
	InteractiveTimeout  Duration `toml:"interactive_timeout"`
}

type PendingConfig struct {
	StaleAfter    Duration `toml:"stale_after"`
	EvictOnReject bool     `toml:"evict_on_reject"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"` // empty logs to stderr
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

type MetricsConfig struct {
	Address string `toml:"address"` // empty disables the endpoint
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Endpoints: EndpointsConfig{
			RateLimit: 10,
			RateBurst: 5,
			Timeout:   Duration{10 * time.Second},
		},
		Cache: CacheConfig{
			Backend: storage.BackendMemory,
			Size:    1024,
		},
		Sync: SyncConfig{
			AccountInterval:   Duration{engine.DefaultAccountPollInterval},
			PriceInterval:     Duration{engine.DefaultPricePollInterval},
			StakingInterval:   Duration{engine.DefaultStakingPollInterval},
			JobInterval:       Duration{engine.DefaultJobPollInterval},
			ReconcileInterval: Duration{engine.DefaultReconcileInterval},
		},
		Retry: RetryConfig{
			InitialInterval:     Duration{policy.InitialInterval},
			MaxInterval:         Duration{policy.MaxInterval},
			Multiplier:          policy.Multiplier,
			InteractiveAttempts: engine.DefaultInteractiveAttempts,
			InteractiveTimeout:  Duration{engine.DefaultInteractiveTimeout},
		},
		Pending: PendingConfig{
			StaleAfter:    Duration{pending.DefaultStaleAfter},
			EvictOnReject: true,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Load reads path over Default. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Write encodes cfg to path.
func Write(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate checks that cfg can start a wallet engine.
func (c *Config) Validate() error {
	var errs []error
	if c.Wallet.Address == "" {
		errs = append(errs, errors.New("wallet.address is required"))
	}
	if c.Endpoints.RPC == "" {
		errs = append(errs, errors.New("endpoints.rpc is required"))
	}
	if c.Endpoints.Price == "" {
		errs = append(errs, errors.New("endpoints.price is required"))
	}
	if c.Endpoints.RateLimit < 0 {
		errs = append(errs, errors.New("endpoints.rate_limit must not be negative"))
	}

	switch c.Cache.Backend {
	case storage.BackendMemory:
		if c.Cache.Size <= 0 {
			errs = append(errs, errors.New("cache.size must be positive"))
		}
	case storage.BackendLevelDB:
		if c.Cache.Path == "" {
			errs = append(errs, errors.New("cache.path is required for leveldb"))
		}
	case storage.BackendPostgres:
		if c.Cache.DSN == "" {
			errs = append(errs, errors.New("cache.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}

	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Retry.InitialInterval.Duration <= 0 || c.Retry.MaxInterval.Duration < c.Retry.InitialInterval.Duration {
		errs = append(errs, errors.New("retry intervals must be positive and max >= initial"))
	}
	if c.Retry.InteractiveAttempts <= 0 {
		errs = append(errs, errors.New("retry.interactive_attempts must be positive"))
	}
	if c.Pending.StaleAfter.Duration <= 0 {
		errs = append(errs, errors.New("pending.stale_after must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RetryPolicy returns the background retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = c.Retry.InitialInterval.Duration
	p.MaxInterval = c.Retry.MaxInterval.Duration
	p.Multiplier = c.Retry.Multiplier
	return p
}

// EngineOptions maps cfg onto engine options. Connectors, cache, logger and clock are
// left for the caller.
func (c *Config) EngineOptions() engine.Options {
	pendingOpts := pending.DefaultOptions()
	pendingOpts.StaleAfter = c.Pending.StaleAfter.Duration
	pendingOpts.EvictOnReject = c.Pending.EvictOnReject

	return engine.Options{
		Address:             domain.Address(c.Wallet.Address),
		StakingPool:         domain.Address(c.Wallet.StakingPool),
		Pending:             pendingOpts,
		Retry:               c.RetryPolicy(),
		InteractiveAttempts: c.Retry.InteractiveAttempts,
		InteractiveTimeout:  c.Retry.InteractiveTimeout.Duration,
		AccountPollInterval: c.Sync.AccountInterval.Duration,
		PricePollInterval:   c.Sync.PriceInterval.Duration,
		StakingPollInterval: c.Sync.StakingInterval.Duration,
		JobPollInterval:     c.Sync.JobInterval.Duration,
		ReconcileInterval:   c.Sync.ReconcileInterval.Duration,
	}
}
