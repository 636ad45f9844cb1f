// Package main runs a wallet sync engine for one address and logs what it observes:
// - account, price, staking and job products kept in sync with the ledger
// - pending transfers merged over the confirmed account
// - Prometheus metrics on -metrics-addr
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"wallet-sync/internal/cache"
	"wallet-sync/internal/config"
	"wallet-sync/internal/connector"
	"wallet-sync/internal/domain"
	"wallet-sync/internal/engine"
	"wallet-sync/internal/observability"
	"wallet-sync/internal/pending"
	"wallet-sync/internal/product"
	"wallet-sync/internal/storage"
	"wallet-sync/internal/storage/leveldb"
	"wallet-sync/internal/storage/memory"
	"wallet-sync/internal/storage/migrations"
	"wallet-sync/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "walletd.toml", "Path to TOML configuration")
	address := flag.String("address", "", "Wallet address (overrides wallet.address)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (overrides metrics.address)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Wallet.Address = *address
	}
	if *metricsAddr != "" {
		cfg.Metrics.Address = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("walletd failed", zap.Error(err))
	}
}

// newLogger builds a JSON logger writing to stderr, or to a rotating file when configured.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level)
	return zap.New(core, zap.AddCaller()).Named("walletd"), nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer cleanup()

	rpc := connector.NewHTTPClient(cfg.Endpoints.RPC,
		connector.WithTimeout(cfg.Endpoints.Timeout.Duration),
		connector.WithRateLimit(cfg.Endpoints.RateLimit, cfg.Endpoints.RateBurst),
		connector.WithLogger(logger),
	)
	prices := connector.NewPriceClient(cfg.Endpoints.Price,
		connector.WithTimeout(cfg.Endpoints.Timeout.Duration),
		connector.WithLogger(logger),
	)

	opts := cfg.EngineOptions()
	opts.Connector = rpc
	opts.Price = prices
	opts.Staking = rpc
	opts.Jobs = rpc
	opts.Cache = cache.New(cache.Options{Store: store, Logger: logger})
	opts.Logger = logger

	if cfg.Endpoints.WS != "" {
		wsCfg := connector.DefaultWSConfig()
		ws, err := connector.NewWSClient(ctx, cfg.Endpoints.WS, &wsCfg, logger)
		if err != nil {
			// polling still works
			logger.Warn("websocket unavailable, polling accounts", zap.Error(err))
		} else {
			defer ws.Close()
			opts.Watcher = ws
		}
	}

	eng, err := engine.New(ctx, opts)
	if err != nil {
		return err
	}
	defer eng.Close()
	watch(eng, logger)

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		metricsServer = serveMetrics(cfg.Metrics.Address, logger)
	}

	logger.Info("walletd started",
		zap.Stringer("address", eng.Address()),
		zap.String("cache", cfg.Cache.Backend),
		zap.Bool("websocket", opts.Watcher != nil),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return nil
}

// openStore creates the configured cache backend. The returned cleanup closes it.
func openStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (storage.CacheStore, func(), error) {
	switch cfg.Backend {
	case storage.BackendLevelDB:
		store, err := leveldb.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case storage.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", zap.Strings("files", applied))
		}
		return postgres.NewCacheStore(pool), pool.Close, nil

	default:
		store, err := memory.NewCacheStore(cfg.Size)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// watch logs every change of the merged account, the pending overlay and the price.
func watch(eng *engine.Engine, logger *zap.Logger) {
	eng.Subscribe(func(s *domain.AccountState) {
		logger.Info("account",
			zap.String("balance", s.BalanceOrZero().Dec()),
			zap.Uint32("seqno", s.Seqno),
			zap.Int("pending", eng.Pending.Len()),
		)
	})
	eng.Pending.Subscribe(func(n pending.Notice) {
		fields := []zap.Field{
			zap.String("id", n.Tx.ID),
			zap.Stringer("status", n.Tx.Status),
		}
		if n.Cause != nil {
			fields = append(fields, zap.Error(n.Cause))
		}
		logger.Info("pending", fields...)
	})
	eng.Price.Subscribe(func(ev product.Event[*domain.PriceState]) {
		logger.Info("price", zap.Stringer("usd", ev.Value.USD), zap.String("event", string(ev.Kind)))
	})
	eng.Jobs.Subscribe(func(ev product.Event[*domain.JobState]) {
		if !ev.Value.Empty() {
			logger.Info("job pending", zap.Any("job", ev.Value.Job))
		}
	})
	if eng.StakingPool != nil {
		eng.StakingPool.Subscribe(func(ev product.Event[*domain.StakingPoolState]) {
			logger.Info("staking",
				zap.Stringer("pool", ev.Value.Address),
				zap.String("available", ev.Value.Member.Available().Dec()),
			)
		})
	}
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
