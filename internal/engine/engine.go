// Package engine owns the synchronized products of one wallet and the flows that span them:
// pending reconciliation, transfers and fee estimation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wallet-sync/internal/cache"
	"wallet-sync/internal/connector"
	"wallet-sync/internal/domain"
	"wallet-sync/internal/flight"
	"wallet-sync/internal/observer"
	"wallet-sync/internal/pending"
	"wallet-sync/internal/product"
	"wallet-sync/internal/retry"
)

// Default configuration values.
const (
	DefaultAccountPollInterval = 5 * time.Second
	DefaultPricePollInterval   = time.Minute
	DefaultStakingPollInterval = 30 * time.Second
	DefaultJobPollInterval     = 5 * time.Second
	DefaultReconcileInterval   = 30 * time.Second
	DefaultInteractiveAttempts = 3
	DefaultInteractiveTimeout  = 30 * time.Second
)

var (
	// ErrInvalidOptions is returned by New for incomplete options.
	ErrInvalidOptions = errors.New("invalid engine options")
	// ErrNotReady is returned by interactive calls before the account product is ready.
	ErrNotReady = errors.New("account not loaded")
	// ErrInsufficientFunds is returned when a transfer exceeds the merged balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Options contains configuration for creating an Engine.
type Options struct {
	Address     domain.Address
	StakingPool domain.Address // optional

	Connector connector.Connector
	Price     connector.PriceSource
	Staking   connector.StakingSource // required when StakingPool is set
	Jobs      connector.JobSource
	Watcher   AccountWatcher // optional; polling is used without it

	Cache *cache.Cache // optional
	// Pending configures the overlay; start from pending.DefaultOptions().
	Pending pending.Options

	Retry               retry.Policy
	InteractiveAttempts int
	InteractiveTimeout  time.Duration

	AccountPollInterval time.Duration
	PricePollInterval   time.Duration
	StakingPollInterval time.Duration
	JobPollInterval     time.Duration
	ReconcileInterval   time.Duration

	Logger *zap.Logger
	Clock  clockwork.Clock
}

func (o *Options) validate() error {
	switch {
	case o.Address.IsZero():
		return fmt.Errorf("%w: address is required", ErrInvalidOptions)
	case o.Connector == nil:
		return fmt.Errorf("%w: connector is required", ErrInvalidOptions)
	case o.Price == nil:
		return fmt.Errorf("%w: price source is required", ErrInvalidOptions)
	case o.Jobs == nil:
		return fmt.Errorf("%w: job source is required", ErrInvalidOptions)
	case !o.StakingPool.IsZero() && o.Staking == nil:
		return fmt.Errorf("%w: staking source is required for pool %s", ErrInvalidOptions, o.StakingPool)
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Retry == (retry.Policy{}) {
		o.Retry = retry.DefaultPolicy()
	}
	if o.InteractiveAttempts <= 0 {
		o.InteractiveAttempts = DefaultInteractiveAttempts
	}
	if o.InteractiveTimeout <= 0 {
		o.InteractiveTimeout = DefaultInteractiveTimeout
	}
	setDuration(&o.AccountPollInterval, DefaultAccountPollInterval)
	setDuration(&o.PricePollInterval, DefaultPricePollInterval)
	setDuration(&o.StakingPollInterval, DefaultStakingPollInterval)
	setDuration(&o.JobPollInterval, DefaultJobPollInterval)
	setDuration(&o.ReconcileInterval, DefaultReconcileInterval)
	if o.Pending.Clock == nil {
		o.Pending.Clock = o.Clock
	}
	if o.Pending.Logger == nil {
		o.Pending.Logger = o.Logger
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Engine is the synchronization engine of one wallet. It is created by the process that
// owns it and passed to whoever needs it.
type Engine struct {
	Account     *product.Product[*domain.AccountState]
	Price       *product.Product[*domain.PriceState]
	StakingPool *product.Product[*domain.StakingPoolState] // nil without a configured pool
	Jobs        *product.Product[*domain.JobState]
	Pending     *pending.Overlay

	address     domain.Address
	conn        connector.Connector
	interactive retry.Policy
	timeout     time.Duration
	clock       clockwork.Clock
	logger      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	sendLock  *flight.Lock
	listeners observer.Registry[*domain.AccountState]
	unsubs    []func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an Engine and starts every product.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()

	logger := opts.Logger.Named("engine").With(zap.Stringer("address", opts.Address))
	e := &Engine{
		address:     opts.Address,
		conn:        opts.Connector,
		interactive: opts.Retry.Interactive(opts.InteractiveAttempts),
		timeout:     opts.InteractiveTimeout,
		clock:       opts.Clock,
		logger:      logger,
		sendLock:    flight.NewLock(),
		Pending:     pending.New(opts.Pending),
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	addr := opts.Address.String()
	e.Account = product.New(e.ctx, product.Options[*domain.AccountState]{
		Key:     KeyAccount,
		Address: addr,
		Source:  accountSource(opts.Connector, opts.Watcher, opts.Address, opts.Clock, opts.AccountPollInterval),
		Cache:   opts.Cache,
		Accept:  acceptAccount,
		Clone:   (*domain.AccountState).Clone,
		Retry:   opts.Retry,
		Logger:  opts.Logger,
		Clock:   opts.Clock,
	})
	e.Price = product.New(e.ctx, product.Options[*domain.PriceState]{
		Key:    KeyPrice,
		Source: priceSource(opts.Price, opts.Clock, opts.PricePollInterval),
		Cache:  opts.Cache,
		Retry:  opts.Retry,
		Logger: opts.Logger,
		Clock:  opts.Clock,
	})
	if !opts.StakingPool.IsZero() {
		e.StakingPool = product.New(e.ctx, product.Options[*domain.StakingPoolState]{
			Key:     KeyStaking,
			Address: opts.StakingPool.String() + ":" + addr,
			Source:  stakingSource(opts.Staking, opts.StakingPool, opts.Address, opts.Clock, opts.StakingPollInterval),
			Cache:   opts.Cache,
			Retry:   opts.Retry,
			Logger:  opts.Logger,
			Clock:   opts.Clock,
		})
	}
	e.Jobs = product.New(e.ctx, product.Options[*domain.JobState]{
		Key:     KeyJobs,
		Address: addr,
		Source:  jobSource(opts.Jobs, opts.Address, opts.Clock, opts.JobPollInterval),
		Cache:   opts.Cache,
		Retry:   opts.Retry,
		Logger:  opts.Logger,
		Clock:   opts.Clock,
	})

	e.unsubs = append(e.unsubs,
		e.Account.Subscribe(func(ev product.Event[*domain.AccountState]) {
			e.Pending.Reconcile(ev.Value)
			e.notify()
		}),
		e.Pending.Subscribe(func(pending.Notice) {
			e.notify()
		}),
	)

	e.wg.Add(1)
	go e.reconcileLoop(opts.ReconcileInterval)

	logger.Info("engine started",
		zap.Bool("cached_account", e.Account.IsReady()),
		zap.Bool("staking", e.StakingPool != nil),
	)
	return e, nil
}

// reconcileLoop evicts stale entries even when the account does not change.
func (e *Engine) reconcileLoop(interval time.Duration) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.Chan():
			if state, ok := e.Account.Value(); ok {
				e.Pending.Reconcile(state)
			}
		}
	}
}

func (e *Engine) notify() {
	merged, ok := e.MergedAccount()
	if !ok {
		return
	}
	e.listeners.Notify(merged)
}

// Address returns the wallet address.
func (e *Engine) Address() domain.Address {
	return e.address
}

// MergedAccount returns confirmed account state with pending transfers applied.
func (e *Engine) MergedAccount() (*domain.AccountState, bool) {
	state, ok := e.Account.Value()
	if !ok {
		return nil, false
	}
	return e.Pending.Apply(state), true
}

// Subscribe registers fn for every change of the merged account, caused either by a
// confirmed read or by a pending entry being registered or evicted.
func (e *Engine) Subscribe(fn func(*domain.AccountState)) (unsubscribe func()) {
	return e.listeners.Subscribe(fn)
}

// CanAfford reports whether the merged balance covers amount plus fee.
func (e *Engine) CanAfford(amount, fee *uint256.Int) bool {
	merged, ok := e.MergedAccount()
	if !ok {
		return false
	}
	need := new(uint256.Int)
	if amount != nil {
		need.Set(amount)
	}
	if fee != nil {
		if _, overflow := need.AddOverflow(need, fee); overflow {
			return false
		}
	}
	return merged.BalanceOrZero().Cmp(need) >= 0
}

// AwaitReady waits until every product has a value.
func (e *Engine) AwaitReady(ctx context.Context) error {
	waits := []func(context.Context) error{e.Account.AwaitReady, e.Price.AwaitReady, e.Jobs.AwaitReady}
	if e.StakingPool != nil {
		waits = append(waits, e.StakingPool.AwaitReady)
	}
	for _, wait := range waits {
		if err := wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every product and background loop and waits for them to exit. Safe to call
// more than once, but not from a product listener.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		for _, unsub := range e.unsubs {
			unsub()
		}

		e.Account.Close()
		e.Price.Close()
		e.Jobs.Close()
		if e.StakingPool != nil {
			e.StakingPool.Close()
		}
		e.listeners.Clear()
		e.wg.Wait()

		<-e.Account.Done()
		<-e.Price.Done()
		<-e.Jobs.Done()
		if e.StakingPool != nil {
			<-e.StakingPool.Done()
		}
		e.logger.Info("engine stopped")
	})
}
