// Package stub provides an in-memory ledger used in tests.
package stub

import (
	"context"
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"wallet-sync/internal/connector"
	"wallet-sync/internal/domain"
)

// ErrNotFound is returned when an account or pool is not known to the stub.
var ErrNotFound = errors.New("not found")

// Connector implements connector.Connector and the product sources for testing.
// Errors queued with Fail* are returned, in order, before the stored value.
type Connector struct {
	mu sync.Mutex

	Accounts map[domain.Address]*domain.AccountState
	Pools    map[domain.Address]*domain.StakingPoolState
	Jobs     map[domain.Address]*domain.JobState
	Price    *domain.PriceState
	Fee      *uint256.Int

	// OnSubmit, if set, runs for every submission that reaches the ledger.
	OnSubmit func(msg *connector.SignedMessage)

	fetchErrs    []error
	estimateErrs []error
	submitErrs   []error

	Submitted     []*connector.SignedMessage
	FetchCalls    int
	EstimateCalls int
	SubmitCalls   int
}

// NewConnector creates an empty stub ledger.
func NewConnector() *Connector {
	return &Connector{
		Accounts: make(map[domain.Address]*domain.AccountState),
		Pools:    make(map[domain.Address]*domain.StakingPoolState),
		Jobs:     make(map[domain.Address]*domain.JobState),
		Fee:      new(uint256.Int),
	}
}

// SetAccount stores the confirmed state of address.
func (c *Connector) SetAccount(address domain.Address, state *domain.AccountState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[address] = state.Clone()
}

// SetPrice stores the spot price.
func (c *Connector) SetPrice(price *domain.PriceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Price = price
}

// SetFee sets the fee every estimate returns.
func (c *Connector) SetFee(fee uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fee = uint256.NewInt(fee)
}

// FailFetch queues errors for the next account, pool, job and price reads.
func (c *Connector) FailFetch(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErrs = append(c.fetchErrs, errs...)
}

// FailEstimate queues errors for the next fee estimates.
func (c *Connector) FailEstimate(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimateErrs = append(c.estimateErrs, errs...)
}

// FailSubmit queues errors for the next submissions. A queued error is returned instead
// of accepting the message.
func (c *Connector) FailSubmit(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErrs = append(c.submitErrs, errs...)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// FetchAccountState returns the stored state of address.
func (c *Connector) FetchAccountState(_ context.Context, address domain.Address) (*domain.AccountState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FetchCalls++
	if err := pop(&c.fetchErrs); err != nil {
		return nil, err
	}
	state, ok := c.Accounts[address]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// EstimateFee returns the configured fee.
func (c *Connector) EstimateFee(ctx context.Context, _ *connector.MessageDraft) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EstimateCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pop(&c.estimateErrs); err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(c.Fee), nil
}

// SubmitMessage records msg and returns its ID as the hash.
func (c *Connector) SubmitMessage(_ context.Context, msg *connector.SignedMessage) (*connector.Ack, error) {
	c.mu.Lock()
	c.SubmitCalls++
	if err := pop(&c.submitErrs); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.Submitted = append(c.Submitted, msg)
	hook := c.OnSubmit
	c.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return &connector.Ack{Hash: msg.ID()}, nil
}

// FetchStakingPool returns the stored pool state.
func (c *Connector) FetchStakingPool(_ context.Context, pool, _ domain.Address) (*domain.StakingPoolState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.fetchErrs); err != nil {
		return nil, err
	}
	state, ok := c.Pools[pool]
	if !ok {
		return nil, ErrNotFound
	}
	return state, nil
}

// FetchJob returns the stored job, or an empty state.
func (c *Connector) FetchJob(_ context.Context, address domain.Address) (*domain.JobState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.fetchErrs); err != nil {
		return nil, err
	}
	if job, ok := c.Jobs[address]; ok {
		return job, nil
	}
	return &domain.JobState{}, nil
}

// FetchPrice returns the stored price.
func (c *Connector) FetchPrice(_ context.Context) (*domain.PriceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.fetchErrs); err != nil {
		return nil, err
	}
	if c.Price == nil {
		return nil, ErrNotFound
	}
	return c.Price, nil
}

// SubmittedCount returns the number of accepted submissions.
func (c *Connector) SubmittedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Submitted)
}

var (
	_ connector.Connector     = (*Connector)(nil)
	_ connector.StakingSource = (*Connector)(nil)
	_ connector.JobSource     = (*Connector)(nil)
	_ connector.PriceSource   = (*Connector)(nil)
)
