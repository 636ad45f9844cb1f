package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"wallet-sync/internal/connector"
	"wallet-sync/internal/domain"
	"wallet-sync/internal/product"
)

// Product keys, used for cache records and metrics labels.
const (
	KeyAccount = "account"
	KeyPrice   = "price"
	KeyStaking = "staking"
	KeyJobs    = "jobs"
)

var errSubscriptionClosed = errors.New("account subscription closed")

// AccountWatcher pushes account state changes. connector.WSClient implements it.
type AccountWatcher interface {
	SubscribeAccount(ctx context.Context, address domain.Address) (<-chan connector.AccountNotification, error)
}

// accountSource reads confirmed account state. With a watcher it streams pushes, otherwise
// it polls.
func accountSource(conn connector.Connector, watcher AccountWatcher, address domain.Address, clock clockwork.Clock, interval time.Duration) product.Source[*domain.AccountState] {
	fetch := func(ctx context.Context) (*domain.AccountState, error) {
		return conn.FetchAccountState(ctx, address)
	}
	if watcher == nil {
		return product.Polling(clock, interval, fetch)
	}

	return product.Funcs[*domain.AccountState]{
		FetchFunc: fetch,
		WatchFunc: func(ctx context.Context, emit func(*domain.AccountState)) error {
			ch, err := watcher.SubscribeAccount(ctx, address)
			if err != nil {
				return err
			}
			// catch up on anything missed while not subscribed
			state, err := fetch(ctx)
			if err != nil {
				return err
			}
			emit(state)

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case n, ok := <-ch:
					if !ok {
						if err := ctx.Err(); err != nil {
							return err
						}
						return errSubscriptionClosed
					}
					emit(n.State)
				}
			}
		},
	}
}

// acceptAccount drops confirmed reads older than the current one.
func acceptAccount(current, next *domain.AccountState) bool {
	if current == nil {
		return true
	}
	if next == nil || next.Seqno < current.Seqno {
		return false
	}
	if next.Seqno == current.Seqno && current.LastTransactionLt != nil &&
		(next.LastTransactionLt == nil || *next.LastTransactionLt < *current.LastTransactionLt) {
		return false
	}
	return true
}

func priceSource(src connector.PriceSource, clock clockwork.Clock, interval time.Duration) product.Source[*domain.PriceState] {
	return product.Polling(clock, interval, src.FetchPrice)
}

func stakingSource(src connector.StakingSource, pool, member domain.Address, clock clockwork.Clock, interval time.Duration) product.Source[*domain.StakingPoolState] {
	return product.Polling(clock, interval, func(ctx context.Context) (*domain.StakingPoolState, error) {
		return src.FetchStakingPool(ctx, pool, member)
	})
}

func jobSource(src connector.JobSource, address domain.Address, clock clockwork.Clock, interval time.Duration) product.Source[*domain.JobState] {
	return product.Polling(clock, interval, func(ctx context.Context) (*domain.JobState, error) {
		return src.FetchJob(ctx, address)
	})
}
