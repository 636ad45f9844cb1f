// Package pending tracks transfers this wallet submitted but the ledger has not yet
// confirmed, and projects them onto confirmed account state.
package pending

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wallet-sync/internal/domain"
	"wallet-sync/internal/observability"
	"wallet-sync/internal/observer"
)

var (
	// ErrDuplicateID is returned when registering an entry whose id or seqno is already pending.
	ErrDuplicateID = errors.New("duplicate pending transaction")
	// ErrStalePending is the cause attached to entries evicted for exceeding the stale ceiling.
	ErrStalePending = errors.New("pending transaction timed out")
)

// DefaultStaleAfter is how long an entry may stay unconfirmed before it is abandoned.
const DefaultStaleAfter = 5 * time.Minute

// Notice reports a change to the pending set. Tx.Status is pending for a newly registered
// entry and confirmed or failed for an evicted one.
type Notice struct {
	Tx    domain.PendingTransaction
	Cause error // why a failed entry was evicted
}

// Options contains configuration for creating an Overlay.
type Options struct {
	// StaleAfter is the ceiling after which an unconfirmed entry is evicted as failed.
	StaleAfter time.Duration
	// EvictOnReject evicts an entry immediately when its submission is rejected.
	EvictOnReject bool
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// DefaultOptions returns the recommended overlay configuration.
func DefaultOptions() Options {
	return Options{
		StaleAfter:    DefaultStaleAfter,
		EvictOnReject: true,
	}
}

// Overlay holds pending transactions ordered by seqno.
type Overlay struct {
	staleAfter    time.Duration
	evictOnReject bool
	clock         clockwork.Clock
	logger        *zap.Logger

	mu  sync.Mutex
	txs []domain.PendingTransaction // sorted by Seqno

	listeners observer.Registry[Notice]
}

// New creates an empty Overlay.
func New(opts Options) *Overlay {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Overlay{
		staleAfter:    opts.StaleAfter,
		evictOnReject: opts.EvictOnReject,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("pending"),
	}
}

// Register adds tx to the pending set. An empty ID is derived from the seqno and a zero
// LoggedAt is set to now; Status is always reset to pending.
func (o *Overlay) Register(tx domain.PendingTransaction) error {
	tx = tx.Clone()
	if tx.ID == "" {
		tx.ID = domain.PendingID(tx.Seqno)
	}
	if tx.LoggedAt == 0 {
		tx.LoggedAt = o.clock.Now().Unix()
	}
	if tx.Amount == nil {
		tx.Amount = new(uint256.Int)
	}
	if tx.Fee == nil {
		tx.Fee = new(uint256.Int)
	}
	tx.Status = domain.StatusPending

	o.mu.Lock()
	for _, existing := range o.txs {
		if existing.ID == tx.ID || existing.Seqno == tx.Seqno {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s (seqno %d)", ErrDuplicateID, tx.ID, tx.Seqno)
		}
	}
	i := sort.Search(len(o.txs), func(i int) bool { return o.txs[i].Seqno > tx.Seqno })
	o.txs = append(o.txs, domain.PendingTransaction{})
	copy(o.txs[i+1:], o.txs[i:])
	o.txs[i] = tx
	n := len(o.txs)
	o.mu.Unlock()

	observability.UpdatePending(n)
	o.logger.Debug("registered",
		zap.String("id", tx.ID),
		zap.Uint32("seqno", tx.Seqno),
		zap.String("amount", signed(tx.Amount)),
	)
	o.listeners.Notify(Notice{Tx: tx.Clone()})
	return nil
}

// Reconcile evicts every entry that state proves settled (state seqno moved past it) or
// that exceeded the stale ceiling, and returns the evicted entries with their final status.
// Calling it again with the same state evicts nothing.
func (o *Overlay) Reconcile(state *domain.AccountState) []domain.PendingTransaction {
	now := o.clock.Now()

	var evicted []Notice
	o.mu.Lock()
	kept := o.txs[:0]
	for _, tx := range o.txs {
		switch {
		case state != nil && state.Seqno > tx.Seqno:
			tx.Status = domain.StatusConfirmed
			evicted = append(evicted, Notice{Tx: tx})
		case now.Sub(time.Unix(tx.LoggedAt, 0)) > o.staleAfter:
			tx.Status = domain.StatusFailed
			evicted = append(evicted, Notice{Tx: tx, Cause: ErrStalePending})
		default:
			kept = append(kept, tx)
		}
	}
	// clear the tail so evicted amounts are not retained
	for i := len(kept); i < len(o.txs); i++ {
		o.txs[i] = domain.PendingTransaction{}
	}
	o.txs = kept
	n := len(o.txs)
	o.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}

	observability.UpdatePending(n)
	out := make([]domain.PendingTransaction, 0, len(evicted))
	for _, notice := range evicted {
		o.report(notice)
		out = append(out, notice.Tx.Clone())
	}
	return out
}

// Reject handles a submission the ledger refused. With EvictOnReject the entry is evicted
// as failed and returned; otherwise it stays until reconciled.
func (o *Overlay) Reject(id string, cause error) (domain.PendingTransaction, bool) {
	if !o.evictOnReject {
		o.logger.Info("submission rejected, keeping entry until reconciled",
			zap.String("id", id), zap.Error(cause))
		return domain.PendingTransaction{}, false
	}

	o.mu.Lock()
	idx := -1
	for i, tx := range o.txs {
		if tx.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return domain.PendingTransaction{}, false
	}
	tx := o.txs[idx]
	o.txs = append(o.txs[:idx], o.txs[idx+1:]...)
	n := len(o.txs)
	o.mu.Unlock()

	tx.Status = domain.StatusFailed
	observability.UpdatePending(n)
	o.report(Notice{Tx: tx, Cause: cause})
	return tx.Clone(), true
}

func (o *Overlay) report(n Notice) {
	observability.RecordEviction(n.Tx.Status.String())
	o.logger.Debug("evicted",
		zap.String("id", n.Tx.ID),
		zap.Uint32("seqno", n.Tx.Seqno),
		zap.Stringer("status", n.Tx.Status),
		zap.NamedError("cause", n.Cause),
	)
	o.listeners.Notify(n)
}

// Apply projects pending entries onto confirmed state: entries at or above the confirmed
// seqno adjust the balance by their signed amount minus fee, in seqno order, and advance
// the seqno past them. The balance is clamped at zero.
func (o *Overlay) Apply(state *domain.AccountState) *domain.AccountState {
	if state == nil {
		return nil
	}
	out := state.Clone()

	o.mu.Lock()
	defer o.mu.Unlock()

	balance := new(uint256.Int).Set(out.Balance)
	for _, tx := range o.txs {
		if tx.Seqno < state.Seqno {
			// already settled, awaiting reconcile
			continue
		}
		balance.Add(balance, tx.Amount)
		balance.Sub(balance, tx.Fee)
		if tx.Seqno >= out.Seqno {
			out.Seqno = tx.Seqno + 1
		}
	}
	if balance.Sign() < 0 {
		balance.Clear()
	}
	out.Balance = balance
	return out
}

// Pending returns a snapshot of the pending entries in seqno order.
func (o *Overlay) Pending() []domain.PendingTransaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.PendingTransaction, len(o.txs))
	for i, tx := range o.txs {
		out[i] = tx.Clone()
	}
	return out
}

// Len returns the number of pending entries.
func (o *Overlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.txs)
}

// Subscribe registers fn for every registration and eviction.
func (o *Overlay) Subscribe(fn func(Notice)) (unsubscribe func()) {
	return o.listeners.Subscribe(fn)
}

// signed formats a two's-complement amount for logs.
func signed(v *uint256.Int) string {
	if v.Sign() < 0 {
		return "-" + new(uint256.Int).Neg(v).Dec()
	}
	return v.Dec()
}
