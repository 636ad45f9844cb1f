package engine

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"wallet-sync/internal/connector"
	"wallet-sync/internal/domain"
	"wallet-sync/internal/retry"
)

// Signer turns a draft into a signed external message. Key storage and message encoding
// live behind it.
type Signer interface {
	Sign(ctx context.Context, draft *connector.MessageDraft) (*connector.SignedMessage, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, draft *connector.MessageDraft) (*connector.SignedMessage, error)

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, draft *connector.MessageDraft) (*connector.SignedMessage, error) {
	return f(ctx, draft)
}

// TransferRequest is a user-initiated transfer.
type TransferRequest struct {
	To        domain.Address
	Amount    *uint256.Int // equal to the balance means send everything
	Bounce    bool
	Comment   string
	Payload   []byte
	StateInit []byte
}

// SendResult describes a submitted transfer.
type SendResult struct {
	Pending domain.PendingTransaction
	Fee     *uint256.Int
	Ack     *connector.Ack // nil when an earlier attempt had already landed
}

// Send estimates, signs and submits a transfer, and records it as pending.
//
// Transfers are serialized, and each one is drafted at the merged seqno so a transfer
// queued behind a pending one takes the next seqno. The amount plus the estimated fee
// must fit the merged balance unless everything is sent. A network failure is followed
// by a fresh account read before retrying: if the seqno moved past the draft the message
// landed and is not sent again. The pending entry is registered only once the ledger has
// the message, so a failed Send leaves the overlay untouched. A *connector.RejectedError
// is returned as is.
func (e *Engine) Send(ctx context.Context, req TransferRequest, signer Signer) (*SendResult, error) {
	if req.To.IsZero() || req.Amount == nil {
		return nil, fmt.Errorf("%w: destination and amount are required", ErrInvalidOptions)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: signer is required", ErrInvalidOptions)
	}

	var result *SendResult
	err := e.sendLock.InLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = e.send(ctx, req, signer)
		return err
	})
	return result, err
}

func (e *Engine) send(ctx context.Context, req TransferRequest, signer Signer) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	account, ok := e.MergedAccount()
	if !ok {
		return nil, ErrNotReady
	}
	balance := account.BalanceOrZero()
	sendAll := req.Amount.Eq(balance)
	if !sendAll && balance.Lt(req.Amount) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance.Dec(), req.Amount.Dec())
	}

	draft := &connector.MessageDraft{
		From:      e.address,
		Seqno:     account.Seqno,
		To:        req.To,
		Value:     new(uint256.Int).Set(req.Amount),
		SendAll:   sendAll,
		Bounce:    req.Bounce,
		Payload:   req.Payload,
		StateInit: req.StateInit,
		Comment:   req.Comment,
	}
	logger := e.logger.With(zap.Uint32("seqno", draft.Seqno), zap.Stringer("to", draft.To))

	fee, err := retry.Value(ctx, e.interactive, func(ctx context.Context) (*uint256.Int, error) {
		return e.conn.EstimateFee(ctx, draft)
	}, retry.WithName("estimate_fee"), retry.WithLogger(logger), retry.WithClock(e.clock))
	if err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	}
	if !sendAll {
		need, overflow := new(uint256.Int).AddOverflow(draft.Value, fee)
		if overflow || balance.Lt(need) {
			return nil, fmt.Errorf("%w: have %s, need %s plus fee %s",
				ErrInsufficientFunds, balance.Dec(), draft.Value.Dec(), fee.Dec())
		}
	}

	msg, err := signer.Sign(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	ack, err := e.submit(ctx, draft.Seqno, msg, logger)
	if err != nil {
		return nil, err
	}

	tx := domain.PendingTransaction{
		ID:            domain.PendingID(draft.Seqno),
		Seqno:         draft.Seqno,
		Amount:        domain.Outgoing(draft.Value),
		Fee:           fee,
		Address:       req.To,
		Direction:     domain.DirectionOut,
		PayloadDigest: msg.ID(),
	}
	if err := e.Pending.Register(tx); err != nil {
		return nil, err
	}
	// the confirmed read may already be past the message
	if state, ok := e.Account.Value(); ok {
		e.Pending.Reconcile(state)
	}

	logger.Info("transfer submitted", zap.String("id", tx.ID), zap.String("fee", fee.Dec()))
	return &SendResult{Pending: tx, Fee: fee, Ack: ack}, nil
}

// submit broadcasts msg at most once per landed seqno.
func (e *Engine) submit(ctx context.Context, seqno uint32, msg *connector.SignedMessage, logger *zap.Logger) (*connector.Ack, error) {
	var ack *connector.Ack
	attempt := 0
	err := retry.Do(ctx, e.interactive, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			state, err := e.conn.FetchAccountState(ctx, e.address)
			if err != nil {
				return err
			}
			if state.Seqno > seqno {
				logger.Info("message already landed, not resubmitting", zap.Uint32("ledger_seqno", state.Seqno))
				return nil
			}
		}
		a, err := e.conn.SubmitMessage(ctx, msg)
		if err != nil {
			return err
		}
		ack = a
		return nil
	}, retry.WithName("submit"), retry.WithLogger(logger), retry.WithClock(e.clock))
	return ack, err
}
