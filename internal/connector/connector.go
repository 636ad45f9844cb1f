// Package connector provides stateless access to the remote ledger: account reads, fee
// estimation and message submission, plus the read-only sources behind the other products.
package connector

import (
	"context"

	"github.com/holiman/uint256"

	"wallet-sync/internal/domain"
)

// Connector defines the ledger operations the engine depends on.
type Connector interface {
	// FetchAccountState reads confirmed account state.
	// Fails with *NetworkError (retryable) or *DecodeError (malformed response).
	FetchAccountState(ctx context.Context, address domain.Address) (*domain.AccountState, error)

	// EstimateFee returns the total fee the draft would pay. Has no side effects on the
	// ledger and may be called speculatively. Fails with *NetworkError.
	EstimateFee(ctx context.Context, draft *MessageDraft) (*uint256.Int, error)

	// SubmitMessage broadcasts a signed message.
	// Fails with *NetworkError (caller may retry) or *RejectedError (terminal).
	SubmitMessage(ctx context.Context, msg *SignedMessage) (*Ack, error)
}

// StakingSource reads staking pool state.
type StakingSource interface {
	FetchStakingPool(ctx context.Context, pool, member domain.Address) (*domain.StakingPoolState, error)
}

// JobSource reads the pending app job for an address.
type JobSource interface {
	FetchJob(ctx context.Context, address domain.Address) (*domain.JobState, error)
}

// PriceSource reads the spot price.
type PriceSource interface {
	FetchPrice(ctx context.Context) (*domain.PriceState, error)
}

// MessageDraft is an unsigned wallet transfer. It is what fee estimation runs on and what
// the signing collaborator turns into a SignedMessage.
type MessageDraft struct {
	From      domain.Address // wallet address
	Seqno     uint32         // wallet seqno the message will carry
	To        domain.Address
	Value     *uint256.Int
	SendAll   bool   // carry all remaining balance; Value is ignored by the ledger
	Bounce    bool
	Payload   []byte // opaque message body; takes precedence over Comment
	StateInit []byte // opaque state init, optional
	Comment   string
}

// SignedMessage is an external message ready for broadcast.
type SignedMessage struct {
	From  domain.Address
	Seqno uint32
	Body  []byte // serialized message, opaque to the engine
}

// ID is the stable identity of the message, used to deduplicate submissions.
func (m *SignedMessage) ID() string {
	return domain.PayloadDigest(m.Body)
}

// Ack is the ledger's acknowledgement of a submitted message.
type Ack struct {
	Hash string
}
