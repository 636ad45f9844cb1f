package domain

import (
	"strconv"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

// Direction is the direction of a transfer relative to the wallet.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// IsValid checks if the direction is a valid value.
func (d Direction) IsValid() bool {
	return d == DirectionIn || d == DirectionOut
}

// PendingStatus is the reconciliation status of a locally submitted transaction.
type PendingStatus string

const (
	StatusPending   PendingStatus = "pending"
	StatusConfirmed PendingStatus = "confirmed"
	StatusFailed    PendingStatus = "failed"
)

// String returns the string representation of PendingStatus.
func (s PendingStatus) String() string {
	return string(s)
}

// PendingTransaction is a transfer submitted by this wallet and not yet observed as settled.
type PendingTransaction struct {
	ID            string        // PendingID(Seqno)
	Seqno         uint32        // wallet seqno the message was signed with
	LoggedAt      int64         // unix seconds when it was registered
	Amount        *uint256.Int  // two's-complement signed; negative means outgoing
	Fee           *uint256.Int  // estimated fee
	Address       Address       // counterparty
	Direction     Direction
	PayloadDigest string        // base58 blake3 digest of the message body, empty if none
	Status        PendingStatus
}

// PendingID derives the pending entry id from the seqno it was submitted at.
func PendingID(seqno uint32) string {
	return "pending-" + strconv.FormatUint(uint64(seqno), 10)
}

// Outgoing returns the two's-complement negation of value, the amount of an outgoing transfer.
func Outgoing(value *uint256.Int) *uint256.Int {
	return new(uint256.Int).Neg(value)
}

// PayloadDigest returns the base58 blake3-256 digest of a message body, or "" for an empty body.
func PayloadDigest(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := blake3.Sum256(body)
	return base58.Encode(sum[:])
}

// Clone returns a deep copy of the entry.
func (p PendingTransaction) Clone() PendingTransaction {
	out := p
	if p.Amount != nil {
		out.Amount = new(uint256.Int).Set(p.Amount)
	}
	if p.Fee != nil {
		out.Fee = new(uint256.Int).Set(p.Fee)
	}
	return out
}
