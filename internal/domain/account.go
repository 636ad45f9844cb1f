package domain

import "github.com/holiman/uint256"

// Address is a ledger account address in its user-facing form.
// Parsing and checksum validation belong to the UI layer; the engine treats it as opaque.
type Address string

// String returns the string representation of Address.
func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a == ""
}

// AccountState is the confirmed state of a wallet account as read from the ledger.
type AccountState struct {
	Balance           *uint256.Int `json:"balance"`           // nanocoins
	Seqno             uint32       `json:"seqno"`             // wallet sequence number
	LastTransactionLt *uint64      `json:"lastTransactionLt"` // logical time of last tx (nullable)
}

// Clone returns a deep copy so snapshots handed to subscribers never alias engine state.
func (s *AccountState) Clone() *AccountState {
	if s == nil {
		return nil
	}
	out := &AccountState{Seqno: s.Seqno}
	if s.Balance != nil {
		out.Balance = new(uint256.Int).Set(s.Balance)
	} else {
		out.Balance = new(uint256.Int)
	}
	if s.LastTransactionLt != nil {
		lt := *s.LastTransactionLt
		out.LastTransactionLt = &lt
	}
	return out
}

// BalanceOrZero returns the balance, or zero when unset.
func (s *AccountState) BalanceOrZero() *uint256.Int {
	if s == nil || s.Balance == nil {
		return new(uint256.Int)
	}
	return s.Balance
}
