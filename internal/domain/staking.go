package domain

import "github.com/holiman/uint256"

// StakingParams are the pool-wide parameters of a nominator pool.
type StakingParams struct {
	MinStake     *uint256.Int `json:"minStake"`
	DepositFee   *uint256.Int `json:"depositFee"`
	WithdrawFee  *uint256.Int `json:"withdrawFee"`
	ReceiptPrice *uint256.Int `json:"receiptPrice"`
}

// WithdrawAmount is the value a withdraw request message must carry.
func (p StakingParams) WithdrawAmount() *uint256.Int {
	return new(uint256.Int).Add(orZero(p.WithdrawFee), orZero(p.ReceiptPrice))
}

// StakingMember is the wallet's position in a pool.
type StakingMember struct {
	Balance         *uint256.Int `json:"balance"`
	PendingDeposit  *uint256.Int `json:"pendingDeposit"`
	PendingWithdraw *uint256.Int `json:"pendingWithdraw"`
	Withdraw        *uint256.Int `json:"withdraw"` // ready to be withdrawn
}

// Available is the amount the member may request to withdraw.
func (m *StakingMember) Available() *uint256.Int {
	if m == nil {
		return new(uint256.Int)
	}
	out := new(uint256.Int).Add(orZero(m.Balance), orZero(m.Withdraw))
	return out.Add(out, orZero(m.PendingDeposit))
}

// StakingPoolState is the state of one staking pool as seen by this wallet.
type StakingPoolState struct {
	Address Address        `json:"address"`
	Params  StakingParams  `json:"params"`
	Member  *StakingMember `json:"member,omitempty"` // nil when the wallet has no stake
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
