package domain

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingID(t *testing.T) {
	assert.Equal(t, "pending-5", PendingID(5))
	assert.Equal(t, "pending-0", PendingID(0))
}

func TestOutgoing(t *testing.T) {
	amount := Outgoing(uint256.NewInt(1000))
	assert.Equal(t, -1, amount.Sign())

	balance := uint256.NewInt(10000)
	balance.Add(balance, amount)
	assert.Equal(t, uint64(9000), balance.Uint64())
}

func TestPayloadDigest(t *testing.T) {
	assert.Empty(t, PayloadDigest(nil))

	a := PayloadDigest([]byte("transfer"))
	assert.NotEmpty(t, a)
	assert.Equal(t, a, PayloadDigest([]byte("transfer")))
	assert.NotEqual(t, a, PayloadDigest([]byte("transfer2")))
}

func TestAccountState_Clone(t *testing.T) {
	lt := uint64(42)
	s := &AccountState{Balance: uint256.NewInt(7), Seqno: 3, LastTransactionLt: &lt}
	c := s.Clone()

	c.Balance.SetUint64(8)
	*c.LastTransactionLt = 43
	assert.Equal(t, uint64(7), s.Balance.Uint64())
	assert.Equal(t, uint64(42), *s.LastTransactionLt)

	assert.Nil(t, (*AccountState)(nil).Clone())
	assert.True(t, (&AccountState{}).Clone().Balance.IsZero())
}

func TestAccountState_JSON(t *testing.T) {
	lt := uint64(9)
	in := &AccountState{Balance: uint256.NewInt(10000), Seqno: 5, LastTransactionLt: &lt}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out AccountState
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, &out)
}

func TestStaking(t *testing.T) {
	params := StakingParams{WithdrawFee: uint256.NewInt(200), ReceiptPrice: uint256.NewInt(100)}
	assert.Equal(t, uint64(300), params.WithdrawAmount().Uint64())
	assert.True(t, StakingParams{}.WithdrawAmount().IsZero())

	member := &StakingMember{
		Balance:        uint256.NewInt(1000),
		PendingDeposit: uint256.NewInt(50),
		Withdraw:       uint256.NewInt(5),
	}
	assert.Equal(t, uint64(1055), member.Available().Uint64())
	assert.True(t, (*StakingMember)(nil).Available().IsZero())
}

func TestPriceState_In(t *testing.T) {
	p := &PriceState{
		USD:   decimal.RequireFromString("2.5"),
		Rates: map[string]decimal.Decimal{"EUR": decimal.RequireFromString("0.9")},
	}

	usd, ok := p.In("USD")
	require.True(t, ok)
	assert.True(t, usd.Equal(decimal.RequireFromString("2.5")))

	eur, ok := p.In("EUR")
	require.True(t, ok)
	assert.True(t, eur.Equal(decimal.RequireFromString("2.25")))

	_, ok = p.In("JPY")
	assert.False(t, ok)
}

func TestJobState_Empty(t *testing.T) {
	assert.True(t, (*JobState)(nil).Empty())
	assert.True(t, (&JobState{}).Empty())
	assert.False(t, (&JobState{Job: &Job{Type: JobSign}}).Empty())
	assert.True(t, JobSign.IsValid())
	assert.False(t, JobType("vote").IsValid())
}
