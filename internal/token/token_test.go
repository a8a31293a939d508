package token

import (
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	payer    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	merchant = common.HexToAddress("0x2222222222222222222222222222222222222222")
	holderA  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	holderB  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func newAccounts(balance uint64) (*Account, *Account) {
	from := &Account{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000f01"),
		Owner:   payer,
		Asset:   usdc,
		Balance: balance,
	}
	to := &Account{
		Address: common.HexToAddress("0x0000000000000000000000000000000000000f02"),
		Owner:   merchant,
		Asset:   usdc,
	}
	return from, to
}

func TestApprove_OverwritesPriorGrant(t *testing.T) {
	acct, _ := newAccounts(100)

	acct.Approve(holderA, 30)
	assert.True(t, acct.HolderIs(holderA))
	assert.Equal(t, uint64(30), acct.Allowance(holderA))

	acct.Approve(holderB, 50)
	assert.False(t, acct.HolderIs(holderA))
	assert.True(t, acct.HolderIs(holderB))
	assert.Equal(t, uint64(0), acct.Allowance(holderA))
	assert.Equal(t, uint64(50), acct.Allowance(holderB))
}

func TestRevoke(t *testing.T) {
	acct, _ := newAccounts(100)
	acct.Approve(holderA, 30)
	acct.Revoke()

	assert.Nil(t, acct.Delegate)
	assert.Equal(t, uint64(0), acct.DelegatedAmount)
	assert.False(t, acct.HolderIs(holderA))
}

func TestDelegatedTransfer(t *testing.T) {
	from, to := newAccounts(100)
	from.Approve(holderA, 60)

	require.NoError(t, DelegatedTransfer(from, to, holderA, 40))
	assert.Equal(t, uint64(60), from.Balance)
	assert.Equal(t, uint64(40), to.Balance)
	assert.Equal(t, uint64(20), from.DelegatedAmount)

	err := DelegatedTransfer(from, to, holderA, 21)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, DelegatedTransfer(from, to, holderA, 20))
	assert.Nil(t, from.Delegate, "exhausted grant is cleared")
}

func TestDelegatedTransfer_WrongHolder(t *testing.T) {
	from, to := newAccounts(100)
	from.Approve(holderB, 60)

	err := DelegatedTransfer(from, to, holderA, 10)
	assert.ErrorIs(t, err, ErrDelegateMismatch)
	assert.Equal(t, uint64(100), from.Balance)
}

func TestDelegatedTransfer_InsufficientFunds(t *testing.T) {
	from, to := newAccounts(5)
	from.Approve(holderA, 60)

	err := DelegatedTransfer(from, to, holderA, 10)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(60), from.DelegatedAmount, "failed transfer leaves the grant untouched")
}

func TestTransfer_AssetAndOwnerChecks(t *testing.T) {
	from, to := newAccounts(100)

	assert.ErrorIs(t, Transfer(from, to, merchant, 10), ErrOwnerMismatch)

	to.Asset = common.HexToAddress("0x9999999999999999999999999999999999999999")
	assert.ErrorIs(t, Transfer(from, to, payer, 10), ErrAssetMismatch)
}

func TestTransfer_SelfIsNoOp(t *testing.T) {
	from, _ := newAccounts(100)

	require.NoError(t, Transfer(from, from, payer, 40))
	assert.Equal(t, uint64(100), from.Balance)

	assert.ErrorIs(t, Transfer(from, from, payer, 101), ErrInsufficientFunds)
}

func TestDelegatedTransfer_SelfDrawsDownGrant(t *testing.T) {
	from, _ := newAccounts(100)
	from.Approve(holderA, 60)

	require.NoError(t, DelegatedTransfer(from, from, holderA, 25))
	assert.Equal(t, uint64(100), from.Balance, "balance is unchanged")
	assert.Equal(t, uint64(35), from.DelegatedAmount, "grant is still consumed")

	require.NoError(t, DelegatedTransfer(from, from, holderA, 35))
	assert.Nil(t, from.Delegate, "exhausted grant clears the delegate")
}

func TestCredit_Overflow(t *testing.T) {
	acct, _ := newAccounts(math.MaxUint64)
	assert.ErrorIs(t, acct.Credit(1), ErrOverflow)
}

func TestClone_Independent(t *testing.T) {
	acct, _ := newAccounts(100)
	acct.Approve(holderA, 10)

	cp := acct.Clone()
	cp.Approve(holderB, 20)
	cp.Balance = 1

	assert.True(t, acct.HolderIs(holderA))
	assert.Equal(t, uint64(100), acct.Balance)
}
