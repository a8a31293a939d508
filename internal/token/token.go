// Package token models the host's fungible token accounts and the single
// bounded spending authorization each account can carry.
//
// An account holds at most one delegate at a time. Approve replaces any prior
// grant wholesale, Revoke clears it, and every delegated transfer draws the
// remaining delegated amount down. Two agreements funded by the same account
// therefore compete for one grant, and the ledger has to detect that rather
// than assume the grant it last saw is still there.
package token

import (
	"errors"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds     = errors.New("token: insufficient funds")
	ErrInsufficientAllowance = errors.New("token: insufficient delegated amount")
	ErrDelegateMismatch      = errors.New("token: signer is not the account delegate")
	ErrAssetMismatch         = errors.New("token: asset mismatch")
	ErrOwnerMismatch         = errors.New("token: signer does not own the account")
	ErrOverflow              = errors.New("token: balance overflow")
)

// Account is a token account: a balance of one asset owned by one identity.
type Account struct {
	Address         common.Address  `json:"address"`
	Owner           common.Address  `json:"owner"`
	Asset           common.Address  `json:"asset"`
	Balance         uint64          `json:"balance"`
	Delegate        *common.Address `json:"delegate,omitempty"`
	DelegatedAmount uint64          `json:"delegatedAmount"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	cp := *a
	if a.Delegate != nil {
		d := *a.Delegate
		cp.Delegate = &d
	}
	return &cp
}

// Approve grants delegate the right to move up to amount. Any previous grant
// is overwritten.
func (a *Account) Approve(delegate common.Address, amount uint64) {
	d := delegate
	a.Delegate = &d
	a.DelegatedAmount = amount
}

// Revoke clears the grant.
func (a *Account) Revoke() {
	a.Delegate = nil
	a.DelegatedAmount = 0
}

// HolderIs reports whether the current grant belongs to holder.
func (a *Account) HolderIs(holder common.Address) bool {
	return a.Delegate != nil && *a.Delegate == holder
}

// Allowance returns the amount holder may still move; zero when holder does
// not hold the grant.
func (a *Account) Allowance(holder common.Address) uint64 {
	if !a.HolderIs(holder) {
		return 0
	}
	return a.DelegatedAmount
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount uint64) error {
	sum, carry := bits.Add64(a.Balance, amount, 0)
	if carry != 0 {
		return ErrOverflow
	}
	a.Balance = sum
	return nil
}

// Transfer moves amount from -> to on the owner's authority.
func Transfer(from, to *Account, signer common.Address, amount uint64) error {
	if from.Owner != signer {
		return ErrOwnerMismatch
	}
	return move(from, to, amount)
}

// DelegatedTransfer moves amount from -> to using the grant held by
// delegate, drawing the delegated amount down.
func DelegatedTransfer(from, to *Account, delegate common.Address, amount uint64) error {
	if !from.HolderIs(delegate) {
		return ErrDelegateMismatch
	}
	if from.DelegatedAmount < amount {
		return ErrInsufficientAllowance
	}
	if err := move(from, to, amount); err != nil {
		return err
	}
	from.DelegatedAmount -= amount
	if from.DelegatedAmount == 0 {
		from.Delegate = nil
	}
	return nil
}

// move checks and applies a balance transfer. A self-transfer is valid and
// leaves the balance unchanged; callers still apply their own bookkeeping,
// such as drawing down a delegated amount.
func move(from, to *Account, amount uint64) error {
	if from.Asset != to.Asset {
		return ErrAssetMismatch
	}
	if from.Balance < amount {
		return ErrInsufficientFunds
	}
	if from.Address == to.Address {
		return nil
	}
	sum, carry := bits.Add64(to.Balance, amount, 0)
	if carry != 0 {
		return ErrOverflow
	}
	from.Balance -= amount
	to.Balance = sum
	return nil
}
