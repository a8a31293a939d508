package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TxOverlay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	acct := &token.Account{Address: common.HexToAddress("0x01"), Owner: testPayer, Asset: testAsset, Balance: 5}

	err := store.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.PutAccount(ctx, acct))

		// reads inside the tx see the staged write
		got, err := tx.GetAccount(ctx, acct.Address)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), got.Balance)

		// but the store does not until commit
		_, err = store.view().GetAccount(ctx, acct.Address)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		return nil
	})
	require.NoError(t, err)

	got, err := store.GetAccount(ctx, acct.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Balance)
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.PutConfig(ctx, &Config{Authority: testAuthority}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetConfig(ctx)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := &Agreement{Address: common.HexToAddress("0x0a"), Payer: testPayer, Active: true}
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.PutAgreement(ctx, a) }))

	a.Active = false
	got, err := store.GetAgreement(ctx, a.Address)
	require.NoError(t, err)
	assert.True(t, got.Active)

	got.PaymentCount = 99
	again, err := store.GetAgreement(ctx, a.Address)
	require.NoError(t, err)
	assert.Zero(t, again.PaymentCount)
}

func TestMemoryStore_DeleteAgreement(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	funding := common.HexToAddress("0xf0")
	a := &Agreement{Address: common.HexToAddress("0x0a"), Payer: testPayer, FundingAccount: funding}
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.PutAgreement(ctx, a) }))

	err := store.WithTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.DeleteAgreement(ctx, a.Address))
		_, err := tx.GetAgreement(ctx, a.Address)
		assert.ErrorIs(t, err, ErrAgreementNotFound)
		list, err := tx.ListAgreementsByAccount(ctx, funding)
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	})
	require.NoError(t, err)

	_, err = store.GetAgreement(ctx, a.Address)
	assert.ErrorIs(t, err, ErrAgreementNotFound)
}

func TestMemoryStore_ListDueOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	terms := &Terms{Address: common.HexToAddress("0x7e"), PeriodSeconds: 100, GracePeriodSeconds: 20}
	agreements := []*Agreement{
		{Address: common.HexToAddress("0x01"), Terms: terms.Address, Active: true, NextDue: 50},
		{Address: common.HexToAddress("0x02"), Terms: terms.Address, Active: true, NextDue: 40},
		{Address: common.HexToAddress("0x03"), Terms: terms.Address, Active: false, NextDue: 40},
		{Address: common.HexToAddress("0x04"), Terms: terms.Address, Active: true, NextDue: 10}, // past grace
		{Address: common.HexToAddress("0x05"), Terms: terms.Address, Active: true, NextDue: 60}, // not yet due
	}
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutTerms(ctx, terms); err != nil {
			return err
		}
		for _, a := range agreements {
			if err := tx.PutAgreement(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))

	due, err := store.ListDue(ctx, 55, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, common.HexToAddress("0x02"), due[0].Address)
	assert.Equal(t, common.HexToAddress("0x01"), due[1].Address)

	due, err = store.ListDue(ctx, 55, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().WithTx(ctx, func(Tx) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
