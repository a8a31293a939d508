//go:build integration

package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/testutil"
	"github.com/mbd888/recurring/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgresBed(t *testing.T) *testBed {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return newTestBedWith(t, NewPostgresStore(db), nil)
}

func TestPostgres_Ping(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	assert.NoError(t, NewPostgresStore(db).Ping(context.Background()))
}

func TestPostgres_AccountRoundTripsFullRange(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	delegate := common.HexToAddress("0xd1")
	acct := &token.Account{
		Address:         common.HexToAddress("0xa1"),
		Owner:           testPayer,
		Asset:           testAsset,
		Balance:         math.MaxUint64,
		Delegate:        &delegate,
		DelegatedAmount: math.MaxUint64 - 1,
	}
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.PutAccount(ctx, acct) }))

	got, err := store.GetAccount(ctx, acct.Address)
	require.NoError(t, err)
	assert.Equal(t, acct, got)

	// clearing the delegate persists as NULL
	acct.Revoke()
	require.NoError(t, store.WithTx(ctx, func(tx Tx) error { return tx.PutAccount(ctx, acct) }))
	got, err = store.GetAccount(ctx, acct.Address)
	require.NoError(t, err)
	assert.Nil(t, got.Delegate)
}

func TestPostgres_RollbackOnError(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutAccount(ctx, &token.Account{Address: common.HexToAddress("0xa2"), Owner: testPayer, Asset: testAsset}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetAccount(ctx, common.HexToAddress("0xa2"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostgres_DeleteMissingAgreement(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Tx) error { return tx.DeleteAgreement(ctx, common.HexToAddress("0xdead")) })
	assert.ErrorIs(t, err, ErrAgreementNotFound)
}

func TestPostgres_AgreementLifecycle(t *testing.T) {
	b := setupPostgresBed(t)

	days := uint16(7)
	a, err := b.engine.CreateOrReactivateAgreement(b.ctx, testPayer, CreateAgreementRequest{
		Terms:          b.terms,
		FundingAccount: b.funding,
		TrialDays:      &days,
	})
	require.NoError(t, err)
	require.NotNil(t, a.TrialEndsAt)

	got, err := b.engine.Agreement(b.ctx, b.agreement)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	b.advance(7 * 86_400)
	due, err := b.engine.ListDueAgreements(b.ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	res, err := b.renew(b.agreement)
	require.NoError(t, err)
	assert.Equal(t, fees.Split{ExecutorFee: 15_000, PlatformFee: 24_962, PayeeAmount: 9_960_038}, res.Split)
	assert.False(t, res.Agreement.InTrial)

	_, err = b.renew(b.agreement)
	assert.ErrorIs(t, err, ErrNotDue)

	_, err = b.engine.CancelAgreement(b.ctx, testPayer, b.agreement)
	require.NoError(t, err)
	require.NoError(t, b.engine.CloseAgreement(b.ctx, testPayer, b.agreement))

	list, err := b.engine.ListAgreementsByPayer(b.ctx, testPayer, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPostgres_ConfigAndPayeeRoundTrip(t *testing.T) {
	b := setupPostgresBed(t)
	next := common.HexToAddress("0x7000000000000000000000000000000000000007")
	require.NoError(t, b.engine.TransferAuthority(b.ctx, testAuthority, TransferAuthorityRequest{NewAuthority: next}))

	cfg, err := b.engine.Config(b.ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg.PendingAuthority)
	assert.Equal(t, next, *cfg.PendingAuthority)
	assert.Equal(t, DefaultMaxWithdrawal, cfg.MaxWithdrawalAmount)

	p, err := b.engine.Payee(b.ctx, b.payee)
	require.NoError(t, err)
	assert.Equal(t, fees.TierBase, p.Tier)

	terms, err := b.engine.ListTermsByPayee(b.ctx, b.payee, 10)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, "monthly", terms[0].TermsID)
}

func TestPostgres_ConcurrentRenewalsPayOnce(t *testing.T) {
	b := setupPostgresBed(t)
	b.subscribe(testPayer, b.terms, b.funding)
	b.advance(2_600_000)

	const workers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		losers    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.renew(b.agreement)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			losers = append(losers, err)
		}()
	}
	wg.Wait()

	// conflicting transactions are re-run and see the winner's payment
	assert.Equal(t, 1, successes)
	require.Len(t, losers, workers-1)
	for _, err := range losers {
		assert.ErrorIs(t, err, ErrNotDue)
	}
	assert.Equal(t, uint64(15_000), b.balance(b.execAcct))
}
