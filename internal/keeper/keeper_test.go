package keeper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/recurring/internal/circuitbreaker"
	"github.com/mbd888/recurring/internal/ledger"
)

const (
	amount uint64 = 10_000_000
	period int64  = 2_592_000
	grace  int64  = 432_000
)

var (
	asset     = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	authority = common.HexToAddress("0x1000000000000000000000000000000000000001")
	merchant  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	payerA    = common.HexToAddress("0x3000000000000000000000000000000000000003")
	payerB    = common.HexToAddress("0x3000000000000000000000000000000000000033")
	executor  = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	engine   *ledger.Engine
	now      int64
	payee    common.Address
	terms    common.Address
	execAcct common.Address
	funding  map[common.Address]common.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), now: 1_700_000_000, funding: map[common.Address]common.Address{}}
	f.engine = ledger.NewEngine(ledger.NewMemoryStore()).
		WithClock(f.clock).
		WithLogger(quietLogger())

	_, err := f.engine.InitConfig(f.ctx, authority, ledger.InitConfigRequest{
		Authority:             authority,
		Asset:                 asset,
		MinPlatformFeeBps:     15,
		MaxPlatformFeeBps:     25,
		ExecutorFeeBps:        15,
		MinPeriodSeconds:      ledger.AbsoluteMinPeriodSeconds,
		MaxGracePeriodSeconds: ledger.DefaultMaxGracePeriod,
	})
	require.NoError(t, err)

	treasury := f.openAccount(merchant, 0)
	p, err := f.engine.RegisterPayee(f.ctx, merchant, ledger.RegisterPayeeRequest{Treasury: treasury})
	require.NoError(t, err)
	f.payee = p.Address

	terms, err := f.engine.CreateTerms(f.ctx, merchant, ledger.CreateTermsRequest{
		TermsID:            "monthly",
		Amount:             amount,
		PeriodSeconds:      period,
		GracePeriodSeconds: grace,
	})
	require.NoError(t, err)
	f.terms = terms.Address
	f.execAcct = f.openAccount(executor, 0)
	return f
}

func (f *fixture) clock() time.Time { return time.Unix(f.now, 0) }

func (f *fixture) openAccount(owner common.Address, balance uint64) common.Address {
	f.t.Helper()
	acct, err := f.engine.OpenAccount(f.ctx, owner, ledger.OpenAccountRequest{Asset: asset})
	require.NoError(f.t, err)
	if balance > 0 {
		_, err = f.engine.Deposit(f.ctx, acct.Address, ledger.DepositRequest{Amount: balance})
		require.NoError(f.t, err)
	}
	return acct.Address
}

func (f *fixture) subscribe(payer common.Address) *ledger.Agreement {
	f.t.Helper()
	funding := f.openAccount(payer, 100_000_000)
	f.funding[payer] = funding
	_, err := f.engine.Approve(f.ctx, payer, ledger.ApproveRequest{Account: funding, Payee: f.payee, Amount: 3 * amount})
	require.NoError(f.t, err)
	a, err := f.engine.CreateOrReactivateAgreement(f.ctx, payer, ledger.CreateAgreementRequest{
		Terms:          f.terms,
		FundingAccount: funding,
	})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) keeper(r Renewer) *Keeper {
	if r == nil {
		r = f.engine
	}
	return New(r, executor, f.execAcct, quietLogger()).
		WithClock(f.clock).
		WithRetry(3, time.Millisecond)
}

func (f *fixture) executorBalance() uint64 {
	f.t.Helper()
	acct, err := f.engine.Account(f.ctx, f.execAcct)
	require.NoError(f.t, err)
	return acct.Balance
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// flakyRenewer wraps a renewer and fails the first failures calls to
// ExecuteRenewal with err.
type flakyRenewer struct {
	Renewer
	failures int32
	err      error
	calls    atomic.Int32
	due      []*ledger.Agreement
	listErr  error
	panicky  bool
}

func (r *flakyRenewer) ListDueAgreements(ctx context.Context, limit int) ([]*ledger.Agreement, error) {
	if r.panicky {
		panic("boom")
	}
	if r.listErr != nil {
		return nil, r.listErr
	}
	if r.due != nil {
		return r.due, nil
	}
	return r.Renewer.ListDueAgreements(ctx, limit)
}

func (r *flakyRenewer) ExecuteRenewal(ctx context.Context, exec common.Address, req ledger.RenewalRequest) (*ledger.RenewalResult, error) {
	n := r.calls.Add(1)
	if n <= r.failures {
		return nil, r.err
	}
	return r.Renewer.ExecuteRenewal(ctx, exec, req)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

// ---------------------------------------------------------------------------

func TestSweep_RenewsDueAgreements(t *testing.T) {
	f := newFixture(t)
	f.subscribe(payerA)
	f.subscribe(payerB)
	k := f.keeper(nil)

	res := k.Sweep(f.ctx)
	assert.Equal(t, SweepResult{}, res, "nothing is due right after the first payment")

	renewed := counterValue(t, renewalOutcomes.WithLabelValues(string(OutcomeRenewed)))
	f.now += 2_600_000
	res = k.Sweep(f.ctx)
	assert.Equal(t, 2, res.Due)
	assert.Equal(t, 2, res.Renewed)
	assert.Equal(t, uint64(30_000), res.Fees)
	assert.Equal(t, uint64(30_000), f.executorBalance())
	assert.Equal(t, float64(2), counterValue(t, renewalOutcomes.WithLabelValues(string(OutcomeRenewed)))-renewed)

	// the window moved on; a second sweep does nothing
	res = k.Sweep(f.ctx)
	assert.Zero(t, res.Due)
	assert.Equal(t, uint64(30_000), f.executorBalance())
}

func TestSweep_BatchSize(t *testing.T) {
	f := newFixture(t)
	f.subscribe(payerA)
	f.subscribe(payerB)
	k := f.keeper(nil).WithBatchSize(1)

	f.now += 2_600_000
	assert.Equal(t, 1, k.Sweep(f.ctx).Renewed)
	assert.Equal(t, 1, k.Sweep(f.ctx).Renewed)
	assert.Zero(t, k.Sweep(f.ctx).Due)
}

func TestSweep_PastGraceIsNotPickedUp(t *testing.T) {
	f := newFixture(t)
	f.subscribe(payerA)
	k := f.keeper(nil)

	f.now += 3_100_000
	res := k.Sweep(f.ctx)
	assert.Zero(t, res.Due)
	assert.Zero(t, f.executorBalance())
}

func TestSweep_DomainErrorsAreNotRetried(t *testing.T) {
	f := newFixture(t)
	f.subscribe(payerA)
	_, err := f.engine.Revoke(f.ctx, payerA, f.funding[payerA])
	require.NoError(t, err)

	r := &flakyRenewer{Renewer: f.engine}
	k := f.keeper(r)
	rejected := counterValue(t, rejections.WithLabelValues(string(ledger.KindAuthorization)))

	f.now += 2_600_000
	res := k.Sweep(f.ctx)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, float64(1), counterValue(t, rejections.WithLabelValues(string(ledger.KindAuthorization)))-rejected)
}

func TestSweep_BacksOffRepeatedRejections(t *testing.T) {
	f := newFixture(t)
	a := f.subscribe(payerA)
	_, err := f.engine.Revoke(f.ctx, payerA, f.funding[payerA])
	require.NoError(t, err)

	r := &flakyRenewer{Renewer: f.engine}
	breaker := circuitbreaker.New(2, 10*time.Minute).WithClock(f.clock)
	k := f.keeper(r).WithBreaker(breaker)

	f.now += 2_600_000
	assert.Equal(t, 1, k.Sweep(f.ctx).Rejected)
	assert.Equal(t, 1, k.Sweep(f.ctx).Rejected)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(a.Address.Hex()))

	res := k.Sweep(f.ctx)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int32(2), r.calls.Load(), "open breaker must not reach the ledger")

	// cooldown over: one probe, still rejected
	f.now += 600
	assert.Equal(t, 1, k.Sweep(f.ctx).Rejected)
	assert.Equal(t, int32(3), r.calls.Load())

	// payer restores the grant; the next probe renews and the key is forgotten
	_, err = f.engine.Approve(f.ctx, payerA, ledger.ApproveRequest{Account: f.funding[payerA], Payee: f.payee, Amount: 3 * amount})
	require.NoError(t, err)
	f.now += 600
	assert.Equal(t, 1, k.Sweep(f.ctx).Renewed)
	assert.Zero(t, breaker.Len())
}

func TestSweep_RetriesInfrastructureFailures(t *testing.T) {
	f := newFixture(t)
	f.subscribe(payerA)
	r := &flakyRenewer{Renewer: f.engine, failures: 2, err: errors.New("driver: bad connection")}
	k := f.keeper(r)

	f.now += 2_600_000
	res := k.Sweep(f.ctx)
	assert.Equal(t, 1, res.Renewed)
	assert.Equal(t, int32(3), r.calls.Load())
	assert.Equal(t, uint64(15_000), f.executorBalance())
}

func TestSweep_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.subscribe(payerA)
	r := &flakyRenewer{Renewer: f.engine, failures: 100, err: errors.New("driver: bad connection")}
	k := f.keeper(r)

	f.now += 2_600_000
	res := k.Sweep(f.ctx)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int32(3), r.calls.Load())
	assert.Zero(t, f.executorBalance())
}

func TestSweep_SkipsStaleEntries(t *testing.T) {
	f := newFixture(t)
	a := f.subscribe(payerA)

	// a listing that claims the agreement is due while the clock says otherwise
	r := &flakyRenewer{Renewer: f.engine, due: []*ledger.Agreement{a}}
	res := f.keeper(r).Sweep(f.ctx)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, r.calls.Load())
}

func TestSweep_SkipsUnknownTerms(t *testing.T) {
	f := newFixture(t)
	orphan := &ledger.Agreement{
		Address: common.HexToAddress("0xabc"),
		Terms:   common.HexToAddress("0xdef"),
		Active:  true,
		NextDue: f.now,
	}
	r := &flakyRenewer{Renewer: f.engine, due: []*ledger.Agreement{orphan}}
	res := f.keeper(r).Sweep(f.ctx)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, r.calls.Load())
}

func TestSweep_ListFailure(t *testing.T) {
	f := newFixture(t)
	before := counterValue(t, sweepErrors)
	r := &flakyRenewer{Renewer: f.engine, listErr: errors.New("connection refused")}

	res := f.keeper(r).Sweep(f.ctx)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, float64(1), counterValue(t, sweepErrors)-before)
}

func TestSafeSweep_RecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	before := counterValue(t, sweepPanics)
	k := f.keeper(&flakyRenewer{Renewer: f.engine, panicky: true})

	assert.NotPanics(t, func() { k.safeSweep(f.ctx) })
	assert.Equal(t, float64(1), counterValue(t, sweepPanics)-before)
}

func TestKeeper_StartStop(t *testing.T) {
	f := newFixture(t)
	f.subscribe(payerA)
	f.now += 2_600_000
	k := f.keeper(nil).WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		k.Start(ctx)
		close(done)
	}()

	require.Eventually(t, k.Running, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.executorBalance() == 15_000 }, 2*time.Second, 10*time.Millisecond)
	k.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not stop within 2 seconds")
	}
	assert.False(t, k.Running())
}

func TestKeeper_ContextCancellation(t *testing.T) {
	f := newFixture(t)
	k := f.keeper(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not stop on context cancel within 2 seconds")
	}
}

func TestMetrics_Registered(t *testing.T) {
	renewalOutcomes.WithLabelValues("registered").Inc()
	rejections.WithLabelValues("registered").Inc()

	gathered, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"recurring_keeper_renewals_total",
		"recurring_keeper_rejections_total",
		"recurring_keeper_executor_fees_units_total",
		"recurring_keeper_due_agreements",
		"recurring_keeper_sweep_duration_seconds",
		"recurring_keeper_tracked_rejections",
	} {
		assert.True(t, found[name], "metric %s not registered", name)
	}
}
