// Package keeper runs a renewal executor: it periodically scans for
// agreements inside their renewal window and executes them, collecting the
// executor fee into its own token account.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/recurring/internal/circuitbreaker"
	"github.com/mbd888/recurring/internal/ledger"
	"github.com/mbd888/recurring/internal/retry"
	"github.com/mbd888/recurring/internal/syncutil"
	"github.com/mbd888/recurring/internal/traces"
)

// Defaults for a keeper built without options.
const (
	DefaultInterval    = 30 * time.Second
	DefaultBatchSize   = 100
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 200 * time.Millisecond

	// breaker entries untouched for this long are dropped; the agreement
	// has left its grace window or stopped failing
	breakerRetention = 24 * time.Hour
)

// Renewer is the subset of the ledger engine the keeper drives.
type Renewer interface {
	ListDueAgreements(ctx context.Context, limit int) ([]*ledger.Agreement, error)
	Terms(ctx context.Context, addr common.Address) (*ledger.Terms, error)
	ExecuteRenewal(ctx context.Context, executor common.Address, req ledger.RenewalRequest) (*ledger.RenewalResult, error)
}

// Outcome of a single renewal attempt.
type Outcome string

const (
	OutcomeRenewed  Outcome = "renewed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// SweepResult summarizes one pass over the due list.
type SweepResult struct {
	Due      int
	Renewed  int
	Skipped  int
	Rejected int
	Failed   int
	Fees     uint64
}

func (r *SweepResult) add(o Outcome, fee uint64) {
	switch o {
	case OutcomeRenewed:
		r.Renewed++
		r.Fees += fee
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRejected:
		r.Rejected++
	default:
		r.Failed++
	}
}

// Keeper periodically renews due agreements on behalf of one executor.
type Keeper struct {
	renewer  Renewer
	executor common.Address
	account  common.Address
	logger   *slog.Logger

	interval    time.Duration
	batchSize   int
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	clock       func() time.Time
	breaker     *circuitbreaker.Breaker

	locks   syncutil.ShardedMutex
	stop    chan struct{}
	running atomic.Bool
}

// New creates a keeper that signs renewals as executor and collects fees
// into account.
func New(renewer Renewer, executor, account common.Address, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		renewer:     renewer,
		executor:    executor,
		account:     account,
		logger:      logger,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		clock:       time.Now,
		stop:        make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (k *Keeper) WithInterval(d time.Duration) *Keeper {
	if d > 0 {
		k.interval = d
	}
	return k
}

// WithBatchSize caps how many due agreements one sweep picks up.
func (k *Keeper) WithBatchSize(n int) *Keeper {
	if n > 0 {
		k.batchSize = n
	}
	return k
}

// WithWorkers sets how many renewals run concurrently within a sweep.
func (k *Keeper) WithWorkers(n int) *Keeper {
	if n > 0 {
		k.workers = n
	}
	return k
}

// WithRetry configures retries of infrastructure failures.
func (k *Keeper) WithRetry(maxAttempts int, baseDelay time.Duration) *Keeper {
	k.maxAttempts = maxAttempts
	k.retryDelay = baseDelay
	return k
}

// WithClock overrides the time source used for the due predicate (tests).
func (k *Keeper) WithClock(clock func() time.Time) *Keeper {
	k.clock = clock
	return k
}

// WithBreaker backs off agreements the ledger keeps rejecting. Keys are
// agreement addresses; only domain rejections count as failures.
func (k *Keeper) WithBreaker(b *circuitbreaker.Breaker) *Keeper {
	k.breaker = b
	return k
}

// Running reports whether the keeper loop is actively running.
func (k *Keeper) Running() bool {
	return k.running.Load()
}

// Start begins the renewal loop. Call in a goroutine.
func (k *Keeper) Start(ctx context.Context) {
	k.running.Store(true)
	defer k.running.Store(false)

	k.logger.Info("keeper started",
		"executor", k.executor.Hex(),
		"interval", k.interval.String(),
		"batchSize", k.batchSize,
	)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			k.safeSweep(ctx)
		}
	}
}

// Stop signals the keeper to stop.
func (k *Keeper) Stop() {
	select {
	case k.stop <- struct{}{}:
	default:
	}
}

func (k *Keeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sweepPanics.Inc()
			k.logger.Error("panic in keeper sweep", "panic", fmt.Sprint(r))
		}
	}()
	k.Sweep(ctx)
}

// Sweep renews every agreement currently inside its window, up to the
// batch size, and reports what happened.
func (k *Keeper) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "keeper.Sweep", traces.Signer(k.executor))
	defer span.End()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	due, err := k.renewer.ListDueAgreements(ctx, k.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due failed")
		sweepErrors.Inc()
		k.logger.Warn("failed to list due agreements", "error", err)
		return res
	}
	res.Due = len(due)
	dueAgreements.Set(float64(len(due)))
	if k.breaker != nil {
		k.breaker.Prune(breakerRetention)
		backedOffAgreements.Set(float64(k.breaker.Len()))
	}
	span.SetAttributes(attribute.Int("keeper.due", len(due)))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, k.workers)
	)
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(a *ledger.Agreement) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome, fee := k.renew(ctx, a)
			mu.Lock()
			res.add(outcome, fee)
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Int("keeper.renewed", res.Renewed),
		attribute.Int("keeper.failed", res.Failed),
	)
	if res.Renewed > 0 || res.Failed > 0 {
		k.logger.Info("keeper sweep complete",
			"due", res.Due,
			"renewed", res.Renewed,
			"skipped", res.Skipped,
			"rejected", res.Rejected,
			"failed", res.Failed,
			"fees", res.Fees,
		)
	}
	return res
}

// renew executes one agreement. The due predicate is re-checked against the
// current terms because the list may be stale by the time a worker gets to
// it; the engine still has the final word.
func (k *Keeper) renew(ctx context.Context, a *ledger.Agreement) (outcome Outcome, fee uint64) {
	defer func() { renewalOutcomes.WithLabelValues(string(outcome)).Inc() }()

	key := a.Address.Hex()
	unlock := k.locks.Lock(key)
	defer func() { unlock() }()

	terms, err := k.renewer.Terms(ctx, a.Terms)
	if err != nil {
		k.logger.Warn("failed to load terms for due agreement",
			"agreement", a.Address.Hex(), "terms", a.Terms.Hex(), "error", err)
		if ledger.IsDomainError(err) {
			return OutcomeSkipped, 0
		}
		return OutcomeFailed, 0
	}
	if !ledger.IsRenewalDue(a, terms, k.clock().Unix()) {
		return OutcomeSkipped, 0
	}
	if k.breaker != nil && !k.breaker.Allow(key) {
		k.logger.Debug("agreement backed off after repeated rejections", "agreement", key)
		return OutcomeSkipped, 0
	}

	var res *ledger.RenewalResult
	// the shard is released while backing off so other agreements hashing
	// to it are not held up by a slow store
	err = retry.DoWithUnlock(ctx, k.maxAttempts, k.retryDelay, unlock, func() { unlock = k.locks.Lock(key) }, func() error {
		r, err := k.renewer.ExecuteRenewal(ctx, k.executor, ledger.RenewalRequest{
			Agreement:       a.Address,
			ExecutorAccount: k.account,
		})
		if err != nil {
			if ledger.IsDomainError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	})
	switch {
	case err == nil:
		if k.breaker != nil {
			k.breaker.RecordSuccess(key)
		}
		executorFees.Add(float64(res.Split.ExecutorFee))
		k.logger.Info("renewed agreement",
			"agreement", a.Address.Hex(),
			"payer", a.Payer.Hex(),
			"payeeAmount", res.Split.PayeeAmount,
			"executorFee", res.Split.ExecutorFee,
		)
		return OutcomeRenewed, res.Split.ExecutorFee
	case ledger.IsDomainError(err):
		if k.breaker != nil {
			k.breaker.RecordFailure(key)
		}
		rejections.WithLabelValues(string(ledger.KindOf(err))).Inc()
		k.logger.Warn("renewal rejected",
			"agreement", a.Address.Hex(), "kind", ledger.KindOf(err), "error", err)
		return OutcomeRejected, 0
	default:
		// a probe that never reached a verdict must not leave the key half-open
		if k.breaker != nil && k.breaker.State(key) == circuitbreaker.StateHalfOpen {
			k.breaker.RecordFailure(key)
		}
		k.logger.Error("renewal failed",
			"agreement", a.Address.Hex(), "error", err)
		return OutcomeFailed, 0
	}
}
