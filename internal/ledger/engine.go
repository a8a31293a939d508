package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/mbd888/recurring/internal/address"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/token"
	"github.com/mbd888/recurring/internal/traces"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Engine executes ledger operations. Every exported mutating method runs in
// exactly one store transaction and takes the already-verified signer as an
// explicit argument.
type Engine struct {
	store          Store
	sink           EventSink
	clock          func() time.Time
	policy         fees.TierPolicy
	sharedDelegate bool
	logger         *slog.Logger
	validate       *validator.Validate
}

// NewEngine creates an engine over store with the default tier policy and
// per-payee authorization holders.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:    store,
		sink:     nopSink{},
		clock:    time.Now,
		policy:   fees.DefaultTierPolicy(),
		logger:   slog.Default(),
		validate: validator.New(),
	}
}

// WithEventSink sets the receiver of ledger events.
func (e *Engine) WithEventSink(sink EventSink) *Engine {
	if sink == nil {
		sink = nopSink{}
	}
	e.sink = sink
	return e
}

// WithClock overrides the time source (tests).
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithTierPolicy replaces the volume tier thresholds and decay mode.
func (e *Engine) WithTierPolicy(p fees.TierPolicy) *Engine {
	e.policy = p
	return e
}

// WithSharedDelegate makes every payee share one authorization holder.
// Payers funding several payees from one account then need a single grant,
// at the cost of every payee drawing from the same allowance.
func (e *Engine) WithSharedDelegate() *Engine {
	e.sharedDelegate = true
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store {
	return e.store
}

// TierPolicy returns the active tier policy.
func (e *Engine) TierPolicy() fees.TierPolicy {
	return e.policy
}

// ExpectedHolder returns the identity that must hold a funding account's
// grant for payments to payee.
func (e *Engine) ExpectedHolder(payee common.Address) common.Address {
	if e.sharedDelegate {
		return address.SharedDelegate()
	}
	return address.Delegate(payee)
}

// checkRequest runs struct-tag validation on a request.
func (e *Engine) checkRequest(req interface{}) error {
	if err := e.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operation runner
// ---------------------------------------------------------------------------

// op is the state of one operation attempt inside a transaction.
type op struct {
	ctx      context.Context
	tx       Tx
	now      int64
	events   []Event
	warnings []Event

	// accounts caches token accounts by address so two roles that resolve to
	// the same account share one in-memory copy.
	accounts map[common.Address]*token.Account
	dirty    map[common.Address]bool
}

func (o *op) emit(ev Event) { o.events = append(o.events, ev) }

// warn records an event that is delivered even if the operation fails.
func (o *op) warn(ev Event) { o.warnings = append(o.warnings, ev) }

func (o *op) config() (*Config, error) {
	cfg, err := o.tx.GetConfig(o.ctx)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *op) unpausedConfig() (*Config, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	if cfg.Paused {
		return nil, ErrPaused
	}
	return cfg, nil
}

// account loads a token account fresh from the transaction.
func (o *op) account(addr common.Address) (*token.Account, error) {
	if acct, ok := o.accounts[addr]; ok {
		return acct, nil
	}
	acct, err := o.tx.GetAccount(o.ctx, addr)
	if err != nil {
		return nil, err
	}
	o.accounts[addr] = acct
	return acct, nil
}

func (o *op) markDirty(accts ...*token.Account) {
	for _, a := range accts {
		o.dirty[a.Address] = true
	}
}

// saveAccounts writes every modified account.
func (o *op) saveAccounts() error {
	for addr := range o.dirty {
		if err := o.tx.PutAccount(o.ctx, o.accounts[addr]); err != nil {
			return err
		}
	}
	return nil
}

// run executes fn inside one store transaction and delivers its events.
func (e *Engine) run(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(o *op) error) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+name, attrs...)
	done := observeOp(name)
	defer func() {
		done(retErr)
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	var last *op
	err := e.store.WithTx(ctx, func(tx Tx) error {
		o := &op{
			ctx:      ctx,
			tx:       tx,
			now:      e.clock().Unix(),
			accounts: make(map[common.Address]*token.Account),
			dirty:    make(map[common.Address]bool),
		}
		last = o
		if err := fn(o); err != nil {
			return err
		}
		return o.saveAccounts()
	})

	if last != nil {
		for _, w := range last.warnings {
			e.deliver(ctx, w)
		}
	}
	if err != nil {
		if !IsDomainError(err) {
			e.logger.Error("ledger operation failed", "operation", name, "error", err)
		}
		return err
	}
	for _, ev := range last.events {
		e.deliver(ctx, ev)
	}
	return nil
}

func (e *Engine) deliver(ctx context.Context, ev Event) {
	eventsTotal.WithLabelValues(string(ev.Type)).Inc()
	e.sink.Emit(ctx, ev)
}

// read runs a read-only query under a span.
func (e *Engine) read(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+name, attrs...)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()
	return fn(ctx)
}

// ---------------------------------------------------------------------------
// Payment routing
// ---------------------------------------------------------------------------

// platformFeeBps derives the payee's effective rate from its tier and the
// current config bounds.
func platformFeeBps(cfg *Config, tier fees.Tier) uint16 {
	return fees.ClampBps(tier.FeeBps(), cfg.MinPlatformFeeBps, cfg.MaxPlatformFeeBps)
}

// payment describes one collection from a funding account.
type payment struct {
	cfg         *Config
	payee       *Payee
	agreement   common.Address
	funding     *token.Account
	holder      common.Address
	amount      uint64
	executorBps uint16
	executor    *token.Account // nil when executorBps is 0
}

// requireHolder fails with ErrHolderMismatch, and queues a warning, when the
// funding account's grant is not held by holder.
func (o *op) requireHolder(agreement common.Address, funding *token.Account, holder common.Address) error {
	if funding.HolderIs(holder) {
		return nil
	}
	var actual *common.Address
	if funding.Delegate != nil {
		a := *funding.Delegate
		actual = &a
	}
	o.warn(newEvent(EventHolderMismatchWarning, o.now, HolderMismatchWarning{
		Agreement: agreement,
		Account:   funding.Address,
		Expected:  holder,
		Actual:    actual,
	}, agreement, funding.Owner))
	return fmt.Errorf("%w: account %s", ErrHolderMismatch, funding.Address.Hex())
}

// collect splits p.amount and moves each part out of the funding account
// using the delegated grant. Zero parts are skipped.
func (e *Engine) collect(o *op, p payment) (fees.Split, error) {
	split, err := fees.Compute(p.amount, p.executorBps, platformFeeBps(p.cfg, p.payee.Tier))
	if err != nil {
		return fees.Split{}, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
	if p.funding.Balance < p.amount {
		return fees.Split{}, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, p.funding.Balance, p.amount)
	}

	platformTreasury, err := o.account(p.cfg.Treasury)
	if err != nil {
		return fees.Split{}, err
	}
	payeeTreasury, err := o.account(p.payee.Treasury)
	if err != nil {
		return fees.Split{}, err
	}

	legs := []struct {
		to     *token.Account
		amount uint64
	}{
		{p.executor, split.ExecutorFee},
		{platformTreasury, split.PlatformFee},
		{payeeTreasury, split.PayeeAmount},
	}
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		if err := token.DelegatedTransfer(p.funding, leg.to, p.holder, leg.amount); err != nil {
			return fees.Split{}, tokenError(err)
		}
		o.markDirty(leg.to)
	}
	o.markDirty(p.funding)

	paymentsTotal.Inc()
	paymentVolume.Add(float64(p.amount))
	feesCollected.WithLabelValues("executor").Add(float64(split.ExecutorFee))
	feesCollected.WithLabelValues("platform").Add(float64(split.PlatformFee))
	return split, nil
}

// recordVolume folds a successful payment into the payee's rolling volume
// and emits tier_changed when the tier moves.
func (e *Engine) recordVolume(o *op, cfg *Config, payee *Payee, amount uint64) error {
	prev := payee.Tier
	state, err := e.policy.UpdateVolume(payee.volumeState(), amount, o.now)
	if err != nil {
		return fmt.Errorf("%w: payee volume: %v", ErrArithmetic, err)
	}
	payee.MonthlyVolume = state.Volume
	payee.LastVolumeUpdate = state.LastUpdate
	payee.Tier = state.Tier
	payee.PlatformFeeBps = platformFeeBps(cfg, state.Tier)

	if state.Tier != prev {
		tierChanges.WithLabelValues(string(state.Tier)).Inc()
		o.emit(newEvent(EventTierChanged, o.now, TierChanged{
			Payee:          payee.Address,
			OldTier:        prev,
			NewTier:        state.Tier,
			Volume:         state.Volume,
			PlatformFeeBps: payee.PlatformFeeBps,
		}, payee.Address))
	}
	return o.tx.PutPayee(o.ctx, payee)
}

// addSeconds adds two timestamps or durations, failing on int64 overflow.
func addSeconds(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrArithmetic
	}
	return a + b, nil
}

// optional converts a not-found error into (nil, nil).
func optional[T any](v *T, err error) (*T, error) {
	if KindOf(err) == KindNotFound {
		return nil, nil
	}
	return v, err
}

func attrs(kv ...attribute.KeyValue) []attribute.KeyValue { return kv }
