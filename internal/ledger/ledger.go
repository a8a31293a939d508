// Package ledger is the recurring-payment ledger engine.
//
// It stores four record types at deterministic addresses (see package
// address) and moves funds between token accounts through a single bounded
// spending authorization per funding account:
//
//	Config           singleton governance record
//	Payee            one per authority, carries the rolling volume tier
//	Terms            price / period / grace published by a payee
//	Agreement        one payer's subscription to one Terms
//
// Flow:
//  1. Platform authority initializes Config.
//  2. Payee registers a treasury account and publishes Terms.
//  3. Payer approves the expected holder on a funding account and creates an
//     Agreement; the first payment is split and routed immediately (or
//     waived for a trial).
//  4. Any renewal executor calls ExecuteRenewal inside the due window and
//     earns the executor fee.
//  5. Payer cancels, may reactivate later with history preserved, and may
//     close a canceled agreement to remove it.
//
// Every operation runs in one store transaction: validation first, writes
// last, nothing visible on failure.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/token"
)

// Limits.
const (
	AbsoluteMinPeriodSeconds int64  = 86_400
	MaxTermsAmount           uint64 = 1_000_000_000_000 // 1,000,000 USDC
	MaxTermsIDLength                = 32
	DefaultAllowancePeriods  uint8  = 3
	DefaultMaxGracePeriod    int64  = 7 * 86_400
	DefaultMaxWithdrawal     uint64 = 1_000_000_000 // 1,000 USDC

	// Grace may be at most 30% of the billing period.
	maxGraceNumerator   = 3
	maxGraceDenominator = 10

	// A renewal warns when the remaining authorization covers fewer than
	// this many payments.
	lowAuthorizationPeriods uint64 = 2

	secondsPerDay int64 = 86_400
)

// ValidTrialDays lists the accepted trial lengths.
var ValidTrialDays = []uint16{7, 14, 30}

// Config is the singleton governance record.
type Config struct {
	Authority               common.Address  `json:"authority"`
	PendingAuthority        *common.Address `json:"pendingAuthority,omitempty"`
	MinPlatformFeeBps       uint16          `json:"minPlatformFeeBps"`
	MaxPlatformFeeBps       uint16          `json:"maxPlatformFeeBps"`
	ExecutorFeeBps          uint16          `json:"executorFeeBps"`
	MinPeriodSeconds        int64           `json:"minPeriodSeconds"`
	MaxGracePeriodSeconds   int64           `json:"maxGracePeriodSeconds"`
	DefaultAllowancePeriods uint8           `json:"defaultAllowancePeriods"`
	MaxWithdrawalAmount     uint64          `json:"maxWithdrawalAmount"`
	Asset                   common.Address  `json:"asset"`
	Treasury                common.Address  `json:"treasury"`
	Paused                  bool            `json:"paused"`
	CreatedAt               int64           `json:"createdAt"`
	UpdatedAt               int64           `json:"updatedAt"`
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	if c.PendingAuthority != nil {
		p := *c.PendingAuthority
		cp.PendingAuthority = &p
	}
	return &cp
}

// Payee is a registered recipient of recurring payments.
type Payee struct {
	Address          common.Address `json:"address"`
	Authority        common.Address `json:"authority"`
	Asset            common.Address `json:"asset"`
	Treasury         common.Address `json:"treasury"`
	PlatformFeeBps   uint16         `json:"platformFeeBps"`
	Tier             fees.Tier      `json:"tier"`
	MonthlyVolume    uint64         `json:"monthlyVolume"`
	LastVolumeUpdate int64          `json:"lastVolumeUpdate"`
	CreatedAt        int64          `json:"createdAt"`
}

// Clone returns a copy.
func (p *Payee) Clone() *Payee {
	cp := *p
	return &cp
}

func (p *Payee) volumeState() fees.VolumeState {
	return fees.VolumeState{Volume: p.MonthlyVolume, LastUpdate: p.LastVolumeUpdate, Tier: p.Tier}
}

// Terms is a price / period / grace template published by a payee.
type Terms struct {
	Address            common.Address `json:"address"`
	Payee              common.Address `json:"payee"`
	TermsID            string         `json:"termsId"`
	Amount             uint64         `json:"amount"`
	PeriodSeconds      int64          `json:"periodSeconds"`
	GracePeriodSeconds int64          `json:"gracePeriodSeconds"`
	Active             bool           `json:"active"`
	CreatedAt          int64          `json:"createdAt"`
	UpdatedAt          int64          `json:"updatedAt"`
}

// Clone returns a copy.
func (t *Terms) Clone() *Terms {
	cp := *t
	return &cp
}

// Agreement is one payer's subscription to one Terms.
type Agreement struct {
	Address        common.Address `json:"address"`
	Terms          common.Address `json:"terms"`
	Payee          common.Address `json:"payee"`
	Payer          common.Address `json:"payer"`
	FundingAccount common.Address `json:"fundingAccount"`
	Active         bool           `json:"active"`
	PaymentCount   uint64         `json:"paymentCount"` // renewals across all sessions, never reset
	CreatedAt      int64          `json:"createdAt"`    // first creation, never reset
	NextDue        int64          `json:"nextDue"`
	LastPaymentAt  int64          `json:"lastPaymentAt"`
	LastPaidAmount uint64         `json:"lastPaidAmount"`
	TrialEndsAt    *int64         `json:"trialEndsAt,omitempty"`
	InTrial        bool           `json:"inTrial"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// Clone returns a deep copy.
func (a *Agreement) Clone() *Agreement {
	cp := *a
	if a.TrialEndsAt != nil {
		v := *a.TrialEndsAt
		cp.TrialEndsAt = &v
	}
	return &cp
}

// Reader reads ledger records. Both Store and Tx implement it; inside a Tx
// reads see the transaction's own uncommitted writes.
type Reader interface {
	GetConfig(ctx context.Context) (*Config, error)
	GetPayee(ctx context.Context, addr common.Address) (*Payee, error)
	GetTerms(ctx context.Context, addr common.Address) (*Terms, error)
	GetAgreement(ctx context.Context, addr common.Address) (*Agreement, error)
	GetAccount(ctx context.Context, addr common.Address) (*token.Account, error)

	ListTermsByPayee(ctx context.Context, payee common.Address, limit int) ([]*Terms, error)
	ListAgreementsByPayer(ctx context.Context, payer common.Address, limit int) ([]*Agreement, error)
	ListAgreementsByAccount(ctx context.Context, account common.Address) ([]*Agreement, error)
	// ListDue returns active agreements whose due window contains now.
	ListDue(ctx context.Context, now int64, limit int) ([]*Agreement, error)
}

// Tx is a unit of work. Writes become visible only when the enclosing
// WithTx callback returns nil.
type Tx interface {
	Reader
	PutConfig(ctx context.Context, cfg *Config) error
	PutPayee(ctx context.Context, p *Payee) error
	PutTerms(ctx context.Context, t *Terms) error
	PutAgreement(ctx context.Context, a *Agreement) error
	DeleteAgreement(ctx context.Context, addr common.Address) error
	PutAccount(ctx context.Context, acct *token.Account) error
}

// Store persists ledger records.
type Store interface {
	Reader
	// WithTx runs fn atomically. If fn returns an error nothing is written.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// validation
	ErrInvalidRequest = errors.New("ledger: invalid request")
	ErrInvalidConfig  = errors.New("ledger: invalid configuration")
	ErrInvalidTerms   = errors.New("ledger: invalid payment terms")
	ErrInvalidTrial   = errors.New("ledger: invalid trial duration")
	ErrInvalidAmount  = errors.New("ledger: invalid amount")
	ErrNoChanges      = errors.New("ledger: no fields to update")
	ErrWrongAsset     = errors.New("ledger: token account holds the wrong asset")
	ErrWithdrawLimit  = errors.New("ledger: withdrawal exceeds configured maximum")

	// permission
	ErrUnauthorized = errors.New("ledger: signer not authorized")

	// not found
	ErrConfigNotFound    = errors.New("ledger: config not initialized")
	ErrPayeeNotFound     = errors.New("ledger: payee not found")
	ErrTermsNotFound     = errors.New("ledger: payment terms not found")
	ErrAgreementNotFound = errors.New("ledger: agreement not found")
	ErrAccountNotFound   = errors.New("ledger: token account not found")

	// state
	ErrConfigExists          = errors.New("ledger: config already initialized")
	ErrPayeeExists           = errors.New("ledger: payee already registered")
	ErrTermsExists           = errors.New("ledger: payment terms already exist")
	ErrAccountExists         = errors.New("ledger: token account already exists")
	ErrTermsInactive         = errors.New("ledger: payment terms inactive")
	ErrAgreementInactive     = errors.New("ledger: agreement inactive")
	ErrAgreementActive       = errors.New("ledger: agreement already active")
	ErrTrialAlreadyUsed      = errors.New("ledger: trial not available on reactivation")
	ErrPaused                = errors.New("ledger: program paused")
	ErrAlreadyPaused         = errors.New("ledger: program already paused")
	ErrNotPaused             = errors.New("ledger: program not paused")
	ErrTransferPending       = errors.New("ledger: authority transfer already pending")
	ErrNoPendingTransfer     = errors.New("ledger: no pending authority transfer")
	ErrInvalidTransferTarget = errors.New("ledger: invalid authority transfer target")

	// authorization
	ErrInsufficientAuthorization = errors.New("ledger: spending authorization below required amount")
	ErrHolderMismatch            = errors.New("ledger: spending authorization held by a different holder")

	// timing
	ErrNotDue    = errors.New("ledger: renewal not yet due")
	ErrPastGrace = errors.New("ledger: renewal window passed")

	// funds
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// arithmetic
	ErrArithmetic = errors.New("ledger: arithmetic overflow")
)

// ErrorKind classifies ledger errors so callers can choose a remediation
// without matching every sentinel.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindValidation    ErrorKind = "validation"
	KindPermission    ErrorKind = "permission"
	KindNotFound      ErrorKind = "not_found"
	KindState         ErrorKind = "state"
	KindAuthorization ErrorKind = "authorization"
	KindTiming        ErrorKind = "timing"
	KindFunds         ErrorKind = "funds"
	KindArithmetic    ErrorKind = "arithmetic"
	KindInternal      ErrorKind = "internal"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidRequest, KindValidation},
	{ErrInvalidConfig, KindValidation},
	{ErrInvalidTerms, KindValidation},
	{ErrInvalidTrial, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrNoChanges, KindValidation},
	{ErrWrongAsset, KindValidation},
	{ErrWithdrawLimit, KindValidation},

	{ErrUnauthorized, KindPermission},

	{ErrConfigNotFound, KindNotFound},
	{ErrPayeeNotFound, KindNotFound},
	{ErrTermsNotFound, KindNotFound},
	{ErrAgreementNotFound, KindNotFound},
	{ErrAccountNotFound, KindNotFound},

	{ErrConfigExists, KindState},
	{ErrPayeeExists, KindState},
	{ErrTermsExists, KindState},
	{ErrAccountExists, KindState},
	{ErrTermsInactive, KindState},
	{ErrAgreementInactive, KindState},
	{ErrAgreementActive, KindState},
	{ErrTrialAlreadyUsed, KindState},
	{ErrPaused, KindState},
	{ErrAlreadyPaused, KindState},
	{ErrNotPaused, KindState},
	{ErrTransferPending, KindState},
	{ErrNoPendingTransfer, KindState},
	{ErrInvalidTransferTarget, KindState},

	{ErrInsufficientAuthorization, KindAuthorization},
	{ErrHolderMismatch, KindAuthorization},

	{ErrNotDue, KindTiming},
	{ErrPastGrace, KindTiming},

	{ErrInsufficientFunds, KindFunds},

	{ErrArithmetic, KindArithmetic},
	{fees.ErrOverflow, KindArithmetic},
}

// KindOf returns the kind of err, KindNone for nil and KindInternal for
// anything that is not a ledger sentinel (store failures, cancellations).
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsDomainError reports whether err is a deterministic ledger rejection that
// will fail identically if retried against the same state.
func IsDomainError(err error) bool {
	k := KindOf(err)
	return k != KindNone && k != KindInternal
}

// tokenError maps token-level failures onto ledger sentinels.
func tokenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, token.ErrInsufficientAllowance):
		return ErrInsufficientAuthorization
	case errors.Is(err, token.ErrDelegateMismatch):
		return ErrHolderMismatch
	case errors.Is(err, token.ErrAssetMismatch):
		return ErrWrongAsset
	case errors.Is(err, token.ErrOwnerMismatch):
		return ErrUnauthorized
	case errors.Is(err, token.ErrOverflow):
		return ErrArithmetic
	}
	return err
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// InitConfigRequest initializes the singleton config.
type InitConfigRequest struct {
	Authority               common.Address `json:"authority" validate:"required"`
	Asset                   common.Address `json:"asset" validate:"required"`
	MinPlatformFeeBps       uint16         `json:"minPlatformFeeBps" validate:"lte=10000"`
	MaxPlatformFeeBps       uint16         `json:"maxPlatformFeeBps" validate:"lte=10000"`
	ExecutorFeeBps          uint16         `json:"executorFeeBps" validate:"lte=100"`
	MinPeriodSeconds        int64          `json:"minPeriodSeconds"`
	MaxGracePeriodSeconds   int64          `json:"maxGracePeriodSeconds" validate:"gte=0"`
	DefaultAllowancePeriods uint8          `json:"defaultAllowancePeriods"` // 0 = 3
	MaxWithdrawalAmount     uint64         `json:"maxWithdrawalAmount"`     // 0 = 1,000 USDC
}

// UpdateConfigRequest changes governance parameters. Nil fields are left
// unchanged; at least one must be set.
type UpdateConfigRequest struct {
	MinPlatformFeeBps       *uint16 `json:"minPlatformFeeBps,omitempty" validate:"omitempty,lte=10000"`
	MaxPlatformFeeBps       *uint16 `json:"maxPlatformFeeBps,omitempty" validate:"omitempty,lte=10000"`
	ExecutorFeeBps          *uint16 `json:"executorFeeBps,omitempty" validate:"omitempty,lte=100"`
	MinPeriodSeconds        *int64  `json:"minPeriodSeconds,omitempty"`
	MaxGracePeriodSeconds   *int64  `json:"maxGracePeriodSeconds,omitempty" validate:"omitempty,gte=0"`
	DefaultAllowancePeriods *uint8  `json:"defaultAllowancePeriods,omitempty" validate:"omitempty,gte=1"`
	MaxWithdrawalAmount     *uint64 `json:"maxWithdrawalAmount,omitempty" validate:"omitempty,gt=0"`
}

func (r UpdateConfigRequest) empty() bool {
	return r.MinPlatformFeeBps == nil && r.MaxPlatformFeeBps == nil && r.ExecutorFeeBps == nil &&
		r.MinPeriodSeconds == nil && r.MaxGracePeriodSeconds == nil &&
		r.DefaultAllowancePeriods == nil && r.MaxWithdrawalAmount == nil
}

// WithdrawRequest moves platform fees out of the platform treasury.
type WithdrawRequest struct {
	Destination common.Address `json:"destination" validate:"required"`
	Amount      uint64         `json:"amount" validate:"gt=0"`
}

// TransferAuthorityRequest starts a two-step authority handover.
type TransferAuthorityRequest struct {
	NewAuthority common.Address `json:"newAuthority" validate:"required"`
}

// RegisterPayeeRequest registers the signer as a payee.
type RegisterPayeeRequest struct {
	Treasury common.Address `json:"treasury" validate:"required"`
}

// CreateTermsRequest publishes new payment terms for the signer's payee.
type CreateTermsRequest struct {
	TermsID            string `json:"termsId" validate:"required"`
	Amount             uint64 `json:"amount" validate:"gt=0"`
	PeriodSeconds      int64  `json:"periodSeconds" validate:"gt=0"`
	GracePeriodSeconds int64  `json:"gracePeriodSeconds" validate:"gte=0"`
}

// UpdateTermsRequest changes price, period or grace. Nil fields are left
// unchanged; at least one must be set.
type UpdateTermsRequest struct {
	Terms              common.Address `json:"terms" validate:"required"`
	Amount             *uint64        `json:"amount,omitempty" validate:"omitempty,gt=0"`
	PeriodSeconds      *int64         `json:"periodSeconds,omitempty" validate:"omitempty,gt=0"`
	GracePeriodSeconds *int64         `json:"gracePeriodSeconds,omitempty" validate:"omitempty,gte=0"`
}

// CreateAgreementRequest creates or reactivates the signer's agreement on
// Terms.
type CreateAgreementRequest struct {
	Terms          common.Address `json:"terms" validate:"required"`
	FundingAccount common.Address `json:"fundingAccount" validate:"required"`
	// AllowancePeriods is the number of payments the authorization must
	// cover on a new agreement; 0 uses the config default.
	AllowancePeriods uint8 `json:"allowancePeriods"`
	// TrialDays requests a trial; only 7, 14 or 30 and only on first creation.
	TrialDays *uint16 `json:"trialDays,omitempty"`
}

// RenewalRequest asks the ledger to collect a due payment.
type RenewalRequest struct {
	Agreement       common.Address `json:"agreement" validate:"required"`
	ExecutorAccount common.Address `json:"executorAccount" validate:"required"`
}

// OpenAccountRequest opens the signer's canonical token account for Asset.
type OpenAccountRequest struct {
	Asset common.Address `json:"asset" validate:"required"`
}

// DepositRequest credits a token account.
type DepositRequest struct {
	Amount uint64 `json:"amount" validate:"gt=0"`
}

// ApproveRequest grants the holder expected for Payee a bounded allowance.
type ApproveRequest struct {
	Account common.Address `json:"account" validate:"required"`
	Payee   common.Address `json:"payee" validate:"required"`
	Amount  uint64         `json:"amount" validate:"gt=0"`
}
