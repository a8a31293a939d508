package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/retry"
	"github.com/mbd888/recurring/internal/token"
)

// Serializable transactions that lose a conflict are re-run from the start
// so the caller sees the outcome against the winner's committed state.
const (
	txMaxAttempts = 5
	txRetryDelay  = 10 * time.Millisecond
)

// PostgresStore implements Store with PostgreSQL. Amounts are NUMERIC(20,0)
// so the full uint64 range round-trips.
type PostgresStore struct {
	pgReader
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store. The schema
// is managed by goose migrations (cmd/migrate).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// Ping checks the database connection.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// WithTx runs fn in a serializable transaction. Single-row reads inside the
// transaction lock their rows until commit. A serialization failure or
// deadlock re-runs fn in a fresh transaction, so fn must not keep state
// between calls.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return retry.Do(ctx, txMaxAttempts, txRetryDelay, func() error {
		err := p.runTx(ctx, fn)
		if err != nil && !isSerializationFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// isSerializationFailure reports SQLSTATE 40001 (serialization_failure) and
// 40P01 (deadlock_detected).
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{pgReader: pgReader{q: sqlTx, forUpdate: true}, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type pgReader struct {
	q         querier
	forUpdate bool
}

func (r pgReader) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

const configColumns = `authority, pending_authority, min_platform_fee_bps, max_platform_fee_bps,
	executor_fee_bps, min_period_seconds, max_grace_period_seconds, default_allowance_periods,
	max_withdrawal_amount, asset, treasury, paused, created_at, updated_at`

func (r pgReader) GetConfig(ctx context.Context) (*Config, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+configColumns+` FROM ledger_config WHERE id = 1`+r.lockClause())

	var (
		c                  Config
		authority, asset   string
		treasury           string
		pending            sql.NullString
		maxWithdraw        string
		minBps, maxBps, ex int
		periods            int
	)
	err := row.Scan(&authority, &pending, &minBps, &maxBps, &ex, &c.MinPeriodSeconds,
		&c.MaxGracePeriodSeconds, &periods, &maxWithdraw, &asset, &treasury, &c.Paused,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Authority = common.HexToAddress(authority)
	c.PendingAuthority = addressPtr(pending)
	c.MinPlatformFeeBps = uint16(minBps) //nolint:gosec // CHECK constraint bounds to 0..10000
	c.MaxPlatformFeeBps = uint16(maxBps) //nolint:gosec // CHECK constraint bounds to 0..10000
	c.ExecutorFeeBps = uint16(ex)        //nolint:gosec // CHECK constraint bounds to 0..100
	c.Asset = common.HexToAddress(asset)
	c.Treasury = common.HexToAddress(treasury)
	c.DefaultAllowancePeriods = uint8(periods) //nolint:gosec // written from a uint8
	if c.MaxWithdrawalAmount, err = parseUnits(maxWithdraw); err != nil {
		return nil, err
	}
	return &c, nil
}

const payeeColumns = `address, authority, asset, treasury, platform_fee_bps, tier,
	monthly_volume, last_volume_update, created_at`

func (r pgReader) GetPayee(ctx context.Context, addr common.Address) (*Payee, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+payeeColumns+` FROM payees WHERE address = $1`+r.lockClause(), addr.Hex())
	p, err := scanPayee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayeeNotFound
	}
	return p, err
}

const termsColumns = `address, payee, terms_id, amount, period_seconds, grace_period_seconds,
	active, created_at, updated_at`

func (r pgReader) GetTerms(ctx context.Context, addr common.Address) (*Terms, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+termsColumns+` FROM payment_terms WHERE address = $1`+r.lockClause(), addr.Hex())
	t, err := scanTerms(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTermsNotFound
	}
	return t, err
}

const agreementColumns = `a.address, a.terms, a.payee, a.payer, a.funding_account, a.active,
	a.payment_count, a.created_at, a.next_due, a.last_payment_at, a.last_paid_amount,
	a.trial_ends_at, a.in_trial, a.updated_at`

func (r pgReader) GetAgreement(ctx context.Context, addr common.Address) (*Agreement, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM payment_agreements a WHERE a.address = $1`+r.lockClause(), addr.Hex())
	a, err := scanAgreement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgreementNotFound
	}
	return a, err
}

func (r pgReader) GetAccount(ctx context.Context, addr common.Address) (*token.Account, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT address, owner, asset, balance, delegate, delegated_amount
		FROM token_accounts WHERE address = $1`+r.lockClause(), addr.Hex())

	var (
		address, owner, asset string
		balance, delegated    string
		delegate              sql.NullString
	)
	err := row.Scan(&address, &owner, &asset, &balance, &delegate, &delegated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct := &token.Account{
		Address:  common.HexToAddress(address),
		Owner:    common.HexToAddress(owner),
		Asset:    common.HexToAddress(asset),
		Delegate: addressPtr(delegate),
	}
	if acct.Balance, err = parseUnits(balance); err != nil {
		return nil, err
	}
	if acct.DelegatedAmount, err = parseUnits(delegated); err != nil {
		return nil, err
	}
	return acct, nil
}

func (r pgReader) ListTermsByPayee(ctx context.Context, payee common.Address, limit int) ([]*Terms, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+termsColumns+` FROM payment_terms
		WHERE payee = $1
		ORDER BY created_at DESC, terms_id ASC
		LIMIT $2`, payee.Hex(), sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Terms
	for rows.Next() {
		t, err := scanTerms(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r pgReader) ListAgreementsByPayer(ctx context.Context, payer common.Address, limit int) ([]*Agreement, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+agreementColumns+` FROM payment_agreements a
		WHERE a.payer = $1
		ORDER BY a.created_at DESC, a.address ASC
		LIMIT $2`, payer.Hex(), sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgreements(rows)
}

func (r pgReader) ListAgreementsByAccount(ctx context.Context, account common.Address) ([]*Agreement, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+agreementColumns+` FROM payment_agreements a
		WHERE a.funding_account = $1
		ORDER BY a.created_at ASC, a.address ASC`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgreements(rows)
}

func (r pgReader) ListDue(ctx context.Context, now int64, limit int) ([]*Agreement, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+agreementColumns+`
		FROM payment_agreements a
		JOIN payment_terms t ON t.address = a.terms
		WHERE a.active
		  AND a.next_due <= $1
		  AND $1 <= a.next_due + t.grace_period_seconds
		ORDER BY a.next_due ASC, a.address ASC
		LIMIT $2`, now, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAgreements(rows)
}

// pgTx is one serializable transaction.
type pgTx struct {
	pgReader
	tx *sql.Tx
}

func (t *pgTx) PutConfig(ctx context.Context, c *Config) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_config (id, `+configColumns+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC(20,0), $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			authority = EXCLUDED.authority,
			pending_authority = EXCLUDED.pending_authority,
			min_platform_fee_bps = EXCLUDED.min_platform_fee_bps,
			max_platform_fee_bps = EXCLUDED.max_platform_fee_bps,
			executor_fee_bps = EXCLUDED.executor_fee_bps,
			min_period_seconds = EXCLUDED.min_period_seconds,
			max_grace_period_seconds = EXCLUDED.max_grace_period_seconds,
			default_allowance_periods = EXCLUDED.default_allowance_periods,
			max_withdrawal_amount = EXCLUDED.max_withdrawal_amount,
			paused = EXCLUDED.paused,
			updated_at = EXCLUDED.updated_at`,
		c.Authority.Hex(), nullAddress(c.PendingAuthority), int(c.MinPlatformFeeBps), int(c.MaxPlatformFeeBps),
		int(c.ExecutorFeeBps), c.MinPeriodSeconds, c.MaxGracePeriodSeconds, int(c.DefaultAllowancePeriods),
		formatUnits(c.MaxWithdrawalAmount), c.Asset.Hex(), c.Treasury.Hex(), c.Paused, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func (t *pgTx) PutPayee(ctx context.Context, p *Payee) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payees (`+payeeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,0), $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			platform_fee_bps = EXCLUDED.platform_fee_bps,
			tier = EXCLUDED.tier,
			monthly_volume = EXCLUDED.monthly_volume,
			last_volume_update = EXCLUDED.last_volume_update`,
		p.Address.Hex(), p.Authority.Hex(), p.Asset.Hex(), p.Treasury.Hex(), int(p.PlatformFeeBps),
		string(p.Tier), formatUnits(p.MonthlyVolume), p.LastVolumeUpdate, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payee: %w", err)
	}
	return nil
}

func (t *pgTx) PutTerms(ctx context.Context, tm *Terms) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_terms (`+termsColumns+`)
		VALUES ($1, $2, $3, $4::NUMERIC(20,0), $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			amount = EXCLUDED.amount,
			period_seconds = EXCLUDED.period_seconds,
			grace_period_seconds = EXCLUDED.grace_period_seconds,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		tm.Address.Hex(), tm.Payee.Hex(), tm.TermsID, formatUnits(tm.Amount), tm.PeriodSeconds,
		tm.GracePeriodSeconds, tm.Active, tm.CreatedAt, tm.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save terms: %w", err)
	}
	return nil
}

func (t *pgTx) PutAgreement(ctx context.Context, a *Agreement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_agreements (address, terms, payee, payer, funding_account, active,
			payment_count, created_at, next_due, last_payment_at, last_paid_amount,
			trial_ends_at, in_trial, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,0), $8, $9, $10, $11::NUMERIC(20,0), $12, $13, $14)
		ON CONFLICT (address) DO UPDATE SET
			funding_account = EXCLUDED.funding_account,
			active = EXCLUDED.active,
			payment_count = EXCLUDED.payment_count,
			created_at = EXCLUDED.created_at,
			next_due = EXCLUDED.next_due,
			last_payment_at = EXCLUDED.last_payment_at,
			last_paid_amount = EXCLUDED.last_paid_amount,
			trial_ends_at = EXCLUDED.trial_ends_at,
			in_trial = EXCLUDED.in_trial,
			updated_at = EXCLUDED.updated_at`,
		a.Address.Hex(), a.Terms.Hex(), a.Payee.Hex(), a.Payer.Hex(), a.FundingAccount.Hex(), a.Active,
		formatUnits(a.PaymentCount), a.CreatedAt, a.NextDue, a.LastPaymentAt, formatUnits(a.LastPaidAmount),
		nullInt64(a.TrialEndsAt), a.InTrial, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save agreement: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteAgreement(ctx context.Context, addr common.Address) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM payment_agreements WHERE address = $1`, addr.Hex())
	if err != nil {
		return fmt.Errorf("failed to delete agreement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

func (t *pgTx) PutAccount(ctx context.Context, acct *token.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO token_accounts (address, owner, asset, balance, delegate, delegated_amount)
		VALUES ($1, $2, $3, $4::NUMERIC(20,0), $5, $6::NUMERIC(20,0))
		ON CONFLICT (address) DO UPDATE SET
			balance = EXCLUDED.balance,
			delegate = EXCLUDED.delegate,
			delegated_amount = EXCLUDED.delegated_amount`,
		acct.Address.Hex(), acct.Owner.Hex(), acct.Asset.Hex(), formatUnits(acct.Balance),
		nullAddress(acct.Delegate), formatUnits(acct.DelegatedAmount),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayee(s scanner) (*Payee, error) {
	var (
		p                                   Payee
		address, authority, asset, treasury string
		feeBps                              int
		tier, volume                        string
	)
	err := s.Scan(&address, &authority, &asset, &treasury, &feeBps, &tier, &volume, &p.LastVolumeUpdate, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Address = common.HexToAddress(address)
	p.Authority = common.HexToAddress(authority)
	p.Asset = common.HexToAddress(asset)
	p.Treasury = common.HexToAddress(treasury)
	p.PlatformFeeBps = uint16(feeBps) //nolint:gosec // written from a uint16
	p.Tier = fees.Tier(tier)
	if p.MonthlyVolume, err = parseUnits(volume); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTerms(s scanner) (*Terms, error) {
	var (
		t              Terms
		address, payee string
		amount         string
	)
	err := s.Scan(&address, &payee, &t.TermsID, &amount, &t.PeriodSeconds, &t.GracePeriodSeconds,
		&t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Address = common.HexToAddress(address)
	t.Payee = common.HexToAddress(payee)
	if t.Amount, err = parseUnits(amount); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAgreement(s scanner) (*Agreement, error) {
	var (
		a                                   Agreement
		address, terms, payee, payer, funds string
		count, lastPaid                     string
		trialEnds                           sql.NullInt64
	)
	err := s.Scan(&address, &terms, &payee, &payer, &funds, &a.Active, &count, &a.CreatedAt,
		&a.NextDue, &a.LastPaymentAt, &lastPaid, &trialEnds, &a.InTrial, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Address = common.HexToAddress(address)
	a.Terms = common.HexToAddress(terms)
	a.Payee = common.HexToAddress(payee)
	a.Payer = common.HexToAddress(payer)
	a.FundingAccount = common.HexToAddress(funds)
	if trialEnds.Valid {
		v := trialEnds.Int64
		a.TrialEndsAt = &v
	}
	if a.PaymentCount, err = parseUnits(count); err != nil {
		return nil, err
	}
	if a.LastPaidAmount, err = parseUnits(lastPaid); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAgreements(rows *sql.Rows) ([]*Agreement, error) {
	var result []*Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func parseUnits(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return v, nil
}

func formatUnits(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

// nullAddress converts a *common.Address to sql.NullString.
func nullAddress(a *common.Address) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

// nullInt64 converts a *int64 to sql.NullInt64.
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func addressPtr(s sql.NullString) *common.Address {
	if !s.Valid {
		return nil
	}
	a := common.HexToAddress(s.String)
	return &a
}
