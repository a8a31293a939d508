package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/address"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/traces"
)

// RenewalResult is the outcome of a successful renewal.
type RenewalResult struct {
	Agreement *Agreement `json:"agreement"`
	Split     fees.Split `json:"split"`
}

func validTrialDays(days uint16) bool {
	for _, d := range ValidTrialDays {
		if d == days {
			return true
		}
	}
	return false
}

// IsRenewalDue reports whether a can be renewed at now: it is active and now
// lies in [next_due, next_due + grace]. It reads no state and never fails.
func IsRenewalDue(a *Agreement, t *Terms, now int64) bool {
	if a == nil || t == nil || !a.Active {
		return false
	}
	if now < a.NextDue {
		return false
	}
	deadline, err := addSeconds(a.NextDue, t.GracePeriodSeconds)
	if err != nil {
		return true // deadline beyond representable time
	}
	return now <= deadline
}

// CreateOrReactivateAgreement starts payer's agreement on req.Terms, or
// reactivates it if a canceled one exists. The first payment is collected
// immediately unless a trial is requested on a new agreement.
//
// Reactivation keeps PaymentCount and CreatedAt, requires the grant to cover
// one payment rather than AllowancePeriods payments, and never starts a
// trial.
func (e *Engine) CreateOrReactivateAgreement(ctx context.Context, payer common.Address, req CreateAgreementRequest) (*Agreement, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	var out *Agreement
	err := e.run(ctx, "CreateOrReactivateAgreement", attrs(traces.Signer(payer), traces.Terms(req.Terms)), func(o *op) error {
		cfg, err := o.unpausedConfig()
		if err != nil {
			return err
		}
		terms, err := o.tx.GetTerms(o.ctx, req.Terms)
		if err != nil {
			return err
		}
		if !terms.Active {
			return ErrTermsInactive
		}
		payee, err := o.tx.GetPayee(o.ctx, terms.Payee)
		if err != nil {
			return err
		}

		addr := address.Agreement(terms.Address, payer)
		existing, err := optional(o.tx.GetAgreement(o.ctx, addr))
		if err != nil {
			return err
		}
		reactivating := existing != nil
		if reactivating && existing.Active {
			return ErrAgreementActive
		}
		if req.TrialDays != nil {
			if reactivating {
				return ErrTrialAlreadyUsed
			}
			if !validTrialDays(*req.TrialDays) {
				return fmt.Errorf("%w: %d days", ErrInvalidTrial, *req.TrialDays)
			}
		}

		funding, err := o.account(req.FundingAccount)
		if err != nil {
			return err
		}
		if funding.Owner != payer {
			return fmt.Errorf("%w: funding account not owned by payer", ErrUnauthorized)
		}
		if funding.Asset != payee.Asset {
			return ErrWrongAsset
		}

		holder := e.ExpectedHolder(payee.Address)
		if err := o.requireHolder(addr, funding, holder); err != nil {
			return err
		}
		required := terms.Amount
		if !reactivating {
			periods := req.AllowancePeriods
			if periods == 0 {
				periods = cfg.DefaultAllowancePeriods
			}
			required, err = fees.MulChecked(terms.Amount, uint64(periods))
			if err != nil {
				return ErrArithmetic
			}
		}
		if funding.DelegatedAmount < required {
			return fmt.Errorf("%w: granted %d, need %d", ErrInsufficientAuthorization, funding.DelegatedAmount, required)
		}

		a := &Agreement{
			Address:        addr,
			Terms:          terms.Address,
			Payee:          payee.Address,
			Payer:          payer,
			FundingAccount: funding.Address,
			Active:         true,
			CreatedAt:      o.now,
			UpdatedAt:      o.now,
		}
		if reactivating {
			a.PaymentCount = existing.PaymentCount
			a.CreatedAt = existing.CreatedAt
		}

		if req.TrialDays != nil {
			trialEnd, err := addSeconds(o.now, int64(*req.TrialDays)*secondsPerDay)
			if err != nil {
				return err
			}
			a.TrialEndsAt = &trialEnd
			a.InTrial = true
			a.NextDue = trialEnd
			if err := o.tx.PutAgreement(o.ctx, a); err != nil {
				return err
			}
			o.emit(newEvent(EventAgreementStarted, o.now, AgreementStarted{
				Agreement: addr,
				Terms:     terms.Address,
				Payee:     payee.Address,
				Payer:     payer,
				Amount:    terms.Amount,
				InTrial:   true,
				NextDue:   a.NextDue,
			}, addr, payer, payee.Address))
			o.emit(newEvent(EventTrialStarted, o.now, TrialStarted{
				Agreement:   addr,
				Payer:       payer,
				TrialEndsAt: trialEnd,
			}, addr, payer, payee.Address))
			out = a
			return nil
		}

		split, err := e.collect(o, payment{
			cfg:       cfg,
			payee:     payee,
			agreement: addr,
			funding:   funding,
			holder:    holder,
			amount:    terms.Amount,
		})
		if err != nil {
			return err
		}
		if a.NextDue, err = addSeconds(o.now, terms.PeriodSeconds); err != nil {
			return err
		}
		a.LastPaymentAt = o.now
		a.LastPaidAmount = terms.Amount

		if err := o.tx.PutAgreement(o.ctx, a); err != nil {
			return err
		}
		if err := e.recordVolume(o, cfg, payee, terms.Amount); err != nil {
			return err
		}

		if reactivating {
			agreementsReactivated.Inc()
			o.emit(newEvent(EventAgreementReactivated, o.now, AgreementReactivated{
				Agreement:         addr,
				Payer:             payer,
				Amount:            terms.Amount,
				Split:             split,
				PaymentCount:      a.PaymentCount,
				OriginalCreatedAt: a.CreatedAt,
				NextDue:           a.NextDue,
			}, addr, payer, payee.Address))
		} else {
			s := split
			o.emit(newEvent(EventAgreementStarted, o.now, AgreementStarted{
				Agreement: addr,
				Terms:     terms.Address,
				Payee:     payee.Address,
				Payer:     payer,
				Amount:    terms.Amount,
				Split:     &s,
				NextDue:   a.NextDue,
			}, addr, payer, payee.Address))
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteRenewal collects the payment due on req.Agreement. Any identity
// may call it; the executor fee is paid into req.ExecutorAccount, which must
// belong to the executor.
func (e *Engine) ExecuteRenewal(ctx context.Context, executor common.Address, req RenewalRequest) (*RenewalResult, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	var out *RenewalResult
	err := e.run(ctx, "ExecuteRenewal", attrs(traces.Signer(executor), traces.Agreement(req.Agreement)), func(o *op) error {
		cfg, err := o.unpausedConfig()
		if err != nil {
			return err
		}
		a, err := o.tx.GetAgreement(o.ctx, req.Agreement)
		if err != nil {
			return err
		}
		if !a.Active {
			return ErrAgreementInactive
		}
		terms, err := o.tx.GetTerms(o.ctx, a.Terms)
		if err != nil {
			return err
		}
		payee, err := o.tx.GetPayee(o.ctx, a.Payee)
		if err != nil {
			return err
		}

		if o.now < a.NextDue {
			return fmt.Errorf("%w: due at %d", ErrNotDue, a.NextDue)
		}
		deadline, err := addSeconds(a.NextDue, terms.GracePeriodSeconds)
		if err != nil {
			return err
		}
		if o.now > deadline {
			return fmt.Errorf("%w: grace ended at %d", ErrPastGrace, deadline)
		}

		// The grant is re-read inside this transaction; a grant observed at
		// creation time says nothing about who holds it now.
		funding, err := o.account(a.FundingAccount)
		if err != nil {
			return err
		}
		holder := e.ExpectedHolder(payee.Address)
		if err := o.requireHolder(a.Address, funding, holder); err != nil {
			return err
		}
		recommended, err := fees.MulChecked(terms.Amount, lowAuthorizationPeriods)
		if err != nil {
			return ErrArithmetic
		}
		if funding.DelegatedAmount < recommended {
			o.warn(newEvent(EventLowAuthorizationWarning, o.now, LowAuthorizationWarning{
				Agreement:   a.Address,
				Account:     funding.Address,
				Current:     funding.DelegatedAmount,
				Recommended: recommended,
				Amount:      terms.Amount,
			}, a.Address, a.Payer))
		}
		if funding.DelegatedAmount < terms.Amount {
			return fmt.Errorf("%w: granted %d, need %d", ErrInsufficientAuthorization, funding.DelegatedAmount, terms.Amount)
		}

		execAcct, err := o.account(req.ExecutorAccount)
		if err != nil {
			return err
		}
		if execAcct.Owner != executor {
			return fmt.Errorf("%w: executor account not owned by executor", ErrUnauthorized)
		}
		if execAcct.Asset != payee.Asset {
			return ErrWrongAsset
		}

		split, err := e.collect(o, payment{
			cfg:         cfg,
			payee:       payee,
			agreement:   a.Address,
			funding:     funding,
			holder:      holder,
			amount:      terms.Amount,
			executorBps: cfg.ExecutorFeeBps,
			executor:    execAcct,
		})
		if err != nil {
			return err
		}

		if a.NextDue, err = addSeconds(a.NextDue, terms.PeriodSeconds); err != nil {
			return err
		}
		a.PaymentCount++
		a.LastPaymentAt = o.now
		a.LastPaidAmount = terms.Amount
		a.UpdatedAt = o.now
		if a.InTrial && a.TrialEndsAt != nil && o.now >= *a.TrialEndsAt {
			a.InTrial = false
			o.emit(newEvent(EventTrialConverted, o.now, TrialConverted{Agreement: a.Address, Payer: a.Payer}, a.Address, a.Payer, a.Payee))
		}
		if err := o.tx.PutAgreement(o.ctx, a); err != nil {
			return err
		}
		if err := e.recordVolume(o, cfg, payee, terms.Amount); err != nil {
			return err
		}

		o.emit(newEvent(EventPaymentExecuted, o.now, PaymentExecuted{
			Agreement:    a.Address,
			Payee:        a.Payee,
			Payer:        a.Payer,
			Executor:     executor,
			Amount:       terms.Amount,
			Split:        split,
			PaymentCount: a.PaymentCount,
			NextDue:      a.NextDue,
		}, a.Address, a.Payer, a.Payee, executor))
		out = &RenewalResult{Agreement: a, Split: split}
		return nil
	})
	if err != nil {
		return nil, err
	}
	renewalsExecuted.Inc()
	return out, nil
}

// CancelAgreement stops future renewals. The funding account grant is
// revoked only when it is still held for this payee and no other active
// agreement on the same account relies on it; otherwise the cancel succeeds
// without touching the grant.
func (e *Engine) CancelAgreement(ctx context.Context, payer, agreement common.Address) (*Agreement, error) {
	var out *Agreement
	err := e.run(ctx, "CancelAgreement", attrs(traces.Signer(payer), traces.Agreement(agreement)), func(o *op) error {
		a, err := o.tx.GetAgreement(o.ctx, agreement)
		if err != nil {
			return err
		}
		if a.Payer != payer {
			return ErrUnauthorized
		}
		if !a.Active {
			return ErrAgreementInactive
		}
		a.Active = false
		a.UpdatedAt = o.now
		if err := o.tx.PutAgreement(o.ctx, a); err != nil {
			return err
		}

		revoked, err := e.revokeIfUnshared(o, a)
		if err != nil {
			return err
		}
		agreementsCanceled.Inc()
		o.emit(newEvent(EventAgreementCanceled, o.now, AgreementCanceled{
			Agreement: a.Address,
			Payer:     payer,
			Revoked:   revoked,
		}, a.Address, payer, a.Payee))
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// revokeIfUnshared clears the funding account grant when it is held for a's
// payee and no other active agreement on the account expects that holder.
func (e *Engine) revokeIfUnshared(o *op, a *Agreement) (bool, error) {
	funding, err := optional(o.account(a.FundingAccount))
	if err != nil || funding == nil {
		return false, err
	}
	holder := e.ExpectedHolder(a.Payee)
	if !funding.HolderIs(holder) {
		return false, nil
	}
	siblings, err := o.tx.ListAgreementsByAccount(o.ctx, funding.Address)
	if err != nil {
		return false, err
	}
	for _, s := range siblings {
		if s.Address != a.Address && s.Active && e.ExpectedHolder(s.Payee) == holder {
			return false, nil
		}
	}
	funding.Revoke()
	o.markDirty(funding)
	return true, nil
}

// CloseAgreement removes a canceled agreement. History is lost; a later
// create starts from a fresh record.
func (e *Engine) CloseAgreement(ctx context.Context, payer, agreement common.Address) error {
	return e.run(ctx, "CloseAgreement", attrs(traces.Signer(payer), traces.Agreement(agreement)), func(o *op) error {
		a, err := o.tx.GetAgreement(o.ctx, agreement)
		if err != nil {
			return err
		}
		if a.Payer != payer {
			return ErrUnauthorized
		}
		if a.Active {
			return ErrAgreementActive
		}
		if err := o.tx.DeleteAgreement(o.ctx, a.Address); err != nil {
			return err
		}
		o.emit(newEvent(EventAgreementClosed, o.now, AgreementClosed{Agreement: a.Address, Payer: payer}, a.Address, payer, a.Payee))
		return nil
	})
}
