package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/address"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/token"
	"github.com/mbd888/recurring/internal/traces"
)

// maxGraceFor returns floor(period * 3 / 10) without overflowing.
func maxGraceFor(period int64) int64 {
	return period/maxGraceDenominator*maxGraceNumerator + period%maxGraceDenominator*maxGraceNumerator/maxGraceDenominator
}

// validateTerms checks price, period and grace against the config.
func validateTerms(cfg *Config, amount uint64, period, grace int64) error {
	switch {
	case amount == 0 || amount > MaxTermsAmount:
		return fmt.Errorf("%w: amount %d outside (0, %d]", ErrInvalidTerms, amount, MaxTermsAmount)
	case period < cfg.MinPeriodSeconds:
		return fmt.Errorf("%w: period %ds below minimum %ds", ErrInvalidTerms, period, cfg.MinPeriodSeconds)
	case grace < 0:
		return fmt.Errorf("%w: negative grace period", ErrInvalidTerms)
	case grace > maxGraceFor(period):
		return fmt.Errorf("%w: grace %ds above 30%% of period", ErrInvalidTerms, grace)
	case grace > cfg.MaxGracePeriodSeconds:
		return fmt.Errorf("%w: grace %ds above maximum %ds", ErrInvalidTerms, grace, cfg.MaxGracePeriodSeconds)
	}
	return nil
}

// RegisterPayee registers authority as a payee paid into treasury. The
// treasury must be a token account of the accepted asset owned by authority.
func (e *Engine) RegisterPayee(ctx context.Context, authority common.Address, req RegisterPayeeRequest) (*Payee, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	var out *Payee
	err := e.run(ctx, "RegisterPayee", attrs(traces.Signer(authority)), func(o *op) error {
		cfg, err := o.config()
		if err != nil {
			return err
		}
		addr := address.Payee(authority)
		existing, err := optional(o.tx.GetPayee(o.ctx, addr))
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrPayeeExists
		}

		treasury, err := o.account(req.Treasury)
		if err != nil {
			return err
		}
		if treasury.Owner != authority {
			return fmt.Errorf("%w: treasury not owned by payee authority", ErrUnauthorized)
		}
		if treasury.Asset != cfg.Asset {
			return ErrWrongAsset
		}

		p := &Payee{
			Address:        addr,
			Authority:      authority,
			Asset:          cfg.Asset,
			Treasury:       req.Treasury,
			Tier:           fees.TierBase,
			PlatformFeeBps: platformFeeBps(cfg, fees.TierBase),
			CreatedAt:      o.now,
		}
		if err := o.tx.PutPayee(o.ctx, p); err != nil {
			return err
		}
		o.emit(newEvent(EventPayeeRegistered, o.now, PayeeRegistered{
			Payee:     addr,
			Authority: authority,
			Treasury:  p.Treasury,
			FeeBps:    p.PlatformFeeBps,
		}, addr, authority))
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTerms publishes new payment terms under the signer's payee.
func (e *Engine) CreateTerms(ctx context.Context, authority common.Address, req CreateTermsRequest) (*Terms, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	if len(req.TermsID) == 0 || len(req.TermsID) > MaxTermsIDLength {
		return nil, fmt.Errorf("%w: terms id must be 1..%d bytes", ErrInvalidTerms, MaxTermsIDLength)
	}

	var out *Terms
	err := e.run(ctx, "CreateTerms", attrs(traces.Signer(authority)), func(o *op) error {
		cfg, err := o.config()
		if err != nil {
			return err
		}
		payee, err := o.tx.GetPayee(o.ctx, address.Payee(authority))
		if err != nil {
			return err
		}
		if err := validateTerms(cfg, req.Amount, req.PeriodSeconds, req.GracePeriodSeconds); err != nil {
			return err
		}

		addr := address.Terms(payee.Address, req.TermsID)
		existing, err := optional(o.tx.GetTerms(o.ctx, addr))
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrTermsExists
		}

		t := &Terms{
			Address:            addr,
			Payee:              payee.Address,
			TermsID:            req.TermsID,
			Amount:             req.Amount,
			PeriodSeconds:      req.PeriodSeconds,
			GracePeriodSeconds: req.GracePeriodSeconds,
			Active:             true,
			CreatedAt:          o.now,
			UpdatedAt:          o.now,
		}
		if err := o.tx.PutTerms(o.ctx, t); err != nil {
			return err
		}
		o.emit(newEvent(EventTermsCreated, o.now, TermsChanged{Terms: t.Clone()}, payee.Address, addr))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTerms changes price, period or grace on terms owned by the signer.
// Existing agreements pick up the new values at their next renewal.
func (e *Engine) UpdateTerms(ctx context.Context, authority common.Address, req UpdateTermsRequest) (*Terms, error) {
	if req.Amount == nil && req.PeriodSeconds == nil && req.GracePeriodSeconds == nil {
		return nil, ErrNoChanges
	}
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	var out *Terms
	err := e.run(ctx, "UpdateTerms", attrs(traces.Signer(authority), traces.Terms(req.Terms)), func(o *op) error {
		cfg, err := o.config()
		if err != nil {
			return err
		}
		t, err := o.tx.GetTerms(o.ctx, req.Terms)
		if err != nil {
			return err
		}
		if t.Payee != address.Payee(authority) {
			return ErrUnauthorized
		}
		if req.Amount != nil {
			t.Amount = *req.Amount
		}
		if req.PeriodSeconds != nil {
			t.PeriodSeconds = *req.PeriodSeconds
		}
		if req.GracePeriodSeconds != nil {
			t.GracePeriodSeconds = *req.GracePeriodSeconds
		}
		if err := validateTerms(cfg, t.Amount, t.PeriodSeconds, t.GracePeriodSeconds); err != nil {
			return err
		}
		t.UpdatedAt = o.now
		if err := o.tx.PutTerms(o.ctx, t); err != nil {
			return err
		}
		o.emit(newEvent(EventTermsUpdated, o.now, TermsChanged{Terms: t.Clone()}, t.Payee, t.Address))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetTermsActive opens or closes terms to new agreements. The payee
// authority and the platform authority may both call it.
func (e *Engine) SetTermsActive(ctx context.Context, signer, terms common.Address, active bool) (*Terms, error) {
	var out *Terms
	err := e.run(ctx, "SetTermsActive", attrs(traces.Signer(signer), traces.Terms(terms)), func(o *op) error {
		cfg, err := o.config()
		if err != nil {
			return err
		}
		t, err := o.tx.GetTerms(o.ctx, terms)
		if err != nil {
			return err
		}
		if t.Payee != address.Payee(signer) && cfg.Authority != signer {
			return ErrUnauthorized
		}
		if t.Active != active {
			t.Active = active
			t.UpdatedAt = o.now
			if err := o.tx.PutTerms(o.ctx, t); err != nil {
				return err
			}
			o.emit(newEvent(EventTermsStatusChanged, o.now, TermsStatusChanged{
				Terms:  t.Address,
				Signer: signer,
				Active: active,
			}, t.Payee, t.Address))
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Host token accounts
// ---------------------------------------------------------------------------

// OpenAccount opens owner's canonical token account for asset.
func (e *Engine) OpenAccount(ctx context.Context, owner common.Address, req OpenAccountRequest) (*token.Account, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	var out *token.Account
	err := e.run(ctx, "OpenAccount", attrs(traces.Signer(owner)), func(o *op) error {
		addr := address.TokenAccount(owner, req.Asset)
		existing, err := optional(o.tx.GetAccount(o.ctx, addr))
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAccountExists
		}
		acct := &token.Account{Address: addr, Owner: owner, Asset: req.Asset}
		if err := o.tx.PutAccount(o.ctx, acct); err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deposit credits account with amount. It stands in for the host's minting
// or bridging and is only exposed in development.
func (e *Engine) Deposit(ctx context.Context, account common.Address, req DepositRequest) (*token.Account, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	var out *token.Account
	err := e.run(ctx, "Deposit", attrs(traces.Account(account), traces.Units(req.Amount)), func(o *op) error {
		acct, err := o.account(account)
		if err != nil {
			return err
		}
		if err := acct.Credit(req.Amount); err != nil {
			return tokenError(err)
		}
		o.markDirty(acct)
		out = acct.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Payee returns a payee by address.
func (e *Engine) Payee(ctx context.Context, addr common.Address) (*Payee, error) {
	var out *Payee
	err := e.read(ctx, "Payee", attrs(traces.Payee(addr)), func(ctx context.Context) error {
		p, err := e.store.GetPayee(ctx, addr)
		out = p
		return err
	})
	return out, err
}

// Terms returns payment terms by address.
func (e *Engine) Terms(ctx context.Context, addr common.Address) (*Terms, error) {
	var out *Terms
	err := e.read(ctx, "Terms", attrs(traces.Terms(addr)), func(ctx context.Context) error {
		t, err := e.store.GetTerms(ctx, addr)
		out = t
		return err
	})
	return out, err
}

// Agreement returns an agreement by address.
func (e *Engine) Agreement(ctx context.Context, addr common.Address) (*Agreement, error) {
	var out *Agreement
	err := e.read(ctx, "Agreement", attrs(traces.Agreement(addr)), func(ctx context.Context) error {
		a, err := e.store.GetAgreement(ctx, addr)
		out = a
		return err
	})
	return out, err
}

// Account returns a token account by address.
func (e *Engine) Account(ctx context.Context, addr common.Address) (*token.Account, error) {
	var out *token.Account
	err := e.read(ctx, "Account", attrs(traces.Account(addr)), func(ctx context.Context) error {
		a, err := e.store.GetAccount(ctx, addr)
		out = a
		return err
	})
	return out, err
}

// ListTermsByPayee returns terms published by payee, newest first.
func (e *Engine) ListTermsByPayee(ctx context.Context, payee common.Address, limit int) ([]*Terms, error) {
	var out []*Terms
	err := e.read(ctx, "ListTermsByPayee", attrs(traces.Payee(payee)), func(ctx context.Context) error {
		ts, err := e.store.ListTermsByPayee(ctx, payee, limit)
		out = ts
		return err
	})
	return out, err
}

// ListAgreementsByPayer returns the payer's agreements, newest first.
func (e *Engine) ListAgreementsByPayer(ctx context.Context, payer common.Address, limit int) ([]*Agreement, error) {
	var out []*Agreement
	err := e.read(ctx, "ListAgreementsByPayer", attrs(traces.Signer(payer)), func(ctx context.Context) error {
		as, err := e.store.ListAgreementsByPayer(ctx, payer, limit)
		out = as
		return err
	})
	return out, err
}

// ListDueAgreements returns active agreements renewable at the current time,
// earliest due first.
func (e *Engine) ListDueAgreements(ctx context.Context, limit int) ([]*Agreement, error) {
	var out []*Agreement
	err := e.read(ctx, "ListDueAgreements", nil, func(ctx context.Context) error {
		as, err := e.store.ListDue(ctx, e.clock().Unix(), limit)
		out = as
		return err
	})
	return out, err
}

// Quote previews the split of one renewal of terms at the payee's current
// rate, without moving funds.
func (e *Engine) Quote(ctx context.Context, terms common.Address) (fees.Split, error) {
	var out fees.Split
	err := e.read(ctx, "Quote", attrs(traces.Terms(terms)), func(ctx context.Context) error {
		cfg, err := e.store.GetConfig(ctx)
		if err != nil {
			return err
		}
		t, err := e.store.GetTerms(ctx, terms)
		if err != nil {
			return err
		}
		p, err := e.store.GetPayee(ctx, t.Payee)
		if err != nil {
			return err
		}
		split, err := fees.Compute(t.Amount, cfg.ExecutorFeeBps, platformFeeBps(cfg, p.Tier))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArithmetic, err)
		}
		out = split
		return nil
	})
	return out, err
}
