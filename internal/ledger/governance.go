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

// validateConfig checks the cross-field invariants of a config record.
func validateConfig(cfg *Config) error {
	switch {
	case cfg.MaxPlatformFeeBps > fees.BpsDivisor:
		return fmt.Errorf("%w: max platform fee %d bps above %d", ErrInvalidConfig, cfg.MaxPlatformFeeBps, fees.BpsDivisor)
	case cfg.MinPlatformFeeBps > cfg.MaxPlatformFeeBps:
		return fmt.Errorf("%w: min platform fee %d bps above max %d", ErrInvalidConfig, cfg.MinPlatformFeeBps, cfg.MaxPlatformFeeBps)
	case cfg.ExecutorFeeBps > fees.MaxExecutorFeeBps:
		return fmt.Errorf("%w: executor fee %d bps above %d", ErrInvalidConfig, cfg.ExecutorFeeBps, fees.MaxExecutorFeeBps)
	case cfg.MinPeriodSeconds < AbsoluteMinPeriodSeconds:
		return fmt.Errorf("%w: min period %ds below %ds", ErrInvalidConfig, cfg.MinPeriodSeconds, AbsoluteMinPeriodSeconds)
	case cfg.MaxGracePeriodSeconds < 0:
		return fmt.Errorf("%w: negative max grace period", ErrInvalidConfig)
	case cfg.DefaultAllowancePeriods == 0:
		return fmt.Errorf("%w: default allowance periods must be positive", ErrInvalidConfig)
	case cfg.MaxWithdrawalAmount == 0:
		return fmt.Errorf("%w: max withdrawal must be positive", ErrInvalidConfig)
	}
	return nil
}

// InitConfig creates the singleton config and the platform treasury account.
// It can succeed only once.
func (e *Engine) InitConfig(ctx context.Context, signer common.Address, req InitConfigRequest) (*Config, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	if signer != req.Authority {
		return nil, ErrUnauthorized
	}

	var out *Config
	err := e.run(ctx, "InitConfig", attrs(traces.Signer(signer)), func(o *op) error {
		existing, err := optional(o.tx.GetConfig(o.ctx))
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrConfigExists
		}

		cfg := &Config{
			Authority:               req.Authority,
			MinPlatformFeeBps:       req.MinPlatformFeeBps,
			MaxPlatformFeeBps:       req.MaxPlatformFeeBps,
			ExecutorFeeBps:          req.ExecutorFeeBps,
			MinPeriodSeconds:        req.MinPeriodSeconds,
			MaxGracePeriodSeconds:   req.MaxGracePeriodSeconds,
			DefaultAllowancePeriods: req.DefaultAllowancePeriods,
			MaxWithdrawalAmount:     req.MaxWithdrawalAmount,
			Asset:                   req.Asset,
			Treasury:                address.PlatformTreasury(),
			CreatedAt:               o.now,
			UpdatedAt:               o.now,
		}
		if cfg.DefaultAllowancePeriods == 0 {
			cfg.DefaultAllowancePeriods = DefaultAllowancePeriods
		}
		if cfg.MaxWithdrawalAmount == 0 {
			cfg.MaxWithdrawalAmount = DefaultMaxWithdrawal
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}

		treasury, err := optional(o.tx.GetAccount(o.ctx, cfg.Treasury))
		if err != nil {
			return err
		}
		if treasury == nil {
			treasury = &token.Account{Address: cfg.Treasury, Owner: address.Config(), Asset: cfg.Asset}
			if err := o.tx.PutAccount(o.ctx, treasury); err != nil {
				return err
			}
		} else if treasury.Asset != cfg.Asset {
			return ErrWrongAsset
		}

		if err := o.tx.PutConfig(o.ctx, cfg); err != nil {
			return err
		}
		o.emit(newEvent(EventConfigInitialized, o.now, ConfigInitialized{Config: cfg.Clone()}, cfg.Authority))
		out = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateConfig applies the non-nil fields of req.
func (e *Engine) UpdateConfig(ctx context.Context, signer common.Address, req UpdateConfigRequest) (*Config, error) {
	if req.empty() {
		return nil, ErrNoChanges
	}
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}

	var out *Config
	err := e.run(ctx, "UpdateConfig", attrs(traces.Signer(signer)), func(o *op) error {
		cfg, err := o.authorityConfig(signer)
		if err != nil {
			return err
		}
		if req.MinPlatformFeeBps != nil {
			cfg.MinPlatformFeeBps = *req.MinPlatformFeeBps
		}
		if req.MaxPlatformFeeBps != nil {
			cfg.MaxPlatformFeeBps = *req.MaxPlatformFeeBps
		}
		if req.ExecutorFeeBps != nil {
			cfg.ExecutorFeeBps = *req.ExecutorFeeBps
		}
		if req.MinPeriodSeconds != nil {
			cfg.MinPeriodSeconds = *req.MinPeriodSeconds
		}
		if req.MaxGracePeriodSeconds != nil {
			cfg.MaxGracePeriodSeconds = *req.MaxGracePeriodSeconds
		}
		if req.DefaultAllowancePeriods != nil {
			cfg.DefaultAllowancePeriods = *req.DefaultAllowancePeriods
		}
		if req.MaxWithdrawalAmount != nil {
			cfg.MaxWithdrawalAmount = *req.MaxWithdrawalAmount
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}
		cfg.UpdatedAt = o.now

		if err := o.tx.PutConfig(o.ctx, cfg); err != nil {
			return err
		}
		o.emit(newEvent(EventConfigUpdated, o.now, ConfigUpdated{Config: cfg.Clone()}, cfg.Authority))
		out = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Pause halts agreement creation and renewals.
func (e *Engine) Pause(ctx context.Context, signer common.Address) error {
	return e.setPaused(ctx, "Pause", signer, true)
}

// Unpause resumes a paused program.
func (e *Engine) Unpause(ctx context.Context, signer common.Address) error {
	return e.setPaused(ctx, "Unpause", signer, false)
}

func (e *Engine) setPaused(ctx context.Context, name string, signer common.Address, paused bool) error {
	return e.run(ctx, name, attrs(traces.Signer(signer)), func(o *op) error {
		cfg, err := o.authorityConfig(signer)
		if err != nil {
			return err
		}
		if cfg.Paused == paused {
			if paused {
				return ErrAlreadyPaused
			}
			return ErrNotPaused
		}
		cfg.Paused = paused
		cfg.UpdatedAt = o.now
		if err := o.tx.PutConfig(o.ctx, cfg); err != nil {
			return err
		}
		typ := EventUnpaused
		if paused {
			typ = EventPaused
		}
		o.emit(newEvent(typ, o.now, PauseChanged{Authority: signer, Paused: paused}, signer))
		return nil
	})
}

// WithdrawPlatformFees moves accumulated platform fees to destination.
func (e *Engine) WithdrawPlatformFees(ctx context.Context, signer common.Address, req WithdrawRequest) error {
	if err := e.checkRequest(req); err != nil {
		return err
	}
	return e.run(ctx, "WithdrawPlatformFees", attrs(traces.Signer(signer), traces.Units(req.Amount)), func(o *op) error {
		cfg, err := o.authorityConfig(signer)
		if err != nil {
			return err
		}
		if req.Amount > cfg.MaxWithdrawalAmount {
			return fmt.Errorf("%w: %d above %d", ErrWithdrawLimit, req.Amount, cfg.MaxWithdrawalAmount)
		}
		treasury, err := o.account(cfg.Treasury)
		if err != nil {
			return err
		}
		dest, err := o.account(req.Destination)
		if err != nil {
			return err
		}
		if treasury.Balance < req.Amount {
			return fmt.Errorf("%w: treasury holds %d", ErrInsufficientFunds, treasury.Balance)
		}
		// The treasury is owned by the config record; the authority signs on
		// its behalf.
		if err := token.Transfer(treasury, dest, address.Config(), req.Amount); err != nil {
			return tokenError(err)
		}
		o.markDirty(treasury, dest)
		o.emit(newEvent(EventFeesWithdrawn, o.now, FeesWithdrawn{
			Authority:   signer,
			Destination: req.Destination,
			Amount:      req.Amount,
		}, signer))
		return nil
	})
}

// TransferAuthority nominates a new platform authority. The nominee must
// call AcceptAuthority to complete the handover.
func (e *Engine) TransferAuthority(ctx context.Context, signer common.Address, req TransferAuthorityRequest) error {
	if err := e.checkRequest(req); err != nil {
		return err
	}
	return e.run(ctx, "TransferAuthority", attrs(traces.Signer(signer)), func(o *op) error {
		cfg, err := o.authorityConfig(signer)
		if err != nil {
			return err
		}
		if cfg.PendingAuthority != nil {
			return ErrTransferPending
		}
		if req.NewAuthority == cfg.Authority {
			return ErrInvalidTransferTarget
		}
		next := req.NewAuthority
		cfg.PendingAuthority = &next
		cfg.UpdatedAt = o.now
		if err := o.tx.PutConfig(o.ctx, cfg); err != nil {
			return err
		}
		o.emit(newEvent(EventAuthorityTransferStarted, o.now, AuthorityChanged{From: cfg.Authority, To: next}, cfg.Authority, next))
		return nil
	})
}

// AcceptAuthority completes a pending transfer. Only the nominee may call it.
func (e *Engine) AcceptAuthority(ctx context.Context, signer common.Address) error {
	return e.run(ctx, "AcceptAuthority", attrs(traces.Signer(signer)), func(o *op) error {
		cfg, err := o.config()
		if err != nil {
			return err
		}
		if cfg.PendingAuthority == nil {
			return ErrNoPendingTransfer
		}
		if *cfg.PendingAuthority != signer {
			return ErrUnauthorized
		}
		prev := cfg.Authority
		cfg.Authority = signer
		cfg.PendingAuthority = nil
		cfg.UpdatedAt = o.now
		if err := o.tx.PutConfig(o.ctx, cfg); err != nil {
			return err
		}
		o.emit(newEvent(EventAuthorityTransferAccepted, o.now, AuthorityChanged{From: prev, To: signer}, prev, signer))
		return nil
	})
}

// CancelAuthorityTransfer withdraws a pending nomination.
func (e *Engine) CancelAuthorityTransfer(ctx context.Context, signer common.Address) error {
	return e.run(ctx, "CancelAuthorityTransfer", attrs(traces.Signer(signer)), func(o *op) error {
		cfg, err := o.authorityConfig(signer)
		if err != nil {
			return err
		}
		if cfg.PendingAuthority == nil {
			return ErrNoPendingTransfer
		}
		pending := *cfg.PendingAuthority
		cfg.PendingAuthority = nil
		cfg.UpdatedAt = o.now
		if err := o.tx.PutConfig(o.ctx, cfg); err != nil {
			return err
		}
		o.emit(newEvent(EventAuthorityTransferCanceled, o.now, AuthorityChanged{From: cfg.Authority, To: pending}, cfg.Authority, pending))
		return nil
	})
}

// Config returns the current config.
func (e *Engine) Config(ctx context.Context) (*Config, error) {
	var out *Config
	err := e.read(ctx, "Config", nil, func(ctx context.Context) error {
		cfg, err := e.store.GetConfig(ctx)
		out = cfg
		return err
	})
	return out, err
}

// authorityConfig loads the config and checks signer is its authority.
func (o *op) authorityConfig(signer common.Address) (*Config, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	if cfg.Authority != signer {
		return nil, ErrUnauthorized
	}
	return cfg, nil
}
