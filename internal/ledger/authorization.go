package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/token"
	"github.com/mbd888/recurring/internal/traces"
)

// AuthorizationStatus describes who may currently spend from a funding
// account and which agreements that grant serves.
type AuthorizationStatus struct {
	Account         common.Address    `json:"account"`
	Holder          *common.Address   `json:"holder,omitempty"`
	DelegatedAmount uint64            `json:"delegatedAmount"`
	Agreements      []AgreementAccess `json:"agreements"`
	// Conflicted is true when active agreements on the account expect
	// different holders, so at most one group of them can be renewed.
	Conflicted bool `json:"conflicted"`
}

// AgreementAccess is one agreement's view of the account grant.
type AgreementAccess struct {
	Agreement      common.Address `json:"agreement"`
	Payee          common.Address `json:"payee"`
	Active         bool           `json:"active"`
	ExpectedHolder common.Address `json:"expectedHolder"`
	Served         bool           `json:"served"`
}

// Approve sets the account grant to the holder expected for req.Payee,
// replacing whatever grant the account carried before. Only the account
// owner may call it.
func (e *Engine) Approve(ctx context.Context, owner common.Address, req ApproveRequest) (*token.Account, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	var out *token.Account
	err := e.run(ctx, "Approve", attrs(traces.Signer(owner), traces.Account(req.Account), traces.Payee(req.Payee)), func(o *op) error {
		acct, err := o.account(req.Account)
		if err != nil {
			return err
		}
		if acct.Owner != owner {
			return ErrUnauthorized
		}
		if _, err := o.tx.GetPayee(o.ctx, req.Payee); err != nil {
			return err
		}
		acct.Approve(e.ExpectedHolder(req.Payee), req.Amount)
		o.markDirty(acct)
		out = acct.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Revoke clears the account grant. Only the account owner may call it.
func (e *Engine) Revoke(ctx context.Context, owner, account common.Address) (*token.Account, error) {
	var out *token.Account
	err := e.run(ctx, "Revoke", attrs(traces.Signer(owner), traces.Account(account)), func(o *op) error {
		acct, err := o.account(account)
		if err != nil {
			return err
		}
		if acct.Owner != owner {
			return ErrUnauthorized
		}
		acct.Revoke()
		o.markDirty(acct)
		out = acct.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AuthorizationStatus reports the grant on account and every agreement it
// funds.
func (e *Engine) AuthorizationStatus(ctx context.Context, account common.Address) (*AuthorizationStatus, error) {
	var out *AuthorizationStatus
	err := e.read(ctx, "AuthorizationStatus", attrs(traces.Account(account)), func(ctx context.Context) error {
		acct, err := e.store.GetAccount(ctx, account)
		if err != nil {
			return err
		}
		agreements, err := e.store.ListAgreementsByAccount(ctx, account)
		if err != nil {
			return err
		}

		status := &AuthorizationStatus{
			Account:         acct.Address,
			Holder:          acct.Delegate,
			DelegatedAmount: acct.DelegatedAmount,
			Agreements:      make([]AgreementAccess, 0, len(agreements)),
		}
		holders := make(map[common.Address]struct{})
		for _, a := range agreements {
			expected := e.ExpectedHolder(a.Payee)
			status.Agreements = append(status.Agreements, AgreementAccess{
				Agreement:      a.Address,
				Payee:          a.Payee,
				Active:         a.Active,
				ExpectedHolder: expected,
				Served:         acct.HolderIs(expected),
			})
			if a.Active {
				holders[expected] = struct{}{}
			}
		}
		status.Conflicted = len(holders) > 1
		out = status
		return nil
	})
	return out, err
}
