package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/token"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
//
// Transactions run one at a time under the store lock and stage their writes
// in an overlay that is merged only when the callback succeeds.
type MemoryStore struct {
	state *memState
	mu    sync.RWMutex
}

type memState struct {
	config     *Config
	payees     map[common.Address]*Payee
	terms      map[common.Address]*Terms
	agreements map[common.Address]*Agreement
	accounts   map[common.Address]*token.Account
	// deleted agreements, only used in overlays
	deleted map[common.Address]bool
}

func newMemState() *memState {
	return &memState{
		payees:     make(map[common.Address]*Payee),
		terms:      make(map[common.Address]*Terms),
		agreements: make(map[common.Address]*Agreement),
		accounts:   make(map[common.Address]*token.Account),
		deleted:    make(map[common.Address]bool),
	}
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

var _ Store = (*MemoryStore)(nil)

// memView reads base through an optional overlay.
type memView struct {
	base    *memState
	overlay *memState
}

func (v memView) GetConfig(_ context.Context) (*Config, error) {
	if v.overlay != nil && v.overlay.config != nil {
		return v.overlay.config.Clone(), nil
	}
	if v.base.config == nil {
		return nil, ErrConfigNotFound
	}
	return v.base.config.Clone(), nil
}

func (v memView) GetPayee(_ context.Context, addr common.Address) (*Payee, error) {
	if v.overlay != nil {
		if p, ok := v.overlay.payees[addr]; ok {
			return p.Clone(), nil
		}
	}
	if p, ok := v.base.payees[addr]; ok {
		return p.Clone(), nil
	}
	return nil, ErrPayeeNotFound
}

func (v memView) GetTerms(_ context.Context, addr common.Address) (*Terms, error) {
	if v.overlay != nil {
		if t, ok := v.overlay.terms[addr]; ok {
			return t.Clone(), nil
		}
	}
	if t, ok := v.base.terms[addr]; ok {
		return t.Clone(), nil
	}
	return nil, ErrTermsNotFound
}

func (v memView) GetAgreement(_ context.Context, addr common.Address) (*Agreement, error) {
	if v.overlay != nil {
		if a, ok := v.overlay.agreements[addr]; ok {
			return a.Clone(), nil
		}
		if v.overlay.deleted[addr] {
			return nil, ErrAgreementNotFound
		}
	}
	if a, ok := v.base.agreements[addr]; ok {
		return a.Clone(), nil
	}
	return nil, ErrAgreementNotFound
}

func (v memView) GetAccount(_ context.Context, addr common.Address) (*token.Account, error) {
	if v.overlay != nil {
		if a, ok := v.overlay.accounts[addr]; ok {
			return a.Clone(), nil
		}
	}
	if a, ok := v.base.accounts[addr]; ok {
		return a.Clone(), nil
	}
	return nil, ErrAccountNotFound
}

// allTerms returns the merged terms set.
func (v memView) allTerms() []*Terms {
	out := make([]*Terms, 0, len(v.base.terms))
	for addr, t := range v.base.terms {
		if v.overlay != nil {
			if _, ok := v.overlay.terms[addr]; ok {
				continue
			}
		}
		out = append(out, t)
	}
	if v.overlay != nil {
		for _, t := range v.overlay.terms {
			out = append(out, t)
		}
	}
	return out
}

// allAgreements returns the merged agreement set.
func (v memView) allAgreements() []*Agreement {
	out := make([]*Agreement, 0, len(v.base.agreements))
	for addr, a := range v.base.agreements {
		if v.overlay != nil {
			if _, ok := v.overlay.agreements[addr]; ok {
				continue
			}
			if v.overlay.deleted[addr] {
				continue
			}
		}
		out = append(out, a)
	}
	if v.overlay != nil {
		for _, a := range v.overlay.agreements {
			out = append(out, a)
		}
	}
	return out
}

func (v memView) ListTermsByPayee(_ context.Context, payee common.Address, limit int) ([]*Terms, error) {
	var out []*Terms
	for _, t := range v.allTerms() {
		if t.Payee == payee {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].TermsID < out[j].TermsID
	})
	return truncate(out, limit), nil
}

func (v memView) ListAgreementsByPayer(_ context.Context, payer common.Address, limit int) ([]*Agreement, error) {
	out := v.filterAgreements(func(a *Agreement) bool { return a.Payer == payer })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return truncate(out, limit), nil
}

func (v memView) ListAgreementsByAccount(_ context.Context, account common.Address) ([]*Agreement, error) {
	out := v.filterAgreements(func(a *Agreement) bool { return a.FundingAccount == account })
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out, nil
}

func (v memView) ListDue(ctx context.Context, now int64, limit int) ([]*Agreement, error) {
	var out []*Agreement
	for _, a := range v.allAgreements() {
		if !a.Active || a.NextDue > now {
			continue
		}
		t, err := v.GetTerms(ctx, a.Terms)
		if err != nil {
			continue
		}
		if IsRenewalDue(a, t, now) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextDue != out[j].NextDue {
			return out[i].NextDue < out[j].NextDue
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return truncate(out, limit), nil
}

func (v memView) filterAgreements(keep func(*Agreement) bool) []*Agreement {
	var out []*Agreement
	for _, a := range v.allAgreements() {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// Store reads

func (m *MemoryStore) view() memView { return memView{base: m.state} }

func (m *MemoryStore) GetConfig(ctx context.Context) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetConfig(ctx)
}

func (m *MemoryStore) GetPayee(ctx context.Context, addr common.Address) (*Payee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetPayee(ctx, addr)
}

func (m *MemoryStore) GetTerms(ctx context.Context, addr common.Address) (*Terms, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetTerms(ctx, addr)
}

func (m *MemoryStore) GetAgreement(ctx context.Context, addr common.Address) (*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetAgreement(ctx, addr)
}

func (m *MemoryStore) GetAccount(ctx context.Context, addr common.Address) (*token.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().GetAccount(ctx, addr)
}

func (m *MemoryStore) ListTermsByPayee(ctx context.Context, payee common.Address, limit int) ([]*Terms, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListTermsByPayee(ctx, payee, limit)
}

func (m *MemoryStore) ListAgreementsByPayer(ctx context.Context, payer common.Address, limit int) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListAgreementsByPayer(ctx, payer, limit)
}

func (m *MemoryStore) ListAgreementsByAccount(ctx context.Context, account common.Address) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListAgreementsByAccount(ctx, account)
}

func (m *MemoryStore) ListDue(ctx context.Context, now int64, limit int) ([]*Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view().ListDue(ctx, now, limit)
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// WithTx runs fn with exclusive access and commits its overlay on success.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{memView: memView{base: m.state, overlay: newMemState()}}
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx.overlay)
	return nil
}

func (m *MemoryStore) commit(o *memState) {
	if o.config != nil {
		m.state.config = o.config
	}
	for k, v := range o.payees {
		m.state.payees[k] = v
	}
	for k, v := range o.terms {
		m.state.terms[k] = v
	}
	for k := range o.deleted {
		delete(m.state.agreements, k)
	}
	for k, v := range o.agreements {
		m.state.agreements[k] = v
	}
	for k, v := range o.accounts {
		m.state.accounts[k] = v
	}
}

// memTx stages writes in its overlay.
type memTx struct {
	memView
}

func (t *memTx) PutConfig(_ context.Context, cfg *Config) error {
	t.overlay.config = cfg.Clone()
	return nil
}

func (t *memTx) PutPayee(_ context.Context, p *Payee) error {
	t.overlay.payees[p.Address] = p.Clone()
	return nil
}

func (t *memTx) PutTerms(_ context.Context, tm *Terms) error {
	t.overlay.terms[tm.Address] = tm.Clone()
	return nil
}

func (t *memTx) PutAgreement(_ context.Context, a *Agreement) error {
	delete(t.overlay.deleted, a.Address)
	t.overlay.agreements[a.Address] = a.Clone()
	return nil
}

func (t *memTx) DeleteAgreement(_ context.Context, addr common.Address) error {
	delete(t.overlay.agreements, addr)
	t.overlay.deleted[addr] = true
	return nil
}

func (t *memTx) PutAccount(_ context.Context, acct *token.Account) error {
	t.overlay.accounts[acct.Address] = acct.Clone()
	return nil
}
