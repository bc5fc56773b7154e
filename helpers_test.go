package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// faultPlan scripts store failures. Each op pops one step per call; an empty
// queue lets the call through.
type faultPlan struct {
	mu    sync.Mutex
	steps map[string][]func() error
}

func newFaultPlan() *faultPlan { return &faultPlan{steps: make(map[string][]func() error)} }

func (f *faultPlan) on(op string, steps ...func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[op] = append(f.steps[op], steps...)
}

func (f *faultPlan) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.steps[op]
	if len(q) == 0 {
		return nil
	}
	f.steps[op] = q[1:]
	if q[0] == nil {
		return nil
	}
	return q[0]()
}

func pass() func() error { return nil }
func fail(err error) func() error { return func() error { return err } }

type faultyAccounts struct {
	AccountRepository
	plan *faultPlan
}

func (r faultyAccounts) Update(ctx context.Context, a Account) (Account, error) {
	if err := r.plan.next("accounts.update"); err != nil {
		return Account{}, err
	}
	return r.AccountRepository.Update(ctx, a)
}

type faultyLots struct {
	LotRepository
	plan *faultPlan
}

func (r faultyLots) Create(ctx context.Context, l ShareLot) (ShareLot, error) {
	if err := r.plan.next("lots.create"); err != nil {
		return ShareLot{}, err
	}
	return r.LotRepository.Create(ctx, l)
}

func (r faultyLots) Update(ctx context.Context, l ShareLot) (ShareLot, error) {
	if err := r.plan.next("lots.update"); err != nil {
		return ShareLot{}, err
	}
	return r.LotRepository.Update(ctx, l)
}

func (r faultyLots) Delete(ctx context.Context, id string) error {
	if err := r.plan.next("lots.delete"); err != nil {
		return err
	}
	return r.LotRepository.Delete(ctx, id)
}

type faultyPortfolios struct {
	PortfolioRepository
	plan *faultPlan
}

func (r faultyPortfolios) Update(ctx context.Context, p Portfolio) (Portfolio, error) {
	if err := r.plan.next("portfolios.update"); err != nil {
		return Portfolio{}, err
	}
	return r.PortfolioRepository.Update(ctx, p)
}

// faultyRepositories wraps a fresh in-memory store with plan.
func faultyRepositories(plan *faultPlan) Repositories {
	mem := newMemoryRepositories()
	return Repositories{
		Accounts:   faultyAccounts{mem.Accounts, plan},
		Lots:       faultyLots{mem.Lots, plan},
		Portfolios: faultyPortfolios{mem.Portfolios, plan},
		Close:      mem.Close,
	}
}

type recordingAlerter struct {
	mu   sync.Mutex
	recs []*ReconciliationError
}

func (a *recordingAlerter) Alert(_ context.Context, rec *ReconciliationError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
}

func (a *recordingAlerter) alerts() []*ReconciliationError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*ReconciliationError(nil), a.recs...)
}

type testLedger struct {
	svc     *LedgerService
	quotes  *StaticQuotes
	alerter *recordingAlerter
	repos   Repositories
}

func newTestLedger(t *testing.T, repos Repositories) *testLedger {
	t.Helper()
	quotes := NewStaticQuotes(nil)
	alerter := &recordingAlerter{}
	svc := NewLedgerService(repos, quotes, ServiceOptions{
		Directory: staticDirectory{"alice": "Alice", "bob": "Bob"},
		Alerter:   alerter,
	}, zerolog.Nop())
	return &testLedger{svc: svc, quotes: quotes, alerter: alerter, repos: repos}
}

func (l *testLedger) balance(t *testing.T, userID string) Money {
	t.Helper()
	b, err := l.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (l *testLedger) lotsOf(t *testing.T, ownerID string) []ShareLot {
	t.Helper()
	lots, err := l.repos.Lots.List(context.Background(), LotFilter{OwnerID: ownerID})
	require.NoError(t, err)
	return lots
}

func (l *testLedger) account(t *testing.T, userID string, initial float64) {
	t.Helper()
	_, err := l.svc.CreateAccount(context.Background(), userID, NewMoney(initial))
	require.NoError(t, err)
}

func (l *testLedger) portfolio(t *testing.T, userID, name string, vis Visibility) Portfolio {
	t.Helper()
	p, err := l.svc.CreatePortfolio(context.Background(), userID, name, vis)
	require.NoError(t, err)
	return p
}

func mustMoney(t *testing.T, s string) Money {
	t.Helper()
	m, err := ParseMoney(s)
	require.NoError(t, err)
	return m
}
