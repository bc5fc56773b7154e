package main

import (
	"context"
	"sync"
	"time"
)

// ===== In-memory adapters =====

type memoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]Account   // ownerID -> account
	lots       map[string]ShareLot  // lotID -> lot
	portfolios map[string]Portfolio // portfolioID -> portfolio
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts:   make(map[string]Account),
		lots:       make(map[string]ShareLot),
		portfolios: make(map[string]Portfolio),
	}
}

func newMemoryRepositories() Repositories {
	mem := newMemoryStore()
	return Repositories{
		Accounts:   NewMemoryAccountRepo(mem),
		Lots:       NewMemoryLotRepo(mem),
		Portfolios: NewMemoryPortfolioRepo(mem),
		Close:      func() error { return nil },
	}
}

/* ---- Account repo ---- */

type memoryAccountRepo struct{ s *memoryStore }

func NewMemoryAccountRepo(s *memoryStore) *memoryAccountRepo { return &memoryAccountRepo{s: s} }

func (r *memoryAccountRepo) Create(ctx context.Context, a Account) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[a.OwnerID]; ok {
		return Account{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	r.s.accounts[a.OwnerID] = a
	return a, nil
}

func (r *memoryAccountRepo) GetByID(ctx context.Context, ownerID string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.accounts[ownerID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *memoryAccountRepo) Update(ctx context.Context, a Account) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.accounts[a.OwnerID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if cur.Version != a.Version {
		return Account{}, ErrVersionConflict
	}
	a.Version++
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	r.s.accounts[a.OwnerID] = a
	return a, nil
}

func (r *memoryAccountRepo) Delete(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[ownerID]; !ok {
		return ErrNotFound
	}
	delete(r.s.accounts, ownerID)
	return nil
}

/* ---- Lot repo ---- */

type memoryLotRepo struct{ s *memoryStore }

func NewMemoryLotRepo(s *memoryStore) *memoryLotRepo { return &memoryLotRepo{s: s} }

func (r *memoryLotRepo) Create(ctx context.Context, l ShareLot) (ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return ShareLot{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.lots[l.ID]; ok {
		return ShareLot{}, ErrAlreadyExists
	}
	l.Version = 1
	r.s.lots[l.ID] = l
	return l, nil
}

func (r *memoryLotRepo) GetByID(ctx context.Context, id string) (ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return ShareLot{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.lots[id]
	if !ok {
		return ShareLot{}, ErrNotFound
	}
	return l, nil
}

func (r *memoryLotRepo) List(ctx context.Context, filter LotFilter) ([]ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]ShareLot, 0, len(r.s.lots))
	for _, l := range r.s.lots {
		if filter.match(l) {
			out = append(out, l)
		}
	}
	insertionSort(out, lotsByAcquisition)
	return out, nil
}

func (r *memoryLotRepo) Update(ctx context.Context, l ShareLot) (ShareLot, error) {
	if err := ctx.Err(); err != nil {
		return ShareLot{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.lots[l.ID]
	if !ok {
		return ShareLot{}, ErrNotFound
	}
	if cur.Version != l.Version {
		return ShareLot{}, ErrVersionConflict
	}
	l.Version++
	r.s.lots[l.ID] = l
	return l, nil
}

func (r *memoryLotRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.lots[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.lots, id)
	return nil
}

/* ---- Portfolio repo ---- */

type memoryPortfolioRepo struct{ s *memoryStore }

func NewMemoryPortfolioRepo(s *memoryStore) *memoryPortfolioRepo { return &memoryPortfolioRepo{s: s} }

// nameTakenLocked reports whether owner already has another portfolio called name.
func (r *memoryPortfolioRepo) nameTakenLocked(p Portfolio) bool {
	for _, other := range r.s.portfolios {
		if other.ID != p.ID && other.OwnerID == p.OwnerID && other.Name == p.Name {
			return true
		}
	}
	return false
}

func (r *memoryPortfolioRepo) Create(ctx context.Context, p Portfolio) (Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return Portfolio{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.portfolios[p.ID]; ok || r.nameTakenLocked(p) {
		return Portfolio{}, ErrAlreadyExists
	}
	now := time.Now().UTC()
	p = p.clone()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	r.s.portfolios[p.ID] = p
	return p.clone(), nil
}

func (r *memoryPortfolioRepo) GetByID(ctx context.Context, id string) (Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return Portfolio{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.portfolios[id]
	if !ok {
		return Portfolio{}, ErrNotFound
	}
	return p.clone(), nil
}

func (r *memoryPortfolioRepo) List(ctx context.Context, filter PortfolioFilter) ([]Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]Portfolio, 0, len(r.s.portfolios))
	for _, p := range r.s.portfolios {
		if filter.match(p) {
			out = append(out, p.clone())
		}
	}
	insertionSort(out, portfoliosByCreation)
	return out, nil
}

func (r *memoryPortfolioRepo) Update(ctx context.Context, p Portfolio) (Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return Portfolio{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.portfolios[p.ID]
	if !ok {
		return Portfolio{}, ErrNotFound
	}
	if cur.Version != p.Version {
		return Portfolio{}, ErrVersionConflict
	}
	if r.nameTakenLocked(p) {
		return Portfolio{}, ErrAlreadyExists
	}
	p = p.clone()
	p.Version++
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	r.s.portfolios[p.ID] = p
	return p.clone(), nil
}

func (r *memoryPortfolioRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.portfolios[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.portfolios, id)
	return nil
}
