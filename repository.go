package main

import "context"

// ===== Ports (interfaces) =====
//
// Update is a compare-and-swap on Version: it succeeds only when the stored
// record still has the supplied version, stores Version+1 and returns the
// stored record. A mismatch returns ErrVersionConflict.

type AccountRepository interface {
	Create(ctx context.Context, a Account) (Account, error)
	GetByID(ctx context.Context, ownerID string) (Account, error)
	Update(ctx context.Context, a Account) (Account, error)
	Delete(ctx context.Context, ownerID string) error
}

type LotFilter struct {
	OwnerID string
	Ticker  string
}

func (f LotFilter) match(l ShareLot) bool {
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	if f.Ticker != "" && !equalFold(f.Ticker, l.Ticker) {
		return false
	}
	return true
}

type LotRepository interface {
	Create(ctx context.Context, l ShareLot) (ShareLot, error)
	GetByID(ctx context.Context, id string) (ShareLot, error)
	List(ctx context.Context, filter LotFilter) ([]ShareLot, error)
	Update(ctx context.Context, l ShareLot) (ShareLot, error)
	Delete(ctx context.Context, id string) error
}

type PortfolioFilter struct {
	OwnerID    string
	PublicOnly bool
	LotID      string // portfolios listing this lot
}

func (f PortfolioFilter) match(p Portfolio) bool {
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.PublicOnly && p.Visibility != VisibilityPublic {
		return false
	}
	if f.LotID != "" && !p.hasLot(f.LotID) {
		return false
	}
	return true
}

// PortfolioRepository rejects a Create or Update that would give one owner
// two portfolios with the same name (ErrAlreadyExists).
type PortfolioRepository interface {
	Create(ctx context.Context, p Portfolio) (Portfolio, error)
	GetByID(ctx context.Context, id string) (Portfolio, error)
	List(ctx context.Context, filter PortfolioFilter) ([]Portfolio, error)
	Update(ctx context.Context, p Portfolio) (Portfolio, error)
	Delete(ctx context.Context, id string) error
}

// Repositories is one ledger store seen through its three record types.
type Repositories struct {
	Accounts   AccountRepository
	Lots       LotRepository
	Portfolios PortfolioRepository
	Close      func() error
}

/* ======================== small helpers ======================== */
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range len(a) {
		ai, bi := a[i], b[i]
		if ai >= 'A' && ai <= 'Z' {
			ai += 32
		}
		if bi >= 'A' && bi <= 'Z' {
			bi += 32
		}
		if ai != bi {
			return false
		}
	}
	return true
}

func insertionSort[T any](xs []T, less func(a, b T) bool) {
	for i := 1; i < len(xs); i++ {
		j := i
		for j > 0 && less(xs[j], xs[j-1]) {
			xs[j], xs[j-1] = xs[j-1], xs[j]
			j--
		}
	}
}

func lotsByAcquisition(a, b ShareLot) bool {
	if a.AcquiredAt.Equal(b.AcquiredAt) {
		return a.ID < b.ID
	}
	return a.AcquiredAt.Before(b.AcquiredAt)
}

func portfoliosByCreation(a, b Portfolio) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
