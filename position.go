package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Directory resolves a user's display name. It belongs to the surrounding
// identity service; the ledger only caches the name on portfolios.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// staticDirectory answers from a fixed map and echoes unknown ids.
type staticDirectory map[string]string

func (d staticDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	if name, ok := d[userID]; ok {
		return name, nil
	}
	return userID, nil
}

// PortfolioPatch carries the optional fields of a portfolio update.
type PortfolioPatch struct {
	Name       *string
	Visibility *Visibility
}

/* ===================== Position manager ===================== */

// PositionManager owns lots and portfolios and keeps the cross-record
// invariants between them: a lot is listed in at most one portfolio and only
// in portfolios of its own owner.
//
// Locks are taken lot before portfolio before owner, never the other way.
type PositionManager struct {
	lots       LotRepository
	portfolios PortfolioRepository
	dir        Directory
	locks      *keyedMutex
	log        zerolog.Logger
}

func NewPositionManager(lots LotRepository, portfolios PortfolioRepository, dir Directory, log zerolog.Logger) *PositionManager {
	if dir == nil {
		dir = staticDirectory{}
	}
	return &PositionManager{
		lots:       lots,
		portfolios: portfolios,
		dir:        dir,
		locks:      newKeyedMutex(),
		log:        log.With().Str("component", "positions").Logger(),
	}
}

func (m *PositionManager) lockLot(id string) func()       { return m.locks.Lock("lot:" + id) }
func (m *PositionManager) lockPortfolio(id string) func() { return m.locks.Lock("portfolio:" + id) }
func (m *PositionManager) lockOwner(id string) func()     { return m.locks.Lock("owner:" + id) }

func notFound(what, id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

/* ---- Lots ---- */

func (m *PositionManager) CreateLot(ctx context.Context, ownerID, ticker string, quantity int64, price Money) (ShareLot, error) {
	if err := requireUser(ownerID); err != nil {
		return ShareLot{}, err
	}
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return ShareLot{}, fmt.Errorf("%w: ticker is required", ErrBadValues)
	}
	if quantity <= 0 {
		return ShareLot{}, fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidQuantity, quantity)
	}
	if price.IsNegative() {
		return ShareLot{}, fmt.Errorf("%w: price %s is negative", ErrBadValues, price)
	}
	l, err := m.lots.Create(ctx, ShareLot{
		ID:               uuid.NewString(),
		Ticker:           ticker,
		OwnerID:          ownerID,
		Quantity:         quantity,
		AcquisitionPrice: price,
		AcquiredAt:       time.Now().UTC(),
	})
	if err != nil {
		return ShareLot{}, fmt.Errorf("create lot: %w", err)
	}
	return l, nil
}

func (m *PositionManager) GetLot(ctx context.Context, lotID string) (ShareLot, error) {
	l, err := m.lots.GetByID(ctx, lotID)
	if err != nil {
		return ShareLot{}, notFound("lot", lotID, err)
	}
	return l, nil
}

// ReduceOrRemoveLot takes quantity shares out of a lot. A lot that reaches
// zero is deleted; removed reports that case and the returned lot is then the
// zero value.
func (m *PositionManager) ReduceOrRemoveLot(ctx context.Context, lotID string, quantity int64) (remaining ShareLot, removed bool, err error) {
	if quantity <= 0 {
		return ShareLot{}, false, fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidQuantity, quantity)
	}
	unlock := m.lockLot(lotID)
	defer unlock()

	err = retryOnConflict(ctx, func() error {
		cur, err := m.lots.GetByID(ctx, lotID)
		if err != nil {
			return notFound("lot", lotID, err)
		}
		if quantity > cur.Quantity {
			return fmt.Errorf("%w: lot %s holds %d, cannot take %d", ErrInvalidQuantity, lotID, cur.Quantity, quantity)
		}
		if quantity == cur.Quantity {
			if err := m.lots.Delete(ctx, lotID); err != nil {
				return fmt.Errorf("delete lot: %w", err)
			}
			remaining, removed = ShareLot{}, true
			return nil
		}
		cur.Quantity -= quantity
		remaining, err = m.lots.Update(ctx, cur)
		return err
	})
	if err != nil {
		return ShareLot{}, false, err
	}
	return remaining, removed, nil
}

// DeleteLot removes a lot record. A lot that is already gone is not an error.
func (m *PositionManager) DeleteLot(ctx context.Context, lotID string) error {
	unlock := m.lockLot(lotID)
	defer unlock()
	if err := m.lots.Delete(ctx, lotID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete lot %s: %w", lotID, err)
	}
	return nil
}

// RestoreLot undoes a sale of sold.Quantity shares from lot sold.ID: the
// shares go back onto the lot if it survived, otherwise the lot is recreated
// under its old id. The lot is then listed in portfolioID again if it is not.
func (m *PositionManager) RestoreLot(ctx context.Context, sold ShareLot, portfolioID string) error {
	if sold.Quantity <= 0 {
		return fmt.Errorf("%w: restore quantity must be > 0, got %d", ErrInvalidQuantity, sold.Quantity)
	}
	unlock := m.lockLot(sold.ID)
	err := retryOnConflict(ctx, func() error {
		cur, err := m.lots.GetByID(ctx, sold.ID)
		if errors.Is(err, ErrNotFound) {
			fresh := sold
			fresh.Version = 0
			_, err = m.lots.Create(ctx, fresh)
			return err
		}
		if err != nil {
			return err
		}
		cur.Quantity += sold.Quantity
		_, err = m.lots.Update(ctx, cur)
		return err
	})
	unlock()
	if err != nil {
		return fmt.Errorf("restore lot %s: %w", sold.ID, err)
	}
	if portfolioID == "" {
		return nil
	}
	err = m.AddLotToPortfolio(ctx, portfolioID, sold.ID)
	if errors.Is(err, ErrAlreadyExists) {
		return nil
	}
	return err
}

/* ---- Portfolios ---- */

func (m *PositionManager) displayName(ctx context.Context, userID string) string {
	name, err := m.dir.DisplayName(ctx, userID)
	if err != nil || strings.TrimSpace(name) == "" {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("display name lookup failed, using user id")
		return userID
	}
	return name
}

func (m *PositionManager) CreatePortfolio(ctx context.Context, ownerID, name string, visibility Visibility) (Portfolio, error) {
	if err := requireUser(ownerID); err != nil {
		return Portfolio{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Portfolio{}, fmt.Errorf("%w: portfolio name is required", ErrBadValues)
	}
	vis, err := parseVisibility(string(visibility))
	if err != nil {
		return Portfolio{}, err
	}
	display := m.displayName(ctx, ownerID)

	unlock := m.lockOwner(ownerID)
	defer unlock()
	p, err := m.portfolios.Create(ctx, Portfolio{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		OwnerDisplayName: display,
		Name:             name,
		Visibility:       vis,
		LotRefs:          []string{},
	})
	if errors.Is(err, ErrAlreadyExists) {
		return Portfolio{}, fmt.Errorf("portfolio %q of user %s: %w", name, ownerID, ErrAlreadyExists)
	}
	if err != nil {
		return Portfolio{}, fmt.Errorf("create portfolio: %w", err)
	}
	m.log.Info().Str("portfolio_id", p.ID).Str("owner_id", ownerID).Str("name", name).Msg("portfolio created")
	return p, nil
}

// GetPortfolio reads a portfolio without any visibility check.
func (m *PositionManager) GetPortfolio(ctx context.Context, portfolioID string) (Portfolio, error) {
	p, err := m.portfolios.GetByID(ctx, portfolioID)
	if err != nil {
		return Portfolio{}, notFound("portfolio", portfolioID, err)
	}
	return p, nil
}

// CanView is the one visibility rule: owners see everything, others only
// public portfolios.
func CanView(p Portfolio, viewerID string) bool {
	return p.OwnerID == viewerID || p.Visibility == VisibilityPublic
}

func (m *PositionManager) ViewPortfolio(ctx context.Context, portfolioID, viewerID string) (Portfolio, error) {
	p, err := m.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return Portfolio{}, err
	}
	if !CanView(p, viewerID) {
		return Portfolio{}, fmt.Errorf("%w: portfolio %s is private", ErrForbidden, portfolioID)
	}
	return p, nil
}

func (m *PositionManager) UpdatePortfolio(ctx context.Context, ownerID, portfolioID string, patch PortfolioPatch) (Portfolio, error) {
	var name string
	if patch.Name != nil {
		name = strings.TrimSpace(*patch.Name)
		if name == "" {
			return Portfolio{}, fmt.Errorf("%w: portfolio name cannot be empty", ErrBadValues)
		}
	}
	var vis Visibility
	if patch.Visibility != nil {
		v, err := parseVisibility(string(*patch.Visibility))
		if err != nil {
			return Portfolio{}, err
		}
		vis = v
	}
	display := m.displayName(ctx, ownerID)

	unlock := m.lockPortfolio(portfolioID)
	defer unlock()
	var out Portfolio
	err := retryOnConflict(ctx, func() error {
		p, err := m.GetPortfolio(ctx, portfolioID)
		if err != nil {
			return err
		}
		if p.OwnerID != ownerID {
			return fmt.Errorf("%w: portfolio %s belongs to another user", ErrForbidden, portfolioID)
		}
		if patch.Name != nil {
			p.Name = name
		}
		if patch.Visibility != nil {
			p.Visibility = vis
		}
		p.OwnerDisplayName = display
		out, err = m.portfolios.Update(ctx, p)
		return err
	})
	if errors.Is(err, ErrAlreadyExists) {
		return Portfolio{}, fmt.Errorf("portfolio %q of user %s: %w", name, ownerID, ErrAlreadyExists)
	}
	if err != nil {
		return Portfolio{}, err
	}
	return out, nil
}

// DeletePortfolio refuses while the portfolio still lists lots; holdings
// leave a portfolio only through a sale or an explicit detach.
func (m *PositionManager) DeletePortfolio(ctx context.Context, ownerID, portfolioID string) error {
	unlock := m.lockPortfolio(portfolioID)
	defer unlock()
	p, err := m.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}
	if p.OwnerID != ownerID {
		return fmt.Errorf("%w: portfolio %s belongs to another user", ErrForbidden, portfolioID)
	}
	if len(p.LotRefs) > 0 {
		return fmt.Errorf("portfolio %s lists %d lots: %w", portfolioID, len(p.LotRefs), ErrPortfolioNotEmpty)
	}
	if err := m.portfolios.Delete(ctx, portfolioID); err != nil {
		return notFound("portfolio", portfolioID, err)
	}
	m.log.Info().Str("portfolio_id", portfolioID).Str("owner_id", ownerID).Msg("portfolio deleted")
	return nil
}

func (m *PositionManager) AddLotToPortfolio(ctx context.Context, portfolioID, lotID string) error {
	unlockLot := m.lockLot(lotID)
	defer unlockLot()
	unlockPortfolio := m.lockPortfolio(portfolioID)
	defer unlockPortfolio()

	return retryOnConflict(ctx, func() error {
		l, err := m.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		p, err := m.GetPortfolio(ctx, portfolioID)
		if err != nil {
			return err
		}
		if l.OwnerID != p.OwnerID {
			return fmt.Errorf("lot %s into portfolio %s: %w", lotID, portfolioID, ErrOwnershipMismatch)
		}
		listed, err := m.portfolios.List(ctx, PortfolioFilter{LotID: lotID})
		if err != nil {
			return fmt.Errorf("list portfolios: %w", err)
		}
		if len(listed) > 0 {
			return fmt.Errorf("lot %s is listed in portfolio %s: %w", lotID, listed[0].ID, ErrAlreadyExists)
		}
		p.LotRefs = append(p.LotRefs, lotID)
		_, err = m.portfolios.Update(ctx, p)
		return err
	})
}

func (m *PositionManager) RemoveLotFromPortfolio(ctx context.Context, portfolioID, lotID string) error {
	unlockLot := m.lockLot(lotID)
	defer unlockLot()
	unlockPortfolio := m.lockPortfolio(portfolioID)
	defer unlockPortfolio()

	return retryOnConflict(ctx, func() error {
		p, err := m.GetPortfolio(ctx, portfolioID)
		if err != nil {
			return err
		}
		if !p.hasLot(lotID) {
			return fmt.Errorf("lot %s in portfolio %s: %w", lotID, portfolioID, ErrNotFound)
		}
		_, err = m.portfolios.Update(ctx, p.withoutLot(lotID))
		return err
	})
}

func (m *PositionManager) ListLots(ctx context.Context, portfolioID string) ([]string, error) {
	p, err := m.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	return p.LotRefs, nil
}

// ResolveLots loads the lots a portfolio lists, in list order. A lot sold
// between reading the portfolio and loading it is skipped.
func (m *PositionManager) ResolveLots(ctx context.Context, p Portfolio) ([]ShareLot, error) {
	out := make([]ShareLot, 0, len(p.LotRefs))
	for _, id := range p.LotRefs {
		l, err := m.lots.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get lot %s: %w", id, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *PositionManager) VisiblePortfoliosOf(ctx context.Context, ownerID, viewerID string) ([]Portfolio, error) {
	ps, err := m.portfolios.List(ctx, PortfolioFilter{OwnerID: ownerID, PublicOnly: ownerID != viewerID})
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	return ps, nil
}

// DeleteOwnerData removes every portfolio and lot of ownerID. Each record is
// deleted under its own lock; records already gone are skipped.
func (m *PositionManager) DeleteOwnerData(ctx context.Context, ownerID string) error {
	ps, err := m.portfolios.List(ctx, PortfolioFilter{OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("list portfolios: %w", err)
	}
	for _, p := range ps {
		unlock := m.lockPortfolio(p.ID)
		err := m.portfolios.Delete(ctx, p.ID)
		unlock()
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete portfolio %s: %w", p.ID, err)
		}
	}
	lots, err := m.lots.List(ctx, LotFilter{OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("list lots: %w", err)
	}
	for _, l := range lots {
		if err := m.DeleteLot(ctx, l.ID); err != nil {
			return err
		}
	}
	m.log.Info().Str("owner_id", ownerID).Int("portfolios", len(ps)).Int("lots", len(lots)).Msg("owner data deleted")
	return nil
}
