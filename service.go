package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

/* ===================== Ledger service ===================== */

type ServiceOptions struct {
	Directory           Directory
	Alerter             Alerter
	QuoteTimeout        time.Duration
	CompensationTimeout time.Duration
	MaxQuoteParallel    int
	Currency            string
}

// LedgerService is the surface the surrounding application calls. It wires
// the managers together and adds the caller checks that belong to none of
// them.
type LedgerService struct {
	accounts  *AccountManager
	positions *PositionManager
	trades    *TradeCoordinator
	valuation *ValuationEngine
	currency  string
	log       zerolog.Logger
}

func NewLedgerService(repos Repositories, quotes QuoteSource, opts ServiceOptions, log zerolog.Logger) *LedgerService {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	alerter := Alerter(newLogAlerter(log))
	if opts.Alerter != nil {
		alerter = multiAlerter{alerter, opts.Alerter}
	}
	accounts := NewAccountManager(repos.Accounts, log)
	positions := NewPositionManager(repos.Lots, repos.Portfolios, opts.Directory, log)
	return &LedgerService{
		accounts:  accounts,
		positions: positions,
		trades:    NewTradeCoordinator(accounts, positions, quotes, alerter, opts.QuoteTimeout, opts.CompensationTimeout, log),
		valuation: NewValuationEngine(positions, quotes, opts.QuoteTimeout, opts.MaxQuoteParallel, log),
		currency:  opts.Currency,
		log:       log,
	}
}

func (s *LedgerService) Currency() string { return s.currency }

/* ---- Cash ---- */

func (s *LedgerService) CreateAccount(ctx context.Context, userID string, initial Money) (Account, error) {
	return s.accounts.CreateAccount(ctx, userID, initial)
}

func (s *LedgerService) AccountExists(ctx context.Context, userID string) (bool, error) {
	return s.accounts.AccountExists(ctx, userID)
}

func (s *LedgerService) GetBalance(ctx context.Context, userID string) (Money, error) {
	return s.accounts.GetBalance(ctx, userID)
}

func (s *LedgerService) Deposit(ctx context.Context, userID string, amount Money) (Money, error) {
	return s.accounts.Deposit(ctx, userID, amount)
}

func (s *LedgerService) Withdraw(ctx context.Context, userID string, amount Money) (Money, error) {
	return s.accounts.Withdraw(ctx, userID, amount)
}

/* ---- Trades ---- */

func (s *LedgerService) Purchase(ctx context.Context, userID, portfolioID, ticker string, quantity int64) (PurchaseResult, error) {
	return s.trades.Purchase(ctx, userID, portfolioID, ticker, quantity)
}

func (s *LedgerService) Sell(ctx context.Context, userID, portfolioID, lotID string) (SaleResult, error) {
	return s.trades.Sell(ctx, userID, portfolioID, lotID)
}

func (s *LedgerService) SellQuantity(ctx context.Context, userID, portfolioID, lotID string, quantity int64) (SaleResult, error) {
	return s.trades.SellQuantity(ctx, userID, portfolioID, lotID, quantity)
}

func (s *LedgerService) CopyInvest(ctx context.Context, userID, srcPortfolioID, dstName string, visibility Visibility) (CopyResult, error) {
	return s.trades.CopyInvest(ctx, userID, srcPortfolioID, dstName, visibility)
}

/* ---- Portfolios ---- */

func (s *LedgerService) CreatePortfolio(ctx context.Context, userID, name string, visibility Visibility) (Portfolio, error) {
	return s.positions.CreatePortfolio(ctx, userID, name, visibility)
}

func (s *LedgerService) UpdatePortfolio(ctx context.Context, userID, portfolioID string, patch PortfolioPatch) (Portfolio, error) {
	return s.positions.UpdatePortfolio(ctx, userID, portfolioID, patch)
}

func (s *LedgerService) DeletePortfolio(ctx context.Context, userID, portfolioID string) error {
	return s.positions.DeletePortfolio(ctx, userID, portfolioID)
}

// GetPortfolio applies the visibility rule for viewerID.
func (s *LedgerService) GetPortfolio(ctx context.Context, portfolioID, viewerID string) (Portfolio, error) {
	return s.positions.ViewPortfolio(ctx, portfolioID, viewerID)
}

func (s *LedgerService) ListLots(ctx context.Context, portfolioID, viewerID string) ([]ShareLot, error) {
	p, err := s.positions.ViewPortfolio(ctx, portfolioID, viewerID)
	if err != nil {
		return nil, err
	}
	return s.positions.ResolveLots(ctx, p)
}

func (s *LedgerService) VisiblePortfoliosOf(ctx context.Context, ownerID, viewerID string) ([]Portfolio, error) {
	return s.positions.VisiblePortfoliosOf(ctx, ownerID, viewerID)
}

// AddLotToPortfolio is the administrative attach. The caller must own the
// portfolio; the lot must belong to the same owner.
func (s *LedgerService) AddLotToPortfolio(ctx context.Context, userID, portfolioID, lotID string) error {
	if err := s.requireOwner(ctx, userID, portfolioID); err != nil {
		return err
	}
	if err := s.positions.AddLotToPortfolio(ctx, portfolioID, lotID); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Str("portfolio_id", portfolioID).Str("lot_id", lotID).Msg("lot attached")
	return nil
}

func (s *LedgerService) RemoveLotFromPortfolio(ctx context.Context, userID, portfolioID, lotID string) error {
	if err := s.requireOwner(ctx, userID, portfolioID); err != nil {
		return err
	}
	if err := s.positions.RemoveLotFromPortfolio(ctx, portfolioID, lotID); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Str("portfolio_id", portfolioID).Str("lot_id", lotID).Msg("lot detached")
	return nil
}

func (s *LedgerService) requireOwner(ctx context.Context, userID, portfolioID string) error {
	p, err := s.positions.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}
	if p.OwnerID != userID {
		return fmt.Errorf("%w: portfolio %s belongs to another user", ErrForbidden, portfolioID)
	}
	return nil
}

/* ---- Valuation ---- */

func (s *LedgerService) PortfolioValue(ctx context.Context, portfolioID, viewerID string) (Valuation, error) {
	return s.valuation.PortfolioValue(ctx, portfolioID, viewerID)
}

func (s *LedgerService) TopAssets(ctx context.Context, portfolioID, viewerID string, k int) ([]AssetValue, error) {
	return s.valuation.TopAssets(ctx, portfolioID, viewerID, k)
}

func (s *LedgerService) Quote(ctx context.Context, ticker string) (Quote, error) {
	return s.valuation.Quote(ctx, ticker)
}

func (s *LedgerService) PriceHistory(ctx context.Context, ticker string, r HistoryRange) ([]PricePoint, error) {
	return s.valuation.PriceHistory(ctx, ticker, r)
}

/* ---- Cascade ---- */

// DeleteUser removes the user's portfolios, lots and account. Running it
// twice is harmless.
func (s *LedgerService) DeleteUser(ctx context.Context, userID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if err := s.positions.DeleteOwnerData(ctx, userID); err != nil {
		return err
	}
	if err := s.accounts.Delete(ctx, userID); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Msg("user data deleted")
	return nil
}
