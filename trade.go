package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type PurchaseResult struct {
	Lot     ShareLot `json:"lot"`
	Price   Money    `json:"price"`
	Cost    Money    `json:"cost"`
	Balance Money    `json:"balance"`
}

type SaleResult struct {
	LotID    string `json:"lot_id"`
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
	Price    Money  `json:"price"`
	Proceeds Money  `json:"proceeds"`
	Balance  Money  `json:"balance"`
	// Remaining is the lot after a partial sale; nil when the lot was sold out.
	Remaining *ShareLot `json:"remaining,omitempty"`
}

type CopyResult struct {
	Portfolio Portfolio        `json:"portfolio"`
	Purchases []PurchaseResult `json:"purchases"`
	Failures  []CopyFailure    `json:"failures,omitempty"`
}

/* ===================== Trade coordinator ===================== */

// TradeCoordinator runs buys and sells across the account and position
// managers. The store has no multi-record transaction, so each trade either
// commits all its steps or runs compensating steps for the ones that did.
// When compensation fails too, the trade surfaces a *ReconciliationError and
// the Alerter hears about it.
type TradeCoordinator struct {
	accounts            *AccountManager
	positions           *PositionManager
	quotes              QuoteSource
	alerter             Alerter
	locks               *keyedMutex
	quoteTimeout        time.Duration
	compensationTimeout time.Duration
	log                 zerolog.Logger
}

func NewTradeCoordinator(accounts *AccountManager, positions *PositionManager, quotes QuoteSource, alerter Alerter,
	quoteTimeout, compensationTimeout time.Duration, log zerolog.Logger) *TradeCoordinator {
	log = log.With().Str("component", "trades").Logger()
	if alerter == nil {
		alerter = newLogAlerter(log)
	}
	return &TradeCoordinator{
		accounts:            accounts,
		positions:           positions,
		quotes:              quotes,
		alerter:             alerter,
		locks:               newKeyedMutex(),
		quoteTimeout:        quoteTimeout,
		compensationTimeout: compensationTimeout,
		log:                 log,
	}
}

// compensationContext keeps the request's values but not its cancellation:
// a request that timed out mid-trade must still be able to undo its writes.
func (c *TradeCoordinator) compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.compensationTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, c.compensationTimeout)
}

func (c *TradeCoordinator) escalate(ctx context.Context, rec *ReconciliationError) error {
	c.alerter.Alert(context.WithoutCancel(ctx), rec)
	return rec
}

func (c *TradeCoordinator) Purchase(ctx context.Context, userID, portfolioID, ticker string, quantity int64) (PurchaseResult, error) {
	if err := requireUser(userID); err != nil {
		return PurchaseResult{}, err
	}
	if quantity <= 0 {
		return PurchaseResult{}, fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidQuantity, quantity)
	}
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return PurchaseResult{}, fmt.Errorf("%w: ticker is required", ErrBadValues)
	}
	p, err := c.positions.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if p.OwnerID != userID {
		return PurchaseResult{}, fmt.Errorf("%w: portfolio %s belongs to another user", ErrForbidden, portfolioID)
	}
	q, err := fetchQuote(ctx, c.quotes, ticker, c.quoteTimeout)
	if err != nil {
		return PurchaseResult{}, err
	}
	cost := q.Price.MulQty(quantity)

	if _, err := c.accounts.Withdraw(ctx, userID, cost); err != nil {
		return PurchaseResult{}, err
	}

	// Cash is gone from here on; every failure below must give it back.
	lot, err := c.positions.CreateLot(ctx, userID, ticker, quantity, q.Price)
	if err != nil {
		return PurchaseResult{}, c.undoPurchase(ctx, userID, p.ID, nil, ticker, quantity, cost, err)
	}
	if err := c.positions.AddLotToPortfolio(ctx, p.ID, lot.ID); err != nil {
		return PurchaseResult{}, c.undoPurchase(ctx, userID, p.ID, &lot, ticker, quantity, cost, err)
	}
	balance, err := c.accounts.GetBalance(ctx, userID)
	if err != nil {
		// The trade is committed; only the echo of the balance is missing.
		c.log.Warn().Err(err).Str("user_id", userID).Msg("balance read after purchase failed")
	}

	c.log.Info().
		Str("user_id", userID).
		Str("portfolio_id", p.ID).
		Str("lot_id", lot.ID).
		Str("ticker", ticker).
		Int64("quantity", quantity).
		Str("price", q.Price.String()).
		Str("cost", cost.String()).
		Msg("purchase")
	return PurchaseResult{Lot: lot, Price: q.Price, Cost: cost, Balance: balance}, nil
}

// undoPurchase removes whatever the purchase created and re-credits cost.
func (c *TradeCoordinator) undoPurchase(ctx context.Context, userID, portfolioID string, lot *ShareLot,
	ticker string, quantity int64, cost Money, cause error) error {
	cctx, cancel := c.compensationContext(ctx)
	defer cancel()

	var errs []error
	rec := &ReconciliationError{Op: "purchase", UserID: userID, PortfolioID: portfolioID,
		Ticker: ticker, Quantity: quantity, Amount: cost, Cause: cause}
	if lot != nil {
		rec.LotID = lot.ID
		if err := c.positions.RemoveLotFromPortfolio(cctx, portfolioID, lot.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
		if err := c.positions.DeleteLot(cctx, lot.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.accounts.Deposit(cctx, userID, cost); err != nil {
		errs = append(errs, fmt.Errorf("re-credit %s: %w", cost, err))
	}
	if len(errs) > 0 {
		rec.Compensate = errors.Join(errs...)
		return c.escalate(ctx, rec)
	}

	c.log.Warn().Err(cause).Str("user_id", userID).Str("ticker", ticker).Str("amount", cost.String()).
		Msg("purchase rolled back")
	return fmt.Errorf("%w: purchase of %d %s: %w", ErrTradeFailed, quantity, ticker, cause)
}

// Sell sells a whole lot.
func (c *TradeCoordinator) Sell(ctx context.Context, userID, portfolioID, lotID string) (SaleResult, error) {
	return c.sell(ctx, userID, portfolioID, lotID, 0)
}

// SellQuantity sells part of a lot; selling the full quantity removes it.
func (c *TradeCoordinator) SellQuantity(ctx context.Context, userID, portfolioID, lotID string, quantity int64) (SaleResult, error) {
	if quantity <= 0 {
		return SaleResult{}, fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidQuantity, quantity)
	}
	return c.sell(ctx, userID, portfolioID, lotID, quantity)
}

// sell with quantity 0 sells whatever the lot holds when the sale commits.
func (c *TradeCoordinator) sell(ctx context.Context, userID, portfolioID, lotID string, quantity int64) (SaleResult, error) {
	if err := requireUser(userID); err != nil {
		return SaleResult{}, err
	}
	lot, err := c.checkSale(ctx, userID, portfolioID, lotID)
	if err != nil {
		return SaleResult{}, err
	}
	q, err := fetchQuote(ctx, c.quotes, lot.Ticker, c.quoteTimeout)
	if err != nil {
		return SaleResult{}, err
	}

	unlock := c.locks.Lock("trade:lot:" + lotID)
	defer unlock()

	// Another sale may have committed while we fetched the quote.
	if lot, err = c.checkSale(ctx, userID, portfolioID, lotID); err != nil {
		return SaleResult{}, err
	}
	if quantity == 0 {
		quantity = lot.Quantity
	}
	if quantity > lot.Quantity {
		return SaleResult{}, fmt.Errorf("%w: lot %s holds %d, cannot sell %d", ErrInvalidQuantity, lotID, lot.Quantity, quantity)
	}
	proceeds := q.Price.MulQty(quantity)
	soldOut := quantity == lot.Quantity

	if soldOut {
		if err := c.positions.RemoveLotFromPortfolio(ctx, portfolioID, lotID); err != nil {
			return SaleResult{}, fmt.Errorf("%w: detach lot %s: %w", ErrTradeFailed, lotID, err)
		}
	}
	sold := lot
	sold.Quantity = quantity
	remaining, removed, err := c.positions.ReduceOrRemoveLot(ctx, lotID, quantity)
	if err != nil {
		if !soldOut {
			return SaleResult{}, fmt.Errorf("%w: reduce lot %s: %w", ErrTradeFailed, lotID, err)
		}
		return SaleResult{}, c.undoSale(ctx, userID, portfolioID, sold, proceeds, err, false)
	}

	// Shares are gone from here on; a failed credit must bring them back.
	balance, err := c.accounts.Deposit(ctx, userID, proceeds)
	if err != nil {
		return SaleResult{}, c.undoSale(ctx, userID, portfolioID, sold, proceeds, err, true)
	}

	c.log.Info().
		Str("user_id", userID).
		Str("portfolio_id", portfolioID).
		Str("lot_id", lotID).
		Str("ticker", lot.Ticker).
		Int64("quantity", quantity).
		Str("price", q.Price.String()).
		Str("proceeds", proceeds.String()).
		Bool("sold_out", removed).
		Msg("sale")
	res := SaleResult{LotID: lotID, Ticker: lot.Ticker, Quantity: quantity, Price: q.Price, Proceeds: proceeds, Balance: balance}
	if !removed {
		res.Remaining = &remaining
	}
	return res, nil
}

// checkSale resolves the lot and confirms the caller owns it and that it is
// listed in portfolioID.
func (c *TradeCoordinator) checkSale(ctx context.Context, userID, portfolioID, lotID string) (ShareLot, error) {
	lot, err := c.positions.GetLot(ctx, lotID)
	if err != nil {
		return ShareLot{}, err
	}
	if lot.OwnerID != userID {
		return ShareLot{}, fmt.Errorf("%w: lot %s belongs to another user", ErrForbidden, lotID)
	}
	p, err := c.positions.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return ShareLot{}, err
	}
	if !p.hasLot(lotID) {
		return ShareLot{}, fmt.Errorf("lot %s in portfolio %s: %w", lotID, portfolioID, ErrNotFound)
	}
	return lot, nil
}

// undoSale puts sold back. When reduced is false only the detach happened and
// restoring means re-listing the lot.
func (c *TradeCoordinator) undoSale(ctx context.Context, userID, portfolioID string, sold ShareLot,
	proceeds Money, cause error, reduced bool) error {
	cctx, cancel := c.compensationContext(ctx)
	defer cancel()

	var err error
	if reduced {
		err = c.positions.RestoreLot(cctx, sold, portfolioID)
	} else if err = c.positions.AddLotToPortfolio(cctx, portfolioID, sold.ID); errors.Is(err, ErrAlreadyExists) {
		err = nil
	}
	if err != nil {
		return c.escalate(ctx, &ReconciliationError{
			Op:          "sell",
			UserID:      userID,
			PortfolioID: portfolioID,
			LotID:       sold.ID,
			Ticker:      sold.Ticker,
			Quantity:    sold.Quantity,
			Amount:      proceeds,
			Cause:       cause,
			Compensate:  err,
		})
	}

	c.log.Warn().Err(cause).Str("user_id", userID).Str("lot_id", sold.ID).Int64("quantity", sold.Quantity).
		Msg("sale rolled back")
	return fmt.Errorf("%w: sale of %d %s: %w", ErrTradeFailed, sold.Quantity, sold.Ticker, cause)
}

// CopyInvest buys the holdings of a portfolio the caller can see into a new
// portfolio of their own, one independent purchase per source lot. Failed
// lots are skipped and reported in a *PartialCopyError; purchases that went
// through stay.
func (c *TradeCoordinator) CopyInvest(ctx context.Context, userID, srcPortfolioID, dstName string, visibility Visibility) (CopyResult, error) {
	if err := requireUser(userID); err != nil {
		return CopyResult{}, err
	}
	src, err := c.positions.ViewPortfolio(ctx, srcPortfolioID, userID)
	if err != nil {
		return CopyResult{}, err
	}
	lots, err := c.positions.ResolveLots(ctx, src)
	if err != nil {
		return CopyResult{}, err
	}
	dst, err := c.positions.CreatePortfolio(ctx, userID, dstName, visibility)
	if err != nil {
		return CopyResult{}, err
	}

	res := CopyResult{Portfolio: dst, Purchases: make([]PurchaseResult, 0, len(lots))}
	for _, l := range lots {
		pr, err := c.Purchase(ctx, userID, dst.ID, l.Ticker, l.Quantity)
		if errors.Is(err, ErrReconciliationRequired) {
			return res, err
		}
		if err != nil {
			res.Failures = append(res.Failures, CopyFailure{Ticker: l.Ticker, Quantity: l.Quantity, Err: err})
			continue
		}
		res.Purchases = append(res.Purchases, pr)
		res.Portfolio.LotRefs = append(res.Portfolio.LotRefs, pr.Lot.ID)
	}

	c.log.Info().
		Str("user_id", userID).
		Str("source_id", src.ID).
		Str("portfolio_id", dst.ID).
		Int("purchased", len(res.Purchases)).
		Int("failed", len(res.Failures)).
		Msg("copy invest")
	if len(res.Failures) > 0 {
		return res, &PartialCopyError{PortfolioID: dst.ID, Purchased: len(res.Purchases), Failures: res.Failures}
	}
	return res, nil
}
