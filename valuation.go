package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type HoldingValue struct {
	LotID    string `json:"lot_id"`
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
	Price    Money  `json:"price"`
	Value    Money  `json:"value"`
}

type Valuation struct {
	PortfolioID string         `json:"portfolio_id"`
	Total       Money          `json:"total"`
	AsOf        time.Time      `json:"as_of"`
	Holdings    []HoldingValue `json:"holdings"`
}

// AssetValue is one ticker's aggregate across every lot of a portfolio.
type AssetValue struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
	Value    Money  `json:"value"`
}

const defaultTopK = 3

/* ===================== Valuation engine ===================== */

// ValuationEngine prices portfolios. It never writes; every quote it fetches
// lives only as long as the call that fetched it.
type ValuationEngine struct {
	positions    *PositionManager
	quotes       QuoteSource
	quoteTimeout time.Duration
	parallel     int
	log          zerolog.Logger
}

func NewValuationEngine(positions *PositionManager, quotes QuoteSource, quoteTimeout time.Duration, parallel int, log zerolog.Logger) *ValuationEngine {
	if parallel <= 0 {
		parallel = 4
	}
	return &ValuationEngine{
		positions:    positions,
		quotes:       quotes,
		quoteTimeout: quoteTimeout,
		parallel:     parallel,
		log:          log.With().Str("component", "valuation").Logger(),
	}
}

// priceBook holds one quote per ticker for the duration of a single call so
// every lot of a ticker is priced from the same quote.
type priceBook map[string]Quote

func (e *ValuationEngine) prefetch(ctx context.Context, lots []ShareLot) (priceBook, error) {
	var tickers []string
	seen := make(map[string]bool)
	for _, l := range lots {
		if !seen[l.Ticker] {
			seen[l.Ticker] = true
			tickers = append(tickers, l.Ticker)
		}
	}

	book := make(priceBook, len(tickers))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for _, t := range tickers {
		g.Go(func() error {
			q, err := fetchQuote(gctx, e.quotes, t, e.quoteTimeout)
			if err != nil {
				return err
			}
			mu.Lock()
			book[t] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return book, nil
}

func (e *ValuationEngine) load(ctx context.Context, portfolioID, viewerID string) (Portfolio, []ShareLot, priceBook, error) {
	p, err := e.positions.ViewPortfolio(ctx, portfolioID, viewerID)
	if err != nil {
		return Portfolio{}, nil, nil, err
	}
	lots, err := e.positions.ResolveLots(ctx, p)
	if err != nil {
		return Portfolio{}, nil, nil, err
	}
	book, err := e.prefetch(ctx, lots)
	if err != nil {
		e.log.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("valuation aborted")
		return Portfolio{}, nil, nil, err
	}
	return p, lots, book, nil
}

func (e *ValuationEngine) PortfolioValue(ctx context.Context, portfolioID, viewerID string) (Valuation, error) {
	p, lots, book, err := e.load(ctx, portfolioID, viewerID)
	if err != nil {
		return Valuation{}, err
	}
	v := Valuation{PortfolioID: p.ID, AsOf: time.Now().UTC(), Holdings: make([]HoldingValue, 0, len(lots))}
	for _, l := range lots {
		price := book[l.Ticker].Price
		value := price.MulQty(l.Quantity)
		v.Total = v.Total.Add(value)
		v.Holdings = append(v.Holdings, HoldingValue{
			LotID:    l.ID,
			Ticker:   l.Ticker,
			Quantity: l.Quantity,
			Price:    price,
			Value:    value,
		})
	}
	return v, nil
}

// TopAssets ranks tickers by aggregate value, largest first. Equal values
// keep the order in which the tickers first appear in the portfolio. k <= 0
// means 3; a portfolio with fewer tickers yields a shorter list.
func (e *ValuationEngine) TopAssets(ctx context.Context, portfolioID, viewerID string, k int) ([]AssetValue, error) {
	if k <= 0 {
		k = defaultTopK
	}
	_, lots, book, err := e.load(ctx, portfolioID, viewerID)
	if err != nil {
		return nil, err
	}

	var order []string
	agg := make(map[string]AssetValue)
	for _, l := range lots {
		a, ok := agg[l.Ticker]
		if !ok {
			order = append(order, l.Ticker)
			a.Ticker = l.Ticker
		}
		a.Quantity += l.Quantity
		a.Value = a.Value.Add(book[l.Ticker].Price.MulQty(l.Quantity))
		agg[l.Ticker] = a
	}

	top := newTopK(min(k, len(order)), func(a, b AssetValue) int { return a.Value.Cmp(b.Value) })
	for _, t := range order {
		top.Push(agg[t])
	}
	return top.Items(), nil
}

func (e *ValuationEngine) Quote(ctx context.Context, ticker string) (Quote, error) {
	return fetchQuote(ctx, e.quotes, ticker, e.quoteTimeout)
}

func (e *ValuationEngine) PriceHistory(ctx context.Context, ticker string, r HistoryRange) ([]PricePoint, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return nil, fmt.Errorf("%w: ticker is required", ErrBadValues)
	}
	if e.quoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.quoteTimeout)
		defer cancel()
	}
	pts, err := e.quotes.GetHistory(ctx, ticker, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s history: %w", ErrQuoteUnavailable, ticker, err)
	}
	return pts, nil
}
