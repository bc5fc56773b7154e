package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QuoteSource returns live and historical prices for a ticker. Calls may
// block on the network and must honor ctx.
type QuoteSource interface {
	GetPrice(ctx context.Context, ticker string) (Quote, error)
	GetHistory(ctx context.Context, ticker string, r HistoryRange) ([]PricePoint, error)
}

var (
	ErrPriceNotFound  = errors.New("price not found")
	ErrAPIKeyMissing  = errors.New("ALPHAVANTAGE_API_KEY not set")
	ErrAPIRateLimited = errors.New("alpha vantage rate limit or information note")
)

// fetchQuote asks src for one price under its own timeout and folds every
// failure, including a non-positive price, into ErrQuoteUnavailable.
func fetchQuote(ctx context.Context, src QuoteSource, ticker string, timeout time.Duration) (Quote, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return Quote{}, fmt.Errorf("%w: ticker is required", ErrBadValues)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	q, err := src.GetPrice(ctx, ticker)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %w", ErrQuoteUnavailable, ticker, err)
	}
	if !q.Price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s: non-positive price %s", ErrQuoteUnavailable, ticker, q.Price)
	}
	if q.Ticker == "" {
		q.Ticker = ticker
	}
	if q.AsOf.IsZero() {
		q.AsOf = time.Now().UTC()
	}
	return q, nil
}
