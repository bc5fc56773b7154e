package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// StaticQuotes serves prices from memory. It backs PRICE_PROVIDER=static and
// the tests, which also use it to make single tickers fail.
type StaticQuotes struct {
	mu      sync.RWMutex
	prices  map[string]Money
	fails   map[string]error
	history map[string][]PricePoint
	calls   map[string]int
}

func NewStaticQuotes(prices map[string]Money) *StaticQuotes {
	s := &StaticQuotes{
		prices:  make(map[string]Money, len(prices)),
		fails:   make(map[string]error),
		history: make(map[string][]PricePoint),
		calls:   make(map[string]int),
	}
	for t, p := range prices {
		s.prices[normalizeTicker(t)] = p
	}
	return s
}

// ParseStaticQuotes reads "AAPL=100,MSFT=312.5".
func ParseStaticQuotes(s string) (*StaticQuotes, error) {
	prices := make(map[string]Money)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ticker, raw, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(ticker) == "" {
			return nil, fmt.Errorf("%w: static quote %q (want TICKER=PRICE)", ErrBadValues, part)
		}
		price, err := ParseMoney(raw)
		if err != nil {
			return nil, fmt.Errorf("static quote %s: %w", ticker, err)
		}
		prices[ticker] = price
	}
	return NewStaticQuotes(prices), nil
}

func (s *StaticQuotes) SetPrice(ticker string, price Money) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticker = normalizeTicker(ticker)
	s.prices[ticker] = price
	delete(s.fails, ticker)
}

// Fail makes every lookup of ticker return err until SetPrice is called again.
func (s *StaticQuotes) Fail(ticker string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[normalizeTicker(ticker)] = err
}

func (s *StaticQuotes) SetHistory(ticker string, points []PricePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[normalizeTicker(ticker)] = slices.Clone(points)
}

// Calls returns how many GetPrice calls ticker has seen.
func (s *StaticQuotes) Calls(ticker string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[normalizeTicker(ticker)]
}

func (s *StaticQuotes) GetPrice(ctx context.Context, ticker string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	ticker = normalizeTicker(ticker)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[ticker]++
	if err, ok := s.fails[ticker]; ok {
		return Quote{}, err
	}
	p, ok := s.prices[ticker]
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", ticker, ErrPriceNotFound)
	}
	return Quote{Ticker: ticker, Price: p, AsOf: time.Now().UTC()}, nil
}

func (s *StaticQuotes) GetHistory(ctx context.Context, ticker string, _ HistoryRange) ([]PricePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ticker = normalizeTicker(ticker)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.fails[ticker]; ok {
		return nil, err
	}
	if pts, ok := s.history[ticker]; ok {
		return slices.Clone(pts), nil
	}
	if p, ok := s.prices[ticker]; ok {
		return []PricePoint{{At: time.Now().UTC(), Price: p}}, nil
	}
	return nil, fmt.Errorf("%s: %w", ticker, ErrPriceNotFound)
}
