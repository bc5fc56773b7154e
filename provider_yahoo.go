package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Yahoo Finance v8 chart provider

var ErrYahooNoResult = errors.New("yahoo: no result")

const yahooBaseURL = "https://query2.finance.yahoo.com"

type YahooProvider struct {
	baseURL string
	cli     *http.Client
}

func NewYahooProvider(timeout time.Duration) *YahooProvider {
	return &YahooProvider{
		baseURL: yahooBaseURL,
		cli:     &http.Client{Timeout: timeout},
	}
}

type yahooChart struct {
	Meta struct {
		RegularMarketPrice float64 `json:"regularMarketPrice"`
		RegularMarketTime  int64   `json:"regularMarketTime"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Close []*float64 `json:"close"`
		} `json:"quote"`
	} `json:"indicators"`
}

// closes pairs each timestamp with its close, skipping empty bars.
func (c yahooChart) closes() []PricePoint {
	if len(c.Indicators.Quote) == 0 || len(c.Indicators.Quote[0].Close) != len(c.Timestamp) {
		return nil
	}
	out := make([]PricePoint, 0, len(c.Timestamp))
	for i, ts := range c.Timestamp {
		v := c.Indicators.Quote[0].Close[i]
		if v == nil || *v <= 0 {
			continue
		}
		out = append(out, PricePoint{At: time.Unix(ts, 0).UTC(), Price: NewMoney(*v)})
	}
	return out
}

func (p *YahooProvider) chart(ctx context.Context, ticker, interval, rng string) (yahooChart, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", p.baseURL, url.PathEscape(ticker),
		url.Values{"interval": {interval}, "range": {rng}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return yahooChart{}, err
	}
	req.Header.Set("User-Agent", "lot-ledger/1.0")

	resp, err := p.cli.Do(req)
	if err != nil {
		return yahooChart{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return yahooChart{}, fmt.Errorf("yahoo http %d", resp.StatusCode)
	}

	var raw struct {
		Chart struct {
			Result []yahooChart `json:"result"`
			Error  any          `json:"error"`
		} `json:"chart"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return yahooChart{}, err
	}
	if len(raw.Chart.Result) == 0 {
		return yahooChart{}, ErrYahooNoResult
	}
	return raw.Chart.Result[0], nil
}

func (p *YahooProvider) GetPrice(ctx context.Context, ticker string) (Quote, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return Quote{}, ErrPriceNotFound
	}
	r, err := p.chart(ctx, ticker, "1m", "1d")
	if err != nil {
		return Quote{}, err
	}

	price := r.Meta.RegularMarketPrice
	asOf := time.Unix(r.Meta.RegularMarketTime, 0).UTC()

	// Fallback: last close if meta missing
	if price <= 0 || r.Meta.RegularMarketTime == 0 {
		if pts := r.closes(); len(pts) > 0 {
			last := pts[len(pts)-1]
			return Quote{Ticker: ticker, Price: last.Price, AsOf: last.At}, nil
		}
	}
	if price <= 0 {
		return Quote{}, ErrPriceNotFound
	}
	if r.Meta.RegularMarketTime == 0 {
		asOf = time.Now().UTC()
	}
	return Quote{Ticker: ticker, Price: NewMoney(price), AsOf: asOf}, nil
}

func yahooRange(r HistoryRange) (interval, rng string) {
	switch r {
	case Range24Hours:
		return "30m", "1d"
	case RangeMonthly:
		return "1mo", "5y"
	default:
		return "1d", "3mo"
	}
}

// GetHistory returns closing prices, oldest first.
func (p *YahooProvider) GetHistory(ctx context.Context, ticker string, r HistoryRange) ([]PricePoint, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return nil, ErrPriceNotFound
	}
	interval, rng := yahooRange(r)
	c, err := p.chart(ctx, ticker, interval, rng)
	if err != nil {
		return nil, err
	}
	pts := c.closes()
	if len(pts) == 0 {
		return nil, ErrPriceNotFound
	}
	return pts, nil
}
