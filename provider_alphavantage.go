package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Alpha Vantage GLOBAL_QUOTE / TIME_SERIES_* provider

const alphaVantageBaseURL = "https://www.alphavantage.co/query"

type AlphaVantageProvider struct {
	apiKey  string
	baseURL string
	cli     *http.Client
}

func NewAlphaVantageProvider(apiKey string, timeout time.Duration) (*AlphaVantageProvider, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, ErrAPIKeyMissing
	}
	return &AlphaVantageProvider{
		apiKey:  key,
		baseURL: alphaVantageBaseURL,
		cli:     &http.Client{Timeout: timeout},
	}, nil
}

func (p *AlphaVantageProvider) query(ctx context.Context, params url.Values) (map[string]json.RawMessage, error) {
	params.Set("apikey", p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "lot-ledger/1.0")

	resp, err := p.cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alphavantage http %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	if _, ok := raw["Note"]; ok {
		return nil, ErrAPIRateLimited
	}
	if _, ok := raw["Information"]; ok {
		return nil, ErrAPIRateLimited
	}
	if msg, ok := raw["Error Message"]; ok {
		return nil, fmt.Errorf("alphavantage: %s: %w", strings.Trim(string(msg), `"`), ErrPriceNotFound)
	}
	return raw, nil
}

func (p *AlphaVantageProvider) GetPrice(ctx context.Context, ticker string) (Quote, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return Quote{}, ErrPriceNotFound
	}
	raw, err := p.query(ctx, url.Values{"function": {"GLOBAL_QUOTE"}, "symbol": {ticker}})
	if err != nil {
		return Quote{}, err
	}
	var gq map[string]string
	if b, ok := raw["Global Quote"]; !ok || json.Unmarshal(b, &gq) != nil || len(gq) == 0 {
		return Quote{}, ErrPriceNotFound
	}

	price, err := ParseMoney(gq["05. price"])
	if err != nil || !price.IsPositive() {
		return Quote{}, ErrPriceNotFound
	}

	asOf := time.Now().UTC()
	if s := gq["07. latest trading day"]; s != "" {
		if t, e := time.Parse("2006-01-02", s); e == nil {
			asOf = t
		}
	}
	return Quote{Ticker: ticker, Price: price, AsOf: asOf}, nil
}

// alphaVantageSeries maps a range to the API function, its extra parameters,
// the key holding the series and the timestamp layout of that series.
func alphaVantageSeries(r HistoryRange) (function string, extra url.Values, key, layout string) {
	switch r {
	case Range24Hours:
		return "TIME_SERIES_INTRADAY", url.Values{"interval": {"30min"}}, "Time Series (30min)", "2006-01-02 15:04:05"
	case RangeMonthly:
		return "TIME_SERIES_MONTHLY", nil, "Monthly Time Series", "2006-01-02"
	default:
		return "TIME_SERIES_DAILY", nil, "Time Series (Daily)", "2006-01-02"
	}
}

// GetHistory returns closing prices, oldest first.
func (p *AlphaVantageProvider) GetHistory(ctx context.Context, ticker string, r HistoryRange) ([]PricePoint, error) {
	ticker = normalizeTicker(ticker)
	if ticker == "" {
		return nil, ErrPriceNotFound
	}
	function, extra, key, layout := alphaVantageSeries(r)
	params := url.Values{"function": {function}, "symbol": {ticker}}
	for k, v := range extra {
		params[k] = v
	}
	raw, err := p.query(ctx, params)
	if err != nil {
		return nil, err
	}
	var series map[string]map[string]string
	if b, ok := raw[key]; !ok || json.Unmarshal(b, &series) != nil || len(series) == 0 {
		return nil, ErrPriceNotFound
	}

	out := make([]PricePoint, 0, len(series))
	for stamp, bar := range series {
		at, err := time.Parse(layout, stamp)
		if err != nil {
			continue
		}
		price, err := ParseMoney(bar["4. close"])
		if err != nil {
			continue
		}
		out = append(out, PricePoint{At: at, Price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
