package main

import (
	"cmp"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seededPortfolio buys AAPL 2@50, MSFT 1@300 and AAPL 1@50 for alice.
func seededPortfolio(t *testing.T, vis Visibility) (*testLedger, Portfolio) {
	t.Helper()
	ctx := context.Background()
	l := newTestLedger(t, newMemoryRepositories())
	l.account(t, "alice", 10_000)
	l.account(t, "bob", 0)
	p := l.portfolio(t, "alice", "Main", vis)
	l.quotes.SetPrice("AAPL", NewMoney(50))
	l.quotes.SetPrice("MSFT", NewMoney(300))
	for _, buy := range []struct {
		ticker string
		qty    int64
	}{{"AAPL", 2}, {"MSFT", 1}, {"AAPL", 1}} {
		_, err := l.svc.Purchase(ctx, "alice", p.ID, buy.ticker, buy.qty)
		require.NoError(t, err)
	}
	l.quotes.SetPrice("AAPL", NewMoney(60))
	l.quotes.SetPrice("MSFT", NewMoney(310))
	return l, p
}

func TestPortfolioValue(t *testing.T) {
	ctx := context.Background()
	l, p := seededPortfolio(t, VisibilityPublic)
	aaplBefore, msftBefore := l.quotes.Calls("AAPL"), l.quotes.Calls("MSFT")

	v, err := l.svc.PortfolioValue(ctx, p.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, p.ID, v.PortfolioID)
	assert.Equal(t, "490", v.Total.String())
	require.Len(t, v.Holdings, 3)
	assert.Equal(t, "120", v.Holdings[0].Value.String())
	assert.Equal(t, "310", v.Holdings[1].Value.String())
	assert.Equal(t, "60", v.Holdings[2].Value.String())
	assert.WithinDuration(t, time.Now(), v.AsOf, time.Minute)

	assert.Equal(t, 1, l.quotes.Calls("AAPL")-aaplBefore, "one quote per ticker")
	assert.Equal(t, 1, l.quotes.Calls("MSFT")-msftBefore)
}

func TestPortfolioValue_Empty(t *testing.T) {
	l := newTestLedger(t, newMemoryRepositories())
	p := l.portfolio(t, "alice", "Empty", VisibilityPrivate)

	v, err := l.svc.PortfolioValue(context.Background(), p.ID, "alice")
	require.NoError(t, err)
	assert.True(t, v.Total.IsZero())
	assert.Empty(t, v.Holdings)
}

func TestPortfolioValue_QuoteFailure(t *testing.T) {
	l, p := seededPortfolio(t, VisibilityPrivate)
	l.quotes.Fail("MSFT", errBoom)

	_, err := l.svc.PortfolioValue(context.Background(), p.ID, "alice")
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	assert.ErrorIs(t, err, errBoom)

	_, err = l.svc.TopAssets(context.Background(), p.ID, "alice", 3)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestTopAssets(t *testing.T) {
	ctx := context.Background()
	l, p := seededPortfolio(t, VisibilityPrivate)

	top, err := l.svc.TopAssets(ctx, p.ID, "alice", 3)
	require.NoError(t, err)
	require.Len(t, top, 2, "fewer tickers than k")
	assert.Equal(t, "MSFT", top[0].Ticker)
	assert.Equal(t, "310", top[0].Value.String())
	assert.Equal(t, "AAPL", top[1].Ticker)
	assert.Equal(t, int64(3), top[1].Quantity)
	assert.Equal(t, "180", top[1].Value.String())

	top, err = l.svc.TopAssets(ctx, p.ID, "alice", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "MSFT", top[0].Ticker)

	top, err = l.svc.TopAssets(ctx, p.ID, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestTopAssets_HugeK(t *testing.T) {
	l, p := seededPortfolio(t, VisibilityPrivate)

	top, err := l.svc.TopAssets(context.Background(), p.ID, "alice", 1<<40)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestTopAssets_TiesKeepPortfolioOrder(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, newMemoryRepositories())
	l.account(t, "alice", 1000)
	p := l.portfolio(t, "alice", "Even", VisibilityPrivate)
	l.quotes.SetPrice("MSFT", NewMoney(50))
	l.quotes.SetPrice("AAPL", NewMoney(100))
	l.quotes.SetPrice("NVDA", NewMoney(10))
	for _, buy := range []struct {
		ticker string
		qty    int64
	}{{"NVDA", 1}, {"MSFT", 2}, {"AAPL", 1}} {
		_, err := l.svc.Purchase(ctx, "alice", p.ID, buy.ticker, buy.qty)
		require.NoError(t, err)
	}

	top, err := l.svc.TopAssets(ctx, p.ID, "alice", 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	// MSFT and AAPL are both worth 100; MSFT was listed first.
	assert.Equal(t, "MSFT", top[0].Ticker)
	assert.Equal(t, "AAPL", top[1].Ticker)
	assert.Equal(t, "NVDA", top[2].Ticker)

	top, err = l.svc.TopAssets(ctx, p.ID, "alice", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "MSFT", top[0].Ticker)
}

func TestValuation_PrivatePortfolio(t *testing.T) {
	ctx := context.Background()
	l, p := seededPortfolio(t, VisibilityPrivate)

	_, err := l.svc.PortfolioValue(ctx, p.ID, "bob")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = l.svc.TopAssets(ctx, p.ID, "bob", 3)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = l.svc.PortfolioValue(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPriceHistory(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, newMemoryRepositories())
	at := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	l.quotes.SetHistory("AAPL", []PricePoint{{At: at, Price: NewMoney(1)}, {At: at.Add(24 * time.Hour), Price: NewMoney(2)}})

	pts, err := l.svc.PriceHistory(ctx, "aapl", RangeDaily)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, "2", pts[1].Price.String())

	_, err = l.svc.PriceHistory(ctx, "NOPE", RangeDaily)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	_, err = l.svc.PriceHistory(ctx, " ", RangeDaily)
	assert.ErrorIs(t, err, ErrBadValues)
}

func TestQuote(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, newMemoryRepositories())
	l.quotes.SetPrice("AAPL", mustMoney(t, "187.25"))
	l.quotes.SetPrice("ZERO", NewMoney(0))

	q, err := l.svc.Quote(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Ticker)
	assert.Equal(t, "187.25", q.Price.String())

	_, err = l.svc.Quote(ctx, "ZERO")
	assert.ErrorIs(t, err, ErrQuoteUnavailable, "non-positive prices are rejected")
}

type scored struct {
	name  string
	score int
}

func TestTopK(t *testing.T) {
	byScore := func(a, b scored) int { return cmp.Compare(a.score, b.score) }
	names := func(items []scored) []string {
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.name)
		}
		return out
	}

	tests := []struct {
		name string
		k    int
		in   []scored
		want []string
	}{
		{"keeps largest", 2, []scored{{"a", 1}, {"b", 5}, {"c", 3}}, []string{"b", "c"}},
		{"ties keep push order", 3, []scored{{"a", 2}, {"b", 2}, {"c", 9}, {"d", 2}}, []string{"c", "a", "b"}},
		{"k above count", 5, []scored{{"a", 1}, {"b", 2}}, []string{"b", "a"}},
		{"k zero", 0, []scored{{"a", 1}}, []string{}},
		{"empty", 3, nil, []string{}},
		{"huge k", 1 << 40, []scored{{"a", 1}, {"b", 2}}, []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top := newTopK(tt.k, byScore)
			for _, x := range tt.in {
				top.Push(x)
			}
			assert.Equal(t, tt.want, names(top.Items()))
		})
	}
}
