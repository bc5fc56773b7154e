package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	*testLedger
	srv *Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	l := newTestLedger(t, newMemoryRepositories())
	return &apiHarness{testLedger: l, srv: NewServer(l.svc, ServerOptions{}, zerolog.Nop())}
}

// do sends body (if any) as JSON on behalf of user; an empty user sends no
// identity header.
func (h *apiHarness) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_RequiresIdentity(t *testing.T) {
	h := newAPIHarness(t)
	for _, path := range []string{"/balance", "/portfolios/x", "/users/alice/portfolios"} {
		rec := h.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := h.do(t, http.MethodPost, "/accounts", "", `{"initial_balance":"10"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "missing caller identity", body["detail"])
}

func TestServer_TradeFlow(t *testing.T) {
	h := newAPIHarness(t)
	h.quotes.SetPrice("AAPL", NewMoney(100))

	rec := h.do(t, http.MethodPost, "/accounts", "alice", `{"initial_balance":"1000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, "/accounts", "alice", `{"initial_balance":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/portfolios", "alice", `{"name":"Main","visibility":"public"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody[Portfolio](t, rec)
	assert.Equal(t, "Alice", p.OwnerDisplayName)
	assert.Equal(t, VisibilityPublic, p.Visibility)

	rec = h.do(t, http.MethodPost, "/portfolios/"+p.ID+"/buy", "alice", `{"ticker":"aapl","quantity":5}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bought := decodeBody[PurchaseResult](t, rec)
	assert.Equal(t, "500", bought.Cost.String())

	rec = h.do(t, http.MethodGet, "/balance", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[balanceResponse](t, rec)
	assert.Equal(t, "500", bal.Balance.String())
	assert.Equal(t, "$500.00", bal.Formatted)
	assert.Equal(t, "USD", bal.Currency)

	h.quotes.SetPrice("AAPL", NewMoney(120))
	sellPath := fmt.Sprintf("/portfolios/%s/lots/%s/sell", p.ID, bought.Lot.ID)
	rec = h.do(t, http.MethodPost, sellPath, "alice", `{"quantity":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	partial := decodeBody[SaleResult](t, rec)
	assert.Equal(t, "240", partial.Proceeds.String())
	require.NotNil(t, partial.Remaining)
	assert.Equal(t, int64(3), partial.Remaining.Quantity)

	rec = h.do(t, http.MethodGet, "/portfolios/"+p.ID+"/value", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code, "public portfolios are visible to everyone")
	v := decodeBody[Valuation](t, rec)
	assert.Equal(t, "360", v.Total.String())

	rec = h.do(t, http.MethodPost, sellPath, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sold := decodeBody[SaleResult](t, rec)
	assert.Equal(t, "360", sold.Proceeds.String())
	assert.Equal(t, "1100", sold.Balance.String())
	assert.Nil(t, sold.Remaining)

	rec = h.do(t, http.MethodGet, "/portfolios/"+p.ID+"/lots", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]ShareLot](t, rec))

	rec = h.do(t, http.MethodPost, "/balance/withdraw", "alice", `{"amount":"100.50"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "$999.50", decodeBody[balanceResponse](t, rec).Formatted)

	rec = h.do(t, http.MethodDelete, "/portfolios/"+p.ID, "alice", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_PortfolioManagement(t *testing.T) {
	h := newAPIHarness(t)
	h.account(t, "alice", 1000)
	h.quotes.SetPrice("MSFT", NewMoney(10))
	a := h.portfolio(t, "alice", "A", VisibilityPrivate)
	b := h.portfolio(t, "alice", "B", VisibilityPublic)
	bought, err := h.svc.Purchase(t.Context(), "alice", a.ID, "MSFT", 1)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPatch, "/portfolios/"+a.ID, "alice", `{"name":"Renamed","visibility":"public"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[Portfolio](t, rec)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, VisibilityPublic, got.Visibility)

	rec = h.do(t, http.MethodPatch, "/portfolios/"+a.ID, "alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	lotPath := func(pf string) string { return fmt.Sprintf("/portfolios/%s/lots/%s", pf, bought.Lot.ID) }
	rec = h.do(t, http.MethodPut, lotPath(b.ID), "alice", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "lot is already listed in A")

	rec = h.do(t, http.MethodDelete, lotPath(a.ID), "alice", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodPut, lotPath(b.ID), "alice", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodPut, lotPath(b.ID), "bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodDelete, "/portfolios/"+b.ID, "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "portfolio still holds a lot")

	rec = h.do(t, http.MethodGet, "/users/alice/portfolios", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]Portfolio](t, rec), 2)

	rec = h.do(t, http.MethodGet, "/portfolios/"+b.ID+"/top?k=x", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/portfolios/"+b.ID+"/top?k=1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	top := decodeBody[[]AssetValue](t, rec)
	require.Len(t, top, 1)
	assert.Equal(t, "MSFT", top[0].Ticker)
}

func TestServer_ErrorStatuses(t *testing.T) {
	h := newAPIHarness(t)
	h.account(t, "alice", 100)
	h.account(t, "bob", 100)
	priv := h.portfolio(t, "alice", "Secret", VisibilityPrivate)
	h.quotes.SetPrice("AAPL", NewMoney(100))
	h.quotes.Fail("DOWN", errBoom)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/balance/deposit", "alice", `{"amount":`, http.StatusBadRequest},
		{"missing amount", http.MethodPost, "/balance/deposit", "alice", `{}`, http.StatusBadRequest},
		{"overdraw", http.MethodPost, "/balance/withdraw", "alice", `{"amount":"500"}`, http.StatusPaymentRequired},
		{"deposit without account", http.MethodPost, "/balance/deposit", "carol", `{"amount":"5"}`, http.StatusNotFound},
		{"unknown portfolio", http.MethodGet, "/portfolios/nope", "alice", "", http.StatusNotFound},
		{"private portfolio", http.MethodGet, "/portfolios/" + priv.ID, "bob", "", http.StatusForbidden},
		{"private valuation", http.MethodGet, "/portfolios/" + priv.ID + "/value", "bob", "", http.StatusForbidden},
		{"buy into foreign portfolio", http.MethodPost, "/portfolios/" + priv.ID + "/buy", "bob", `{"ticker":"AAPL","quantity":1}`, http.StatusForbidden},
		{"buy zero", http.MethodPost, "/portfolios/" + priv.ID + "/buy", "alice", `{"ticker":"AAPL","quantity":0}`, http.StatusBadRequest},
		{"buy beyond cash", http.MethodPost, "/portfolios/" + priv.ID + "/buy", "alice", `{"ticker":"AAPL","quantity":2}`, http.StatusPaymentRequired},
		{"quote down", http.MethodGet, "/quotes/DOWN", "", "", http.StatusBadGateway},
		{"bad history range", http.MethodGet, "/quotes/AAPL/history?range=weekly", "", "", http.StatusBadRequest},
		{"duplicate portfolio", http.MethodPost, "/portfolios", "alice", `{"name":"Secret"}`, http.StatusConflict},
		{"bad visibility", http.MethodPost, "/portfolios", "alice", `{"name":"X","visibility":"friends"}`, http.StatusBadRequest},
		{"delete someone else", http.MethodDelete, "/users/alice", "bob", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			body := decodeBody[map[string]string](t, rec)
			assert.Equal(t, http.StatusText(tt.want), body["error"])
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestServer_Quotes(t *testing.T) {
	h := newAPIHarness(t)
	h.quotes.SetPrice("AAPL", mustMoney(t, "187.25"))

	rec := h.do(t, http.MethodGet, "/quotes/aapl", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[Quote](t, rec)
	assert.Equal(t, "AAPL", q.Ticker)
	assert.Equal(t, "187.25", q.Price.String())

	rec = h.do(t, http.MethodGet, "/quotes/AAPL/history?range=monthly", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]PricePoint](t, rec), 1)
}

func TestServer_CopyPartial(t *testing.T) {
	h := newAPIHarness(t)
	h.account(t, "alice", 1000)
	h.account(t, "bob", 150)
	src := h.portfolio(t, "alice", "Picks", VisibilityPublic)
	h.quotes.SetPrice("AAPL", NewMoney(100))
	h.quotes.SetPrice("MSFT", NewMoney(100))
	for _, ticker := range []string{"AAPL", "MSFT"} {
		_, err := h.svc.Purchase(t.Context(), "alice", src.ID, ticker, 1)
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodPost, "/portfolios/"+src.ID+"/copy", "bob", `{"name":"Mirror"}`)
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	res := decodeBody[copyResponse](t, rec)
	assert.Len(t, res.Purchases, 1)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "MSFT", res.Failures[0].Ticker)
	assert.Contains(t, res.Failures[0].Reason, "insufficient funds")
	assert.Len(t, res.Portfolio.LotRefs, 1)
	assert.Equal(t, VisibilityPrivate, res.Portfolio.Visibility)
}

func TestServer_DeleteUser(t *testing.T) {
	h := newAPIHarness(t)
	h.account(t, "alice", 10)
	h.portfolio(t, "alice", "Main", VisibilityPublic)

	rec := h.do(t, http.MethodDelete, "/users/alice", "alice", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/users/alice/portfolios", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]Portfolio](t, rec))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: purchase: %w", ErrTradeFailed, ErrInsufficientFunds), http.StatusInternalServerError},
		{&ReconciliationError{Cause: ErrNotFound, Compensate: errBoom}, http.StatusInternalServerError},
		{&PartialCopyError{}, http.StatusMultiStatus},
		{ErrPortfolioNotEmpty, http.StatusBadRequest},
		{ErrOwnershipMismatch, http.StatusForbidden},
		{fmt.Errorf("lot x: %w", ErrNotFound), http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrInsufficientFunds, http.StatusPaymentRequired},
		{ErrQuoteUnavailable, http.StatusBadGateway},
		{errBoom, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServer_CreateAccountWithoutBody(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/accounts", "alice", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, h.balance(t, "alice").IsZero())

	rec = h.do(t, http.MethodPost, "/accounts", "bob", `{"initial_balance":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a truncated body is still rejected")
}

func TestServer_SellWithChunkedEmptyBody(t *testing.T) {
	h := newAPIHarness(t)
	h.account(t, "alice", 1000)
	p := h.portfolio(t, "alice", "Main", VisibilityPrivate)
	h.quotes.SetPrice("AAPL", NewMoney(100))
	bought, err := h.svc.Purchase(t.Context(), "alice", p.ID, "AAPL", 4)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/portfolios/%s/lots/%s/sell", p.ID, bought.Lot.ID), strings.NewReader(""))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sold := decodeBody[SaleResult](t, rec)
	assert.Equal(t, int64(4), sold.Quantity, "no quantity sells the whole lot")
	assert.Nil(t, sold.Remaining)
}

func TestServer_TopWithHugeK(t *testing.T) {
	h := newAPIHarness(t)
	h.account(t, "alice", 1000)
	p := h.portfolio(t, "alice", "Main", VisibilityPublic)
	h.quotes.SetPrice("AAPL", NewMoney(10))
	_, err := h.svc.Purchase(t.Context(), "alice", p.ID, "AAPL", 1)
	require.NoError(t, err)

	for _, k := range []string{"40000000000", "9000000000000000000"} {
		rec := h.do(t, http.MethodGet, "/portfolios/"+p.ID+"/top?k="+k, "bob", "")
		require.Equal(t, http.StatusOK, rec.Code, k)
		assert.Len(t, decodeBody[[]AssetValue](t, rec), 1)
	}
}
