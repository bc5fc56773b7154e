package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// ===== HTTP adapter =====

// IdentityFunc returns the authenticated user of a request. The ledger never
// authenticates anyone itself.
type IdentityFunc func(r *http.Request) (string, error)

var errUnauthenticated = errors.New("unauthenticated")

// headerIdentity reads the user id that the session layer in front of us
// puts in X-User-ID.
func headerIdentity(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		return "", errUnauthenticated
	}
	return id, nil
}

type ServerOptions struct {
	Identity    IdentityFunc
	CORSOrigins []string
}

type Server struct {
	svc      *LedgerService
	identity IdentityFunc
	router   *chi.Mux
	log      zerolog.Logger
}

func NewServer(svc *LedgerService, opts ServerOptions, log zerolog.Logger) *Server {
	if opts.Identity == nil {
		opts.Identity = headerIdentity
	}
	s := &Server{
		svc:      svc,
		identity: opts.Identity,
		router:   chi.NewRouter(),
		log:      log.With().Str("component", "server").Logger(),
	}
	s.setupMiddleware(opts.CORSOrigins)
	s.routes()
	return s
}

func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	if len(origins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-User-ID"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) routes() {
	r := s.router
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/quotes/{ticker}", s.handleQuote)
	r.Get("/quotes/{ticker}/history", s.handleHistory)

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Post("/accounts", s.handleCreateAccount)
		r.Get("/balance", s.handleBalance)
		r.Post("/balance/deposit", s.handleDeposit)
		r.Post("/balance/withdraw", s.handleWithdraw)

		r.Get("/users/{userID}/portfolios", s.handleUserPortfolios)
		r.Delete("/users/{userID}", s.handleDeleteUser)

		r.Post("/portfolios", s.handleCreatePortfolio)
		r.Route("/portfolios/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPortfolio)
			r.Patch("/", s.handleUpdatePortfolio)
			r.Delete("/", s.handleDeletePortfolio)
			r.Get("/lots", s.handleListLots)
			r.Put("/lots/{lotID}", s.handleAttachLot)
			r.Delete("/lots/{lotID}", s.handleDetachLot)
			r.Post("/lots/{lotID}/sell", s.handleSell)
			r.Post("/buy", s.handleBuy)
			r.Post("/copy", s.handleCopy)
			r.Get("/value", s.handleValue)
			r.Get("/top", s.handleTop)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Simple JSON-only API
	w.Header().Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Msg("http request")
	})
}

type userKey struct{}

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identity(r)
		if err != nil || id == "" {
			httpError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func caller(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

/* ======= Cash ======= */

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var dto accountDTO
	if !decodeOptional(w, r, &dto) {
		return
	}
	a, err := s.svc.CreateAccount(r.Context(), caller(r), dto.InitialBalance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r, http.StatusOK, func() (Money, error) {
		return s.svc.GetBalance(r.Context(), caller(r))
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.moveCash(w, r, s.svc.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCash(w, r, s.svc.Withdraw)
}

func (s *Server) moveCash(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string, amount Money) (Money, error)) {
	var dto amountDTO
	if !decode(w, r, &dto) {
		return
	}
	amount, err := dto.value()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeBalance(w, r, http.StatusOK, func() (Money, error) {
		return op(r.Context(), caller(r), amount)
	})
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, status int, get func() (Money, error)) {
	bal, err := get()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cur := s.svc.Currency()
	writeJSON(w, status, balanceResponse{UserID: caller(r), Balance: bal, Formatted: bal.Format(cur), Currency: cur})
}

/* ======= Portfolios ======= */

func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var dto portfolioDTO
	if !decode(w, r, &dto) {
		return
	}
	name, vis, err := dto.toDomain()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.svc.CreatePortfolio(r.Context(), caller(r), name, vis)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUserPortfolios(w http.ResponseWriter, r *http.Request) {
	ps, err := s.svc.VisiblePortfoliosOf(r.Context(), chi.URLParam(r, "userID"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetPortfolio(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePortfolio(w http.ResponseWriter, r *http.Request) {
	var dto portfolioPatchDTO
	if !decode(w, r, &dto) {
		return
	}
	patch, err := dto.toDomain()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.svc.UpdatePortfolio(r.Context(), caller(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePortfolio(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePortfolio(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.svc.ListLots(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

func (s *Server) handleAttachLot(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.AddLotToPortfolio(r.Context(), caller(r), chi.URLParam(r, "id"), chi.URLParam(r, "lotID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachLot(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveLotFromPortfolio(r.Context(), caller(r), chi.URLParam(r, "id"), chi.URLParam(r, "lotID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ======= Trades ======= */

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var dto buyDTO
	if !decode(w, r, &dto) {
		return
	}
	if err := dto.validate(); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Purchase(r.Context(), caller(r), chi.URLParam(r, "id"), dto.Ticker, dto.Quantity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var dto sellDTO
	if !decodeOptional(w, r, &dto) {
		return
	}
	pfID, lotID := chi.URLParam(r, "id"), chi.URLParam(r, "lotID")
	var (
		res SaleResult
		err error
	)
	if dto.Quantity != nil {
		res, err = s.svc.SellQuantity(r.Context(), caller(r), pfID, lotID, *dto.Quantity)
	} else {
		res, err = s.svc.Sell(r.Context(), caller(r), pfID, lotID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var dto portfolioDTO
	if !decode(w, r, &dto) {
		return
	}
	name, vis, err := dto.toDomain()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.CopyInvest(r.Context(), caller(r), chi.URLParam(r, "id"), name, vis)
	var partial *PartialCopyError
	switch {
	case errors.As(err, &partial):
		writeJSON(w, http.StatusMultiStatus, newCopyResponse(res))
	case err != nil:
		s.fail(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, newCopyResponse(res))
	}
}

/* ======= Valuation & quotes ======= */

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.PortfolioValue(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	k := defaultTopK
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: k must be an integer", ErrBadValues))
			return
		}
		k = n
	}
	top, err := s.svc.TopAssets(r.Context(), chi.URLParam(r, "id"), caller(r), k)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.svc.Quote(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rng, err := parseHistoryRange(r.URL.Query().Get("range"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pts, err := s.svc.PriceHistory(r.Context(), chi.URLParam(r, "ticker"), rng)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pts)
}

/* ======= Cascade ======= */

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != caller(r) {
		s.fail(w, r, fmt.Errorf("%w: cannot delete another user", ErrForbidden))
		return
	}
	if err := s.svc.DeleteUser(r.Context(), userID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ======= small helpers ======= */

// statusFor maps an error kind to its HTTP status. Order matters: trade
// errors wrap their cause, so they are checked before the cause's kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrReconciliationRequired), errors.Is(err, ErrTradeFailed):
		return http.StatusInternalServerError
	case errors.Is(err, ErrPartialCopy):
		return http.StatusMultiStatus
	case errors.Is(err, ErrBadValues):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrQuoteUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	httpError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be left out; an empty
// body, chunked or not, leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  http.StatusText(status),
		"detail": msg,
	})
}
