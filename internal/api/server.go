// Package api exposes the exchange over HTTP, grounded on the teacher's
// chi-based Server (internal/api/server.go): same router/middleware shape
// and json200/jsonErr helpers, with JWT swapped for the static per-user
// api_key header spec.md §6 and the original Django HasAPIKey/
// IsAdminAPIKey permission classes call for.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"centrex/internal/apperr"
	"centrex/internal/config"
	"centrex/internal/db"
	"centrex/internal/engine"
	"centrex/internal/model"
)

type Server struct {
	store   *db.Store
	manager *engine.Manager
	cfg     config.Config
	log     zerolog.Logger
}

func NewServer(store *db.Store, mgr *engine.Manager, cfg config.Config, log zerolog.Logger) *Server {
	return &Server{store: store, manager: mgr, cfg: cfg, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/public/register", s.register)
		r.Get("/public/instrument", s.listInstruments)
		r.Get("/public/orderbook/{ticker}", s.getOrderbook)
		r.Get("/public/transactions/{ticker}", s.getTransactions)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/balance", s.getBalance)
			r.Post("/order", s.placeOrder)
			r.Get("/order", s.listOrders)
			r.Get("/order/{id}", s.getOrder)
			r.Delete("/order/{id}", s.cancelOrder)

			r.Group(func(r chi.Router) {
				r.Use(s.adminOnly)
				r.Post("/admin/balance/deposit", s.adminDeposit)
				r.Post("/admin/balance/withdraw", s.adminWithdraw)
				r.Post("/admin/instrument", s.createInstrument)
				r.Delete("/admin/instrument/{ticker}", s.deleteInstrument)
				r.Delete("/admin/user/{id}", s.deleteUser)
			})
		})
	})

	return r
}

// ── Auth (spec.md §6): static per-user api_key in Authorization: TOKEN <key> ──

type ctxKey string

const ctxUser ctxKey = "user"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "TOKEN "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			jsonAppErr(w, apperr.New(apperr.Auth, "missing or malformed Authorization header"))
			return
		}
		key, err := uuid.Parse(header[len(prefix):])
		if err != nil {
			jsonAppErr(w, apperr.New(apperr.Auth, "malformed api key"))
			return
		}
		user, err := s.store.GetUserByAPIKey(r.Context(), key)
		if err != nil {
			jsonAppErr(w, apperr.Wrap(apperr.Internal, "lookup api key", err))
			return
		}
		if user == nil {
			jsonAppErr(w, apperr.New(apperr.Auth, "unknown api key"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r).Role != model.RoleAdmin {
			jsonAppErr(w, apperr.New(apperr.Forbidden, "admin only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(r *http.Request) *model.User {
	return r.Context().Value(ctxUser).(*model.User)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Public ───────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid json"))
		return
	}
	if req.Name == "" {
		jsonAppErr(w, apperr.New(apperr.Validation, "name required"))
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Name, model.RoleUser)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "create user", err))
		return
	}
	json200(w, user)
}

func (s *Server) listInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.ListInstruments(r.Context())
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "list instruments", err))
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}
	json200(w, instruments)
}

func (s *Server) getOrderbook(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	eng := s.manager.GetEngine(ticker)
	if eng == nil {
		jsonAppErr(w, apperr.New(apperr.NotFound, "unknown instrument"))
		return
	}
	depth := s.limitParam(r, s.cfg.DefaultBookDepth, s.cfg.MaxBookDepth)
	json200(w, eng.Snapshot(depth))
}

func (s *Server) getTransactions(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	limit := s.limitParam(r, s.cfg.DefaultTradeLimit, s.cfg.MaxTradeLimit)
	trades, err := s.store.ListTrades(r.Context(), ticker, limit)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "list trades", err))
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	json200(w, trades)
}

func (s *Server) limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ── Balance / Orders ─────────────────────────────────

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	balances, err := s.store.ListBalances(r.Context(), user.ID)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "list balances", err))
		return
	}
	out := make(map[string]uint64, len(balances))
	for _, b := range balances {
		out[b.Ticker] = b.Amount
	}
	json200(w, out)
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req struct {
		Direction model.Direction `json:"direction"`
		Ticker    string          `json:"ticker"`
		Qty       uint64          `json:"qty"`
		Price     *uint64         `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid json"))
		return
	}
	if !model.ValidDirection(req.Direction) {
		jsonAppErr(w, apperr.New(apperr.Validation, "direction must be BUY or SELL"))
		return
	}
	if !model.ValidTicker(req.Ticker) {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid ticker"))
		return
	}
	instrument, err := s.store.GetInstrument(r.Context(), req.Ticker)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "lookup instrument", err))
		return
	}
	if instrument == nil {
		jsonAppErr(w, apperr.New(apperr.NotFound, "unknown instrument"))
		return
	}

	eng := s.manager.GetEngine(req.Ticker)
	if eng == nil {
		jsonAppErr(w, apperr.New(apperr.NotFound, "unknown instrument"))
		return
	}

	kind := model.KindMarket
	if req.Price != nil {
		kind = model.KindLimit
	}

	result, err := eng.PlaceOrder(r.Context(), engine.PlaceRequest{
		UserID: user.ID, Ticker: req.Ticker, Direction: req.Direction,
		Kind: kind, Price: req.Price, Qty: req.Qty,
	})
	if err != nil {
		jsonAppErr(w, err)
		return
	}
	json200(w, map[string]any{"success": true, "order_id": result.Order.ID})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	orders, err := s.store.ListUserOrders(r.Context(), user.ID)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "list orders", err))
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid order id"))
		return
	}
	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "get order", err))
		return
	}
	if order == nil {
		jsonAppErr(w, apperr.New(apperr.NotFound, "order not found"))
		return
	}
	if order.UserID != user.ID {
		jsonAppErr(w, apperr.New(apperr.Forbidden, "order belongs to another user"))
		return
	}
	json200(w, order)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid order id"))
		return
	}
	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "get order", err))
		return
	}
	if order == nil {
		jsonAppErr(w, apperr.New(apperr.NotFound, "order not found"))
		return
	}
	if order.UserID != user.ID {
		jsonAppErr(w, apperr.New(apperr.Forbidden, "order belongs to another user"))
		return
	}
	eng := s.manager.GetEngine(order.Ticker)
	if eng == nil {
		jsonAppErr(w, apperr.New(apperr.Internal, "engine not running"))
		return
	}
	if err := eng.CancelOrder(r.Context(), id, user.ID); err != nil {
		jsonAppErr(w, err)
		return
	}
	json200(w, map[string]bool{"success": true})
}

// ── Admin ────────────────────────────────────────────

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
		Ticker string    `json:"ticker"`
		Amount uint64    `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == 0 {
		jsonAppErr(w, apperr.New(apperr.Validation, "user_id, ticker and amount > 0 required"))
		return
	}
	if err := s.store.DepositBalance(r.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "deposit", err))
		return
	}
	json200(w, map[string]bool{"success": true})
}

func (s *Server) adminWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
		Ticker string    `json:"ticker"`
		Amount uint64    `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == 0 {
		jsonAppErr(w, apperr.New(apperr.Validation, "user_id, ticker and amount > 0 required"))
		return
	}
	if err := s.store.WithdrawBalance(r.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonAppErr(w, apperr.New(apperr.InsufficientFunds, "insufficient spendable balance"))
			return
		}
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "withdraw", err))
		return
	}
	json200(w, map[string]bool{"success": true})
}

func (s *Server) createInstrument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Ticker string `json:"ticker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid json"))
		return
	}
	if !model.ValidTicker(req.Ticker) || req.Name == "" {
		jsonAppErr(w, apperr.New(apperr.Validation, "name and a valid ticker are required"))
		return
	}
	if _, err := s.store.CreateInstrument(r.Context(), req.Ticker, req.Name); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			jsonAppErr(w, apperr.New(apperr.Conflict, "instrument already exists"))
			return
		}
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "create instrument", err))
		return
	}
	if err := s.manager.StartEngine(r.Context(), req.Ticker); err != nil {
		s.log.Error().Err(err).Str("ticker", req.Ticker).Msg("failed to start engine for new instrument")
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "start matching engine", err))
		return
	}
	json200(w, map[string]bool{"success": true})
}

func (s *Server) deleteInstrument(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if !model.ValidTicker(ticker) {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid ticker"))
		return
	}
	existing, err := s.store.GetInstrument(r.Context(), ticker)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "lookup instrument", err))
		return
	}
	if existing == nil {
		jsonAppErr(w, apperr.New(apperr.NotFound, "instrument not found"))
		return
	}
	// Cancel every still-live order on this ticker (releasing its blocked
	// funds/asset back to amount) while the engine is still running to
	// process cancelCmd — once StopEngine tears it down there is nothing
	// left to route a cancel through, and the reservation would be stuck.
	if open, err := s.store.ListOpenLimitOrders(r.Context(), ticker); err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "list open orders", err))
		return
	} else if eng := s.manager.GetEngine(ticker); eng != nil {
		for _, o := range open {
			if err := eng.CancelOrder(r.Context(), o.ID, o.UserID); err != nil {
				jsonAppErr(w, apperr.Wrap(apperr.Internal, "cancel resting order", err))
				return
			}
		}
	}
	if err := s.store.DeleteInstrument(r.Context(), ticker); err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "delete instrument", err))
		return
	}
	s.manager.StopEngine(ticker)
	json200(w, map[string]bool{"success": true})
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonAppErr(w, apperr.New(apperr.Validation, "invalid user id"))
		return
	}
	deleted, err := s.store.DeleteUser(r.Context(), id)
	if err != nil {
		jsonAppErr(w, apperr.Wrap(apperr.Internal, "delete user", err))
		return
	}
	if deleted == nil {
		jsonAppErr(w, apperr.New(apperr.NotFound, "user not found"))
		return
	}
	json200(w, deleted)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonAppErr(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(apperr.Internal, "internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(appErr.Code))
	json.NewEncoder(w).Encode(map[string]string{"error": appErr.Message})
}
