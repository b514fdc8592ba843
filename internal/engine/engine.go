// Package engine runs one matching goroutine per instrument, generalized
// from the teacher's Manager/MarketEngine command-channel pattern
// (internal/engine/engine.go): a command channel serializes every place/
// cancel against that instrument's book, and gopkg.in/tomb.v2 supervises
// the goroutine's lifecycle (fenrir uses the same tomb pattern for its
// worker loops) in place of the teacher's bare ctx.Done() select.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"

	"centrex/internal/apperr"
	"centrex/internal/book"
	"centrex/internal/db"
	"centrex/internal/model"
)

// PlaceRequest is what the API layer hands to an Engine; Price is nil for
// a market order.
type PlaceRequest struct {
	UserID    uuid.UUID
	Ticker    string
	Direction model.Direction
	Kind      model.OrderKind
	Price     *uint64
	Qty       uint64
}

type PlaceResult struct {
	Order  model.Order
	Trades []model.Trade
}

// ── Manager ──────────────────────────────────────────

type Manager struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	store   *db.Store
	log     zerolog.Logger
}

func NewManager(store *db.Store, log zerolog.Logger) *Manager {
	return &Manager{
		engines: make(map[string]*Engine),
		store:   store,
		log:     log,
	}
}

// Boot starts one engine per known instrument, replaying its resting
// limit orders into a fresh in-memory book (spec.md §4.3).
func (m *Manager) Boot(ctx context.Context) error {
	instruments, err := m.store.ListInstruments(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instruments {
		if err := m.StartEngine(ctx, inst.Ticker); err != nil {
			return fmt.Errorf("boot %s: %w", inst.Ticker, err)
		}
	}
	m.log.Info().Int("engines", len(instruments)).Msg("engine manager booted")
	return nil
}

func (m *Manager) StartEngine(ctx context.Context, ticker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[ticker]; ok {
		return nil
	}
	eng, err := newEngine(ctx, ticker, m.store, m.log.With().Str("ticker", ticker).Logger())
	if err != nil {
		return err
	}
	m.engines[ticker] = eng
	eng.tomb.Go(eng.run)
	return nil
}

func (m *Manager) GetEngine(ticker string) *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[ticker]
}

// StopEngine tears down a single instrument's matching goroutine, used
// when an instrument is deleted so it stops accepting placeCmd/cancelCmd
// after its row is gone from the instruments table.
func (m *Manager) StopEngine(ticker string) {
	m.mu.Lock()
	eng, ok := m.engines[ticker]
	if ok {
		delete(m.engines, ticker)
	}
	m.mu.Unlock()
	if ok {
		eng.tomb.Kill(nil)
		_ = eng.tomb.Wait()
	}
}

// Stop waits for every engine goroutine to drain and exit, used for
// graceful shutdown from cmd/server.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, eng := range m.engines {
		eng.tomb.Kill(nil)
	}
	for _, eng := range m.engines {
		_ = eng.tomb.Wait()
	}
}

// ── Engine ───────────────────────────────────────────

type Engine struct {
	ticker string
	book   *book.Book
	cmdCh  chan command
	store  *db.Store
	log    zerolog.Logger
	tomb   tomb.Tomb
}

func newEngine(ctx context.Context, ticker string, store *db.Store, log zerolog.Logger) (*Engine, error) {
	b := book.New(ticker)
	orders, err := store.ListOpenLimitOrders(ctx, ticker)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		o := &orders[i]
		b.Add(&book.Entry{
			OrderID:   o.ID,
			UserID:    o.UserID,
			Direction: o.Direction,
			Price:     o.Price,
			Remaining: o.Remaining(),
			Timestamp: o.Timestamp,
		})
	}
	log.Info().Int("resting_orders", len(orders)).Msg("engine loaded")
	return &Engine{
		ticker: ticker,
		book:   b,
		cmdCh:  make(chan command, 64),
		store:  store,
		log:    log,
	}, nil
}

func (e *Engine) run() error {
	for {
		select {
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		case <-e.tomb.Dying():
			// Drain whatever StopEngine's caller already queued before
			// exiting — select picks a ready case at random, so without this
			// a buffered command could be dropped instead of answered,
			// leaving PlaceOrder/CancelOrder blocked until its own HTTP
			// deadline instead of getting a reply.
			for {
				select {
				case cmd := <-e.cmdCh:
					cmd.exec(e)
				default:
					return nil
				}
			}
		}
	}
}

// ── Commands ─────────────────────────────────────────

// command serializes every mutation of an Engine's book through its
// single goroutine, the same interface shape as the teacher's
// placeCmd/cancelCmd/resolveCmd.
type command interface{ exec(e *Engine) }

type placeCmd struct {
	req PlaceRequest
	ch  chan<- placeOutcome
}

type placeOutcome struct {
	result PlaceResult
	err    error
}

type cancelCmd struct {
	orderID uuid.UUID
	userID  uuid.UUID
	ch      chan<- error
}

func (c placeCmd) exec(e *Engine) {
	result, err := e.processOrder(c.req)
	c.ch <- placeOutcome{result: result, err: err}
}

func (c cancelCmd) exec(e *Engine) { c.ch <- e.cancelOrder(c.orderID, c.userID) }

func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	ch := make(chan placeOutcome, 1)
	e.cmdCh <- placeCmd{req: req, ch: ch}
	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return PlaceResult{}, ctx.Err()
	}
}

func (e *Engine) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) error {
	ch := make(chan error, 1)
	e.cmdCh <- cancelCmd{orderID: orderID, userID: userID, ch: ch}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Snapshot(depth int) model.BookSnapshot {
	bids, asks := e.book.Snapshot(depth)
	return model.BookSnapshot{BidLevels: bids, AskLevels: asks}
}

// ── Process order (spec.md §4.1) ─────────────────────

func (e *Engine) processOrder(req PlaceRequest) (PlaceResult, error) {
	if req.Qty == 0 {
		return PlaceResult{}, apperr.New(apperr.Validation, "qty must be > 0")
	}
	if req.Kind == model.KindLimit && (req.Price == nil || *req.Price == 0) {
		return PlaceResult{}, apperr.New(apperr.Validation, "limit order requires price > 0")
	}

	var priceCap *uint64
	if req.Kind == model.KindLimit {
		priceCap = req.Price
	}
	matches := e.book.FindMatches(req.Direction, priceCap, req.Qty, req.UserID)

	if req.Kind == model.KindMarket && len(matches) == 0 {
		return PlaceResult{}, apperr.New(apperr.IllegalState, "no resting liquidity to match a market order against")
	}

	orderID := uuid.New()
	now := time.Now()

	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return PlaceResult{}, apperr.Wrap(apperr.Internal, "begin transaction", err)
	}
	defer tx.Rollback()

	reservationTicker := model.ReservationTicker(req.Direction, e.ticker)
	counterTicker := model.ReservationTicker(req.Direction.Opposite(), e.ticker)

	// balances caches every (user, ticker) row this order can touch. Every
	// row any candidate match could need is locked in ONE pass up front,
	// sorted by (ticker, user id) — not in match/price-time order, which
	// differs per instrument goroutine and would let two concurrently
	// matching engines lock a shared RUB row in opposite orders. A fixed
	// global order across every engine rules that deadlock out (spec.md §5).
	type lockKey struct {
		ticker string
		userID uuid.UUID
	}
	needed := map[lockKey]struct{}{
		{reservationTicker, req.UserID}: {},
		{counterTicker, req.UserID}:     {}, // taker's own receive-side row
	}
	for _, m := range matches {
		needed[lockKey{counterTicker, m.Entry.UserID}] = struct{}{}
		needed[lockKey{reservationTicker, m.Entry.UserID}] = struct{}{}
	}
	keys := make([]lockKey, 0, len(needed))
	for k := range needed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ticker != keys[j].ticker {
			return keys[i].ticker < keys[j].ticker
		}
		return keys[i].userID.String() < keys[j].userID.String()
	})

	balances := map[[2]string]*model.Balance{}
	key := func(userID uuid.UUID, ticker string) [2]string { return [2]string{userID.String(), ticker} }
	for _, k := range keys {
		bal, err := db.GetBalanceForUpdate(tx, k.userID, k.ticker)
		if err != nil {
			return PlaceResult{}, apperr.Wrap(apperr.Internal, "lock balance", err)
		}
		balances[key(k.userID, k.ticker)] = &bal
	}
	lock := func(userID uuid.UUID, ticker string) *model.Balance { return balances[key(userID, ticker)] }

	takerBal := lock(req.UserID, reservationTicker)

	var takerReservation uint64 // limit orders only: RUB/asset locked before matching
	if req.Kind == model.KindLimit {
		takerReservation = model.CalcReservation(req.Direction, *req.Price, req.Qty)
		if takerBal.Amount < takerReservation {
			return PlaceResult{}, apperr.New(apperr.InsufficientFunds,
				fmt.Sprintf("need %d %s, have %d available", takerReservation, reservationTicker, takerBal.Amount))
		}
	} else {
		// Market order: no pre-reservation. spec.md §4.1 per-trade semantics:
		// walk candidate matches in price-time order, accepting only as many
		// as the taker can actually afford against spendable balance, and
		// stop (rather than reject the whole order) at the first trade that
		// can't clear — the order still executes with whatever filled so far.
		available := takerBal.Amount
		var used uint64
		var accepted []book.Match
		for _, m := range matches {
			cost := model.CalcReservation(req.Direction, m.FillPrice, m.FillQty)
			if used+cost > available {
				break
			}
			used += cost
			accepted = append(accepted, m)
		}
		matches = accepted
		if len(matches) == 0 {
			return PlaceResult{}, apperr.New(apperr.InsufficientFunds,
				fmt.Sprintf("insufficient %s balance to fill any part of the market order", reservationTicker))
		}
	}

	var fillQty uint64
	for _, m := range matches {
		fillQty += m.FillQty
	}

	order := model.Order{
		ID: orderID, UserID: req.UserID, Ticker: e.ticker,
		Direction: req.Direction, Kind: req.Kind, Timestamp: now,
	}
	if req.Kind == model.KindLimit {
		order.Price = *req.Price
		order.OriginalQty = req.Qty
		order.Filled = fillQty
		switch {
		case fillQty == req.Qty:
			order.Status = model.StatusExecuted
		case fillQty > 0:
			order.Status = model.StatusPartiallyExecuted
		default:
			order.Status = model.StatusNew
		}
	} else {
		order.Qty = req.Qty
		// spec.md §4.1 terminal status: a market order is EXECUTED only if
		// it fully filled; any shortfall rejects it, even though the trades
		// that already executed keep their balance effects (Open Question
		// (d) in DESIGN.md covers the zero-fill case, which never reaches
		// here — it returns before a transaction is even opened).
		if fillQty == req.Qty {
			order.Status = model.StatusExecuted
		} else {
			order.Status = model.StatusRejected
		}
	}

	// Reserve the taker's funds/asset before applying any fill, so a mid-
	// loop failure never leaves a partially-applied order (atomicity,
	// spec.md §5). "Reserve" means move, not copy: amount surrenders
	// exactly what blocked gains (spec.md §4.1 fund-reservation rules).
	if req.Kind == model.KindLimit {
		takerBal.Amount -= takerReservation
		takerBal.Blocked += takerReservation
	}

	var trades []model.Trade
	for _, m := range matches {
		makerEntry := m.Entry
		makerOrder, err := db.GetLimitOrderForUpdate(tx, makerEntry.OrderID)
		if err != nil || makerOrder == nil {
			return PlaceResult{}, apperr.Wrap(apperr.Internal, "load maker order", err)
		}

		newFilled := makerOrder.Filled + m.FillQty
		makerStatus := model.StatusPartiallyExecuted
		if newFilled == makerOrder.OriginalQty {
			makerStatus = model.StatusExecuted
		}
		if err := db.UpdateLimitOrderFill(tx, makerOrder.ID, newFilled, makerStatus); err != nil {
			return PlaceResult{}, apperr.Wrap(apperr.Internal, "update maker fill", err)
		}

		// Maker gives up exactly the reservation it made for this quantity at
		// its own price — always equal to FillPrice (spec.md §4.1 price
		// improvement: a trade always executes at the resting order's price).
		// Already locked in the sorted pass above.
		makerGive := lock(makerEntry.UserID, counterTicker)
		giveAmount := model.CalcReservation(makerOrder.Direction, m.FillPrice, m.FillQty)
		if makerGive.Blocked < giveAmount {
			// Self-consistency check (spec.md §4.1): a resting order's own
			// reservation can never be short of what it is about to give up.
			// This signals an invariant break upstream, not a transient
			// condition — abort the whole match instead of skipping this
			// counter-order and continuing.
			e.log.Error().Str("maker_order_id", makerOrder.ID.String()).
				Uint64("blocked", makerGive.Blocked).Uint64("need", giveAmount).
				Msg("counter-order reservation is corrupted, aborting match")
			return PlaceResult{}, apperr.New(apperr.Internal, "counter-order reservation inconsistent")
		}
		// The maker's give-side funds/asset already left Amount for Blocked
		// back when the maker's own order was placed. A trade always fills a
		// resting order at its own price (spec.md §4.1 price improvement), so
		// what it gives up here is always exactly what it reserved for this
		// quantity — settling the trade fully consumes that reservation, with
		// nothing left over to return to Amount.
		makerGive.Blocked -= giveAmount

		// Maker receives the counter side at the same price. Already locked.
		makerReceive := lock(makerEntry.UserID, reservationTicker)
		makerReceive.Amount += model.CalcReservation(req.Direction, m.FillPrice, m.FillQty)

		// Taker mirrors the maker, but its own reservation was locked at its
		// OWN limit price, which can differ from the actual fill price
		// (spec.md §4.1 price improvement). So the taker's settlement is a
		// release-then-debit: first undo the full reservation for this
		// quantity (Blocked back to Amount, mirroring the placement-time
		// move in reverse), then debit Amount the real cost at FillPrice. A
		// BUY filled below its cap nets back the difference as spendable
		// instead of leaking it as permanently-stuck Blocked. SELL's
		// reservation is price-independent so this nets to zero for that
		// side. Market orders never reserved anything, so only the actual
		// debit applies.
		if req.Kind == model.KindLimit {
			released := model.CalcReservation(req.Direction, *req.Price, m.FillQty)
			takerBal.Blocked -= released
			takerBal.Amount += released
		}
		takerBal.Amount -= model.CalcReservation(req.Direction, m.FillPrice, m.FillQty)
		takerReceive := lock(req.UserID, counterTicker) // already locked
		takerReceive.Amount += model.CalcReservation(makerOrder.Direction, m.FillPrice, m.FillQty)

		trade := &model.Trade{Ticker: e.ticker, Qty: m.FillQty, Price: m.FillPrice, Timestamp: now}
		if err := db.InsertTrade(tx, trade); err != nil {
			return PlaceResult{}, apperr.Wrap(apperr.Internal, "insert trade", err)
		}
		trades = append(trades, *trade)
	}

	for _, bal := range balances {
		if err := db.SetBalance(tx, *bal); err != nil {
			return PlaceResult{}, apperr.Wrap(apperr.Internal, "settle balance", err)
		}
	}

	if req.Kind == model.KindLimit {
		if err := db.InsertLimitOrder(tx, &order); err != nil {
			return PlaceResult{}, apperr.Wrap(apperr.Internal, "insert limit order", err)
		}
	} else {
		if err := db.InsertMarketOrder(tx, &order); err != nil {
			return PlaceResult{}, apperr.Wrap(apperr.Internal, "insert market order", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return PlaceResult{}, apperr.Wrap(apperr.Internal, "commit", err)
	}

	// In-memory book only changes after the transaction that backs it commits.
	for _, m := range matches {
		e.book.ApplyFill(m.Entry.OrderID, m.FillQty)
	}
	if req.Kind == model.KindLimit && order.Remaining() > 0 && order.Live() {
		e.book.Add(&book.Entry{
			OrderID: orderID, UserID: req.UserID, Direction: req.Direction,
			Price: *req.Price, Remaining: order.Remaining(), Timestamp: now,
		})
	}

	e.log.Info().Str("order_id", orderID.String()).Str("status", string(order.Status)).
		Int("trades", len(trades)).Msg("order processed")

	return PlaceResult{Order: order, Trades: trades}, nil
}

// ── Cancel (spec.md §4.2) ────────────────────────────

func (e *Engine) cancelOrder(orderID, userID uuid.UUID) error {
	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin transaction", err)
	}
	defer tx.Rollback()

	o, err := db.GetLimitOrderForUpdate(tx, orderID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load order", err)
	}
	if o == nil {
		return apperr.New(apperr.NotFound, "order not found")
	}
	if o.UserID != userID {
		return apperr.New(apperr.Forbidden, "order belongs to another user")
	}
	if !o.Live() {
		return apperr.New(apperr.IllegalState, "order is no longer cancelable")
	}

	if err := db.UpdateLimitOrderFill(tx, orderID, o.Filled, model.StatusCancelled); err != nil {
		return apperr.Wrap(apperr.Internal, "mark cancelled", err)
	}

	reservationTicker := model.ReservationTicker(o.Direction, e.ticker)
	bal, err := db.GetBalanceForUpdate(tx, userID, reservationTicker)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "lock balance", err)
	}
	release := model.CalcReservation(o.Direction, o.Price, o.Remaining())
	bal.Blocked -= release
	bal.Amount += release
	if err := db.SetBalance(tx, bal); err != nil {
		return apperr.Wrap(apperr.Internal, "release reservation", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, "commit", err)
	}

	e.book.Remove(orderID)
	e.log.Info().Str("order_id", orderID.String()).Msg("order cancelled")
	return nil
}
