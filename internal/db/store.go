// Package db wraps Postgres access behind a Store, grounded on the
// teacher's internal/db.Store: plain database/sql with lib/pq, migrations
// via golang-migrate, and a GetBalanceForUpdate analogous to the teacher's
// GetWalletForUpdate to satisfy spec.md §5's row-locking requirement.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"centrex/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: sqlDB}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, name string, role model.Role) (*model.User, error) {
	u := &model.User{ID: uuid.New(), Name: name, Role: role, APIKey: uuid.New()}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, name, role, api_key) VALUES ($1,$2,$3,$4)`,
		u.ID, u.Name, u.Role, u.APIKey,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, role, api_key FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &u.APIKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey uuid.UUID) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, role, api_key FROM users WHERE api_key=$1`, apiKey,
	).Scan(&u.ID, &u.Name, &u.Role, &u.APIKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// DeleteUser returns the deleted user's snapshot (spec.md §6 DELETE
// /api/v1/admin/user/{id}), leaving historical orders/trades intact — see
// DESIGN.md for why this does not cascade.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil || u == nil {
		return nil, err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id); err != nil {
		return nil, err
	}
	return u, nil
}

// ── Instruments ──────────────────────────────────────

func (s *Store) CreateInstrument(ctx context.Context, ticker, name string) (*model.Instrument, error) {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO instruments (ticker, name) VALUES ($1,$2)`, ticker, name)
	if err != nil {
		return nil, err
	}
	return &model.Instrument{Ticker: ticker, Name: name}, nil
}

func (s *Store) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	i := &model.Instrument{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT ticker, name FROM instruments WHERE ticker=$1`, ticker,
	).Scan(&i.Ticker, &i.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return i, err
}

func (s *Store) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT ticker, name FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Instrument
	for rows.Next() {
		var i model.Instrument
		if err := rows.Scan(&i.Ticker, &i.Name); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

func (s *Store) DeleteInstrument(ctx context.Context, ticker string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM instruments WHERE ticker=$1`, ticker)
	return err
}

// ── Balances ─────────────────────────────────────────

func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID, ticker string) (model.Balance, error) {
	b := model.Balance{UserID: userID, Ticker: ticker}
	err := s.DB.QueryRowContext(ctx,
		`SELECT amount, blocked FROM balances WHERE user_id=$1 AND ticker=$2`, userID, ticker,
	).Scan(&b.Amount, &b.Blocked)
	if err == sql.ErrNoRows {
		return b, nil // no row yet: report a zero balance without creating one, spec.md §3
	}
	return b, err
}

func (s *Store) ListBalances(ctx context.Context, userID uuid.UUID) ([]model.Balance, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT ticker, amount, blocked FROM balances WHERE user_id=$1 AND amount > 0`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Balance
	for rows.Next() {
		b := model.Balance{UserID: userID}
		if err := rows.Scan(&b.Ticker, &b.Amount, &b.Blocked); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// GetBalanceForUpdate lazily creates the (user_id, ticker) row if absent
// and locks it with SELECT ... FOR UPDATE for the remainder of tx —
// satisfying spec.md §5's row-locking requirement for the one piece of
// state a user shares across every ticker's matching goroutine.
func GetBalanceForUpdate(tx *sql.Tx, userID uuid.UUID, ticker string) (model.Balance, error) {
	_, err := tx.Exec(
		`INSERT INTO balances (user_id, ticker) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		userID, ticker,
	)
	if err != nil {
		return model.Balance{}, err
	}
	b := model.Balance{UserID: userID, Ticker: ticker}
	err = tx.QueryRow(
		`SELECT amount, blocked FROM balances WHERE user_id=$1 AND ticker=$2 FOR UPDATE`, userID, ticker,
	).Scan(&b.Amount, &b.Blocked)
	return b, err
}

func SetBalance(tx *sql.Tx, b model.Balance) error {
	_, err := tx.Exec(
		`UPDATE balances SET amount=$1, blocked=$2 WHERE user_id=$3 AND ticker=$4`,
		b.Amount, b.Blocked, b.UserID, b.Ticker,
	)
	return err
}

// DepositBalance and WithdrawBalance are the admin-only direct balance
// mutations (spec.md §6) — they touch amount only, never blocked.
func (s *Store) DepositBalance(ctx context.Context, userID uuid.UUID, ticker string, amount uint64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO balances (user_id, ticker, amount) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id, ticker) DO UPDATE SET amount = balances.amount + $3`,
		userID, ticker, amount,
	)
	return err
}

func (s *Store) WithdrawBalance(ctx context.Context, userID uuid.UUID, ticker string, amount uint64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE balances SET amount = amount - $1 WHERE user_id=$2 AND ticker=$3 AND amount >= $1`,
		amount, userID, ticker,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Orders ───────────────────────────────────────────

func InsertMarketOrder(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`INSERT INTO market_orders (id, user_id, ticker, direction, qty, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.UserID, o.Ticker, o.Direction, o.Qty, o.Status, o.Timestamp,
	)
	return err
}

func InsertLimitOrder(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`INSERT INTO limit_orders (id, user_id, ticker, direction, price, original_qty, filled, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.UserID, o.Ticker, o.Direction, o.Price, o.OriginalQty, o.Filled, o.Status, o.Timestamp,
	)
	return err
}

func UpdateLimitOrderFill(tx *sql.Tx, id uuid.UUID, filled uint64, status model.OrderStatus) error {
	_, err := tx.Exec(
		`UPDATE limit_orders SET filled=$1, status=$2 WHERE id=$3`, filled, status, id,
	)
	return err
}

// GetLimitOrderForUpdate locks a limit order row for the duration of a
// cancellation transaction, serialized per-ticker by the engine goroutine
// but still locked for defense-in-depth against direct store access.
func GetLimitOrderForUpdate(tx *sql.Tx, id uuid.UUID) (*model.Order, error) {
	o := &model.Order{Kind: model.KindLimit}
	err := tx.QueryRow(
		`SELECT id, user_id, ticker, direction, price, original_qty, filled, status, created_at
		 FROM limit_orders WHERE id=$1 FOR UPDATE`, id,
	).Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Price, &o.OriginalQty, &o.Filled, &o.Status, &o.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) GetLimitOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o := &model.Order{Kind: model.KindLimit}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, ticker, direction, price, original_qty, filled, status, created_at
		 FROM limit_orders WHERE id=$1`, id,
	).Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Price, &o.OriginalQty, &o.Filled, &o.Status, &o.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) GetMarketOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o := &model.Order{Kind: model.KindMarket}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, ticker, direction, qty, status, created_at
		 FROM market_orders WHERE id=$1`, id,
	).Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Qty, &o.Status, &o.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// GetOrder resolves an order ID regardless of kind, since the API surfaces
// a single GET /api/v1/order/{id} for both.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	if o, err := s.GetLimitOrder(ctx, id); err != nil {
		return nil, err
	} else if o != nil {
		return o, nil
	}
	return s.GetMarketOrder(ctx, id)
}

// ListOpenLimitOrders loads every live limit order for a ticker, used to
// rebuild the in-memory book on startup.
func (s *Store) ListOpenLimitOrders(ctx context.Context, ticker string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, ticker, direction, price, original_qty, filled, status, created_at
		 FROM limit_orders WHERE ticker=$1 AND status IN ('NEW','PARTIALLY_EXECUTED')
		 ORDER BY created_at`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o := model.Order{Kind: model.KindLimit}
		if err := rows.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Price, &o.OriginalQty, &o.Filled, &o.Status, &o.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ListUserOrders returns a user's orders of both kinds across every
// ticker, newest first (spec.md §6 GET /api/v1/order).
func (s *Store) ListUserOrders(ctx context.Context, userID uuid.UUID) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, ticker, direction, price, original_qty, filled, status, created_at, 'LIMIT'
		 FROM limit_orders WHERE user_id=$1
		 UNION ALL
		 SELECT id, user_id, ticker, direction, 0, qty, 0, status, created_at, 'MARKET'
		 FROM market_orders WHERE user_id=$1
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		var o model.Order
		var price, originalQty, filled uint64
		var kind model.OrderKind
		if err := rows.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &price, &originalQty, &filled, &o.Status, &o.Timestamp, &kind); err != nil {
			return nil, err
		}
		o.Kind = kind
		if kind == model.KindMarket {
			o.Qty = originalQty
		} else {
			o.Price, o.OriginalQty, o.Filled = price, originalQty, filled
		}
		out = append(out, o)
	}
	return out, nil
}

// ── Trades ───────────────────────────────────────────

func InsertTrade(tx *sql.Tx, t *model.Trade) error {
	err := tx.QueryRow(
		`INSERT INTO trades (ticker, qty, price, created_at) VALUES ($1,$2,$3,$4) RETURNING id`,
		t.Ticker, t.Qty, t.Price, t.Timestamp,
	).Scan(&t.ID)
	return err
}

func (s *Store) ListTrades(ctx context.Context, ticker string, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, ticker, qty, price, created_at FROM trades
		 WHERE ticker=$1 ORDER BY created_at DESC LIMIT $2`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.Ticker, &t.Qty, &t.Price, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
