// Package model holds the domain types shared by the store, the order book,
// the matching engine and the API layer: users, instruments, balances and
// the tagged order/trade types.
package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// RUB is the fixed quote currency. Every user implicitly has a RUB balance;
// it is never itself a tradable instrument. Resolves spec.md Open Question
// (a): the source wavered between "USD" and "RUB" — this is fixed as "RUB".
const RUB = "RUB"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderStatus spans both order kinds. Market orders only ever reach
// StatusExecuted (fully filled) or StatusRejected (anything less, including
// zero) — a market order that fills nothing at all persists no order row
// at all (Open Question (d) in DESIGN.md), but one that fills only part of
// its quantity is still REJECTED with an order row, since its retained
// trades already have side effects to account for. Limit orders use the
// other three.
type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
	StatusRejected          OrderStatus = "REJECTED"
)

// ── Domain objects ───────────────────────────────────

type User struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Role   Role      `json:"role"`
	APIKey uuid.UUID `json:"api_key"`
}

type Instrument struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// Balance is keyed by (user_id, ticker). Amount is spendable, Blocked is
// reserved by the user's live limit orders (invariant B2). Both are always
// non-negative (invariant B1).
type Balance struct {
	UserID  uuid.UUID `json:"-"`
	Ticker  string    `json:"ticker"`
	Amount  uint64    `json:"amount"`
	Blocked uint64    `json:"blocked"`
}

// OrderKind tags the Order variant, replacing the source's inheritance of
// MarketOrder/LimitOrder (spec.md §9 "Variant orders") with a shared header
// plus a kind-specific payload carried on the same struct.
type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

// Order is the tagged variant from spec.md §9: shared header fields plus a
// payload that differs by Kind. Market orders only ever populate Qty;
// limit orders populate Price, OriginalQty and Filled and leave Qty unused.
// OriginalQty is immutable once set; Filled is the only mutable quantity
// field (Open Question (b)).
type Order struct {
	ID          uuid.UUID   `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	Ticker      string      `json:"ticker"`
	Direction   Direction   `json:"direction"`
	Kind        OrderKind   `json:"-"`
	Status      OrderStatus `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`

	Qty uint64 `json:"qty,omitempty"` // market orders only

	// Filled is not omitempty: spec.md §3 requires price/original_qty/filled
	// on every limit-order response, including the common filled=0 resting
	// case — omitempty would silently drop a zero filled instead of reporting
	// it. Price and OriginalQty keep omitempty since both are > 0 on any
	// limit order.
	Price       uint64 `json:"price,omitempty"`
	OriginalQty uint64 `json:"original_qty,omitempty"`
	Filled      uint64 `json:"filled"`
}

// Remaining is the derived quantity still eligible to match or be
// cancelled; always 0 for market orders, which never rest.
func (o Order) Remaining() uint64 {
	if o.Kind != KindLimit {
		return 0
	}
	return o.OriginalQty - o.Filled
}

// Live reports whether a limit order still participates in the book
// (invariant O3). Market orders are never live.
func (o Order) Live() bool {
	return o.Kind == KindLimit && (o.Status == StatusNew || o.Status == StatusPartiallyExecuted)
}

// Trade is append-only: one row per executed match (spec.md §3 Trade).
type Trade struct {
	ID        int64     `json:"-"`
	Ticker    string    `json:"ticker"`
	Qty       uint64    `json:"amount"`
	Price     uint64    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// BookLevel is one aggregated price level in an order book projection.
type BookLevel struct {
	Price uint64 `json:"price"`
	Qty   uint64 `json:"qty"`
}

type BookSnapshot struct {
	BidLevels []BookLevel `json:"bid_levels"`
	AskLevels []BookLevel `json:"ask_levels"`
}

// ── Validation helpers ───────────────────────────────

var tickerPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

func ValidTicker(ticker string) bool {
	return tickerPattern.MatchString(ticker)
}

func ValidDirection(d Direction) bool {
	return d == DirectionBuy || d == DirectionSell
}

// CalcReservation computes the fund/asset lock a limit order requires
// before it may enter the book (spec.md §4.1 Fund-reservation rules) — the
// no-fee, integer-price analogue of the teacher's CalcLock/CalcTakerFee.
// BUY locks price*qty of RUB; SELL locks qty of the instrument itself.
func CalcReservation(dir Direction, price, qty uint64) uint64 {
	if dir == DirectionBuy {
		return price * qty
	}
	return qty
}

// ReservationTicker returns which balance row (RUB or the instrument
// itself) a limit order's reservation is held against.
func ReservationTicker(dir Direction, ticker string) string {
	if dir == DirectionBuy {
		return RUB
	}
	return ticker
}
