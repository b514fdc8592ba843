// Package book implements the per-instrument order book projection
// (spec.md §4.3): two price-indexed structures of live limit orders with
// O(log n) insert/removal and O(1) best-price access, generalized from
// fenrir's (saiputravu-Exchange) internal/engine.OrderBook/PriceLevel —
// ticker-keyed instead of AssetType-keyed, uint64 integer prices instead of
// float64 — in place of the teacher's map[int]*Level plus manually
// re-sorted []int price slice.
package book

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"centrex/internal/model"
)

// Entry is a live limit order resting in the book.
type Entry struct {
	OrderID   uuid.UUID
	UserID    uuid.UUID
	Direction model.Direction
	Price     uint64
	Remaining uint64
	Timestamp time.Time
}

type priceLevel struct {
	price  uint64
	orders []*Entry // FIFO: earliest timestamp first
}

func (l *priceLevel) totalQty() uint64 {
	var t uint64
	for _, e := range l.orders {
		t += e.Remaining
	}
	return t
}

type levels = btree.BTreeG[*priceLevel]

// Match is a candidate fill against a resting Entry, produced by a
// non-mutating FindMatches peek so the caller can run its transaction
// before touching the in-memory book.
type Match struct {
	Entry     *Entry
	FillQty   uint64
	FillPrice uint64
}

// Book is the live order book for one ticker.
type Book struct {
	Ticker string

	bids *levels // sorted by price descending
	asks *levels // sorted by price ascending

	index map[uuid.UUID]*Entry
}

func New(ticker string) *Book {
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price > b.price
	})
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool {
		return a.price < b.price
	})
	return &Book{
		Ticker: ticker,
		bids:   bids,
		asks:   asks,
		index:  make(map[uuid.UUID]*Entry),
	}
}

func (b *Book) sideFor(dir model.Direction) *levels {
	if dir == model.DirectionBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) Size() int { return len(b.index) }

func (b *Book) BestBid() *uint64 {
	lvl, ok := b.bids.Min()
	if !ok {
		return nil
	}
	p := lvl.price
	return &p
}

func (b *Book) BestAsk() *uint64 {
	lvl, ok := b.asks.Min()
	if !ok {
		return nil
	}
	p := lvl.price
	return &p
}

// Snapshot aggregates remaining qty by price, best levels first, capped at
// depth — the read projection spec.md §4.3 requires.
func (b *Book) Snapshot(depth int) (bids, asks []model.BookLevel) {
	n := 0
	b.bids.Scan(func(lvl *priceLevel) bool {
		if n >= depth {
			return false
		}
		bids = append(bids, model.BookLevel{Price: lvl.price, Qty: lvl.totalQty()})
		n++
		return true
	})
	n = 0
	b.asks.Scan(func(lvl *priceLevel) bool {
		if n >= depth {
			return false
		}
		asks = append(asks, model.BookLevel{Price: lvl.price, Qty: lvl.totalQty()})
		n++
		return true
	})
	if bids == nil {
		bids = []model.BookLevel{}
	}
	if asks == nil {
		asks = []model.BookLevel{}
	}
	return
}

// Add rests a live limit order entry on its side of the book. A duplicate
// OrderID is a no-op, mirroring the teacher's idempotent Add.
func (b *Book) Add(e *Entry) {
	if _, exists := b.index[e.OrderID]; exists {
		return
	}
	b.index[e.OrderID] = e
	side := b.sideFor(e.Direction)
	if lvl, ok := side.GetMut(&priceLevel{price: e.Price}); ok {
		lvl.orders = append(lvl.orders, e)
		return
	}
	side.Set(&priceLevel{price: e.Price, orders: []*Entry{e}})
}

// Remove pulls an order out of the book entirely, used by cancellation.
func (b *Book) Remove(orderID uuid.UUID) *Entry {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)

	side := b.sideFor(e.Direction)
	lvl, ok := side.GetMut(&priceLevel{price: e.Price})
	if !ok {
		return e
	}
	for i, o := range lvl.orders {
		if o.OrderID == orderID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		side.Delete(&priceLevel{price: e.Price})
	}
	return e
}

// ApplyFill reduces a resting entry's remaining qty, removing it from the
// book once fully filled. Returns the remaining qty after the fill.
func (b *Book) ApplyFill(orderID uuid.UUID, fillQty uint64) uint64 {
	e, ok := b.index[orderID]
	if !ok {
		return 0
	}
	e.Remaining -= fillQty
	if e.Remaining == 0 {
		b.Remove(orderID)
		return 0
	}
	return e.Remaining
}

// FindMatches peeks, without mutating the book, the counter-orders a new
// order of direction dir and quantity qty would consume, in strict
// price-then-time order (spec.md §4.1 Priority). priceCap is nil for a
// market order (no price limit) or the limit order's own price otherwise
// (spec.md §4.1 Price crossing condition). The new order's own user is
// excluded (self-trade prevention, spec.md §4.1/P7).
func (b *Book) FindMatches(dir model.Direction, priceCap *uint64, qty uint64, excludeUserID uuid.UUID) []Match {
	side := b.sideFor(dir.Opposite())
	var matches []Match
	remaining := qty

	side.Scan(func(lvl *priceLevel) bool {
		if remaining == 0 {
			return false
		}
		if priceCap != nil {
			if dir == model.DirectionBuy && lvl.price > *priceCap {
				return false
			}
			if dir == model.DirectionSell && lvl.price < *priceCap {
				return false
			}
		}
		for _, e := range lvl.orders {
			if remaining == 0 {
				break
			}
			if e.UserID == excludeUserID {
				continue
			}
			fillQty := remaining
			if e.Remaining < fillQty {
				fillQty = e.Remaining
			}
			matches = append(matches, Match{Entry: e, FillQty: fillQty, FillPrice: lvl.price})
			remaining -= fillQty
		}
		return true
	})
	return matches
}
