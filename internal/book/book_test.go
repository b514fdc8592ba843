package book

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"centrex/internal/model"
)

func entry(userID uuid.UUID, dir model.Direction, price, remaining uint64, ts time.Time) *Entry {
	return &Entry{
		OrderID:   uuid.New(),
		UserID:    userID,
		Direction: dir,
		Price:     price,
		Remaining: remaining,
		Timestamp: ts,
	}
}

func TestAddAndBestBidAsk(t *testing.T) {
	b := New("MEMCOIN")
	u1, u2 := uuid.New(), uuid.New()
	now := time.Now()

	b.Add(entry(u1, model.DirectionBuy, 40, 10, now))
	b.Add(entry(u1, model.DirectionBuy, 45, 5, now))
	b.Add(entry(u2, model.DirectionSell, 55, 10, now))
	b.Add(entry(u2, model.DirectionSell, 60, 5, now))

	if b.Size() != 4 {
		t.Fatalf("expected size 4, got %d", b.Size())
	}
	if bb := b.BestBid(); bb == nil || *bb != 45 {
		t.Fatalf("expected best bid 45, got %v", bb)
	}
	if ba := b.BestAsk(); ba == nil || *ba != 55 {
		t.Fatalf("expected best ask 55, got %v", ba)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := New("MEMCOIN")
	u1, u2 := uuid.New(), uuid.New()
	now := time.Now()

	a1 := entry(u2, model.DirectionSell, 50, 3, now)
	a2 := entry(u2, model.DirectionSell, 50, 3, now.Add(time.Millisecond))
	b.Add(a1)
	b.Add(a2)

	price := uint64(50)
	matches := b.FindMatches(model.DirectionBuy, &price, 4, u1)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Entry.OrderID != a1.OrderID || matches[0].FillQty != 3 {
		t.Fatalf("expected first match a1 for 3, got %+v", matches[0])
	}
	if matches[1].Entry.OrderID != a2.OrderID || matches[1].FillQty != 1 {
		t.Fatalf("expected second match a2 for 1, got %+v", matches[1])
	}
}

func TestPartialFillAcrossLevels(t *testing.T) {
	b := New("MEMCOIN")
	u1, u2 := uuid.New(), uuid.New()
	now := time.Now()

	b.Add(entry(u2, model.DirectionSell, 50, 2, now))
	b.Add(entry(u2, model.DirectionSell, 55, 3, now))
	b.Add(entry(u2, model.DirectionSell, 60, 5, now))

	price := uint64(60)
	matches := b.FindMatches(model.DirectionBuy, &price, 6, u1)
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	var total uint64
	for _, m := range matches {
		total += m.FillQty
	}
	if total != 6 {
		t.Fatalf("expected total fill 6, got %d", total)
	}
	if matches[2].FillQty != 1 {
		t.Fatalf("expected partial fill 1 at 60, got %d", matches[2].FillQty)
	}
}

func TestMarketOrderNoPriceCap(t *testing.T) {
	b := New("MEMCOIN")
	u1, u2 := uuid.New(), uuid.New()

	b.Add(entry(u2, model.DirectionSell, 50, 10, time.Now()))

	matches := b.FindMatches(model.DirectionBuy, nil, 5, u1)
	if len(matches) != 1 || matches[0].FillQty != 5 {
		t.Fatalf("expected 1 match for 5 qty, got %+v", matches)
	}
}

func TestSelfTradePreventionSkips(t *testing.T) {
	b := New("MEMCOIN")
	u1, u2 := uuid.New(), uuid.New()
	now := time.Now()

	b.Add(entry(u1, model.DirectionSell, 50, 5, now))
	b.Add(entry(u2, model.DirectionSell, 55, 5, now))

	price := uint64(99)
	matches := b.FindMatches(model.DirectionBuy, &price, 3, u1)
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (skipping self), got %d", len(matches))
	}
	if matches[0].Entry.UserID != u2 {
		t.Fatalf("expected match with u2, got %v", matches[0].Entry.UserID)
	}
}

func TestRemoveOrder(t *testing.T) {
	b := New("MEMCOIN")
	u1 := uuid.New()
	now := time.Now()

	b1 := entry(u1, model.DirectionBuy, 50, 5, now)
	b2 := entry(u1, model.DirectionBuy, 50, 3, now)
	b.Add(b1)
	b.Add(b2)

	removed := b.Remove(b1.OrderID)
	if removed == nil || removed.OrderID != b1.OrderID {
		t.Fatal("expected to remove b1")
	}
	if b.Size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", b.Size())
	}
	if bb := b.BestBid(); bb == nil || *bb != 50 {
		t.Fatal("best bid should still be 50")
	}
}

func TestRemoveLastAtLevel(t *testing.T) {
	b := New("MEMCOIN")
	a1 := entry(uuid.New(), model.DirectionSell, 50, 5, time.Now())
	b.Add(a1)
	b.Remove(a1.OrderID)

	if b.BestAsk() != nil {
		t.Fatal("expected no best ask after removing only order")
	}
	if b.Size() != 0 {
		t.Fatal("expected empty book")
	}
}

func TestApplyFillPartial(t *testing.T) {
	b := New("MEMCOIN")
	a1 := entry(uuid.New(), model.DirectionSell, 50, 10, time.Now())
	b.Add(a1)

	rem := b.ApplyFill(a1.OrderID, 3)
	if rem != 7 {
		t.Fatalf("expected remaining 7, got %d", rem)
	}
	if b.Size() != 1 {
		t.Fatal("order should still be in book")
	}
}

func TestApplyFillFull(t *testing.T) {
	b := New("MEMCOIN")
	a1 := entry(uuid.New(), model.DirectionSell, 50, 5, time.Now())
	b.Add(a1)

	rem := b.ApplyFill(a1.OrderID, 5)
	if rem != 0 {
		t.Fatalf("expected remaining 0, got %d", rem)
	}
	if b.Size() != 0 {
		t.Fatal("order should be removed from book")
	}
}

func TestSnapshotDepth(t *testing.T) {
	b := New("MEMCOIN")
	u1, u2 := uuid.New(), uuid.New()
	now := time.Now()
	for i := uint64(1); i <= 5; i++ {
		b.Add(entry(u1, model.DirectionBuy, 40+i, 1, now))
	}
	for i := uint64(1); i <= 5; i++ {
		b.Add(entry(u2, model.DirectionSell, 50+i, 1, now))
	}

	bids, asks := b.Snapshot(3)
	if len(bids) != 3 {
		t.Fatalf("expected 3 bid levels, got %d", len(bids))
	}
	if len(asks) != 3 {
		t.Fatalf("expected 3 ask levels, got %d", len(asks))
	}
	if bids[0].Price != 45 {
		t.Fatalf("expected top bid 45, got %d", bids[0].Price)
	}
	if asks[0].Price != 51 {
		t.Fatalf("expected top ask 51, got %d", asks[0].Price)
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	b := New("MEMCOIN")
	u1 := uuid.New()
	e := entry(u1, model.DirectionBuy, 50, 5, time.Now())
	b.Add(e)
	b.Add(e)

	if b.Size() != 1 {
		t.Fatalf("expected size 1 (dup ignored), got %d", b.Size())
	}
}

func TestFindMatchesSellSide(t *testing.T) {
	b := New("MEMCOIN")
	u1, u2 := uuid.New(), uuid.New()
	now := time.Now()

	b.Add(entry(u1, model.DirectionBuy, 60, 5, now))
	b.Add(entry(u1, model.DirectionBuy, 55, 5, now))

	price := uint64(55)
	matches := b.FindMatches(model.DirectionSell, &price, 8, u2)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].FillPrice != 60 {
		t.Fatalf("expected first fill at 60, got %d", matches[0].FillPrice)
	}
	var total uint64
	for _, m := range matches {
		total += m.FillQty
	}
	if total != 8 {
		t.Fatalf("expected total 8, got %d", total)
	}
}
