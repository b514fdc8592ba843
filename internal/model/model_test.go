package model

import "testing"

func TestValidTicker(t *testing.T) {
	tests := []struct {
		ticker string
		want   bool
	}{
		{"AB", true},
		{"MEMCOIN", true},
		{"ABCDEFGHIJ", true},
		{"A", false},
		{"ABCDEFGHIJK", false},
		{"abc", false},
		{"AB1", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := ValidTicker(tc.ticker); got != tc.want {
			t.Errorf("ValidTicker(%q) = %v, want %v", tc.ticker, got, tc.want)
		}
	}
}

func TestCalcReservationBuyLocksQuoteCurrency(t *testing.T) {
	got := CalcReservation(DirectionBuy, 100, 5)
	if got != 500 {
		t.Fatalf("expected 500, got %d", got)
	}
}

func TestCalcReservationSellLocksTheInstrumentItself(t *testing.T) {
	got := CalcReservation(DirectionSell, 100, 5)
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestReservationTicker(t *testing.T) {
	if got := ReservationTicker(DirectionBuy, "MEMCOIN"); got != RUB {
		t.Fatalf("expected %s, got %s", RUB, got)
	}
	if got := ReservationTicker(DirectionSell, "MEMCOIN"); got != "MEMCOIN" {
		t.Fatalf("expected MEMCOIN, got %s", got)
	}
}

func TestOrderRemaining(t *testing.T) {
	o := Order{Kind: KindLimit, OriginalQty: 10, Filled: 4}
	if got := o.Remaining(); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
	m := Order{Kind: KindMarket, Qty: 10}
	if got := m.Remaining(); got != 0 {
		t.Fatalf("market orders never rest, expected 0, got %d", got)
	}
}

func TestOrderLive(t *testing.T) {
	cases := []struct {
		o    Order
		live bool
	}{
		{Order{Kind: KindLimit, Status: StatusNew}, true},
		{Order{Kind: KindLimit, Status: StatusPartiallyExecuted}, true},
		{Order{Kind: KindLimit, Status: StatusExecuted}, false},
		{Order{Kind: KindLimit, Status: StatusCancelled}, false},
		{Order{Kind: KindMarket, Status: StatusExecuted}, false},
	}
	for _, tc := range cases {
		if got := tc.o.Live(); got != tc.live {
			t.Errorf("Live() for %+v = %v, want %v", tc.o, got, tc.live)
		}
	}
}
