package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testMarket() domain.Market {
	return domain.Market{
		Base:      "DGB",
		Quote:     "DOGE",
		FeeRate:   d("0.001"),
		FeeSide:   domain.FeeSideTaker,
		SelfTrade: domain.SelfTradeAllow,
	}
}

// takerOrder creates an unplaced order with the market's fee rate.
func takerOrder(owner string, side domain.Side, price, qty string, tif domain.TimeInForce) *domain.Order {
	o := restingOrder("taker", side, price, baseTime.Add(time.Minute), 100, qty)
	o.Owner = owner
	o.TimeInForce = tif
	o.FeeRate = d("0.001")
	return o
}

func bookWith(t *testing.T, orders ...*domain.Order) *OrderBook {
	t.Helper()
	ob := NewOrderBook("DGB-DOGE")
	for _, o := range orders {
		o.FeeRate = d("0.001")
		if err := ob.Insert(o); err != nil {
			t.Fatalf("insert %s: %v", o.ID, err)
		}
	}
	return ob
}

func TestPlanMatch_NoLiquidity(t *testing.T) {
	tests := []struct {
		tif  domain.TimeInForce
		want matchState
	}{
		{domain.TimeInForceGTC, stateResting},
		{domain.TimeInForceIOC, stateCancelled},
		{domain.TimeInForceFOK, stateCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.tif), func(t *testing.T) {
			ob := bookWith(t)
			p := planMatch(ob, testMarket(), takerOrder("alice", domain.SideBuy, "1", "5", tt.tif), discardLogger)
			if p.State != tt.want {
				t.Errorf("state = %s, want %s", p.State, tt.want)
			}
			if len(p.Fills) != 0 {
				t.Errorf("fills = %d, want 0", len(p.Fills))
			}
			if !p.Remaining.Equal(d("5")) {
				t.Errorf("remaining = %s, want 5", p.Remaining)
			}
		})
	}
}

func TestPlanMatch_PriceTimePriority(t *testing.T) {
	ob := bookWith(t,
		restingOrder("late", domain.SideSell, "0.5", baseTime.Add(time.Second), 2, "10"),
		restingOrder("early", domain.SideSell, "0.5", baseTime, 3, "10"),
		restingOrder("cheap", domain.SideSell, "0.4", baseTime.Add(2*time.Second), 4, "10"),
		restingOrder("dear", domain.SideSell, "0.6", baseTime, 1, "10"),
	)

	p := planMatch(ob, testMarket(), takerOrder("bob", domain.SideBuy, "0.5", "25", domain.TimeInForceGTC), discardLogger)

	wantIDs := []string{"cheap", "early", "late"}
	if len(p.Fills) != len(wantIDs) {
		t.Fatalf("fills = %d, want %d", len(p.Fills), len(wantIDs))
	}
	for i, id := range wantIDs {
		if p.Fills[i].Maker.ID != id {
			t.Errorf("fill %d maker = %s, want %s", i, p.Fills[i].Maker.ID, id)
		}
	}
	if !p.Fills[0].Price.Equal(d("0.4")) {
		t.Errorf("price improvement lost: fill at %s, want maker price 0.4", p.Fills[0].Price)
	}
	if !p.Fills[2].Quantity.Equal(d("5")) {
		t.Errorf("last fill = %s, want 5", p.Fills[2].Quantity)
	}
	if p.State != stateFilled || !p.Remaining.IsZero() {
		t.Errorf("state = %s remaining = %s, want filled/0", p.State, p.Remaining)
	}
	// Planning must not touch the book.
	if ob.Len(domain.SideSell) != 4 {
		t.Errorf("book changed during planning: %d asks", ob.Len(domain.SideSell))
	}
}

func TestPlanMatch_StopsAtLimit(t *testing.T) {
	ob := bookWith(t,
		restingOrder("a1", domain.SideSell, "0.5", baseTime, 1, "3"),
		restingOrder("a2", domain.SideSell, "0.7", baseTime, 2, "3"),
	)

	p := planMatch(ob, testMarket(), takerOrder("bob", domain.SideBuy, "0.6", "5", domain.TimeInForceGTC), discardLogger)
	if len(p.Fills) != 1 || p.Fills[0].Maker.ID != "a1" {
		t.Fatalf("fills = %+v, want one fill against a1", p.Fills)
	}
	if p.State != stateResting || !p.Remaining.Equal(d("2")) {
		t.Errorf("state = %s remaining = %s, want resting/2", p.State, p.Remaining)
	}

	p = planMatch(ob, testMarket(), takerOrder("bob", domain.SideBuy, "0.6", "5", domain.TimeInForceIOC), discardLogger)
	if p.State != stateCancelled || len(p.Fills) != 1 {
		t.Errorf("ioc: state = %s fills = %d, want cancelled with 1 fill", p.State, len(p.Fills))
	}
}

func TestPlanMatch_FillOrKill(t *testing.T) {
	ob := bookWith(t,
		restingOrder("a1", domain.SideSell, "0.5", baseTime, 1, "3"),
		restingOrder("a2", domain.SideSell, "0.5", baseTime, 2, "3"),
	)

	p := planMatch(ob, testMarket(), takerOrder("bob", domain.SideBuy, "0.5", "7", domain.TimeInForceFOK), discardLogger)
	if p.State != stateCancelled || len(p.Fills) != 0 || !p.Remaining.Equal(d("7")) {
		t.Errorf("short fok: state = %s fills = %d remaining = %s", p.State, len(p.Fills), p.Remaining)
	}

	p = planMatch(ob, testMarket(), takerOrder("bob", domain.SideBuy, "0.5", "6", domain.TimeInForceFOK), discardLogger)
	if p.State != stateFilled || len(p.Fills) != 2 {
		t.Errorf("exact fok: state = %s fills = %d", p.State, len(p.Fills))
	}
}

func TestPlanMatch_SelfTrade(t *testing.T) {
	own := restingOrder("own", domain.SideSell, "0.5", baseTime, 1, "3")
	own.Owner = "bob"
	other := restingOrder("other", domain.SideSell, "0.5", baseTime, 2, "3")

	t.Run("allow", func(t *testing.T) {
		ob := bookWith(t, own, other)
		p := planMatch(ob, testMarket(), takerOrder("bob", domain.SideBuy, "0.5", "6", domain.TimeInForceGTC), discardLogger)
		if p.SelfTrade || len(p.Fills) != 2 {
			t.Errorf("self-trade = %v fills = %d, want false/2", p.SelfTrade, len(p.Fills))
		}
	})

	t.Run("cancel_taker", func(t *testing.T) {
		m := testMarket()
		m.SelfTrade = domain.SelfTradeCancelTaker
		ob := bookWith(t, own, other)
		p := planMatch(ob, m, takerOrder("bob", domain.SideBuy, "0.5", "6", domain.TimeInForceGTC), discardLogger)
		if !p.SelfTrade || p.State != stateCancelled || len(p.Fills) != 0 {
			t.Errorf("self-trade = %v state = %s fills = %d, want true/cancelled/0", p.SelfTrade, p.State, len(p.Fills))
		}
	})
}

func opsFor(b store.Batch, user, coin string) map[store.OpKind]string {
	out := make(map[store.OpKind]string)
	for _, op := range b.Ops {
		if op.User == user && op.Coin == coin {
			prev := d("0")
			if s, ok := out[op.Kind]; ok {
				prev = d(s)
			}
			out[op.Kind] = prev.Add(op.Amount).String()
		}
	}
	return out
}

func TestSettle_TakerSellPaysFee(t *testing.T) {
	m1 := restingOrder("m1", domain.SideBuy, "0.5", baseTime, 1, "60")
	m1.Owner = "alice"
	m2 := restingOrder("m2", domain.SideBuy, "0.5", baseTime, 2, "40")
	m2.Owner = "carol"
	ob := bookWith(t, m1, m2)

	taker := takerOrder("bob", domain.SideSell, "0.5", "100", domain.TimeInForceGTC)
	p := planMatch(ob, testMarket(), taker, discardLogger)
	s, err := settle(testMarket(), *taker, p, baseTime)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if s.Taker.Status != domain.OrderStatusFilled {
		t.Errorf("taker status = %s, want filled", s.Taker.Status)
	}
	if len(s.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(s.Trades))
	}
	for _, tr := range s.Trades {
		if !tr.BuyerFee.IsZero() {
			t.Errorf("maker buyer charged %s", tr.BuyerFee)
		}
		if tr.Seller != "bob" || tr.TakerSide != domain.SideSell {
			t.Errorf("trade = %+v", tr)
		}
	}

	bob := opsFor(s.Batch, "bob", "DOGE")
	if bob[store.OpCredit] != "49.95" {
		t.Errorf("seller DOGE credit = %s, want 49.95", bob[store.OpCredit])
	}
	fees := opsFor(s.Batch, domain.FeeAccount, "DOGE")
	if fees[store.OpCredit] != "0.05" {
		t.Errorf("fee credit = %s, want 0.05", fees[store.OpCredit])
	}
	alice := opsFor(s.Batch, "alice", "DOGE")
	if alice[store.OpConsume] != "30" || alice[store.OpRelease] != "0.03" {
		t.Errorf("maker buyer ops = %v, want consume 30 release 0.03", alice)
	}

	// The book keeps the pre-trade state until the caller commits.
	if !m1.Remaining.Equal(d("60")) || m1.Status != domain.OrderStatusOpen {
		t.Errorf("settle mutated the resting order: %s %s", m1.Remaining, m1.Status)
	}
	if s.Makers[0].Status != domain.OrderStatusFilled {
		t.Errorf("maker copy status = %s, want filled", s.Makers[0].Status)
	}
}

func TestSettle_CancelledRemainderReleased(t *testing.T) {
	ob := bookWith(t, restingOrder("a1", domain.SideSell, "0.4", baseTime, 1, "2"))
	taker := takerOrder("bob", domain.SideBuy, "0.5", "5", domain.TimeInForceIOC)
	p := planMatch(ob, testMarket(), taker, discardLogger)
	s, err := settle(testMarket(), *taker, p, baseTime)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if s.Taker.Status != domain.OrderStatusCancelled || !s.Taker.Remaining.Equal(d("3")) {
		t.Errorf("taker = %s remaining %s, want cancelled/3", s.Taker.Status, s.Taker.Remaining)
	}

	ops := opsFor(s.Batch, "bob", "DOGE")
	// hold 5 × 0.5 × 1.001, spend 0.8 + 0.0008 fee.
	if ops[store.OpHold] != "2.5025" {
		t.Errorf("hold = %s, want 2.5025", ops[store.OpHold])
	}
	if ops[store.OpConsume] != "0.8008" {
		t.Errorf("consume = %s, want 0.8008", ops[store.OpConsume])
	}
	if ops[store.OpRelease] != "1.7017" {
		t.Errorf("release = %s, want 1.7017", ops[store.OpRelease])
	}
}

func TestSimulate(t *testing.T) {
	ob := bookWith(t,
		restingOrder("a1", domain.SideSell, "0.5", baseTime, 1, "10"),
		restingOrder("a2", domain.SideSell, "0.5", baseTime, 2, "5"),
		restingOrder("a3", domain.SideSell, "0.6", baseTime, 3, "5"),
	)

	tests := []struct {
		name      string
		qty       string
		available string
		fillable  bool
		avg       string
		levels    int
	}{
		{"within first level", "12", "12", true, "0.5", 1},
		{"across levels", "20", "20", true, "0.525", 2},
		{"beyond liquidity", "30", "20", false, "0.525", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := simulate(ob, domain.SideBuy, d(tt.qty))
			if !res.Available.Equal(d(tt.available)) {
				t.Errorf("available = %s, want %s", res.Available, tt.available)
			}
			if res.FullyFillable != tt.fillable {
				t.Errorf("fully fillable = %v, want %v", res.FullyFillable, tt.fillable)
			}
			if !res.AveragePrice.Equal(d(tt.avg)) {
				t.Errorf("average = %s, want %s", res.AveragePrice, tt.avg)
			}
			if len(res.Levels) != tt.levels {
				t.Errorf("levels = %d, want %d", len(res.Levels), tt.levels)
			}
		})
	}

	empty := simulate(ob, domain.SideSell, d("1"))
	if !empty.Available.IsZero() || empty.FullyFillable || !empty.AveragePrice.IsZero() {
		t.Errorf("empty side quote = %+v", empty)
	}
}
