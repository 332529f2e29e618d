package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irbolsa/tax-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func day(y int, m time.Month, dd int) time.Time {
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

func op(ticker string, date time.Time, side model.Side, qty, price, fees float64) model.Operation {
	return model.Operation{
		Ticker: ticker, Date: date, Side: side,
		Quantity: d(qty), Price: d(price), Fees: d(fees),
	}
}

// batch builds a DayBatch from a set of same-day operations.
func batch(date time.Time, ticker string, ops ...model.Operation) *DayBatch {
	b := NewDayBatch(date, ticker)
	for _, o := range ops {
		b.Add(o)
	}
	return b
}

// --- Position state machine ---

func TestApplyDay_BuyCapitalizesFees(t *testing.T) {
	book := NewBook()
	closings := book.ApplyDay(batch(day(2025, 1, 9), "PETR4",
		op("PETR4", day(2025, 1, 9), model.SideBuy, 100, 10, 5)))

	if len(closings) != 0 {
		t.Fatalf("a lone buy must not emit closings, got %d", len(closings))
	}

	pos, ok := book.Position("PETR4")
	if !ok {
		t.Fatal("expected PETR4 position")
	}
	if !pos.LongQty.Equal(d(100)) {
		t.Errorf("expected long_qty=100, got %s", pos.LongQty)
	}
	if !pos.LongAvg.Equal(d(10.05)) {
		t.Errorf("expected long_avg=10.05 (fees in cost), got %s", pos.LongAvg)
	}
	if !pos.OpenedAt.Equal(day(2025, 1, 9)) {
		t.Errorf("expected opened_at=2025-01-09, got %s", pos.OpenedAt)
	}
}

func TestApplyDay_WeightedAverageAcrossDays(t *testing.T) {
	book := NewBook()
	book.ApplyDay(batch(day(2025, 1, 9), "PETR4",
		op("PETR4", day(2025, 1, 9), model.SideBuy, 100, 10, 0)))
	book.ApplyDay(batch(day(2025, 1, 10), "PETR4",
		op("PETR4", day(2025, 1, 10), model.SideBuy, 300, 14, 0)))

	pos, _ := book.Position("PETR4")
	if !pos.LongQty.Equal(d(400)) {
		t.Errorf("expected long_qty=400, got %s", pos.LongQty)
	}
	// (100×10 + 300×14) / 400 = 13
	if !pos.LongAvg.Equal(d(13)) {
		t.Errorf("expected long_avg=13, got %s", pos.LongAvg)
	}
}

func TestApplyDay_SimpleSwing(t *testing.T) {
	// Scenario: buy 1000 @ 19.00, sell 1000 @ 25.00 two weeks later.
	book := NewBook()
	book.ApplyDay(batch(day(2025, 1, 9), "PETR4",
		op("PETR4", day(2025, 1, 9), model.SideBuy, 1000, 19, 0)))
	closings := book.ApplyDay(batch(day(2025, 1, 24), "PETR4",
		op("PETR4", day(2025, 1, 24), model.SideSell, 1000, 25, 0)))

	if len(closings) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(closings))
	}
	c := closings[0]
	if c.DayTrade {
		t.Error("expected swing-trade closing")
	}
	if !c.Result.Equal(d(6000)) {
		t.Errorf("expected result=6000, got %s", c.Result)
	}
	if !c.OpenDate.Equal(day(2025, 1, 9)) {
		t.Errorf("expected open_date=2025-01-09, got %s", c.OpenDate)
	}
	if !c.CloseDate.Equal(day(2025, 1, 24)) {
		t.Errorf("expected close_date=2025-01-24, got %s", c.CloseDate)
	}

	// Position fully closed: quantities and averages reset to exactly zero.
	pos, _ := book.Position("PETR4")
	if !pos.LongQty.IsZero() || !pos.LongCost.IsZero() || !pos.LongAvg.IsZero() {
		t.Errorf("expected zeroed long side, got qty=%s cost=%s avg=%s",
			pos.LongQty, pos.LongCost, pos.LongAvg)
	}
	if !pos.OpenedAt.IsZero() {
		t.Errorf("expected opened_at reset, got %s", pos.OpenedAt)
	}
}

func TestApplyDay_DayTrade(t *testing.T) {
	// Scenario: buy 100 @ 30.00 fee 5.00 and sell 100 @ 32.00 fee 6.00 same day.
	closings := NewBook().ApplyDay(batch(day(2025, 2, 3), "VALE3",
		op("VALE3", day(2025, 2, 3), model.SideBuy, 100, 30, 5),
		op("VALE3", day(2025, 2, 3), model.SideSell, 100, 32, 6)))

	if len(closings) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(closings))
	}
	c := closings[0]
	if !c.DayTrade {
		t.Error("expected day-trade closing")
	}
	if !c.BuyAvg.Equal(d(30.05)) {
		t.Errorf("expected buy_avg=30.05, got %s", c.BuyAvg)
	}
	if !c.SellAvg.Equal(d(31.94)) {
		t.Errorf("expected sell_avg=31.94, got %s", c.SellAvg)
	}
	if !c.Result.Equal(d(189)) {
		t.Errorf("expected result=189, got %s", c.Result)
	}
}

func TestApplyDay_ShortOpenAndCover(t *testing.T) {
	// Sell 200 @ 42.00 fee 10.00 opens a short; buy 200 @ 40.50 fee 8.50
	// covers it on a later date.
	book := NewBook()
	closings := book.ApplyDay(batch(day(2025, 3, 10), "BBAS3",
		op("BBAS3", day(2025, 3, 10), model.SideSell, 200, 42, 10)))
	if len(closings) != 0 {
		t.Fatalf("opening a short must not emit closings, got %d", len(closings))
	}

	pos, _ := book.Position("BBAS3")
	if !pos.ShortQty.Equal(d(200)) {
		t.Errorf("expected short_qty=200, got %s", pos.ShortQty)
	}
	// (200×42 − 10) / 200 = 41.95
	if !pos.ShortAvg.Equal(d(41.95)) {
		t.Errorf("expected short_avg=41.95, got %s", pos.ShortAvg)
	}
	if !pos.LongQty.IsZero() {
		t.Errorf("long and short must never both be positive, long=%s", pos.LongQty)
	}

	closings = book.ApplyDay(batch(day(2025, 3, 20), "BBAS3",
		op("BBAS3", day(2025, 3, 20), model.SideBuy, 200, 40.5, 8.5)))
	if len(closings) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(closings))
	}
	c := closings[0]
	if c.DayTrade {
		t.Error("short cover across days is swing-trade")
	}
	if !c.SellAvg.Equal(d(41.95)) {
		t.Errorf("expected sell_avg=41.95 (short basis), got %s", c.SellAvg)
	}
	// buy_avg = (200×40.50 + 8.50)/200 = 40.5425
	if !c.BuyAvg.Equal(d(40.5425)) {
		t.Errorf("expected buy_avg=40.5425, got %s", c.BuyAvg)
	}
	// 200 × (41.95 − 40.5425) = 281.50 (proceeds 8390.00 − cover cost 8108.50)
	if !c.Result.Equal(d(281.5)) {
		t.Errorf("expected result=281.50, got %s", c.Result)
	}

	pos, _ = book.Position("BBAS3")
	if !pos.ShortQty.IsZero() || !pos.ShortProceeds.IsZero() || !pos.ShortAvg.IsZero() {
		t.Errorf("expected zeroed short side, got qty=%s proceeds=%s avg=%s",
			pos.ShortQty, pos.ShortProceeds, pos.ShortAvg)
	}
}

func TestApplyDay_SellBeyondLongOpensShort(t *testing.T) {
	book := NewBook()
	book.ApplyDay(batch(day(2025, 1, 9), "PETR4",
		op("PETR4", day(2025, 1, 9), model.SideBuy, 100, 10, 0)))
	closings := book.ApplyDay(batch(day(2025, 1, 20), "PETR4",
		op("PETR4", day(2025, 1, 20), model.SideSell, 150, 12, 0)))

	if len(closings) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(closings))
	}
	if !closings[0].Quantity.Equal(d(100)) {
		t.Errorf("expected closing qty=100, got %s", closings[0].Quantity)
	}

	pos, _ := book.Position("PETR4")
	if !pos.LongQty.IsZero() {
		t.Errorf("expected flat long side, got %s", pos.LongQty)
	}
	if !pos.ShortQty.Equal(d(50)) {
		t.Errorf("expected short_qty=50, got %s", pos.ShortQty)
	}
	if !pos.ShortAvg.Equal(d(12)) {
		t.Errorf("expected short_avg=12, got %s", pos.ShortAvg)
	}
}

// --- Day/swing classification ---

func TestApplyDay_HistoricalSwingBeforeDayTrade(t *testing.T) {
	// Pre-day long of 100 @ 10. On the day: buy 50 @ 20, sell 120 @ 21.
	// Sells allocate to the historical long first (100 swing), the remaining
	// 20 net against the day's buys (day trade), leftover 30 buys extend.
	book := NewBook()
	book.ApplyDay(batch(day(2025, 4, 1), "MGLU3",
		op("MGLU3", day(2025, 4, 1), model.SideBuy, 100, 10, 0)))

	closings := book.ApplyDay(batch(day(2025, 4, 10), "MGLU3",
		op("MGLU3", day(2025, 4, 10), model.SideBuy, 50, 20, 0),
		op("MGLU3", day(2025, 4, 10), model.SideSell, 120, 21, 0)))

	if len(closings) != 2 {
		t.Fatalf("expected swing + day-trade closings, got %d", len(closings))
	}

	swing, dayTrade := closings[0], closings[1]
	if swing.DayTrade || !dayTrade.DayTrade {
		t.Fatalf("expected [swing, day] flags, got [%v, %v]", swing.DayTrade, dayTrade.DayTrade)
	}

	if !swing.Quantity.Equal(d(100)) {
		t.Errorf("expected swing qty=100, got %s", swing.Quantity)
	}
	if !swing.BuyAvg.Equal(d(10)) {
		t.Errorf("swing close must use the historical avg cost, got %s", swing.BuyAvg)
	}
	if !swing.Result.Equal(d(1100)) {
		t.Errorf("expected swing result=1100, got %s", swing.Result)
	}

	if !dayTrade.Quantity.Equal(d(20)) {
		t.Errorf("expected day-trade qty=20, got %s", dayTrade.Quantity)
	}
	if !dayTrade.BuyAvg.Equal(d(20)) {
		t.Errorf("day trade must use same-day lots, got buy_avg=%s", dayTrade.BuyAvg)
	}
	if !dayTrade.Result.Equal(d(20)) {
		t.Errorf("expected day-trade result=20, got %s", dayTrade.Result)
	}

	// Day-trade exclusivity: swing + day quantities cover the 120 sold with
	// no double counting, and the leftover 30 bought extends the long.
	pos, _ := book.Position("MGLU3")
	if !pos.LongQty.Equal(d(30)) {
		t.Errorf("expected long_qty=30, got %s", pos.LongQty)
	}
	if !pos.LongAvg.Equal(d(20)) {
		t.Errorf("expected long_avg=20, got %s", pos.LongAvg)
	}
}

func TestApplyDay_DayTradeQtyNeverExceedsMin(t *testing.T) {
	// buy 80, sell 120, no prior position: day trade = 80, short 40 remains.
	closings := NewBook().ApplyDay(batch(day(2025, 4, 10), "WEGE3",
		op("WEGE3", day(2025, 4, 10), model.SideBuy, 80, 10, 0),
		op("WEGE3", day(2025, 4, 10), model.SideSell, 120, 11, 0)))

	if len(closings) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(closings))
	}
	if !closings[0].DayTrade {
		t.Error("expected day-trade closing")
	}
	if !closings[0].Quantity.Equal(d(80)) {
		t.Errorf("day-trade qty must be min(bought, sold)=80, got %s", closings[0].Quantity)
	}
}

func TestApplyDay_ProportionalTicketAllocation(t *testing.T) {
	// Two buy tickets at different prices, one sell: day-trade buy avg is the
	// fee-inclusive VWAP of the whole buy side.
	closings := NewBook().ApplyDay(batch(day(2025, 4, 10), "PETR4",
		op("PETR4", day(2025, 4, 10), model.SideBuy, 100, 10, 2),
		op("PETR4", day(2025, 4, 10), model.SideBuy, 300, 14, 6),
		op("PETR4", day(2025, 4, 10), model.SideSell, 200, 15, 4)))

	if len(closings) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(closings))
	}
	c := closings[0]
	// (100×10 + 300×14 + 2 + 6) / 400 = 5208/400 = 13.02
	if !c.BuyAvg.Equal(d(13.02)) {
		t.Errorf("expected buy_avg=13.02, got %s", c.BuyAvg)
	}
	// (200×15 − 4) / 200 = 14.98
	if !c.SellAvg.Equal(d(14.98)) {
		t.Errorf("expected sell_avg=14.98, got %s", c.SellAvg)
	}
}

func TestApplyDay_BuysCoverShortBeforeExtendingLong(t *testing.T) {
	book := NewBook()
	book.ApplyDay(batch(day(2025, 5, 5), "COGN3",
		op("COGN3", day(2025, 5, 5), model.SideSell, 100, 8, 0)))

	closings := book.ApplyDay(batch(day(2025, 5, 12), "COGN3",
		op("COGN3", day(2025, 5, 12), model.SideBuy, 150, 7, 0)))

	if len(closings) != 1 {
		t.Fatalf("expected 1 closing, got %d", len(closings))
	}
	if !closings[0].Quantity.Equal(d(100)) {
		t.Errorf("expected cover qty=100, got %s", closings[0].Quantity)
	}
	if !closings[0].Result.Equal(d(100)) {
		t.Errorf("expected result=100 (100×(8−7)), got %s", closings[0].Result)
	}

	pos, _ := book.Position("COGN3")
	if !pos.ShortQty.IsZero() {
		t.Errorf("expected short covered, got %s", pos.ShortQty)
	}
	if !pos.LongQty.Equal(d(50)) {
		t.Errorf("expected leftover long=50, got %s", pos.LongQty)
	}
}

// --- Conservation property ---

func TestBook_ConservationWithoutEvents(t *testing.T) {
	// Σ(buys) − Σ(sells) must equal the final signed position quantity.
	ops := []model.Operation{
		op("PETR4", day(2025, 1, 9), model.SideBuy, 100, 10, 1),
		op("PETR4", day(2025, 1, 15), model.SideBuy, 200, 11, 2),
		op("PETR4", day(2025, 1, 20), model.SideSell, 250, 12, 3),
		op("PETR4", day(2025, 2, 3), model.SideSell, 80, 12, 1),
		op("PETR4", day(2025, 2, 10), model.SideBuy, 10, 13, 0),
	}

	book := NewBook()
	net := decimal.Zero
	for _, o := range ops {
		book.ApplyDay(batch(o.Date, o.Ticker, o))
		if o.Side == model.SideBuy {
			net = net.Add(o.Quantity)
		} else {
			net = net.Sub(o.Quantity)
		}
	}

	pos, _ := book.Position("PETR4")
	signed := pos.LongQty.Sub(pos.ShortQty)
	if !signed.Equal(net) {
		t.Errorf("conservation violated: Σbuys−Σsells=%s, position=%s", net, signed)
	}
}

// --- Closing validation ---

func TestValidate(t *testing.T) {
	valid := model.ClosingOperation{
		Ticker: "PETR4", CloseDate: day(2025, 1, 24),
		Quantity: d(100), BuyAvg: d(10), SellAvg: d(12), Result: d(200),
	}
	if err := Validate(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c model.ClosingOperation) model.ClosingOperation
	}{
		{"zero quantity", func(c model.ClosingOperation) model.ClosingOperation {
			c.Quantity = decimal.Zero
			return c
		}},
		{"negative quantity", func(c model.ClosingOperation) model.ClosingOperation {
			c.Quantity = d(-5)
			return c
		}},
		{"zero buy avg", func(c model.ClosingOperation) model.ClosingOperation {
			c.BuyAvg = decimal.Zero
			return c
		}},
		{"zero sell avg", func(c model.ClosingOperation) model.ClosingOperation {
			c.SellAvg = decimal.Zero
			return c
		}},
		{"inconsistent result", func(c model.ClosingOperation) model.ClosingOperation {
			c.Result = d(999)
			return c
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.mutate(valid)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
