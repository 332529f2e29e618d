package adjust

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

func buyOp(ticker string, date time.Time, qty, price float64) model.Operation {
	return model.Operation{
		ID:       "op-1",
		Ticker:   ticker,
		Date:     date,
		Side:     model.SideBuy,
		Quantity: d(qty),
		Price:    d(price),
		Fees:     decimal.Zero,
	}
}

func splitEvent(ticker, ratio string, exDate time.Time) model.CorporateEvent {
	return model.CorporateEvent{
		ID: "ev-" + ratio, Ticker: ticker, Kind: model.EventSplit,
		ExDate: exDate, Ratio: ratio,
	}
}

func TestApply_SplitBeforeExDate(t *testing.T) {
	// 1:2 split with ex-date after the buy: 100 @ 20.00 becomes 200 @ 10.00.
	op := buyOp("PETR4", day(2025, 1, 10), 100, 20)
	ev := splitEvent("PETR4", "1:2", day(2025, 2, 1))

	adjusted, skips := Apply(op, []model.CorporateEvent{ev})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if !adjusted.Quantity.Equal(d(200)) {
		t.Errorf("expected quantity=200, got %s", adjusted.Quantity)
	}
	if !adjusted.Price.Equal(d(10)) {
		t.Errorf("expected price=10, got %s", adjusted.Price)
	}
	// Original operation is never mutated.
	if !op.Quantity.Equal(d(100)) || !op.Price.Equal(d(20)) {
		t.Errorf("input operation was mutated: %s @ %s", op.Quantity, op.Price)
	}
}

func TestApply_OperationOnOrAfterExDateUntouched(t *testing.T) {
	ev := splitEvent("PETR4", "1:2", day(2025, 2, 1))

	for _, date := range []time.Time{day(2025, 2, 1), day(2025, 3, 15)} {
		op := buyOp("PETR4", date, 100, 20)
		adjusted, _ := Apply(op, []model.CorporateEvent{ev})
		if !adjusted.Quantity.Equal(d(100)) || !adjusted.Price.Equal(d(20)) {
			t.Errorf("operation dated %s should be untouched, got %s @ %s",
				date.Format("2006-01-02"), adjusted.Quantity, adjusted.Price)
		}
	}
}

func TestApply_Inplit(t *testing.T) {
	// 10:1 grupamento: factor 1/10, 1000 @ 1.00 becomes 100 @ 10.00.
	op := buyOp("OIBR3", day(2025, 1, 10), 1000, 1)
	ev := splitEvent("OIBR3", "10:1", day(2025, 2, 1))

	adjusted, _ := Apply(op, []model.CorporateEvent{ev})
	if !adjusted.Quantity.Equal(d(100)) {
		t.Errorf("expected quantity=100, got %s", adjusted.Quantity)
	}
	if !adjusted.Price.Equal(d(10)) {
		t.Errorf("expected price=10, got %s", adjusted.Price)
	}
}

func TestApply_BonusConservesCost(t *testing.T) {
	// 1:10 bonus: 100 shares gain 10, price diluted from 10.00 to 1000/110.
	op := buyOp("ITSA4", day(2025, 1, 10), 100, 10)
	ev := model.CorporateEvent{
		ID: "ev-bonus", Ticker: "ITSA4", Kind: model.EventBonus,
		ExDate: day(2025, 2, 1), Ratio: "1:10",
	}

	adjusted, skips := Apply(op, []model.CorporateEvent{ev})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if !adjusted.Quantity.Equal(d(110)) {
		t.Errorf("expected quantity=110, got %s", adjusted.Quantity)
	}

	wantPrice := d(1000).Div(d(110))
	if !adjusted.Price.Equal(wantPrice) {
		t.Errorf("expected price=%s, got %s", wantPrice, adjusted.Price)
	}

	costBefore := op.Quantity.Mul(op.Price)
	costAfter := adjusted.Quantity.Mul(adjusted.Price)
	if costBefore.Sub(costAfter).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("bonus should conserve cost: before=%s after=%s", costBefore, costAfter)
	}
}

func TestApply_EventsComposeInExDateOrder(t *testing.T) {
	// A 1:2 split then a 1:4 split: 100 @ 20.00 → 200 @ 10.00 → 800 @ 2.50.
	op := buyOp("MGLU3", day(2024, 6, 1), 100, 20)
	events := []model.CorporateEvent{
		// Deliberately out of order; Apply must sort by ex-date.
		splitEvent("MGLU3", "1:4", day(2025, 3, 1)),
		splitEvent("MGLU3", "1:2", day(2024, 9, 1)),
	}

	adjusted, _ := Apply(op, events)
	if !adjusted.Quantity.Equal(d(800)) {
		t.Errorf("expected quantity=800, got %s", adjusted.Quantity)
	}
	if !adjusted.Price.Equal(d(2.5)) {
		t.Errorf("expected price=2.50, got %s", adjusted.Price)
	}
}

func TestApply_UnitFactorIsNoOp(t *testing.T) {
	op := buyOp("PETR4", day(2025, 1, 10), 100, 20)
	ev := splitEvent("PETR4", "1:1", day(2025, 2, 1))

	adjusted, skips := Apply(op, []model.CorporateEvent{ev})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if !adjusted.Quantity.Equal(d(100)) || !adjusted.Price.Equal(d(20)) {
		t.Errorf("1:1 split should be a no-op, got %s @ %s", adjusted.Quantity, adjusted.Price)
	}
}

func TestApply_InvalidRatioSkipped(t *testing.T) {
	op := buyOp("PETR4", day(2025, 1, 10), 100, 20)
	tests := []string{"0:2", "2:0", "banana", "1-2", "", "-1:2"}

	for _, ratio := range tests {
		t.Run(ratio, func(t *testing.T) {
			ev := splitEvent("PETR4", ratio, day(2025, 2, 1))
			adjusted, skips := Apply(op, []model.CorporateEvent{ev})
			if len(skips) != 1 {
				t.Fatalf("expected 1 skip for ratio %q, got %d", ratio, len(skips))
			}
			if !adjusted.Quantity.Equal(d(100)) || !adjusted.Price.Equal(d(20)) {
				t.Errorf("skipped event must leave the operation unchanged, got %s @ %s",
					adjusted.Quantity, adjusted.Price)
			}
		})
	}
}

func TestApply_OtherKindHasNoEffect(t *testing.T) {
	op := buyOp("PETR4", day(2025, 1, 10), 100, 20)
	ev := model.CorporateEvent{
		ID: "ev-other", Ticker: "PETR4", Kind: model.EventOther,
		ExDate: day(2025, 2, 1), Ratio: "1:2",
	}

	adjusted, skips := Apply(op, []model.CorporateEvent{ev})
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if !adjusted.Quantity.Equal(d(100)) || !adjusted.Price.Equal(d(20)) {
		t.Errorf("other-kind event should not adjust, got %s @ %s", adjusted.Quantity, adjusted.Price)
	}
}

func TestApplyAll_PreservesOrderAndLength(t *testing.T) {
	ops := []model.Operation{
		buyOp("PETR4", day(2025, 1, 10), 100, 20),
		buyOp("VALE3", day(2025, 1, 11), 50, 60),
		buyOp("PETR4", day(2025, 3, 1), 10, 9),
	}
	events := map[string][]model.CorporateEvent{
		"PETR4": {splitEvent("PETR4", "1:2", day(2025, 2, 1))},
	}

	adjusted, _ := ApplyAll(ops, events)
	if len(adjusted) != len(ops) {
		t.Fatalf("expected %d operations, got %d", len(ops), len(adjusted))
	}
	if !adjusted[0].Quantity.Equal(d(200)) {
		t.Errorf("first PETR4 buy should be adjusted, got %s", adjusted[0].Quantity)
	}
	if !adjusted[1].Quantity.Equal(d(50)) {
		t.Errorf("VALE3 has no events, got %s", adjusted[1].Quantity)
	}
	if !adjusted[2].Quantity.Equal(d(10)) {
		t.Errorf("post-ex-date PETR4 buy should be untouched, got %s", adjusted[2].Quantity)
	}
}

func TestParseRatio(t *testing.T) {
	n, dd, err := ParseRatio("1:2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.Equal(d(1)) || !dd.Equal(d(2)) {
		t.Errorf("expected 1:2, got %s:%s", n, dd)
	}

	if _, _, err := ParseRatio("1:2:3"); err == nil {
		t.Error("expected error for 1:2:3")
	}
}
