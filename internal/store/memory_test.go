package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irbolsa/tax-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func op(user, ticker string, date time.Time, side model.Side, qty float64) *model.Operation {
	return &model.Operation{
		ID: user + "-" + ticker + "-" + date.Format("20060102") + "-" + string(side),
		UserID: user, Ticker: ticker, Date: date, Side: side,
		Quantity: d(qty), Price: d(10), Fees: d(0),
	}
}

func TestMemoryStore_AssetUniquePerUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateAsset(ctx, &model.Asset{ID: "a1", UserID: "u1", Ticker: "PETR4"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.CreateAsset(ctx, &model.Asset{ID: "a2", UserID: "u1", Ticker: "PETR4"})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	// Same ticker under another user is fine.
	if err := s.CreateAsset(ctx, &model.Asset{ID: "a3", UserID: "u2", Ticker: "PETR4"}); err != nil {
		t.Errorf("unexpected error for second user: %v", err)
	}

	if _, err := s.GetAssetByTicker(ctx, "u1", "VALE3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_OperationsOrderedByDateThenSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	day1 := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)

	// Inserted out of date order; same-date pairs keep insertion order.
	for _, o := range []*model.Operation{
		op("u1", "PETR4", day2, model.SideSell, 50),
		op("u1", "PETR4", day1, model.SideBuy, 100),
		op("u1", "VALE3", day2, model.SideBuy, 30),
	} {
		if err := s.InsertOperation(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	ops, err := s.ListOperations(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	if !ops[0].Date.Equal(day1) {
		t.Errorf("expected earliest date first, got %s", ops[0].Date)
	}
	if ops[1].Ticker != "PETR4" || ops[2].Ticker != "VALE3" {
		t.Errorf("same-date operations must keep insertion order, got %s then %s",
			ops[1].Ticker, ops[2].Ticker)
	}
	if ops[1].Seq >= ops[2].Seq {
		t.Errorf("seq must increase with insertion order: %d then %d", ops[1].Seq, ops[2].Seq)
	}
}

func TestMemoryStore_UpdateKeepsSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	o := op("u1", "PETR4", date, model.SideBuy, 100)
	if err := s.InsertOperation(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	origSeq := o.Seq

	edited := *o
	edited.Quantity = d(200)
	edited.Seq = 0
	if err := s.UpdateOperation(ctx, &edited); err != nil {
		t.Fatalf("update: %v", err)
	}

	ops, _ := s.ListOperations(ctx, "u1")
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if ops[0].Seq != origSeq {
		t.Errorf("seq must survive edits: want %d, got %d", origSeq, ops[0].Seq)
	}
	if !ops[0].Quantity.Equal(d(200)) {
		t.Errorf("quantity not updated, got %s", ops[0].Quantity)
	}

	if err := s.UpdateOperation(ctx, op("u1", "PETR4", date, model.SideSell, 1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestMemoryStore_DeleteOperation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	o := op("u1", "PETR4", date, model.SideBuy, 100)
	if err := s.InsertOperation(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.DeleteOperation(ctx, "u1", o.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteOperation(ctx, "u1", o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestMemoryStore_ReplaceDerivedWipes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	date := time.Date(2025, 1, 24, 0, 0, 0, 0, time.UTC)

	first := []model.ClosingOperation{{
		ID: "c1", UserID: "u1", Ticker: "PETR4", CloseDate: date,
		Quantity: d(100), BuyAvg: d(10), SellAvg: d(12), Result: d(200),
	}}
	if err := s.ReplaceDerived(ctx, "u1", first,
		[]model.MonthlyResult{{ID: "m1", UserID: "u1", Month: "2025-01"}},
		[]model.Darf{{ID: "d1", UserID: "u1", Month: "2025-01", Mode: model.ModeSwing, Amount: d(30), DueDate: date}}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	// Second replace fully supersedes the first.
	if err := s.ReplaceDerived(ctx, "u1", nil,
		[]model.MonthlyResult{{ID: "m2", UserID: "u1", Month: "2025-02"}}, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}

	closings, _ := s.ListClosingOperations(ctx, "u1")
	if len(closings) != 0 {
		t.Errorf("expected closings wiped, got %d", len(closings))
	}
	monthly, _ := s.ListMonthlyResults(ctx, "u1")
	if len(monthly) != 1 || monthly[0].Month != "2025-02" {
		t.Errorf("expected single 2025-02 result, got %+v", monthly)
	}
	darfs, _ := s.ListDarfs(ctx, "u1")
	if len(darfs) != 0 {
		t.Errorf("expected darfs wiped, got %d", len(darfs))
	}

	// Other users are untouched.
	if err := s.ReplaceDerived(ctx, "u2", first, nil, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	monthly, _ = s.ListMonthlyResults(ctx, "u1")
	if len(monthly) != 1 {
		t.Errorf("replace for u2 must not touch u1, got %d monthly results", len(monthly))
	}
}

func TestMemoryStore_MonthlyResultsSortedByMonth(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.ReplaceDerived(ctx, "u1", nil, []model.MonthlyResult{
		{ID: "m2", UserID: "u1", Month: "2025-03"},
		{ID: "m1", UserID: "u1", Month: "2024-12"},
		{ID: "m3", UserID: "u1", Month: "2025-01"},
	}, nil)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	monthly, _ := s.ListMonthlyResults(ctx, "u1")
	want := []string{"2024-12", "2025-01", "2025-03"}
	for i, m := range monthly {
		if m.Month != want[i] {
			t.Errorf("position %d: want %s, got %s", i, want[i], m.Month)
		}
	}
}
