// Package engine runs the full recompute pipeline: validate operations,
// adjust for corporate events, replay the position ledger with day/swing
// classification, validate the resulting closings and aggregate them into
// monthly tax results.
//
// The engine is stateless across runs: every recompute rebuilds positions,
// closing operations and monthly results from the complete operation
// history, then replaces the user's derived state wholesale. Re-running
// with the same inputs produces identical outputs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/irbolsa/tax-engine/internal/adjust"
	"github.com/irbolsa/tax-engine/internal/ledger"
	"github.com/irbolsa/tax-engine/internal/model"
	"github.com/irbolsa/tax-engine/internal/store"
	"github.com/irbolsa/tax-engine/internal/tax"
	"github.com/irbolsa/tax-engine/internal/ticker"
)

// Engine orchestrates the recompute pipeline over a Store. It holds no
// per-user state; concurrent runs for different users are independent.
// Running it concurrently for the same user is the caller's problem to
// prevent (see api.Service).
type Engine struct {
	store store.Store
}

// New creates an engine over the given store.
func New(st store.Store) *Engine {
	return &Engine{store: st}
}

// Rejected is an input operation excluded from the recompute.
type Rejected struct {
	Operation model.Operation `json:"operation"`
	Reason    string          `json:"reason"`
}

// Discarded is a malformed closing record excluded from aggregation.
type Discarded struct {
	Closing model.ClosingOperation `json:"closing"`
	Reason  string                 `json:"reason"`
}

// Report collects everything the pipeline skipped instead of aborting on.
type Report struct {
	RejectedOperations []Rejected    `json:"rejected_operations,omitempty"`
	SkippedEvents      []adjust.Skip `json:"skipped_events,omitempty"`
	DiscardedClosings  []Discarded   `json:"discarded_closings,omitempty"`
}

// Result is the full output of one pipeline run.
type Result struct {
	UserID    string                   `json:"user_id"`
	Closings  []model.ClosingOperation `json:"closings"`
	Monthly   []model.MonthlyResult    `json:"monthly"`
	Darfs     []model.Darf             `json:"darfs"`
	Positions []model.Position         `json:"positions"`
	Report    Report                   `json:"report"`
}

// Compute runs the pipeline for one user without persisting anything.
func (e *Engine) Compute(ctx context.Context, userID string) (*Result, error) {
	ops, err := e.store.ListOperations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: list operations: %w", err)
	}
	assets, err := e.store.ListAssets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: list assets: %w", err)
	}
	events, err := e.store.ListCorporateEvents(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: list corporate events: %w", err)
	}

	known := make(map[string]bool, len(assets))
	for _, a := range assets {
		known[a.Ticker] = true
	}
	eventsByTicker := make(map[string][]model.CorporateEvent)
	for _, ev := range events {
		eventsByTicker[ev.Ticker] = append(eventsByTicker[ev.Ticker], ev)
	}

	result := &Result{UserID: userID}

	// --- Validation: reject single operations, never the whole run ---
	valid := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		if reason := validateOperation(op, known); reason != "" {
			slog.Warn("operation rejected",
				"user", userID, "operation_id", op.ID, "ticker", op.Ticker, "reason", reason)
			result.Report.RejectedOperations = append(result.Report.RejectedOperations,
				Rejected{Operation: op, Reason: reason})
			continue
		}
		op.Ticker = ticker.Normalize(op.Ticker)
		op.Date = normalizeDate(op.Date)
		valid = append(valid, op)
	}

	// --- Corporate-event adjustment (pure, before the ledger) ---
	adjusted, skips := adjust.ApplyAll(valid, eventsByTicker)
	result.Report.SkippedEvents = skips

	// --- Ledger replay in (date, insertion-order) order ---
	sort.SliceStable(adjusted, func(i, j int) bool {
		if !adjusted[i].Date.Equal(adjusted[j].Date) {
			return adjusted[i].Date.Before(adjusted[j].Date)
		}
		return adjusted[i].Seq < adjusted[j].Seq
	})

	book := ledger.NewBook()
	for _, closing := range replay(book, adjusted) {
		if err := ledger.Validate(closing); err != nil {
			slog.Warn("closing operation discarded",
				"user", userID, "ticker", closing.Ticker, "reason", err.Error())
			result.Report.DiscardedClosings = append(result.Report.DiscardedClosings,
				Discarded{Closing: closing, Reason: err.Error()})
			continue
		}
		closing.ID = uuid.NewString()
		closing.UserID = userID
		result.Closings = append(result.Closings, closing)
	}
	result.Positions = book.Positions()

	// --- Monthly aggregation; invariant violations fail the whole run ---
	monthly, darfs, err := tax.Aggregate(userID, result.Closings)
	if err != nil {
		return nil, fmt.Errorf("engine: aggregate: %w", err)
	}
	for i := range monthly {
		monthly[i].ID = uuid.NewString()
	}
	for i := range darfs {
		darfs[i].ID = uuid.NewString()
	}
	result.Monthly = monthly
	result.Darfs = darfs

	return result, nil
}

// Recompute runs Compute and replaces the user's derived state. On any
// error the previous derived state is left untouched.
func (e *Engine) Recompute(ctx context.Context, userID string) (*Result, error) {
	result, err := e.Compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceDerived(ctx, userID, result.Closings, result.Monthly, result.Darfs); err != nil {
		return nil, fmt.Errorf("engine: replace derived state: %w", err)
	}

	slog.Info("recompute finished",
		"user", userID,
		"closings", len(result.Closings),
		"months", len(result.Monthly),
		"darfs", len(result.Darfs),
		"rejected", len(result.Report.RejectedOperations),
	)
	return result, nil
}

// replay groups adjusted operations into per-(date, ticker) batches and
// feeds them through the book in order. Batches keep the first-appearance
// ticker order within a day so output is deterministic.
func replay(book *ledger.Book, adjusted []model.Operation) []model.ClosingOperation {
	var closings []model.ClosingOperation

	var (
		currentDate time.Time
		batches     map[string]*ledger.DayBatch
		order       []string
	)
	flush := func() {
		for _, t := range order {
			closings = append(closings, book.ApplyDay(batches[t])...)
		}
		batches, order = nil, nil
	}

	for _, op := range adjusted {
		if batches == nil || !op.Date.Equal(currentDate) {
			flush()
			currentDate = op.Date
			batches = make(map[string]*ledger.DayBatch)
		}
		b, ok := batches[op.Ticker]
		if !ok {
			b = ledger.NewDayBatch(op.Date, op.Ticker)
			batches[op.Ticker] = b
			order = append(order, op.Ticker)
		}
		b.Add(op)
	}
	flush()

	return closings
}

// validateOperation returns a non-empty rejection reason for invalid input.
func validateOperation(op model.Operation, known map[string]bool) string {
	if op.Side != model.SideBuy && op.Side != model.SideSell {
		return fmt.Sprintf("unparseable operation side %q", op.Side)
	}
	if !op.Quantity.IsPositive() {
		return fmt.Sprintf("non-positive quantity %s", op.Quantity)
	}
	if !op.Price.IsPositive() {
		return fmt.Sprintf("non-positive price %s", op.Price)
	}
	if op.Fees.IsNegative() {
		return fmt.Sprintf("negative fees %s", op.Fees)
	}
	if !ticker.Valid(op.Ticker) {
		return fmt.Sprintf("invalid ticker %q", op.Ticker)
	}
	if !known[ticker.Normalize(op.Ticker)] {
		return fmt.Sprintf("unknown ticker %q", op.Ticker)
	}
	if op.Date.IsZero() {
		return "missing date"
	}
	return ""
}

func normalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
