// Package adjust rewrites historical operation quantity/price to reflect
// corporate events (splits, inplits, bonus issues) with an ex-date after the
// operation date. Adjustment is pure: the input operation is never mutated.
package adjust

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/irbolsa/tax-engine/internal/model"
)

var (
	// ErrInvalidRatio is returned for ratios that are not "N:D" with
	// positive numeric components.
	ErrInvalidRatio = errors.New("adjust: invalid event ratio")
)

// Skip records a corporate event whose adjustment could not be applied.
// The operation keeps its previous quantity/price for that event.
type Skip struct {
	EventID     string `json:"event_id"`
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

// ParseRatio parses an "N:D" ratio string into its two components.
// Both components must be positive.
func ParseRatio(ratio string) (n, d decimal.Decimal, err error) {
	parts := strings.Split(strings.TrimSpace(ratio), ":")
	if len(parts) != 2 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidRatio, ratio)
	}
	n, err = decimal.NewFromString(strings.TrimSpace(parts[0]))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidRatio, ratio)
	}
	d, err = decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidRatio, ratio)
	}
	if n.LessThanOrEqual(decimal.Zero) || d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %q (components must be positive)", ErrInvalidRatio, ratio)
	}
	return n, d, nil
}

// Apply returns a copy of op adjusted for every event whose ex-date is
// strictly after the operation date. Events compose in ex-date order, each
// recomputed against the already-adjusted quantity/price. Events that cannot
// be applied (bad ratio, zero factor) are skipped with a warning.
func Apply(op model.Operation, events []model.CorporateEvent) (model.Operation, []Skip) {
	if len(events) == 0 {
		return op, nil
	}

	sorted := make([]model.CorporateEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExDate.Before(sorted[j].ExDate)
	})

	adjusted := op
	var skips []Skip
	for _, ev := range sorted {
		if !adjusted.Date.Before(ev.ExDate) {
			continue
		}

		var err error
		switch ev.Kind {
		case model.EventSplit:
			adjusted, err = applySplit(adjusted, ev)
		case model.EventBonus:
			adjusted, err = applyBonus(adjusted, ev)
		case model.EventOther:
			// Recorded for audit only; no quantity/price effect.
		default:
			err = fmt.Errorf("adjust: unknown event kind %q", ev.Kind)
		}
		if err != nil {
			slog.Warn("corporate event skipped",
				"event_id", ev.ID,
				"operation_id", op.ID,
				"ticker", ev.Ticker,
				"kind", string(ev.Kind),
				"reason", err.Error(),
			)
			skips = append(skips, Skip{EventID: ev.ID, OperationID: op.ID, Reason: err.Error()})
		}
	}
	return adjusted, skips
}

// ApplyAll adjusts every operation against its ticker's events. The input
// slice is not modified; order and length are preserved.
func ApplyAll(ops []model.Operation, eventsByTicker map[string][]model.CorporateEvent) ([]model.Operation, []Skip) {
	adjusted := make([]model.Operation, 0, len(ops))
	var skips []Skip
	for _, op := range ops {
		a, s := Apply(op, eventsByTicker[op.Ticker])
		adjusted = append(adjusted, a)
		skips = append(skips, s...)
	}
	return adjusted, skips
}

// applySplit handles splits and inplits. For a ratio N:D the adjustment
// factor is D/N: quantity is multiplied by it (rounded to the nearest whole
// share) and price divided by it. Factor 1 is a no-op.
func applySplit(op model.Operation, ev model.CorporateEvent) (model.Operation, error) {
	n, d, err := ParseRatio(ev.Ratio)
	if err != nil {
		return op, err
	}

	factor := d.Div(n)
	if factor.IsZero() {
		return op, fmt.Errorf("adjust: zero split factor for ratio %q", ev.Ratio)
	}
	if factor.Equal(decimal.NewFromInt(1)) {
		return op, nil
	}

	op.Quantity = op.Quantity.Mul(factor).Round(0)
	op.Price = op.Price.Div(factor)
	return op, nil
}

// applyBonus handles bonus share issues. The holder receives N extra shares
// per D held; cost is conserved, diluted over the new total.
func applyBonus(op model.Operation, ev model.CorporateEvent) (model.Operation, error) {
	n, d, err := ParseRatio(ev.Ratio)
	if err != nil {
		return op, err
	}

	bonus := op.Quantity.Mul(n).Div(d)
	newQty := op.Quantity.Add(bonus).Round(0)
	if newQty.IsZero() {
		// Nothing to dilute over; quantity stays zero-adjusted, price unchanged.
		op.Quantity = newQty
		return op, nil
	}

	op.Price = op.Price.Mul(op.Quantity).Div(newQty)
	op.Quantity = newQty
	return op, nil
}
