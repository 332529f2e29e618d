// Package tax aggregates closing operations into monthly results following
// Brazilian equity-market rules: the R$20,000 swing-trade exemption, loss
// carryforward per mode, IRRF withholding credit and DARF emission.
//
// All monetary values use shopspring/decimal — never float64 for money.
package tax

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irbolsa/tax-engine/internal/model"
)

var (
	// SwingExemptionLimit is the monthly gross-sales ceiling under which
	// swing-trade gains are exempt.
	SwingExemptionLimit = decimal.NewFromInt(20000)

	// DarfMinimum is the smallest payable amount for which a DARF is issued.
	DarfMinimum = decimal.NewFromInt(10)

	swingRate = decimal.NewFromFloat(0.15)
	dayRate   = decimal.NewFromFloat(0.20)

	// swingIRRFRate is withheld on gross sale value (0.005%).
	swingIRRFRate = decimal.NewFromFloat(0.00005)
	// dayIRRFRate is withheld on each positive day-trade result (1%).
	dayIRRFRate = decimal.NewFromFloat(0.01)
)

// Invariant violations. These indicate a bug, not bad input: the whole
// recompute fails rather than producing a wrong tax figure.
var (
	ErrNegativeCarry    = errors.New("tax: loss carry went negative")
	ErrTaxOnExemptMonth = errors.New("tax: tax due on an exempt month")
)

// Context carries the loss-carryforward state threaded through the monthly
// loop. It is mutated only by Aggregate, in month order, never read from
// global state.
type Context struct {
	LossCarrySwing decimal.Decimal
	LossCarryDay   decimal.Decimal
}

// Aggregate groups closing operations by competência month (ascending) and
// computes one MonthlyResult per month plus the DARFs that clear the R$10
// minimum. Closings must already be validated.
func Aggregate(userID string, closings []model.ClosingOperation) ([]model.MonthlyResult, []model.Darf, error) {
	byMonth := make(map[string][]model.ClosingOperation)
	var months []string
	for _, c := range closings {
		month := c.Month()
		if _, seen := byMonth[month]; !seen {
			months = append(months, month)
		}
		byMonth[month] = append(byMonth[month], c)
	}
	// "YYYY-MM" sorts chronologically as a string.
	sort.Strings(months)

	taxCtx := Context{LossCarrySwing: decimal.Zero, LossCarryDay: decimal.Zero}

	var results []model.MonthlyResult
	var darfs []model.Darf
	for _, month := range months {
		var swing, day []model.ClosingOperation
		for _, c := range byMonth[month] {
			if c.DayTrade {
				day = append(day, c)
			} else {
				swing = append(swing, c)
			}
		}

		swingRes, err := computeSwing(swing, &taxCtx)
		if err != nil {
			return nil, nil, fmt.Errorf("month %s: %w", month, err)
		}
		dayRes, err := computeDay(day, &taxCtx)
		if err != nil {
			return nil, nil, fmt.Errorf("month %s: %w", month, err)
		}

		results = append(results, model.MonthlyResult{
			UserID: userID,
			Month:  month,
			Swing:  swingRes,
			Day:    dayRes,
		})

		due, err := DueDate(month)
		if err != nil {
			return nil, nil, err
		}
		if swingRes.TaxPayable.GreaterThanOrEqual(DarfMinimum) {
			darfs = append(darfs, model.Darf{
				UserID: userID, Month: month, Mode: model.ModeSwing,
				Amount: swingRes.TaxPayable, DueDate: due,
			})
		}
		if dayRes.TaxPayable.GreaterThanOrEqual(DarfMinimum) {
			darfs = append(darfs, model.Darf{
				UserID: userID, Month: month, Mode: model.ModeDay,
				Amount: dayRes.TaxPayable, DueDate: due,
			})
		}
	}

	return results, darfs, nil
}

func computeSwing(closings []model.ClosingOperation, taxCtx *Context) (model.ModeResult, error) {
	res := model.ModeResult{
		LossCarried: taxCtx.LossCarrySwing,
		TaxBase:     decimal.Zero,
		TaxDue:      decimal.Zero,
		TaxPayable:  decimal.Zero,
	}

	gross, cost, net, withheld := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, c := range closings {
		sale := c.GrossSale()
		gross = gross.Add(sale)
		cost = cost.Add(c.Quantity.Mul(c.BuyAvg))
		net = net.Add(c.Result)
		withheld = withheld.Add(sale.Mul(swingIRRFRate))
	}
	res.GrossSales = gross
	res.CostBasis = cost
	res.NetResult = net
	res.Withheld = withheld.Round(2)

	switch {
	case gross.LessThanOrEqual(SwingExemptionLimit):
		// Exempt month: gains are untaxed, but losses still accumulate.
		res.Exempt = true
		if net.IsNegative() {
			taxCtx.LossCarrySwing = taxCtx.LossCarrySwing.Add(net.Neg())
		}
	case net.IsPositive():
		compensated := decimal.Min(taxCtx.LossCarrySwing, net)
		taxCtx.LossCarrySwing = taxCtx.LossCarrySwing.Sub(compensated)
		res.TaxBase = net.Sub(compensated)
		res.TaxDue = res.TaxBase.Mul(swingRate).Round(2)
		res.TaxPayable = decimal.Max(decimal.Zero, res.TaxDue.Sub(res.Withheld))
	default:
		taxCtx.LossCarrySwing = taxCtx.LossCarrySwing.Add(net.Neg())
	}

	if taxCtx.LossCarrySwing.IsNegative() {
		return res, fmt.Errorf("%w: swing carry %s", ErrNegativeCarry, taxCtx.LossCarrySwing)
	}
	if res.Exempt && res.TaxDue.IsPositive() {
		return res, ErrTaxOnExemptMonth
	}
	return res, nil
}

func computeDay(closings []model.ClosingOperation, taxCtx *Context) (model.ModeResult, error) {
	res := model.ModeResult{
		LossCarried: taxCtx.LossCarryDay,
		TaxBase:     decimal.Zero,
		TaxDue:      decimal.Zero,
		TaxPayable:  decimal.Zero,
	}

	gross, cost, net, withheld := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, c := range closings {
		gross = gross.Add(c.GrossSale())
		cost = cost.Add(c.Quantity.Mul(c.BuyAvg))
		net = net.Add(c.Result)
		// IRRF applies to each operation's positive result only, never losses.
		if c.Result.IsPositive() {
			withheld = withheld.Add(c.Result.Mul(dayIRRFRate))
		}
	}
	res.GrossSales = gross
	res.CostBasis = cost
	res.NetResult = net
	res.Withheld = withheld.Round(2)

	if net.IsPositive() {
		compensated := decimal.Min(taxCtx.LossCarryDay, net)
		taxCtx.LossCarryDay = taxCtx.LossCarryDay.Sub(compensated)
		res.TaxBase = net.Sub(compensated)
		res.TaxDue = res.TaxBase.Mul(dayRate).Round(2)
		res.TaxPayable = decimal.Max(decimal.Zero, res.TaxDue.Sub(res.Withheld))
	} else {
		taxCtx.LossCarryDay = taxCtx.LossCarryDay.Add(net.Neg())
	}

	if taxCtx.LossCarryDay.IsNegative() {
		return res, fmt.Errorf("%w: day carry %s", ErrNegativeCarry, taxCtx.LossCarryDay)
	}
	return res, nil
}

// DueDate returns the DARF due date for a competência month: the last
// business day of the immediately following month, rolling backward over
// Saturdays and Sundays.
func DueDate(month string) (time.Time, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, fmt.Errorf("tax: invalid month %q: %w", month, err)
	}

	// First day of month+2, minus one day = last day of the following month.
	due := time.Date(t.Year(), t.Month()+2, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	for due.Weekday() == time.Saturday || due.Weekday() == time.Sunday {
		due = due.AddDate(0, 0, -1)
	}
	return due, nil
}
