// Package ledger maintains the per-ticker long/short inventory with
// weighted-average cost and turns inventory reductions into closing
// (realized gain/loss) operations.
//
// Operations are consumed one trading day at a time: a DayBatch aggregates
// all of a ticker's tickets for one date, and ApplyDay splits them into
// historical swing closes, day-trade nets and inventory extensions. The
// classifier needs the ledger's pre-day state, which is why both live here.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/irbolsa/tax-engine/internal/model"
)

var (
	// ErrMalformedClosing is returned by Validate for closing records that
	// must be discarded rather than aggregated.
	ErrMalformedClosing = errors.New("ledger: malformed closing operation")
)

// resultEpsilon bounds the allowed drift between a closing's stored result
// and quantity × (sell − buy) before the record is considered corrupt.
var resultEpsilon = decimal.New(1, -6) // 0.000001

// Position is the running inventory of one ticker. Quantities are kept as
// two non-negative sides; they are never both positive (a buy covers any
// short before extending the long, a sell reduces any long before opening
// a short).
type Position struct {
	Ticker        string
	LongQty       decimal.Decimal
	LongCost      decimal.Decimal // fee-inclusive cost basis
	ShortQty      decimal.Decimal
	ShortProceeds decimal.Decimal // fee-net proceeds basis
	OpenedAt      time.Time       // date the current position was opened
}

// LongAvg is the weighted-average cost of the long side; exactly 0 when flat.
func (p *Position) LongAvg() decimal.Decimal {
	if p.LongQty.IsZero() {
		return decimal.Zero
	}
	return p.LongCost.Div(p.LongQty)
}

// ShortAvg is the weighted-average (fee-net) sale price of the short side;
// exactly 0 when no short is open.
func (p *Position) ShortAvg() decimal.Decimal {
	if p.ShortQty.IsZero() {
		return decimal.Zero
	}
	return p.ShortProceeds.Div(p.ShortQty)
}

func (p *Position) flat() bool {
	return p.LongQty.IsZero() && p.ShortQty.IsZero()
}

func (p *Position) extendLong(qty, avg decimal.Decimal, date time.Time) {
	if p.flat() {
		p.OpenedAt = date
	}
	p.LongCost = p.LongCost.Add(qty.Mul(avg))
	p.LongQty = p.LongQty.Add(qty)
}

func (p *Position) extendShort(qty, avg decimal.Decimal, date time.Time) {
	if p.flat() {
		p.OpenedAt = date
	}
	p.ShortProceeds = p.ShortProceeds.Add(qty.Mul(avg))
	p.ShortQty = p.ShortQty.Add(qty)
}

// reduceLong removes qty shares at the current weighted-average cost.
// When the side reaches exactly zero its basis resets to 0 so no floating
// residue leaks into later averages.
func (p *Position) reduceLong(qty decimal.Decimal) {
	avg := p.LongAvg()
	p.LongQty = p.LongQty.Sub(qty)
	if p.LongQty.IsZero() {
		p.LongCost = decimal.Zero
	} else {
		p.LongCost = p.LongCost.Sub(qty.Mul(avg))
	}
	if p.flat() {
		p.OpenedAt = time.Time{}
	}
}

func (p *Position) reduceShort(qty decimal.Decimal) {
	avg := p.ShortAvg()
	p.ShortQty = p.ShortQty.Sub(qty)
	if p.ShortQty.IsZero() {
		p.ShortProceeds = decimal.Zero
	} else {
		p.ShortProceeds = p.ShortProceeds.Sub(qty.Mul(avg))
	}
	if p.flat() {
		p.OpenedAt = time.Time{}
	}
}

// Snapshot copies the position into its exported model form.
func (p *Position) Snapshot() model.Position {
	return model.Position{
		Ticker:        p.Ticker,
		LongQty:       p.LongQty,
		LongCost:      p.LongCost,
		LongAvg:       p.LongAvg(),
		ShortQty:      p.ShortQty,
		ShortProceeds: p.ShortProceeds,
		ShortAvg:      p.ShortAvg(),
		OpenedAt:      p.OpenedAt,
	}
}

// Book holds one Position per ticker for a single ledger run.
type Book struct {
	positions map[string]*Position
	order     []string // first-touch order, for deterministic output
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// position is the lookup-or-create accessor.
func (b *Book) position(ticker string) *Position {
	p, ok := b.positions[ticker]
	if !ok {
		p = &Position{Ticker: ticker}
		b.positions[ticker] = p
		b.order = append(b.order, ticker)
	}
	return p
}

// Position returns a snapshot of one ticker's inventory.
func (b *Book) Position(ticker string) (model.Position, bool) {
	p, ok := b.positions[ticker]
	if !ok {
		return model.Position{}, false
	}
	return p.Snapshot(), true
}

// Positions returns snapshots of every touched ticker in first-touch order.
func (b *Book) Positions() []model.Position {
	out := make([]model.Position, 0, len(b.order))
	for _, ticker := range b.order {
		out = append(out, b.positions[ticker].Snapshot())
	}
	return out
}

// DayBatch aggregates one ticker's adjusted operations for one trading day.
type DayBatch struct {
	Date   time.Time
	Ticker string

	BuyQty   decimal.Decimal
	BuyValue decimal.Decimal // Σ qty × price
	BuyFees  decimal.Decimal

	SellQty   decimal.Decimal
	SellValue decimal.Decimal
	SellFees  decimal.Decimal
}

// NewDayBatch starts an empty batch for one (date, ticker) group.
func NewDayBatch(date time.Time, ticker string) *DayBatch {
	return &DayBatch{Date: date, Ticker: ticker}
}

// Add accumulates one adjusted operation into the batch.
func (db *DayBatch) Add(op model.Operation) {
	value := op.Quantity.Mul(op.Price)
	switch op.Side {
	case model.SideBuy:
		db.BuyQty = db.BuyQty.Add(op.Quantity)
		db.BuyValue = db.BuyValue.Add(value)
		db.BuyFees = db.BuyFees.Add(op.Fees)
	case model.SideSell:
		db.SellQty = db.SellQty.Add(op.Quantity)
		db.SellValue = db.SellValue.Add(value)
		db.SellFees = db.SellFees.Add(op.Fees)
	}
}

// BuyAvg is the fee-inclusive volume-weighted average buy price of the day.
// Allocating the day-trade portion proportionally across tickets (value and
// fees alike) makes every sub-allocation of the day's buys carry this same
// average, so it is computed once here.
func (db *DayBatch) BuyAvg() decimal.Decimal {
	if db.BuyQty.IsZero() {
		return decimal.Zero
	}
	return db.BuyValue.Add(db.BuyFees).Div(db.BuyQty)
}

// SellAvg is the fee-net volume-weighted average sell price of the day.
func (db *DayBatch) SellAvg() decimal.Decimal {
	if db.SellQty.IsZero() {
		return decimal.Zero
	}
	return db.SellValue.Sub(db.SellFees).Div(db.SellQty)
}

// ApplyDay runs the day/swing classification for one batch and mutates the
// book accordingly. Allocation order is the correctness rule:
//
//  1. sells close the pre-day long first (historical swing, at the long's
//     weighted-average cost),
//  2. buys cover the pre-day short first (historical swing),
//  3. the remainders net against each other as day-trade,
//  4. leftover buys extend the long, leftover sells open/extend the short.
//
// A unit of quantity is therefore never counted in both a day-trade and a
// swing-trade closing. Same-day swing and day-trade closings are emitted as
// separate records.
func (b *Book) ApplyDay(batch *DayBatch) []model.ClosingOperation {
	pos := b.position(batch.Ticker)

	preLongQty := pos.LongQty
	preLongAvg := pos.LongAvg()
	preShortQty := pos.ShortQty
	preShortAvg := pos.ShortAvg()
	preOpenedAt := pos.OpenedAt

	buyAvg := batch.BuyAvg()
	sellAvg := batch.SellAvg()

	swingSell := decimal.Min(preLongQty, batch.SellQty)
	swingBuy := decimal.Min(preShortQty, batch.BuyQty)
	dayQty := decimal.Min(batch.BuyQty.Sub(swingBuy), batch.SellQty.Sub(swingSell))

	var closings []model.ClosingOperation

	if swingSell.IsPositive() {
		pos.reduceLong(swingSell)
		closings = append(closings, model.ClosingOperation{
			Ticker:    batch.Ticker,
			OpenDate:  preOpenedAt,
			CloseDate: batch.Date,
			Quantity:  swingSell,
			BuyAvg:    preLongAvg,
			SellAvg:   sellAvg,
			Result:    swingSell.Mul(sellAvg.Sub(preLongAvg)),
			DayTrade:  false,
		})
	}

	if swingBuy.IsPositive() {
		pos.reduceShort(swingBuy)
		closings = append(closings, model.ClosingOperation{
			Ticker:    batch.Ticker,
			OpenDate:  preOpenedAt,
			CloseDate: batch.Date,
			Quantity:  swingBuy,
			BuyAvg:    buyAvg,
			SellAvg:   preShortAvg,
			Result:    swingBuy.Mul(preShortAvg.Sub(buyAvg)),
			DayTrade:  false,
		})
	}

	if dayQty.IsPositive() {
		closings = append(closings, model.ClosingOperation{
			Ticker:    batch.Ticker,
			OpenDate:  batch.Date,
			CloseDate: batch.Date,
			Quantity:  dayQty,
			BuyAvg:    buyAvg,
			SellAvg:   sellAvg,
			Result:    dayQty.Mul(sellAvg.Sub(buyAvg)),
			DayTrade:  true,
		})
	}

	if leftoverBuy := batch.BuyQty.Sub(swingBuy).Sub(dayQty); leftoverBuy.IsPositive() {
		pos.extendLong(leftoverBuy, buyAvg, batch.Date)
	}
	if leftoverSell := batch.SellQty.Sub(swingSell).Sub(dayQty); leftoverSell.IsPositive() {
		pos.extendShort(leftoverSell, sellAvg, batch.Date)
	}

	return closings
}

// Validate rejects malformed closing records so they never corrupt monthly
// totals: non-positive quantity or averages, or a stored result inconsistent
// with quantity × (sell − buy) beyond a small epsilon.
func Validate(c model.ClosingOperation) error {
	if !c.Quantity.IsPositive() {
		return fmt.Errorf("%w: non-positive quantity %s", ErrMalformedClosing, c.Quantity)
	}
	if !c.BuyAvg.IsPositive() || !c.SellAvg.IsPositive() {
		return fmt.Errorf("%w: non-positive averages buy=%s sell=%s", ErrMalformedClosing, c.BuyAvg, c.SellAvg)
	}
	expected := c.Quantity.Mul(c.SellAvg.Sub(c.BuyAvg))
	if c.Result.Sub(expected).Abs().GreaterThan(resultEpsilon) {
		return fmt.Errorf("%w: result %s does not match qty×(sell−buy)=%s", ErrMalformedClosing, c.Result, expected)
	}
	return nil
}
