// Package model defines the core domain types shared across the tax engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an operation.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// EventKind classifies a corporate event.
type EventKind string

const (
	// EventSplit covers both desdobramento (split) and grupamento (inplit);
	// the direction is encoded in the N:D ratio.
	EventSplit EventKind = "split"
	// EventBonus is a bonificação (bonus share issue).
	EventBonus EventKind = "bonus"
	// EventOther is recorded but has no quantity/price effect.
	EventOther EventKind = "other"
)

// Trade modes used for monthly taxation.
const (
	ModeSwing = "swing"
	ModeDay   = "day"
)

// Asset is an entry in the user's ticker directory. Operations referencing
// a ticker with no Asset are rejected as unknown.
type Asset struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Ticker    string    `json:"ticker" db:"ticker"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Operation is a single buy or sell ticket, durable input to every recompute.
// Adjusted copies are derived from it; the original is never mutated.
// Schema: {ticker, date, side, quantity, unit price, fees}
type Operation struct {
	ID       string          `json:"id" db:"id"`
	UserID   string          `json:"user_id" db:"user_id"`
	Ticker   string          `json:"ticker" db:"ticker"`
	Date     time.Time       `json:"date" db:"date"` // trade date, UTC midnight
	Side     Side            `json:"side" db:"side"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"` // > 0
	Price    decimal.Decimal `json:"price" db:"price"`       // unit price, > 0
	Fees     decimal.Decimal `json:"fees" db:"fees"`         // >= 0
	// Seq preserves insertion order among operations on the same date.
	Seq       int64     `json:"seq" db:"seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CorporateEvent adjusts every operation of its asset dated strictly before
// ExDate. Ratio is "N:D" (e.g. "1:2" for a 1→2 split, "1:10" for a 10% bonus).
type CorporateEvent struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	AssetID   string    `json:"asset_id" db:"asset_id"`
	Ticker    string    `json:"ticker" db:"ticker"`
	Kind      EventKind `json:"kind" db:"kind"`
	ExDate    time.Time `json:"ex_date" db:"ex_date"`
	Ratio     string    `json:"ratio" db:"ratio"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Position is the per-ticker inventory snapshot produced by a ledger run.
// Long and short quantities are never both positive; avg prices are exactly
// zero when the corresponding quantity is zero.
type Position struct {
	Ticker        string          `json:"ticker"`
	LongQty       decimal.Decimal `json:"long_qty"`
	LongCost      decimal.Decimal `json:"long_cost"` // fee-inclusive cost basis
	LongAvg       decimal.Decimal `json:"long_avg"`
	ShortQty      decimal.Decimal `json:"short_qty"`
	ShortProceeds decimal.Decimal `json:"short_proceeds"` // fee-net proceeds basis
	ShortAvg      decimal.Decimal `json:"short_avg"`
	// OpenedAt is the date the current position was first opened (informational).
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// ClosingOperation is a realized gain/loss event: emitted whenever inventory
// is reduced (long sold down, short covered) or a day-trade nets out.
// Result = Quantity × (SellAvg − BuyAvg).
type ClosingOperation struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Ticker    string          `json:"ticker" db:"ticker"`
	OpenDate  time.Time       `json:"open_date" db:"open_date"` // informational
	CloseDate time.Time       `json:"close_date" db:"close_date"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"` // > 0
	BuyAvg    decimal.Decimal `json:"buy_avg" db:"buy_avg"`
	SellAvg   decimal.Decimal `json:"sell_avg" db:"sell_avg"`
	Result    decimal.Decimal `json:"result" db:"result"`
	DayTrade  bool            `json:"day_trade" db:"day_trade"`
}

// GrossSale returns the sale value realized by this closing operation,
// the base for the swing-trade exemption and the 0.005% IRRF.
func (c ClosingOperation) GrossSale() decimal.Decimal {
	return c.Quantity.Mul(c.SellAvg)
}

// Month returns the competência month ("YYYY-MM") of the close date.
func (c ClosingOperation) Month() string {
	return c.CloseDate.Format("2006-01")
}

// ModeResult is the per-mode (swing or day-trade) slice of a MonthlyResult.
type ModeResult struct {
	GrossSales  decimal.Decimal `json:"gross_sales" db:"gross_sales"`
	CostBasis   decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	NetResult   decimal.Decimal `json:"net_result" db:"net_result"`
	LossCarried decimal.Decimal `json:"loss_carried" db:"loss_carried"` // carry entering the month
	TaxBase     decimal.Decimal `json:"tax_base" db:"tax_base"`         // after compensation
	TaxDue      decimal.Decimal `json:"tax_due" db:"tax_due"`
	Withheld    decimal.Decimal `json:"withheld" db:"withheld"` // IRRF credit
	TaxPayable  decimal.Decimal `json:"tax_payable" db:"tax_payable"`
	Exempt      bool            `json:"exempt" db:"exempt"` // swing only
}

// MonthlyResult is the tax outcome of one competência month. One record per
// (user, month); fully overwritten on each recompute.
type MonthlyResult struct {
	ID     string     `json:"id" db:"id"`
	UserID string     `json:"user_id" db:"user_id"`
	Month  string     `json:"month" db:"month"` // "YYYY-MM"
	Swing  ModeResult `json:"swing"`
	Day    ModeResult `json:"day"`
}

// Darf is a payable-tax slip, issued per mode only when the month's payable
// tax reaches the R$10 minimum. DueDate is the last business day of the
// month following the competência month.
type Darf struct {
	ID      string          `json:"id" db:"id"`
	UserID  string          `json:"user_id" db:"user_id"`
	Month   string          `json:"month" db:"month"`
	Mode    string          `json:"mode" db:"mode"` // "swing" or "day"
	Amount  decimal.Decimal `json:"amount" db:"amount"`
	DueDate time.Time       `json:"due_date" db:"due_date"`
}
