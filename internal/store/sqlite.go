package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/irbolsa/tax-engine/internal/model"
)

// SQLiteStore implements Store over a local SQLite file. It is the default
// backend for single-investor deployments. Monetary values are stored as
// TEXT and round-tripped through decimal.NewFromString so no precision is
// lost; dates are stored as "YYYY-MM-DD" strings in UTC.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assets (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (user_id, ticker)
);

CREATE TABLE IF NOT EXISTS corporate_events (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	ex_date    TEXT NOT NULL,
	ratio      TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	date       TEXT NOT NULL,
	side       TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	price      TEXT NOT NULL,
	fees       TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS closing_operations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	open_date  TEXT NOT NULL,
	close_date TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	buy_avg    TEXT NOT NULL,
	sell_avg   TEXT NOT NULL,
	result     TEXT NOT NULL,
	day_trade  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS monthly_results (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	month              TEXT NOT NULL,
	swing_gross_sales  TEXT NOT NULL,
	swing_cost_basis   TEXT NOT NULL,
	swing_net_result   TEXT NOT NULL,
	swing_loss_carried TEXT NOT NULL,
	swing_tax_base     TEXT NOT NULL,
	swing_tax_due      TEXT NOT NULL,
	swing_withheld     TEXT NOT NULL,
	swing_tax_payable  TEXT NOT NULL,
	swing_exempt       INTEGER NOT NULL,
	day_gross_sales    TEXT NOT NULL,
	day_cost_basis     TEXT NOT NULL,
	day_net_result     TEXT NOT NULL,
	day_loss_carried   TEXT NOT NULL,
	day_tax_base       TEXT NOT NULL,
	day_tax_due        TEXT NOT NULL,
	day_withheld       TEXT NOT NULL,
	day_tax_payable    TEXT NOT NULL,
	UNIQUE (user_id, month)
);

CREATE TABLE IF NOT EXISTS darfs (
	id       TEXT PRIMARY KEY,
	user_id  TEXT NOT NULL,
	month    TEXT NOT NULL,
	mode     TEXT NOT NULL,
	amount   TEXT NOT NULL,
	due_date TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_user_date ON operations (user_id, date, seq);
CREATE INDEX IF NOT EXISTS idx_events_user ON corporate_events (user_id, ex_date);
CREATE INDEX IF NOT EXISTS idx_closings_user ON closing_operations (user_id, close_date);
`

// NewSQLiteStore opens (creating if needed) the SQLite file at path and
// bootstraps the schema. WAL mode is enabled for concurrent readers.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single write connection
	// avoids SQLITE_BUSY under concurrent recomputes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const dateLayout = "2006-01-02"

func fmtDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func parseDate(s string) time.Time {
	t, _ := time.ParseInLocation(dateLayout, s, time.UTC)
	return t
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// there is no portable errors.Is target across driver versions.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateAsset(ctx context.Context, asset *model.Asset) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, user_id, ticker, name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		asset.ID, asset.UserID, asset.Ticker, asset.Name, fmtTime(asset.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: asset %s", ErrDuplicate, asset.Ticker)
	}
	return err
}

func (s *SQLiteStore) GetAssetByTicker(ctx context.Context, userID, tick string) (*model.Asset, error) {
	var a model.Asset
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, ticker, name, created_at
		 FROM assets WHERE user_id = ? AND ticker = ?`, userID, tick).
		Scan(&a.ID, &a.UserID, &a.Ticker, &a.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, tick)
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

func (s *SQLiteStore) ListAssets(ctx context.Context, userID string) ([]model.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, ticker, name, created_at
		 FROM assets WHERE user_id = ? ORDER BY ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Ticker, &a.Name, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *SQLiteStore) CreateCorporateEvent(ctx context.Context, event *model.CorporateEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO corporate_events (id, user_id, asset_id, ticker, kind, ex_date, ratio, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.AssetID, event.Ticker,
		string(event.Kind), fmtDate(event.ExDate), event.Ratio, fmtTime(event.CreatedAt))
	return err
}

func (s *SQLiteStore) ListCorporateEvents(ctx context.Context, userID string) ([]model.CorporateEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, asset_id, ticker, kind, ex_date, ratio, created_at
		 FROM corporate_events WHERE user_id = ? ORDER BY ex_date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.CorporateEvent
	for rows.Next() {
		var ev model.CorporateEvent
		var kind, exDate, createdAt string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.AssetID, &ev.Ticker,
			&kind, &exDate, &ev.Ratio, &createdAt); err != nil {
			return nil, err
		}
		ev.Kind = model.EventKind(kind)
		ev.ExDate = parseDate(exDate)
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) InsertOperation(ctx context.Context, op *model.Operation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM operations`).Scan(&op.Seq); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operations (id, user_id, ticker, date, side, quantity, price, fees, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.UserID, op.Ticker, fmtDate(op.Date), string(op.Side),
		op.Quantity.String(), op.Price.String(), op.Fees.String(),
		op.Seq, fmtTime(op.CreatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateOperation(ctx context.Context, op *model.Operation) error {
	// seq and created_at are immutable across edits.
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations
		 SET ticker = ?, date = ?, side = ?, quantity = ?, price = ?, fees = ?
		 WHERE user_id = ? AND id = ?`,
		op.Ticker, fmtDate(op.Date), string(op.Side),
		op.Quantity.String(), op.Price.String(), op.Fees.String(),
		op.UserID, op.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, op.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteOperation(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) ListOperations(ctx context.Context, userID string) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, ticker, date, side, quantity, price, fees, seq, created_at
		 FROM operations WHERE user_id = ? ORDER BY date, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var date, side, qty, price, fees, createdAt string
		if err := rows.Scan(&op.ID, &op.UserID, &op.Ticker, &date, &side,
			&qty, &price, &fees, &op.Seq, &createdAt); err != nil {
			return nil, err
		}
		op.Date = parseDate(date)
		op.Side = model.Side(side)
		op.Quantity = mustDecimal(qty)
		op.Price = mustDecimal(price)
		op.Fees = mustDecimal(fees)
		op.CreatedAt = parseTime(createdAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ReplaceDerived wipes and rebuilds the user's derived rows inside a single
// transaction, so readers never observe a half-replaced state.
func (s *SQLiteStore) ReplaceDerived(ctx context.Context, userID string, closings []model.ClosingOperation, monthly []model.MonthlyResult, darfs []model.Darf) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"closing_operations", "monthly_results", "darfs"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", table), userID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, c := range closings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO closing_operations
			 (id, user_id, ticker, open_date, close_date, quantity, buy_avg, sell_avg, result, day_trade)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, userID, c.Ticker, fmtDate(c.OpenDate), fmtDate(c.CloseDate),
			c.Quantity.String(), c.BuyAvg.String(), c.SellAvg.String(),
			c.Result.String(), boolInt(c.DayTrade)); err != nil {
			return fmt.Errorf("insert closing: %w", err)
		}
	}

	for _, m := range monthly {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO monthly_results
			 (id, user_id, month,
			  swing_gross_sales, swing_cost_basis, swing_net_result, swing_loss_carried,
			  swing_tax_base, swing_tax_due, swing_withheld, swing_tax_payable, swing_exempt,
			  day_gross_sales, day_cost_basis, day_net_result, day_loss_carried,
			  day_tax_base, day_tax_due, day_withheld, day_tax_payable)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, userID, m.Month,
			m.Swing.GrossSales.String(), m.Swing.CostBasis.String(),
			m.Swing.NetResult.String(), m.Swing.LossCarried.String(),
			m.Swing.TaxBase.String(), m.Swing.TaxDue.String(),
			m.Swing.Withheld.String(), m.Swing.TaxPayable.String(), boolInt(m.Swing.Exempt),
			m.Day.GrossSales.String(), m.Day.CostBasis.String(),
			m.Day.NetResult.String(), m.Day.LossCarried.String(),
			m.Day.TaxBase.String(), m.Day.TaxDue.String(),
			m.Day.Withheld.String(), m.Day.TaxPayable.String()); err != nil {
			return fmt.Errorf("insert monthly result: %w", err)
		}
	}

	for _, da := range darfs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO darfs (id, user_id, month, mode, amount, due_date)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			da.ID, userID, da.Month, da.Mode, da.Amount.String(), fmtDate(da.DueDate)); err != nil {
			return fmt.Errorf("insert darf: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListClosingOperations(ctx context.Context, userID string) ([]model.ClosingOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, ticker, open_date, close_date, quantity, buy_avg, sell_avg, result, day_trade
		 FROM closing_operations WHERE user_id = ? ORDER BY close_date, ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closings []model.ClosingOperation
	for rows.Next() {
		var c model.ClosingOperation
		var openDate, closeDate, qty, buyAvg, sellAvg, result string
		var dayTrade int
		if err := rows.Scan(&c.ID, &c.UserID, &c.Ticker, &openDate, &closeDate,
			&qty, &buyAvg, &sellAvg, &result, &dayTrade); err != nil {
			return nil, err
		}
		c.OpenDate = parseDate(openDate)
		c.CloseDate = parseDate(closeDate)
		c.Quantity = mustDecimal(qty)
		c.BuyAvg = mustDecimal(buyAvg)
		c.SellAvg = mustDecimal(sellAvg)
		c.Result = mustDecimal(result)
		c.DayTrade = dayTrade != 0
		closings = append(closings, c)
	}
	return closings, rows.Err()
}

func (s *SQLiteStore) ListMonthlyResults(ctx context.Context, userID string) ([]model.MonthlyResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, month,
		        swing_gross_sales, swing_cost_basis, swing_net_result, swing_loss_carried,
		        swing_tax_base, swing_tax_due, swing_withheld, swing_tax_payable, swing_exempt,
		        day_gross_sales, day_cost_basis, day_net_result, day_loss_carried,
		        day_tax_base, day_tax_due, day_withheld, day_tax_payable
		 FROM monthly_results WHERE user_id = ? ORDER BY month`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.MonthlyResult
	for rows.Next() {
		var m model.MonthlyResult
		var sg, sc, sn, sl, sb, sd, sw, sp string
		var dg, dc, dn, dl, db, dd, dw, dp string
		var exempt int
		if err := rows.Scan(&m.ID, &m.UserID, &m.Month,
			&sg, &sc, &sn, &sl, &sb, &sd, &sw, &sp, &exempt,
			&dg, &dc, &dn, &dl, &db, &dd, &dw, &dp); err != nil {
			return nil, err
		}
		m.Swing = model.ModeResult{
			GrossSales: mustDecimal(sg), CostBasis: mustDecimal(sc),
			NetResult: mustDecimal(sn), LossCarried: mustDecimal(sl),
			TaxBase: mustDecimal(sb), TaxDue: mustDecimal(sd),
			Withheld: mustDecimal(sw), TaxPayable: mustDecimal(sp),
			Exempt: exempt != 0,
		}
		m.Day = model.ModeResult{
			GrossSales: mustDecimal(dg), CostBasis: mustDecimal(dc),
			NetResult: mustDecimal(dn), LossCarried: mustDecimal(dl),
			TaxBase: mustDecimal(db), TaxDue: mustDecimal(dd),
			Withheld: mustDecimal(dw), TaxPayable: mustDecimal(dp),
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) ListDarfs(ctx context.Context, userID string) ([]model.Darf, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, month, mode, amount, due_date
		 FROM darfs WHERE user_id = ? ORDER BY month, mode`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var darfs []model.Darf
	for rows.Next() {
		var da model.Darf
		var amount, dueDate string
		if err := rows.Scan(&da.ID, &da.UserID, &da.Month, &da.Mode, &amount, &dueDate); err != nil {
			return nil, err
		}
		da.Amount = mustDecimal(amount)
		da.DueDate = parseDate(dueDate)
		darfs = append(darfs, da)
	}
	return darfs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
