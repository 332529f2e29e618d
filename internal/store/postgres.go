package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/irbolsa/tax-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL, for shared deployments.
// All monetary values are stored as NUMERIC for exact decimal precision and
// scanned through TEXT, never through float64.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS assets (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, ticker)
);

CREATE TABLE IF NOT EXISTS corporate_events (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	ex_date    DATE NOT NULL,
	ratio      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	date       DATE NOT NULL,
	side       TEXT NOT NULL,
	quantity   NUMERIC NOT NULL,
	price      NUMERIC NOT NULL,
	fees       NUMERIC NOT NULL,
	seq        BIGINT GENERATED ALWAYS AS IDENTITY,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS closing_operations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	ticker     TEXT NOT NULL,
	open_date  DATE NOT NULL,
	close_date DATE NOT NULL,
	quantity   NUMERIC NOT NULL,
	buy_avg    NUMERIC NOT NULL,
	sell_avg   NUMERIC NOT NULL,
	result     NUMERIC NOT NULL,
	day_trade  BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS monthly_results (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	month              TEXT NOT NULL,
	swing_gross_sales  NUMERIC NOT NULL,
	swing_cost_basis   NUMERIC NOT NULL,
	swing_net_result   NUMERIC NOT NULL,
	swing_loss_carried NUMERIC NOT NULL,
	swing_tax_base     NUMERIC NOT NULL,
	swing_tax_due      NUMERIC NOT NULL,
	swing_withheld     NUMERIC NOT NULL,
	swing_tax_payable  NUMERIC NOT NULL,
	swing_exempt       BOOLEAN NOT NULL,
	day_gross_sales    NUMERIC NOT NULL,
	day_cost_basis     NUMERIC NOT NULL,
	day_net_result     NUMERIC NOT NULL,
	day_loss_carried   NUMERIC NOT NULL,
	day_tax_base       NUMERIC NOT NULL,
	day_tax_due        NUMERIC NOT NULL,
	day_withheld       NUMERIC NOT NULL,
	day_tax_payable    NUMERIC NOT NULL,
	UNIQUE (user_id, month)
);

CREATE TABLE IF NOT EXISTS darfs (
	id       TEXT PRIMARY KEY,
	user_id  TEXT NOT NULL,
	month    TEXT NOT NULL,
	mode     TEXT NOT NULL,
	amount   NUMERIC NOT NULL,
	due_date DATE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_user_date ON operations (user_id, date, seq);
CREATE INDEX IF NOT EXISTS idx_events_user ON corporate_events (user_id, ex_date);
CREATE INDEX IF NOT EXISTS idx_closings_user ON closing_operations (user_id, close_date);
`

// Migrate bootstraps the schema. Safe to run on every startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateAsset(ctx context.Context, asset *model.Asset) error {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, user_id, ticker, name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		asset.ID, asset.UserID, asset.Ticker, asset.Name, asset.CreatedAt)
	if isPgUniqueViolation(err) {
		return fmt.Errorf("%w: asset %s", ErrDuplicate, asset.Ticker)
	}
	return err
}

func (s *PostgresStore) GetAssetByTicker(ctx context.Context, userID, tick string) (*model.Asset, error) {
	var a model.Asset
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, ticker, name, created_at
		 FROM assets WHERE user_id = $1 AND ticker = $2`, userID, tick).
		Scan(&a.ID, &a.UserID, &a.Ticker, &a.Name, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, tick)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, userID string) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, ticker, name, created_at
		 FROM assets WHERE user_id = $1 ORDER BY ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		if err := rows.Scan(&a.ID, &a.UserID, &a.Ticker, &a.Name, &a.CreatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) CreateCorporateEvent(ctx context.Context, event *model.CorporateEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO corporate_events (id, user_id, asset_id, ticker, kind, ex_date, ratio, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.UserID, event.AssetID, event.Ticker,
		string(event.Kind), event.ExDate, event.Ratio, event.CreatedAt)
	return err
}

func (s *PostgresStore) ListCorporateEvents(ctx context.Context, userID string) ([]model.CorporateEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset_id, ticker, kind, ex_date, ratio, created_at
		 FROM corporate_events WHERE user_id = $1 ORDER BY ex_date`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.CorporateEvent
	for rows.Next() {
		var ev model.CorporateEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.AssetID, &ev.Ticker,
			&kind, &ev.ExDate, &ev.Ratio, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = model.EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) InsertOperation(ctx context.Context, op *model.Operation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO operations (id, user_id, ticker, date, side, quantity, price, fees, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 RETURNING seq`,
		op.ID, op.UserID, op.Ticker, op.Date, string(op.Side),
		op.Quantity.String(), op.Price.String(), op.Fees.String(),
		op.CreatedAt).Scan(&op.Seq)
	return err
}

func (s *PostgresStore) UpdateOperation(ctx context.Context, op *model.Operation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE operations
		 SET ticker = $3, date = $4, side = $5,
		     quantity = $6::NUMERIC, price = $7::NUMERIC, fees = $8::NUMERIC
		 WHERE user_id = $1 AND id = $2`,
		op.UserID, op.ID, op.Ticker, op.Date, string(op.Side),
		op.Quantity.String(), op.Price.String(), op.Fees.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, op.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteOperation(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM operations WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ListOperations(ctx context.Context, userID string) ([]model.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, ticker, date, side,
		        quantity::TEXT, price::TEXT, fees::TEXT, seq, created_at
		 FROM operations WHERE user_id = $1 ORDER BY date, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var side, qty, price, fees string
		if err := rows.Scan(&op.ID, &op.UserID, &op.Ticker, &op.Date, &side,
			&qty, &price, &fees, &op.Seq, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.Side = model.Side(side)
		op.Quantity, _ = decimal.NewFromString(qty)
		op.Price, _ = decimal.NewFromString(price)
		op.Fees, _ = decimal.NewFromString(fees)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ReplaceDerived wipes and rebuilds the user's derived rows inside a single
// transaction.
func (s *PostgresStore) ReplaceDerived(ctx context.Context, userID string, closings []model.ClosingOperation, monthly []model.MonthlyResult, darfs []model.Darf) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"closing_operations", "monthly_results", "darfs"} {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", table), userID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, c := range closings {
		if _, err := tx.Exec(ctx,
			`INSERT INTO closing_operations
			 (id, user_id, ticker, open_date, close_date, quantity, buy_avg, sell_avg, result, day_trade)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			c.ID, userID, c.Ticker, c.OpenDate, c.CloseDate,
			c.Quantity.String(), c.BuyAvg.String(), c.SellAvg.String(),
			c.Result.String(), c.DayTrade); err != nil {
			return fmt.Errorf("insert closing: %w", err)
		}
	}

	for _, m := range monthly {
		if _, err := tx.Exec(ctx,
			`INSERT INTO monthly_results
			 (id, user_id, month,
			  swing_gross_sales, swing_cost_basis, swing_net_result, swing_loss_carried,
			  swing_tax_base, swing_tax_due, swing_withheld, swing_tax_payable, swing_exempt,
			  day_gross_sales, day_cost_basis, day_net_result, day_loss_carried,
			  day_tax_base, day_tax_due, day_withheld, day_tax_payable)
			 VALUES ($1, $2, $3,
			         $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
			         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12,
			         $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
			         $17::NUMERIC, $18::NUMERIC, $19::NUMERIC, $20::NUMERIC)`,
			m.ID, userID, m.Month,
			m.Swing.GrossSales.String(), m.Swing.CostBasis.String(),
			m.Swing.NetResult.String(), m.Swing.LossCarried.String(),
			m.Swing.TaxBase.String(), m.Swing.TaxDue.String(),
			m.Swing.Withheld.String(), m.Swing.TaxPayable.String(), m.Swing.Exempt,
			m.Day.GrossSales.String(), m.Day.CostBasis.String(),
			m.Day.NetResult.String(), m.Day.LossCarried.String(),
			m.Day.TaxBase.String(), m.Day.TaxDue.String(),
			m.Day.Withheld.String(), m.Day.TaxPayable.String()); err != nil {
			return fmt.Errorf("insert monthly result: %w", err)
		}
	}

	for _, da := range darfs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO darfs (id, user_id, month, mode, amount, due_date)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
			da.ID, userID, da.Month, da.Mode, da.Amount.String(), da.DueDate); err != nil {
			return fmt.Errorf("insert darf: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListClosingOperations(ctx context.Context, userID string) ([]model.ClosingOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, ticker, open_date, close_date,
		        quantity::TEXT, buy_avg::TEXT, sell_avg::TEXT, result::TEXT, day_trade
		 FROM closing_operations WHERE user_id = $1 ORDER BY close_date, ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closings []model.ClosingOperation
	for rows.Next() {
		var c model.ClosingOperation
		var qty, buyAvg, sellAvg, result string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Ticker, &c.OpenDate, &c.CloseDate,
			&qty, &buyAvg, &sellAvg, &result, &c.DayTrade); err != nil {
			return nil, err
		}
		c.Quantity, _ = decimal.NewFromString(qty)
		c.BuyAvg, _ = decimal.NewFromString(buyAvg)
		c.SellAvg, _ = decimal.NewFromString(sellAvg)
		c.Result, _ = decimal.NewFromString(result)
		closings = append(closings, c)
	}
	return closings, rows.Err()
}

func (s *PostgresStore) ListMonthlyResults(ctx context.Context, userID string) ([]model.MonthlyResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, month,
		        swing_gross_sales::TEXT, swing_cost_basis::TEXT, swing_net_result::TEXT, swing_loss_carried::TEXT,
		        swing_tax_base::TEXT, swing_tax_due::TEXT, swing_withheld::TEXT, swing_tax_payable::TEXT, swing_exempt,
		        day_gross_sales::TEXT, day_cost_basis::TEXT, day_net_result::TEXT, day_loss_carried::TEXT,
		        day_tax_base::TEXT, day_tax_due::TEXT, day_withheld::TEXT, day_tax_payable::TEXT
		 FROM monthly_results WHERE user_id = $1 ORDER BY month`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.MonthlyResult
	for rows.Next() {
		var m model.MonthlyResult
		var sg, sc, sn, sl, sb, sd, sw, sp string
		var dg, dc, dn, dl, db, dd, dw, dp string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Month,
			&sg, &sc, &sn, &sl, &sb, &sd, &sw, &sp, &m.Swing.Exempt,
			&dg, &dc, &dn, &dl, &db, &dd, &dw, &dp); err != nil {
			return nil, err
		}
		m.Swing.GrossSales, _ = decimal.NewFromString(sg)
		m.Swing.CostBasis, _ = decimal.NewFromString(sc)
		m.Swing.NetResult, _ = decimal.NewFromString(sn)
		m.Swing.LossCarried, _ = decimal.NewFromString(sl)
		m.Swing.TaxBase, _ = decimal.NewFromString(sb)
		m.Swing.TaxDue, _ = decimal.NewFromString(sd)
		m.Swing.Withheld, _ = decimal.NewFromString(sw)
		m.Swing.TaxPayable, _ = decimal.NewFromString(sp)
		m.Day.GrossSales, _ = decimal.NewFromString(dg)
		m.Day.CostBasis, _ = decimal.NewFromString(dc)
		m.Day.NetResult, _ = decimal.NewFromString(dn)
		m.Day.LossCarried, _ = decimal.NewFromString(dl)
		m.Day.TaxBase, _ = decimal.NewFromString(db)
		m.Day.TaxDue, _ = decimal.NewFromString(dd)
		m.Day.Withheld, _ = decimal.NewFromString(dw)
		m.Day.TaxPayable, _ = decimal.NewFromString(dp)
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *PostgresStore) ListDarfs(ctx context.Context, userID string) ([]model.Darf, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, month, mode, amount::TEXT, due_date
		 FROM darfs WHERE user_id = $1 ORDER BY month, mode`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var darfs []model.Darf
	for rows.Next() {
		var da model.Darf
		var amount string
		if err := rows.Scan(&da.ID, &da.UserID, &da.Month, &da.Mode, &amount, &da.DueDate); err != nil {
			return nil, err
		}
		da.Amount, _ = decimal.NewFromString(amount)
		darfs = append(darfs, da)
	}
	return darfs, rows.Err()
}
