// Package store defines the persistence interface for the tax engine.
// Implementations include SQLite (source of truth for the single-investor
// deployment), PostgreSQL (shared deployments), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/irbolsa/tax-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("store: already exists")
)

// Store is the persistence interface. Durable inputs (assets, corporate
// events, operations) are plain CRUD; derived state (closings, monthly
// results, DARFs) is only ever replaced wholesale per user, never updated
// in place.
type Store interface {
	// --- Asset directory ---

	// CreateAsset registers a ticker for a user. Ticker is unique per user.
	CreateAsset(ctx context.Context, asset *model.Asset) error

	// GetAssetByTicker looks a ticker up in the user's directory.
	GetAssetByTicker(ctx context.Context, userID, ticker string) (*model.Asset, error)

	// ListAssets returns every asset of a user.
	ListAssets(ctx context.Context, userID string) ([]model.Asset, error)

	// --- Corporate events ---

	// CreateCorporateEvent records a split/inplit/bonus for an asset.
	CreateCorporateEvent(ctx context.Context, event *model.CorporateEvent) error

	// ListCorporateEvents returns a user's events ordered by ex-date ascending.
	ListCorporateEvents(ctx context.Context, userID string) ([]model.CorporateEvent, error)

	// --- Operations (durable input) ---

	// InsertOperation appends an operation, assigning its insertion sequence.
	InsertOperation(ctx context.Context, op *model.Operation) error

	// UpdateOperation rewrites an operation's fields, keeping its sequence.
	UpdateOperation(ctx context.Context, op *model.Operation) error

	// DeleteOperation removes one operation of a user.
	DeleteOperation(ctx context.Context, userID, id string) error

	// ListOperations returns a user's operations ordered by (date, seq).
	ListOperations(ctx context.Context, userID string) ([]model.Operation, error)

	// --- Derived state (wipe and rebuild) ---

	// ReplaceDerived deletes all derived rows of a user and bulk-inserts the
	// new ones. A failed call leaves state inconsistent; the caller retries
	// the full recompute.
	ReplaceDerived(ctx context.Context, userID string, closings []model.ClosingOperation, monthly []model.MonthlyResult, darfs []model.Darf) error

	// ListClosingOperations returns derived closings ordered by close date.
	ListClosingOperations(ctx context.Context, userID string) ([]model.ClosingOperation, error)

	// ListMonthlyResults returns derived monthly results ordered by month.
	ListMonthlyResults(ctx context.Context, userID string) ([]model.MonthlyResult, error)

	// ListDarfs returns derived DARFs ordered by month.
	ListDarfs(ctx context.Context, userID string) ([]model.Darf, error)
}
