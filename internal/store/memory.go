package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/irbolsa/tax-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices and maps. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	assets     []model.Asset
	events     []model.CorporateEvent
	operations []model.Operation
	seq        int64

	closings map[string][]model.ClosingOperation
	monthly  map[string][]model.MonthlyResult
	darfs    map[string][]model.Darf
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		closings: make(map[string][]model.ClosingOperation),
		monthly:  make(map[string][]model.MonthlyResult),
		darfs:    make(map[string][]model.Darf),
	}
}

func (s *MemoryStore) CreateAsset(_ context.Context, asset *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.assets {
		if existing.UserID == asset.UserID && existing.Ticker == asset.Ticker {
			return fmt.Errorf("%w: asset %s", ErrDuplicate, asset.Ticker)
		}
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	s.assets = append(s.assets, *asset)
	return nil
}

func (s *MemoryStore) GetAssetByTicker(_ context.Context, userID, ticker string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assets {
		if a.UserID == userID && a.Ticker == ticker {
			copy := a
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: asset %s", ErrNotFound, ticker)
}

func (s *MemoryStore) ListAssets(_ context.Context, userID string) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Asset
	for _, a := range s.assets {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateCorporateEvent(_ context.Context, event *model.CorporateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, *event)
	return nil
}

func (s *MemoryStore) ListCorporateEvents(_ context.Context, userID string) ([]model.CorporateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CorporateEvent
	for _, ev := range s.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExDate.Before(out[j].ExDate)
	})
	return out, nil
}

func (s *MemoryStore) InsertOperation(_ context.Context, op *model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	op.Seq = s.seq
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	s.operations = append(s.operations, *op)
	return nil
}

func (s *MemoryStore) UpdateOperation(_ context.Context, op *model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.operations {
		if existing.UserID == op.UserID && existing.ID == op.ID {
			// The insertion sequence and creation time survive edits.
			op.Seq = existing.Seq
			op.CreatedAt = existing.CreatedAt
			s.operations[i] = *op
			return nil
		}
	}
	return fmt.Errorf("%w: operation %s", ErrNotFound, op.ID)
}

func (s *MemoryStore) DeleteOperation(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.operations {
		if existing.UserID == userID && existing.ID == id {
			s.operations = append(s.operations[:i], s.operations[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: operation %s", ErrNotFound, id)
}

func (s *MemoryStore) ListOperations(_ context.Context, userID string) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Operation
	for _, op := range s.operations {
		if op.UserID == userID {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// ReplaceDerived wipes and rebuilds the user's derived rows in one step.
func (s *MemoryStore) ReplaceDerived(_ context.Context, userID string, closings []model.ClosingOperation, monthly []model.MonthlyResult, darfs []model.Darf) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closings[userID] = append([]model.ClosingOperation(nil), closings...)
	s.monthly[userID] = append([]model.MonthlyResult(nil), monthly...)
	s.darfs[userID] = append([]model.Darf(nil), darfs...)
	return nil
}

func (s *MemoryStore) ListClosingOperations(_ context.Context, userID string) ([]model.ClosingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.ClosingOperation(nil), s.closings[userID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CloseDate.Before(out[j].CloseDate)
	})
	return out, nil
}

func (s *MemoryStore) ListMonthlyResults(_ context.Context, userID string) ([]model.MonthlyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.MonthlyResult(nil), s.monthly[userID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Month < out[j].Month
	})
	return out, nil
}

func (s *MemoryStore) ListDarfs(_ context.Context, userID string) ([]model.Darf, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Darf(nil), s.darfs[userID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Month < out[j].Month
	})
	return out, nil
}
