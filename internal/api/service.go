// Package api provides the HTTP handlers for the tax engine: the asset
// directory, corporate events, the operation journal, and the derived
// closings, monthly results and DARFs.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/irbolsa/tax-engine/internal/adjust"
	"github.com/irbolsa/tax-engine/internal/engine"
	"github.com/irbolsa/tax-engine/internal/metrics"
	"github.com/irbolsa/tax-engine/internal/model"
	"github.com/irbolsa/tax-engine/internal/quote"
	"github.com/irbolsa/tax-engine/internal/store"
	"github.com/irbolsa/tax-engine/internal/ticker"
)

const dateLayout = "2006-01-02"

// Service handles the per-user journal and the recompute that follows every
// write. Recomputes for the same user are serialized with a per-user mutex;
// different users never block each other.
type Service struct {
	store  store.Store
	engine *engine.Engine
	quotes quote.Provider // optional, nil disables portfolio pricing
	wsHub  *WSHub         // optional, nil disables broadcasts

	locks sync.Map // userID → *sync.Mutex
}

// NewService creates the API service. Pass nil for quotes or hub to disable
// the corresponding feature.
func NewService(st store.Store, eng *engine.Engine, quotes quote.Provider, hub *WSHub) *Service {
	return &Service{
		store:  st,
		engine: eng,
		quotes: quotes,
		wsHub:  hub,
	}
}

func (s *Service) userLock(userID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Routes mounts every handler under the given router, expected to be rooted
// at /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/assets", s.CreateAsset)
		r.Get("/assets", s.ListAssets)

		r.Post("/events", s.CreateCorporateEvent)
		r.Get("/events", s.ListCorporateEvents)

		r.Post("/operations", s.CreateOperation)
		r.Get("/operations", s.ListOperations)
		r.Put("/operations/{operationID}", s.UpdateOperation)
		r.Delete("/operations/{operationID}", s.DeleteOperation)

		r.Post("/recompute", s.Recompute)
		r.Get("/closings", s.ListClosings)
		r.Get("/results", s.ListResults)
		r.Get("/darfs", s.ListDarfs)
		r.Get("/portfolio", s.GetPortfolio)
	})
}

// --- Request/Response types ---

// CreateAssetRequest is the JSON body for asset registration.
type CreateAssetRequest struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// CreateEventRequest is the JSON body for corporate-event registration.
type CreateEventRequest struct {
	Ticker string `json:"ticker"`
	Kind   string `json:"kind"`    // "split", "bonus" or "other"
	ExDate string `json:"ex_date"` // "YYYY-MM-DD"
	Ratio  string `json:"ratio"`   // "N:D"
}

// OperationRequest is the JSON body for creating or updating an operation.
type OperationRequest struct {
	Ticker   string          `json:"ticker"`
	Date     string          `json:"date"` // "YYYY-MM-DD"
	Side     string          `json:"side"` // "buy" or "sell"
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fees     decimal.Decimal `json:"fees"`
}

// OperationResponse pairs the stored operation with the recompute that
// followed the write.
type OperationResponse struct {
	Operation model.Operation `json:"operation"`
	Recompute *engine.Result  `json:"recompute,omitempty"`
}

// PortfolioPosition is one open position valued at the current quote.
type PortfolioPosition struct {
	Ticker        string           `json:"ticker"`
	LongQty       decimal.Decimal  `json:"long_qty"`
	LongAvg       decimal.Decimal  `json:"long_avg"`
	ShortQty      decimal.Decimal  `json:"short_qty"`
	ShortAvg      decimal.Decimal  `json:"short_avg"`
	Quote         *decimal.Decimal `json:"quote,omitempty"`
	MarketValue   *decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// PortfolioResponse is the JSON body returned from GET /portfolio.
type PortfolioResponse struct {
	UserID    string              `json:"user_id"`
	Positions []PortfolioPosition `json:"positions"`
}

// --- Asset directory ---

// CreateAsset handles POST /api/v1/users/{userID}/assets
func (s *Service) CreateAsset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req CreateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tick := ticker.Normalize(req.Ticker)
	if !ticker.Valid(tick) {
		writeError(w, "invalid ticker: "+req.Ticker, http.StatusBadRequest)
		return
	}

	asset := &model.Asset{
		ID:        uuid.NewString(),
		UserID:    userID,
		Ticker:    tick,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAsset(r.Context(), asset); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, "asset already registered: "+tick, http.StatusConflict)
			return
		}
		writeError(w, "failed to create asset", http.StatusInternalServerError)
		return
	}

	slog.Info("asset registered", "user", userID, "ticker", tick)

	writeJSON(w, http.StatusCreated, asset)
}

// ListAssets handles GET /api/v1/users/{userID}/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	assets, err := s.store.ListAssets(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// --- Corporate events ---

// CreateCorporateEvent handles POST /api/v1/users/{userID}/events
func (s *Service) CreateCorporateEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	kind := model.EventKind(req.Kind)
	switch kind {
	case model.EventSplit, model.EventBonus, model.EventOther:
	default:
		writeError(w, "kind must be split, bonus or other", http.StatusBadRequest)
		return
	}
	if kind != model.EventOther {
		if _, _, err := adjust.ParseRatio(req.Ratio); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	exDate, err := time.ParseInLocation(dateLayout, req.ExDate, time.UTC)
	if err != nil {
		writeError(w, "ex_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	tick := ticker.Normalize(req.Ticker)
	asset, err := s.store.GetAssetByTicker(r.Context(), userID, tick)
	if err != nil {
		writeError(w, "unknown ticker: "+req.Ticker, http.StatusNotFound)
		return
	}

	event := &model.CorporateEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		AssetID:   asset.ID,
		Ticker:    tick,
		Kind:      kind,
		ExDate:    exDate,
		Ratio:     req.Ratio,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateCorporateEvent(r.Context(), event); err != nil {
		writeError(w, "failed to create event", http.StatusInternalServerError)
		return
	}

	slog.Info("corporate event registered",
		"user", userID, "ticker", tick, "kind", req.Kind, "ratio", req.Ratio,
		"ex_date", req.ExDate)

	// Events change the adjusted history; derived state is stale until rebuilt.
	if _, err := s.recompute(r, userID); err != nil {
		writeError(w, "event stored but recompute failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// ListCorporateEvents handles GET /api/v1/users/{userID}/events
func (s *Service) ListCorporateEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	events, err := s.store.ListCorporateEvents(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.CorporateEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Operation journal ---

func (s *Service) decodeOperation(r *http.Request, userID string) (*model.Operation, string) {
	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "invalid request body"
	}

	side := model.Side(req.Side)
	if side != model.SideBuy && side != model.SideSell {
		return nil, "side must be buy or sell"
	}
	date, err := time.ParseInLocation(dateLayout, req.Date, time.UTC)
	if err != nil {
		return nil, "date must be YYYY-MM-DD"
	}
	if !req.Quantity.IsPositive() {
		return nil, "quantity must be positive"
	}
	if !req.Price.IsPositive() {
		return nil, "price must be positive"
	}
	if req.Fees.IsNegative() {
		return nil, "fees must not be negative"
	}
	tick := ticker.Normalize(req.Ticker)
	if !ticker.Valid(tick) {
		return nil, "invalid ticker: " + req.Ticker
	}
	if _, err := s.store.GetAssetByTicker(r.Context(), userID, tick); err != nil {
		return nil, "unknown ticker: " + req.Ticker
	}

	return &model.Operation{
		UserID:   userID,
		Ticker:   tick,
		Date:     date,
		Side:     side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Fees:     req.Fees,
	}, ""
}

// CreateOperation handles POST /api/v1/users/{userID}/operations
// Journals the ticket and rebuilds the user's derived state.
func (s *Service) CreateOperation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	op, msg := s.decodeOperation(r, userID)
	if msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}
	op.ID = uuid.NewString()

	if err := s.store.InsertOperation(r.Context(), op); err != nil {
		writeError(w, "failed to record operation", http.StatusInternalServerError)
		return
	}

	slog.Info("operation recorded",
		"user", userID, "operation_id", op.ID, "ticker", op.Ticker,
		"side", string(op.Side), "qty", op.Quantity.String(), "price", op.Price.String())

	result, err := s.recompute(r, userID)
	if err != nil {
		writeError(w, "operation stored but recompute failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, OperationResponse{Operation: *op, Recompute: result})
}

// UpdateOperation handles PUT /api/v1/users/{userID}/operations/{operationID}
func (s *Service) UpdateOperation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	opID := chi.URLParam(r, "operationID")

	op, msg := s.decodeOperation(r, userID)
	if msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}
	op.ID = opID

	if err := s.store.UpdateOperation(r.Context(), op); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "operation not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to update operation", http.StatusInternalServerError)
		return
	}

	result, err := s.recompute(r, userID)
	if err != nil {
		writeError(w, "operation updated but recompute failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, OperationResponse{Operation: *op, Recompute: result})
}

// DeleteOperation handles DELETE /api/v1/users/{userID}/operations/{operationID}
func (s *Service) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	opID := chi.URLParam(r, "operationID")

	if err := s.store.DeleteOperation(r.Context(), userID, opID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "operation not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to delete operation", http.StatusInternalServerError)
		return
	}

	result, err := s.recompute(r, userID)
	if err != nil {
		writeError(w, "operation deleted but recompute failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListOperations handles GET /api/v1/users/{userID}/operations
func (s *Service) ListOperations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	ops, err := s.store.ListOperations(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list operations", http.StatusInternalServerError)
		return
	}
	if ops == nil {
		ops = []model.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// --- Derived state ---

// Recompute handles POST /api/v1/users/{userID}/recompute
// Rebuilds the user's derived state from the full journal.
func (s *Service) Recompute(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	result, err := s.recompute(r, userID)
	if err != nil {
		writeError(w, "recompute failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// recompute serializes per-user runs, records metrics, and broadcasts the
// refreshed state over WebSocket.
func (s *Service) recompute(r *http.Request, userID string) (*engine.Result, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	result, err := s.engine.Recompute(r.Context(), userID)
	if err != nil {
		metrics.RecomputesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RecomputesTotal.WithLabelValues("ok").Inc()
	metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
	metrics.RejectedOperations.Add(float64(len(result.Report.RejectedOperations)))
	for _, c := range result.Closings {
		mode := model.ModeSwing
		if c.DayTrade {
			mode = model.ModeDay
		}
		metrics.ClosingsTotal.WithLabelValues(mode).Inc()
	}
	metrics.DarfsIssued.Add(float64(len(result.Darfs)))

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "results_updated",
			UserID:   userID,
			Closings: len(result.Closings),
			Months:   len(result.Monthly),
			Darfs:    len(result.Darfs),
		})
	}
	return result, nil
}

// ListClosings handles GET /api/v1/users/{userID}/closings
func (s *Service) ListClosings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	closings, err := s.store.ListClosingOperations(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list closings", http.StatusInternalServerError)
		return
	}
	if closings == nil {
		closings = []model.ClosingOperation{}
	}
	writeJSON(w, http.StatusOK, closings)
}

// ListResults handles GET /api/v1/users/{userID}/results
// Optionally filtered by ?month=YYYY-MM.
func (s *Service) ListResults(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	results, err := s.store.ListMonthlyResults(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list results", http.StatusInternalServerError)
		return
	}
	if month := r.URL.Query().Get("month"); month != "" {
		var filtered []model.MonthlyResult
		for _, m := range results {
			if m.Month == month {
				filtered = append(filtered, m)
			}
		}
		results = filtered
	}
	if results == nil {
		results = []model.MonthlyResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// ListDarfs handles GET /api/v1/users/{userID}/darfs
func (s *Service) ListDarfs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	darfs, err := s.store.ListDarfs(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list darfs", http.StatusInternalServerError)
		return
	}
	if darfs == nil {
		darfs = []model.Darf{}
	}
	writeJSON(w, http.StatusOK, darfs)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Replays the journal and values open positions at current quotes when a
// quote provider is configured. A failed quote never fails the portfolio.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	computed, err := s.engine.Compute(ctx, userID)
	if err != nil {
		writeError(w, "failed to compute positions", http.StatusInternalServerError)
		return
	}

	resp := PortfolioResponse{UserID: userID, Positions: []PortfolioPosition{}}
	for _, pos := range computed.Positions {
		if pos.LongQty.IsZero() && pos.ShortQty.IsZero() {
			continue
		}
		pp := PortfolioPosition{
			Ticker:   pos.Ticker,
			LongQty:  pos.LongQty,
			LongAvg:  pos.LongAvg,
			ShortQty: pos.ShortQty,
			ShortAvg: pos.ShortAvg,
		}
		if s.quotes != nil {
			if q, err := s.quotes.Get(ctx, pos.Ticker); err == nil {
				pp.Quote = &q.Price

				// Long positions gain when price rises, short when it falls.
				value := q.Price.Mul(pos.LongQty.Sub(pos.ShortQty))
				pnl := q.Price.Sub(pos.LongAvg).Mul(pos.LongQty).
					Add(pos.ShortAvg.Sub(q.Price).Mul(pos.ShortQty))
				pp.MarketValue = &value
				pp.UnrealizedPnL = &pnl
			} else {
				slog.Warn("quote unavailable", "ticker", pos.Ticker, "err", err)
			}
		}
		resp.Positions = append(resp.Positions, pp)
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
