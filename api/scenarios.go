/*
scenarios.go - Demo scenario loaders for demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	produce data. Each scenario records purchases and deliveries through
	the Ledger, so balances, statuses and link flags are the real thing.

AVAILABLE SCENARIOS:

	fresh-intake:     three purchases, one open delivery
	partial-drawdown: 100 kg of tomatoes, 40 kg allocated (PARTIAL, 60 left)
	sold-out:         lettuce fully allocated (USED), a second order waiting
	fifo-queue:       three lots of one product, allocated oldest first

HOW SCENARIOS WORK:
 1. Record purchases via Ledger.RecordPurchase
 2. Create deliveries via Ledger.CreateDelivery
 3. Optionally allocate some line items

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partial-drawdown"}

NOTE:

	Scenarios add data; they never delete. Routes are only registered
	outside production.

SEE ALSO:
  - handlers.go: error mapping
  - server.go: EnableScenarios
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ScenarioResultDTO lists what a scenario created.
type ScenarioResultDTO struct {
	Scenario   ScenarioDTO `json:"scenario"`
	Purchases  []string    `json:"purchase_ids"`
	Deliveries []string    `json:"delivery_ids"`
}

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, s *seeder) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "fresh-intake",
			Name:        "Fresh Intake",
			Description: "Three purchases and one delivery with unlinked items",
		},
		load: loadFreshIntake,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "partial-drawdown",
			Name:        "Partial Drawdown",
			Description: "100 kg of tomatoes with 40 kg allocated: PARTIAL, 60 kg left",
		},
		load: loadPartialDrawdown,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "sold-out",
			Name:        "Sold Out",
			Description: "Lettuce fully allocated (USED) with a second order waiting for stock",
		},
		load: loadSoldOut,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "fifo-queue",
			Name:        "FIFO Queue",
			Description: "Three lots of carrots bought on consecutive days, allocated oldest first",
		},
		load: loadFIFOQueue,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads a demo scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var found *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			found = &scenarios[i]
			break
		}
	}
	if found == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Code:  string(stock.KindNotFound),
			Error: "Unknown scenario: " + req.ScenarioID,
		})
		return
	}

	s := &seeder{ledger: h.Ledger, day: time.Now().UTC().Truncate(24 * time.Hour)}
	if err := found.load(r.Context(), s); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.log.Info("scenario loaded",
		zap.String("scenario", found.ID),
		zap.Int("purchases", len(s.purchases)),
		zap.Int("deliveries", len(s.deliveries)))

	writeJSON(w, http.StatusCreated, ScenarioResultDTO{
		Scenario:   found.ScenarioDTO,
		Purchases:  s.purchases,
		Deliveries: s.deliveries,
	})
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder records what a scenario created. Dates are offsets from day.
type seeder struct {
	ledger     *stock.Ledger
	day        time.Time
	purchases  []string
	deliveries []string
}

func (s *seeder) purchase(ctx context.Context, product, category string, qty string, unit stock.Unit, price string, daysAgo int) (stock.PurchaseEntry, error) {
	e, err := s.ledger.RecordPurchase(ctx, stock.NewPurchase{
		ProductName:   product,
		CategoryName:  category,
		TotalQuantity: decimal.RequireFromString(qty),
		Unit:          unit,
		UnitPrice:     decimal.RequireFromString(price),
		AcquiredAt:    s.day.AddDate(0, 0, -daysAgo),
	})
	if err != nil {
		return stock.PurchaseEntry{}, err
	}
	s.purchases = append(s.purchases, string(e.ID))
	return e, nil
}

type line struct {
	product string
	qty     string
	price   string
}

func (s *seeder) deliver(ctx context.Context, customer string, lines ...line) (stock.Delivery, error) {
	in := stock.NewDelivery{CustomerID: customer, DeliveryDate: s.day}
	for _, l := range lines {
		in.Items = append(in.Items, stock.NewLineItem{
			ProductName: l.product,
			Quantity:    decimal.RequireFromString(l.qty),
			UnitPrice:   decimal.RequireFromString(l.price),
		})
	}
	d, err := s.ledger.CreateDelivery(ctx, in)
	if err != nil {
		return stock.Delivery{}, err
	}
	s.deliveries = append(s.deliveries, string(d.ID))
	return d, nil
}

// =============================================================================
// LOADERS
// =============================================================================

func loadFreshIntake(ctx context.Context, s *seeder) error {
	if _, err := s.purchase(ctx, "Roma tomatoes", "Vegetables", "100", stock.UnitKilogram, "1.20", 2); err != nil {
		return err
	}
	if _, err := s.purchase(ctx, "Leeks", "Vegetables", "40", stock.UnitKilogram, "0.95", 1); err != nil {
		return err
	}
	if _, err := s.purchase(ctx, "Basil", "Herbs", "20", stock.UnitBunch, "0.60", 0); err != nil {
		return err
	}
	_, err := s.deliver(ctx, "bistro-du-marche",
		line{"Roma tomatoes", "12", "2.10"},
		line{"Basil", "4", "1.20"},
	)
	return err
}

func loadPartialDrawdown(ctx context.Context, s *seeder) error {
	e, err := s.purchase(ctx, "Roma tomatoes", "Vegetables", "100", stock.UnitKilogram, "1.20", 3)
	if err != nil {
		return err
	}
	d, err := s.deliver(ctx, "cantine-centrale", line{"Roma tomatoes", "40", "2.00"})
	if err != nil {
		return err
	}
	_, err = s.ledger.Allocate(ctx, d.Items[0].ID, e.ID)
	return err
}

func loadSoldOut(ctx context.Context, s *seeder) error {
	e, err := s.purchase(ctx, "Butterhead lettuce", "Vegetables", "24", stock.UnitPiece, "0.45", 1)
	if err != nil {
		return err
	}
	d, err := s.deliver(ctx, "hotel-des-arts", line{"Butterhead lettuce", "24", "0.90"})
	if err != nil {
		return err
	}
	if _, err := s.ledger.Allocate(ctx, d.Items[0].ID, e.ID); err != nil {
		return err
	}
	// Left unlinked: nothing remains to allocate it from.
	_, err = s.deliver(ctx, "cafe-lumiere", line{"Butterhead lettuce", "6", "0.90"})
	return err
}

func loadFIFOQueue(ctx context.Context, s *seeder) error {
	for daysAgo := 3; daysAgo >= 1; daysAgo-- {
		if _, err := s.purchase(ctx, "Carrots", "Vegetables", "30", stock.UnitKilogram, "0.70", daysAgo); err != nil {
			return err
		}
	}
	d, err := s.deliver(ctx, "restaurant-le-quai",
		line{"Carrots", "25", "1.40"},
		line{"Carrots", "20", "1.40"},
	)
	if err != nil {
		return err
	}
	for _, it := range d.Items {
		if _, err := s.ledger.AllocateFIFO(ctx, it.ID); err != nil {
			return err
		}
	}
	return nil
}
