/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Each scenario must load cleanly and leave the ledger in the state its
	description promises. Every scenario is also reconciled afterwards:
	demo data must never contain drift.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
)

func loadScenario(t *testing.T, s *testServer, id string) ScenarioResultDTO {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[ScenarioResultDTO](t, rec)
}

func (s *testServer) getPurchase(id string) PurchaseDTO {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/purchases/"+id, nil)
	require.Equal(s.t, http.StatusOK, rec.Code)
	return decodeAs[PurchaseDTO](s.t, rec)
}

func (s *testServer) getDelivery(id string) DeliveryDTO {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/deliveries/"+id, nil)
	require.Equal(s.t, http.StatusOK, rec.Code)
	return decodeAs[DeliveryDTO](s.t, rec)
}

func assertReconciles(t *testing.T, s *testServer) {
	t.Helper()
	rec := s.do(http.MethodPost, "/api/reconciliation/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeAs[stock.Report](t, rec).Clean())
}

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAs[[]ScenarioDTO](t, rec)
	require.Len(t, got, len(scenarios))
	assert.Equal(t, "fresh-intake", got[0].ID)
}

func TestScenario_FreshIntake(t *testing.T) {
	s := newTestServer(t)

	res := loadScenario(t, s, "fresh-intake")

	require.Len(t, res.Purchases, 3)
	require.Len(t, res.Deliveries, 1)
	for _, id := range res.Purchases {
		assert.Equal(t, "UNUSED", s.getPurchase(id).Status)
	}
	d := s.getDelivery(res.Deliveries[0])
	assert.Equal(t, "UNLINKED", d.LinkStatus)
	assert.Len(t, d.Items, 2)
	assertReconciles(t, s)
}

func TestScenario_PartialDrawdown(t *testing.T) {
	// GIVEN: the partial drawdown scenario
	s := newTestServer(t)

	// WHEN: loading it
	res := loadScenario(t, s, "partial-drawdown")

	// THEN: 60 of 100 kg remain, PARTIAL, and the delivery is linked
	p := s.getPurchase(res.Purchases[0])
	assert.True(t, p.RemainingQuantity.Equal(qty("60")))
	assert.Equal(t, "PARTIAL", p.Status)
	assert.Equal(t, "LINKED", s.getDelivery(res.Deliveries[0]).LinkStatus)
	assertReconciles(t, s)
}

func TestScenario_SoldOut(t *testing.T) {
	s := newTestServer(t)

	res := loadScenario(t, s, "sold-out")

	p := s.getPurchase(res.Purchases[0])
	assert.True(t, p.RemainingQuantity.IsZero())
	assert.Equal(t, "USED", p.Status)
	require.Len(t, res.Deliveries, 2)
	assert.Equal(t, "LINKED", s.getDelivery(res.Deliveries[0]).LinkStatus)

	waiting := s.getDelivery(res.Deliveries[1])
	assert.Equal(t, "UNLINKED", waiting.LinkStatus)
	rec := s.do(http.MethodPost, "/api/line-items/"+waiting.Items[0].ID+"/allocate-fifo", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assertReconciles(t, s)
}

func TestScenario_FIFOQueue(t *testing.T) {
	s := newTestServer(t)

	res := loadScenario(t, s, "fifo-queue")

	// Lots are recorded oldest first. 25 kg comes from lot 1 (5 left);
	// 20 kg does not fit lot 1 and comes from lot 2 (10 left).
	require.Len(t, res.Purchases, 3)
	assert.True(t, s.getPurchase(res.Purchases[0]).RemainingQuantity.Equal(qty("5")))
	assert.True(t, s.getPurchase(res.Purchases[1]).RemainingQuantity.Equal(qty("10")))
	assert.Equal(t, "UNUSED", s.getPurchase(res.Purchases[2]).Status)
	assert.Equal(t, "LINKED", s.getDelivery(res.Deliveries[0]).LinkStatus)
	assertReconciles(t, s)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_DisabledRoutes(t *testing.T) {
	s := newTestServer(t)
	s.handler.EnableScenarios = false
	router := NewRouter(s.handler, RouterOptions{})
	s.router = router

	rec := s.do(http.MethodGet, "/api/scenarios", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
