package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestScheduler_DisabledDoesNotRun(t *testing.T) {
	s := newTestServer(t)
	rs := NewReconciliationScheduler(s.handler, nil)

	rs.Start()
	rs.Stop()

	_, ok := s.handler.LastReport()
	assert.False(t, ok)
}

func TestScheduler_RunsImmediatelyOnStart(t *testing.T) {
	// GIVEN: an enabled scheduler with a long interval
	s := newTestServer(t)
	s.purchase("Leeks", "10")
	rs := NewReconciliationScheduler(s.handler, nil)
	rs.Enabled = true
	rs.Interval = time.Hour

	// WHEN: it starts
	rs.Start()
	defer rs.Stop()

	// THEN: a first run happens without waiting for the ticker
	require.Eventually(t, func() bool {
		_, ok := s.handler.LastReport()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	report, _ := s.handler.LastReport()
	assert.Equal(t, 1, report.EntriesChecked)
	assert.True(t, report.Clean())
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	rs := NewReconciliationScheduler(s.handler, nil)
	rs.Enabled = true

	rs.Start()
	rs.Stop()
	rs.Stop()
}

func TestScheduler_RunOnceRepairsAndWarns(t *testing.T) {
	// GIVEN: a drifted entry and a repairing scheduler
	s := newTestServer(t)
	p := s.purchase("Celery", "10")
	entry, err := s.store.GetEntry(context.Background(), stock.EntryID(p.ID))
	require.NoError(t, err)
	entry.RemainingQuantity = qty("4")
	entry.Status = stock.StatusPartial
	s.store.PutEntry(*entry)

	core, logs := observer.New(zap.InfoLevel)
	rs := NewReconciliationScheduler(s.handler, zap.New(core))
	rs.Repair = true

	// WHEN: one run executes
	rs.RunOnce(context.Background())

	// THEN: the entry is repaired and the run is logged as finished
	assert.True(t, s.getPurchase(p.ID).RemainingQuantity.Equal(qty("10")))
	assert.Equal(t, 1, logs.FilterMessage("scheduled reconciliation finished").Len())

	// WHEN: repair is off and drift is reintroduced
	s.store.PutEntry(*entry)
	rs.Repair = false
	rs.RunOnce(context.Background())

	// THEN: the unrepaired drift is logged as a warning
	assert.Equal(t, 1, logs.FilterMessage("reconciliation found unrepaired drift").Len())
}

func TestScheduler_SkipsWhileManualRunInProgress(t *testing.T) {
	s := newTestServer(t)
	core, logs := observer.New(zap.InfoLevel)
	rs := NewReconciliationScheduler(s.handler, zap.New(core))

	s.handler.runMu.Lock()
	rs.RunOnce(context.Background())
	s.handler.runMu.Unlock()

	assert.Equal(t, 1, logs.FilterMessage("reconciliation already running, skipping").Len())
	_, ok := s.handler.LastReport()
	assert.False(t, ok)
}
