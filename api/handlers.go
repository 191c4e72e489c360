/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization and validation, and delegates to stock.Ledger.

ENDPOINTS:
  Health:
    GET    /healthz                        Liveness + storage ping

  Purchases:
    GET    /api/purchases?status=&q=       List purchase entries
    POST   /api/purchases                  Record a purchase
    GET    /api/purchases/{id}             Get one entry
    DELETE /api/purchases/{id}             Delete an unreferenced entry

  Stock:
    GET    /api/stock/available?q=         Entries with remaining stock, FIFO

  Deliveries:
    POST   /api/deliveries                 Create delivery with line items
    GET    /api/deliveries/{id}            Get delivery and items

  Allocation:
    POST   /api/line-items/{id}/allocate       Link item to a chosen entry
    POST   /api/line-items/{id}/allocate-fifo  Link item to oldest fitting entry

  Reconciliation:
    POST   /api/reconciliation/run?repair= Run check (and optional repair)
    GET    /api/reconciliation/last        Last report from any run

REQUEST FLOW:
  1. Decode JSON body (size-limited, unknown fields rejected)
  2. Validate shape with validator/v10
  3. Call the ledger
  4. Serialize the DTO, or map the error kind to a status code

ERROR HANDLING:
  Errors are returned as JSON {code, error, details} with:
  - 400 INVALID_INPUT:      malformed body, failed validation
  - 404 NOT_FOUND:          line item, entry or delivery missing
  - 409 ALREADY_LINKED:     item already linked (callers may treat as no-op)
  - 409 CONFLICT:           entry still referenced, reconciliation running
  - 422 INSUFFICIENT_STOCK: details carry available/unit/requested
  - 503 STORAGE_FAILURE:    transaction or lock failed; safe to retry
  - 500 UNKNOWN:            anything else

SECURITY NOTE:
  No authentication or authorization. Deploy behind an authenticating
  proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/stock"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *stock.Ledger
	Reconciler *stock.Reconciler

	// MaxBodySize limits request bodies. Zero means 1 MiB.
	MaxBodySize int64

	// EnableScenarios exposes the demo scenario loader.
	EnableScenarios bool

	log      *zap.Logger
	validate *validator.Validate

	// runMu serializes reconciliation runs; reportMu guards lastReport.
	runMu      sync.Mutex
	reportMu   sync.RWMutex
	lastReport *stock.Report
}

// NewHandler creates a new handler around the ledger.
func NewHandler(ledger *stock.Ledger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Ledger:     ledger,
		Reconciler: stock.NewReconciler(ledger),
		log:        log,
		validate:   newValidator(),
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthDTO{Status: "ok", Storage: "ok"}
	if p, ok := h.Ledger.Store().(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			logger.FromContext(r.Context()).Warn("storage ping failed", zap.Error(err))
			resp = HealthDTO{Status: "degraded", Storage: "unreachable"}
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// ListPurchases returns purchase entries, optionally filtered by status and
// a product/category search.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.Ledger.ListPurchases(r.Context(), stock.PurchaseFilter{
		Query:  q.Get("q"),
		Status: stock.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTOs(entries))
}

// CreatePurchase records a purchase. The new entry starts UNUSED.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.Ledger.RecordPurchase(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(e))
}

func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.GetPurchase(r.Context(), stock.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(e))
}

// DeletePurchase removes an entry no line item references.
func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeletePurchase(r.Context(), stock.EntryID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAvailable returns entries with remaining stock, oldest first.
// GET /api/stock/available?q=tomato
func (h *Handler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.ListAvailable(r.Context(), stock.AvailableFilter{Query: r.URL.Query().Get("q")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTOs(entries))
}

// =============================================================================
// DELIVERY HANDLERS
// =============================================================================

func (h *Handler) CreateDelivery(w http.ResponseWriter, r *http.Request) {
	var req CreateDeliveryRequest
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.Ledger.CreateDelivery(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeliveryDTO(d))
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.Ledger.GetDelivery(r.Context(), stock.DeliveryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(d))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// Allocate links the line item to the entry named in the body.
// POST /api/line-items/{id}/allocate {"entry_id": "..."}
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.Ledger.Allocate(r.Context(), stock.LineItemID(chi.URLParam(r, "id")), stock.EntryID(req.EntryID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// AllocateFIFO links the line item to the oldest entry that covers it.
func (h *Handler) AllocateFIFO(w http.ResponseWriter, r *http.Request) {
	a, err := h.Ledger.AllocateFIFO(r.Context(), stock.LineItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation checks every entry and delivery. With repair=true it
// also fixes what can be fixed.
// POST /api/reconciliation/run?repair=true
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, &stock.ValidationError{Field: "repair", Message: "must be true or false"})
			return
		}
		repair = b
	}

	report, err := h.reconcile(r.Context(), repair)
	if errors.Is(err, errReconcileRunning) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Code:  string(stock.KindConflict),
			Error: err.Error(),
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LastReconciliation returns the most recent report from the API or the
// scheduler.
func (h *Handler) LastReconciliation(w http.ResponseWriter, r *http.Request) {
	report, ok := h.LastReport()
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Code:  string(stock.KindNotFound),
			Error: "no reconciliation has run yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

var errReconcileRunning = errors.New("reconciliation already running")

// reconcile runs one reconciliation unless another is in progress.
func (h *Handler) reconcile(ctx context.Context, repair bool) (stock.Report, error) {
	if !h.runMu.TryLock() {
		return stock.Report{}, errReconcileRunning
	}
	defer h.runMu.Unlock()

	report, err := h.Reconciler.Run(ctx, stock.ReconcileOptions{Repair: repair})
	if err != nil {
		return stock.Report{}, err
	}
	h.reportMu.Lock()
	h.lastReport = &report
	h.reportMu.Unlock()
	return report, nil
}

// LastReport returns the most recent reconciliation report, if any.
func (h *Handler) LastReport() (stock.Report, bool) {
	h.reportMu.RLock()
	defer h.reportMu.RUnlock()
	if h.lastReport == nil {
		return stock.Report{}, false
	}
	return *h.lastReport, true
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response
// itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	limit := h.MaxBodySize
	if limit <= 0 {
		limit = 1 << 20
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Code:    string(stock.KindInvalidInput),
			Error:   "Invalid request body",
			Details: err.Error(),
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Code:    string(stock.KindInvalidInput),
			Error:   "Request validation failed",
			Details: fieldErrors(err),
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(kind stock.Kind) int {
	switch kind {
	case stock.KindNotFound:
		return http.StatusNotFound
	case stock.KindAlreadyLinked, stock.KindConflict:
		return http.StatusConflict
	case stock.KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case stock.KindInvalidInput:
		return http.StatusBadRequest
	case stock.KindStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a ledger error with its kind as the response code.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := stock.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{Code: string(kind), Error: err.Error()}

	var (
		ise *stock.InsufficientStockError
		ale *stock.AlreadyLinkedError
		ve  *stock.ValidationError
	)
	switch {
	case errors.As(err, &ise):
		resp.Details = InsufficientStockDTO{
			EntryID:     string(ise.EntryID),
			ProductName: ise.ProductName,
			Available:   ise.Available,
			Unit:        string(ise.Unit),
			Requested:   ise.Requested,
		}
	case errors.As(err, &ale):
		resp.Details = map[string]string{
			"line_item_id": string(ale.LineItemID),
			"entry_id":     string(ale.EntryID),
		}
	case errors.As(err, &ve):
		resp.Details = []FieldErrorDTO{{Field: ve.Field, Message: ve.Message}}
	}

	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
		if kind == stock.KindStorageFailure {
			w.Header().Set("Retry-After", "1")
		}
		if kind == stock.KindUnknown {
			resp.Error = fmt.Sprintf("internal error (request %s)", middleware.GetReqID(r.Context()))
		}
	}
	writeJSON(w, status, resp)
}
