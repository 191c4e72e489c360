/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECIMALS:
  Quantities, prices and amounts travel as JSON strings ("12.5") so that no
  client ever sees a binary float. Requests accept strings or numbers.

VALIDATION:
  Request types carry validator/v10 tags for shape checks (required fields,
  lengths, at least one item). Business rules such as "quantity must be
  positive" stay in the ledger and come back as INVALID_INPUT.

SEE ALSO:
  - handlers.go: Uses these types
  - stock/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// PURCHASES
// =============================================================================

// CreatePurchaseRequest records one intake of stock.
type CreatePurchaseRequest struct {
	ProductName   string          `json:"product_name" validate:"required,max=200"`
	CategoryID    string          `json:"category_id" validate:"max=64"`
	CategoryName  string          `json:"category_name" validate:"max=200"`
	SupplierID    string          `json:"supplier_id" validate:"max=64"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	Unit          string          `json:"unit" validate:"required,max=20"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	AcquiredAt    time.Time       `json:"acquired_at" validate:"required"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

func (r CreatePurchaseRequest) toDomain() stock.NewPurchase {
	return stock.NewPurchase{
		ProductName:   r.ProductName,
		CategoryID:    r.CategoryID,
		CategoryName:  r.CategoryName,
		SupplierID:    r.SupplierID,
		TotalQuantity: r.TotalQuantity,
		Unit:          stock.Unit(r.Unit),
		UnitPrice:     r.UnitPrice,
		AcquiredAt:    r.AcquiredAt,
		ExpiresAt:     r.ExpiresAt,
	}
}

// PurchaseDTO represents a purchase entry in API responses.
type PurchaseDTO struct {
	ID                string          `json:"id"`
	ProductName       string          `json:"product_name"`
	CategoryID        string          `json:"category_id,omitempty"`
	CategoryName      string          `json:"category_name,omitempty"`
	SupplierID        string          `json:"supplier_id,omitempty"`
	TotalQuantity     decimal.Decimal `json:"total_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
	Unit              string          `json:"unit"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Status            string          `json:"status"`
	AcquiredAt        time.Time       `json:"acquired_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toPurchaseDTO(e stock.PurchaseEntry) PurchaseDTO {
	return PurchaseDTO{
		ID:                string(e.ID),
		ProductName:       e.ProductName,
		CategoryID:        e.CategoryID,
		CategoryName:      e.CategoryName,
		SupplierID:        e.SupplierID,
		TotalQuantity:     e.TotalQuantity,
		RemainingQuantity: e.RemainingQuantity,
		AllocatedQuantity: e.AllocatedQuantity(),
		Unit:              string(e.Unit),
		UnitPrice:         e.UnitPrice,
		Status:            string(e.Status),
		AcquiredAt:        e.AcquiredAt,
		ExpiresAt:         e.ExpiresAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func toPurchaseDTOs(entries []stock.PurchaseEntry) []PurchaseDTO {
	dtos := make([]PurchaseDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toPurchaseDTO(e)
	}
	return dtos
}

// =============================================================================
// DELIVERIES
// =============================================================================

type CreateLineItemRequest struct {
	ProductName string          `json:"product_name" validate:"max=200"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// CreateDeliveryRequest creates a delivery with unlinked line items.
type CreateDeliveryRequest struct {
	CustomerID   string                  `json:"customer_id" validate:"required,max=64"`
	DeliveryDate time.Time               `json:"delivery_date" validate:"required"`
	Items        []CreateLineItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (r CreateDeliveryRequest) toDomain() stock.NewDelivery {
	in := stock.NewDelivery{
		CustomerID:   r.CustomerID,
		DeliveryDate: r.DeliveryDate,
		Items:        make([]stock.NewLineItem, len(r.Items)),
	}
	for i, it := range r.Items {
		in.Items[i] = stock.NewLineItem{
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}
	return in
}

type LineItemDTO struct {
	ID          string          `json:"id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
	EntryID     *string         `json:"entry_id"`
	LinkedAt    *time.Time      `json:"linked_at,omitempty"`
	Position    int             `json:"position"`
}

// DeliveryDTO represents a delivery and its items in API responses.
type DeliveryDTO struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id"`
	DeliveryDate time.Time       `json:"delivery_date"`
	LinkStatus   string          `json:"link_status"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Items        []LineItemDTO   `json:"items"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toDeliveryDTO(d stock.Delivery) DeliveryDTO {
	dto := DeliveryDTO{
		ID:           string(d.ID),
		CustomerID:   d.CustomerID,
		DeliveryDate: d.DeliveryDate,
		LinkStatus:   string(d.LinkStatus),
		TotalAmount:  d.TotalAmount(),
		Items:        make([]LineItemDTO, len(d.Items)),
		CreatedAt:    d.CreatedAt,
	}
	for i, it := range d.Items {
		var entryID *string
		if it.EntryID != nil {
			s := string(*it.EntryID)
			entryID = &s
		}
		dto.Items[i] = LineItemDTO{
			ID:          string(it.ID),
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Amount:      it.Amount(),
			EntryID:     entryID,
			LinkedAt:    it.LinkedAt,
			Position:    it.Position,
		}
	}
	return dto
}

// =============================================================================
// ALLOCATION
// =============================================================================

type AllocateRequest struct {
	EntryID string `json:"entry_id" validate:"required,max=64"`
}

// AllocationDTO is returned by both allocate endpoints.
type AllocationDTO struct {
	LineItemID         string          `json:"line_item_id"`
	EntryID            string          `json:"entry_id"`
	DeliveryID         string          `json:"delivery_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	Unit               string          `json:"unit"`
	RemainingQuantity  decimal.Decimal `json:"remaining_quantity"`
	EntryStatus        string          `json:"entry_status"`
	DeliveryLinkStatus string          `json:"delivery_link_status"`
	LinkedAt           time.Time       `json:"linked_at"`
}

func toAllocationDTO(a stock.Allocation) AllocationDTO {
	return AllocationDTO{
		LineItemID:         string(a.LineItemID),
		EntryID:            string(a.EntryID),
		DeliveryID:         string(a.DeliveryID),
		Quantity:           a.Quantity,
		Unit:               string(a.Unit),
		RemainingQuantity:  a.RemainingQuantity,
		EntryStatus:        string(a.EntryStatus),
		DeliveryLinkStatus: string(a.DeliveryLinkStatus),
		LinkedAt:           a.LinkedAt,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// FieldErrorDTO names one rejected request field.
type FieldErrorDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InsufficientStockDTO tells the operator what is actually on hand.
type InsufficientStockDTO struct {
	EntryID     string          `json:"entry_id,omitempty"`
	ProductName string          `json:"product_name,omitempty"`
	Available   decimal.Decimal `json:"available"`
	Unit        string          `json:"unit"`
	Requested   decimal.Decimal `json:"requested"`
}

type HealthDTO struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}
