package model

import (
	"math"
	"time"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusUploaded     OrderStatus = "UPLOADED"
	StatusProcessing   OrderStatus = "PROCESSING"
	StatusMissingInfo  OrderStatus = "MISSING_INFO"
	StatusInfoReceived OrderStatus = "INFO_RECEIVED"
	StatusValidated    OrderStatus = "VALIDATED"
	StatusSubmitted    OrderStatus = "SUBMITTED"
	StatusConfirmed    OrderStatus = "CONFIRMED"
	StatusInTransit    OrderStatus = "IN_TRANSIT"
	StatusDelivered    OrderStatus = "DELIVERED"
	StatusFailed       OrderStatus = "FAILED"
	StatusCancelled    OrderStatus = "CANCELLED"
)

// transitions lists the forward edges of the order state machine. FAILED and
// CANCELLED edges are derived in CanTransition.
var transitions = map[OrderStatus][]OrderStatus{
	StatusUploaded:     {StatusProcessing},
	StatusProcessing:   {StatusMissingInfo, StatusValidated},
	StatusMissingInfo:  {StatusInfoReceived, StatusProcessing},
	StatusInfoReceived: {StatusMissingInfo, StatusValidated, StatusProcessing},
	StatusValidated:    {StatusSubmitted, StatusMissingInfo, StatusProcessing},
	StatusSubmitted:    {StatusConfirmed},
	StatusConfirmed:    {StatusInTransit},
	StatusInTransit:    {StatusDelivered},
}

// Terminal reports whether no further transition is possible without an
// explicit reopen.
func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

// PreSubmission reports whether the order has not yet been handed to a supplier.
func (s OrderStatus) PreSubmission() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusMissingInfo, StatusInfoReceived, StatusValidated:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status change.
// Same-state writes are always allowed.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	switch to {
	case StatusFailed:
		return !from.Terminal()
	case StatusCancelled:
		return from.PreSubmission() || from == StatusFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReopen reports whether an order in status from may be moved back to to
// by a retry or restart.
func CanReopen(from, to OrderStatus) bool {
	if from != StatusFailed && !from.PreSubmission() {
		return false
	}
	return to == StatusProcessing || to == StatusMissingInfo || to == StatusValidated
}

// Priority is the handling urgency of an order.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Strategy selects how file_processing extracts an order.
type Strategy string

const (
	StrategyDeterministic Strategy = "deterministic"
	StrategyAIAssisted    Strategy = "ai_assisted"
)

// RetailerInfo identifies the party that placed the order.
type RetailerInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// SourceFile points at the uploaded order file in file storage.
type SourceFile struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Format      string `json:"format,omitempty"`
}

// Totals are the order aggregates derived from its SKU items.
type Totals struct {
	SKUCount int     `json:"sku_count"`
	Quantity float64 `json:"quantity"`
	WeightKG float64 `json:"weight_kg"`
	VolumeM3 float64 `json:"volume_m3"`
	Subtotal float64 `json:"subtotal"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

// Order is a retailer order moving through the processing pipeline.
type Order struct {
	ID                  string            `json:"id"`
	TenantID            string            `json:"tenant_id"`
	OrderNumber         string            `json:"order_number"`
	Status              OrderStatus       `json:"status"`
	Priority            Priority          `json:"priority,omitempty"`
	DeliveryAddress     string            `json:"delivery_address,omitempty"`
	RetailerInfo        *RetailerInfo     `json:"retailer_info,omitempty"`
	Totals              Totals            `json:"totals"`
	SpecialInstructions string            `json:"special_instructions,omitempty"`
	Source              SourceFile        `json:"source"`
	Strategy            Strategy          `json:"strategy"`
	LatestValidation    *ValidationResult `json:"latest_validation,omitempty"`
	SupplierReference   string            `json:"supplier_reference,omitempty"`
	Version             int64             `json:"version"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// ComputeTotals derives order aggregates from items. Weight and volume are
// per unit and scaled by quantity; a line without a total price falls back
// to unit price times quantity. Money values are rounded to cents.
func ComputeTotals(items []SKUItem, taxRate float64) Totals {
	var t Totals
	t.SKUCount = len(items)
	for _, it := range items {
		qty := it.Quantity()
		t.Quantity += qty
		if it.WeightKG != nil {
			t.WeightKG += *it.WeightKG * qty
		}
		if it.VolumeM3 != nil {
			t.VolumeM3 += *it.VolumeM3 * qty
		}
		if line, ok := it.LineTotal(); ok {
			t.Subtotal += line
		}
	}
	t.WeightKG = round(t.WeightKG, 3)
	t.VolumeM3 = round(t.VolumeM3, 4)
	t.Subtotal = round(t.Subtotal, 2)
	t.Tax = round(t.Subtotal*taxRate, 2)
	t.Total = round(t.Subtotal+t.Tax, 2)
	return t
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
