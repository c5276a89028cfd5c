package model

import "slices"

// SKUItem is one order line. Nil numeric fields are unresolved, never zeroed.
type SKUItem struct {
	ID                     string            `json:"id"`
	OrderID                string            `json:"order_id"`
	LineNumber             int               `json:"line_number"`
	SKUCode                string            `json:"sku_code,omitempty"`
	ProductName            string            `json:"product_name,omitempty"`
	Category               string            `json:"category,omitempty"`
	Brand                  string            `json:"brand,omitempty"`
	QuantityOrdered        *float64          `json:"quantity_ordered,omitempty"`
	UnitOfMeasure          string            `json:"unit_of_measure,omitempty"`
	UnitPrice              *float64          `json:"unit_price,omitempty"`
	TotalPrice             *float64          `json:"total_price,omitempty"`
	WeightKG               *float64          `json:"weight_kg,omitempty"`
	VolumeM3               *float64          `json:"volume_m3,omitempty"`
	TemperatureRequirement string            `json:"temperature_requirement,omitempty"`
	Fragile                bool              `json:"fragile"`
	Attributes             map[string]string `json:"product_attributes,omitempty"`
	ProcessingRemarks      []string          `json:"processing_remarks,omitempty"`
}

// Quantity returns the ordered quantity or zero when unresolved.
func (s SKUItem) Quantity() float64 {
	if s.QuantityOrdered == nil {
		return 0
	}
	return *s.QuantityOrdered
}

// LineTotal returns the line amount from TotalPrice, falling back to
// UnitPrice * quantity. ok is false when neither price is known.
func (s SKUItem) LineTotal() (float64, bool) {
	if s.TotalPrice != nil {
		return *s.TotalPrice, true
	}
	if s.UnitPrice != nil && s.QuantityOrdered != nil {
		return *s.UnitPrice * *s.QuantityOrdered, true
	}
	return 0, false
}

// HasPricing reports whether a unit or total price is present.
func (s SKUItem) HasPricing() bool {
	return s.UnitPrice != nil || s.TotalPrice != nil
}

// AddRemark appends a processing remark unless the same text is already
// recorded. Remarks are never removed.
func (s *SKUItem) AddRemark(remark string) {
	if remark == "" || slices.Contains(s.ProcessingRemarks, remark) {
		return
	}
	s.ProcessingRemarks = append(s.ProcessingRemarks, remark)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
