package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusUploaded, StatusProcessing, true},
		{StatusProcessing, StatusValidated, true},
		{StatusProcessing, StatusMissingInfo, true},
		{StatusMissingInfo, StatusInfoReceived, true},
		{StatusInfoReceived, StatusMissingInfo, true},
		{StatusValidated, StatusSubmitted, true},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusConfirmed, StatusInTransit, true},
		{StatusInTransit, StatusDelivered, true},
		{StatusUploaded, StatusValidated, false},
		{StatusMissingInfo, StatusValidated, false},
		{StatusSubmitted, StatusProcessing, false},
		{StatusInTransit, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusValidated, StatusCancelled, true},
		{StatusSubmitted, StatusCancelled, false},
		{StatusFailed, StatusCancelled, true},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusProcessing, false},
		{StatusValidated, StatusValidated, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanReopen(t *testing.T) {
	t.Parallel()

	assert.True(t, CanReopen(StatusFailed, StatusProcessing))
	assert.True(t, CanReopen(StatusFailed, StatusValidated))
	assert.True(t, CanReopen(StatusValidated, StatusProcessing))
	assert.False(t, CanReopen(StatusSubmitted, StatusProcessing))
	assert.False(t, CanReopen(StatusCancelled, StatusProcessing))
	assert.False(t, CanReopen(StatusFailed, StatusSubmitted))
}

func TestComputeTotals(t *testing.T) {
	t.Parallel()

	items := []SKUItem{
		{QuantityOrdered: Float(2), UnitPrice: Float(10.50), WeightKG: Float(1.2), VolumeM3: Float(0.01)},
		{QuantityOrdered: Float(1), TotalPrice: Float(99.99)},
		{QuantityOrdered: Float(3)},
	}

	got := ComputeTotals(items, 0.1)
	assert.Equal(t, 3, got.SKUCount)
	assert.InDelta(t, 6, got.Quantity, 0.0001)
	assert.InDelta(t, 2.4, got.WeightKG, 0.0001)
	assert.InDelta(t, 0.02, got.VolumeM3, 0.0001)
	assert.InDelta(t, 120.99, got.Subtotal, 0.0001)
	assert.InDelta(t, 12.10, got.Tax, 0.0001)
	assert.InDelta(t, 133.09, got.Total, 0.0001)
}

func TestComputeTotals_Empty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Totals{}, ComputeTotals(nil, 0.2))
}

func TestSKUItem_AddRemark(t *testing.T) {
	t.Parallel()

	var it SKUItem
	it.AddRemark("weight estimated")
	it.AddRemark("weight estimated")
	it.AddRemark("")
	it.AddRemark("unit_price corrected")
	assert.Equal(t, []string{"weight estimated", "unit_price corrected"}, it.ProcessingRemarks)
}

func TestCurrentSteps(t *testing.T) {
	t.Parallel()

	steps := []ProcessingStep{
		{ID: "a", Category: CategoryFileProcessing, Attempt: 1, Superseded: true},
		{ID: "b", Category: CategoryFileProcessing, Attempt: 2},
		{ID: "c", Category: CategoryValidation, Attempt: 1},
	}
	cur := CurrentSteps(steps)
	require.Len(t, cur, 2)
	assert.Equal(t, "b", cur[CategoryFileProcessing].ID)
	assert.Equal(t, "c", cur[CategoryValidation].ID)
	assert.Equal(t, 3, NextAttempt(steps, CategoryFileProcessing))
	assert.Equal(t, 1, NextAttempt(steps, CategorySystemProcess))
}

func TestDownstream(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []StepCategory{CategorySKUProcessing, CategorySystemProcess}, Downstream(CategorySKUProcessing))
	assert.Len(t, Downstream(CategoryFileProcessing), len(PipelineOrder))
	assert.Nil(t, Downstream("bogus"))

	c, ok := CategoryForStep("parse_file")
	assert.True(t, ok)
	assert.Equal(t, CategoryFileProcessing, c)
	c, ok = CategoryForStep("validation")
	assert.True(t, ok)
	assert.Equal(t, CategoryValidation, c)
}

func TestDetails_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Details{Kind: KindValidation, Validation: &ValidationSummary{Score: 0.65, Band: BandSignificant, Blocking: true}}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"validation","data":{"score":0.65,"band":"significant_gaps","blocking":true,"is_valid":false,"validation_errors":0,"business_rule_violations":0,"data_quality_issues":0,"fingerprint":""}}`, string(b))

	var out Details
	require.NoError(t, json.Unmarshal(b, &out))
	require.NotNil(t, out.Validation)
	assert.Equal(t, BandSignificant, out.Validation.Band)
	assert.Nil(t, out.Error)
}

func TestDetails_UnknownKindPreserved(t *testing.T) {
	t.Parallel()

	raw := `{"kind":"carrier_scan","data":{"depot":"DXB-2","scans":3}}`
	var d Details
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	assert.Equal(t, DetailKind("carrier_scan"), d.Kind)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(b))
}

func TestDetails_Null(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Details{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	var d Details
	require.NoError(t, json.Unmarshal([]byte("null"), &d))
	assert.Empty(t, d.Kind)
}

func TestValidationResult_FlaggedFields(t *testing.T) {
	t.Parallel()

	v := ValidationResult{
		MissingFields:          []string{"items[1].unit_price", "delivery_address"},
		ValidationErrors:       []Issue{{Field: "items[0].quantity_ordered"}},
		BusinessRuleViolations: []Issue{{Field: "items[1].unit_price"}},
	}
	assert.Equal(t, []string{"items[1].unit_price", "delivery_address", "items[0].quantity_ordered"}, v.FlaggedFields())
}
