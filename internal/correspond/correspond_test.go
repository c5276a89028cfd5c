package correspond

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/mailer"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
)

func testOrder() model.Order {
	return model.Order{
		ID:          "4f1d2a7c-0000-4000-8000-000000000001",
		OrderNumber: "PO-7781",
		Priority:    model.PriorityNormal,
		RetailerInfo: &model.RetailerInfo{
			Name:  "Corner Grocers",
			Email: "buyer@corner.example",
		},
		Totals: model.Totals{SKUCount: 2, Quantity: 5, Total: 42.5},
	}
}

func missingPrices() model.ValidationResult {
	return model.ValidationResult{
		Score:         0.65,
		Band:          model.BandSignificant,
		Blocking:      true,
		MissingFields: []string{"sku_items[2].unit_price", "sku_items[4].unit_price"},
		ValidationErrors: []model.Issue{
			{Field: "sku_items[3].total_price", Code: "total_mismatch", Message: "total price does not match"},
		},
	}
}

func TestTypeFor(t *testing.T) {
	issue := []model.Issue{{Field: "x", Code: "c", Message: "m"}}
	tests := []struct {
		name string
		res  model.ValidationResult
		want model.EmailType
	}{
		{"missing wins", model.ValidationResult{MissingFields: []string{"priority"}, ValidationErrors: issue, BusinessRuleViolations: issue}, model.EmailMissingInfo},
		{"errors over rules", model.ValidationResult{ValidationErrors: issue, BusinessRuleViolations: issue}, model.EmailValidationFailed},
		{"rules over quality", model.ValidationResult{BusinessRuleViolations: issue, DataQualityIssues: issue}, model.EmailCatalogMismatch},
		{"quality only", model.ValidationResult{DataQualityIssues: issue}, model.EmailDataQuality},
		{"clean", model.ValidationResult{}, model.EmailOrderConfirmation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeFor(tt.res))
		})
	}
}

func TestCompose_MissingInfo(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	e, err := c.Compose(testOrder(), missingPrices())
	require.NoError(t, err)

	assert.Equal(t, model.EmailMissingInfo, e.Type)
	assert.Equal(t, model.EmailDraft, e.Status)
	assert.Equal(t, "Order PO-7781: information needed", e.Subject)
	assert.Equal(t, "buyer@corner.example", e.Recipient)
	assert.Equal(t, model.PriorityNormal, e.Priority)
	assert.Equal(t, []string{"sku_items[2].unit_price", "sku_items[4].unit_price", "sku_items[3].total_price"}, e.Fields)
	assert.Contains(t, e.Content, "Hello Corner Grocers,")
	assert.Contains(t, e.Content, "- line 2 unit price")
	assert.Contains(t, e.Content, "- line 4 unit price")
	assert.Contains(t, e.Content, "line 3 total price: total price does not match")
	assert.True(t, e.Editable())
	assert.NotEmpty(t, e.ID)
}

func TestCompose_UrgentEscalates(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	res := model.ValidationResult{Score: 0.2, Band: model.BandUrgent, Blocking: true, MissingFields: []string{"sku_items"}}
	e, err := c.Compose(testOrder(), res)
	require.NoError(t, err)
	assert.Equal(t, "[URGENT] Order PO-7781: information needed", e.Subject)
	assert.Equal(t, model.PriorityUrgent, e.Priority)
	assert.Contains(t, e.Content, "- order lines")
}

func TestCompose_BusinessRules(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	res := model.ValidationResult{
		Score:    0.95,
		Band:     model.BandReady,
		Blocking: true,
		BusinessRuleViolations: []model.Issue{
			{Field: "sku_items[1].quantity_ordered", Code: "negative_quantity", Message: "quantity must not be negative"},
		},
	}
	e, err := c.Compose(testOrder(), res)
	require.NoError(t, err)
	assert.Equal(t, model.EmailCatalogMismatch, e.Type)
	assert.Contains(t, e.Content, "line 1 quantity ordered: quantity must not be negative")
}

func TestCompose_NoRetailer(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	o := testOrder()
	o.RetailerInfo = nil
	o.OrderNumber = ""
	e, err := c.Compose(o, model.ValidationResult{MissingFields: []string{"order_number", "retailer_info.email"}})
	require.NoError(t, err)
	assert.Empty(t, e.Recipient)
	assert.Equal(t, "Order 4f1d2a7c: information needed", e.Subject)
	assert.Contains(t, e.Content, "Hello there,")
	assert.Contains(t, e.Content, "- retailer email")
}

func TestCompose_Confirmation(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	e, err := c.Compose(testOrder(), model.ValidationResult{Score: 1, Band: model.BandReady})
	require.NoError(t, err)
	assert.Equal(t, model.EmailOrderConfirmation, e.Type)
	assert.Contains(t, e.Content, "Total:    42.50")
	assert.Empty(t, e.Fields)
}

func TestComposer_TemplateOverride(t *testing.T) {
	dir := t.TempDir()
	override := `{{define "missing_info.subject"}}Action required for {{.OrderNumber}}{{end}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.tmpl"), []byte(override), 0o600))

	c, err := NewComposer(dir)
	require.NoError(t, err)
	e, err := c.Compose(testOrder(), missingPrices())
	require.NoError(t, err)
	assert.Equal(t, "Action required for PO-7781", e.Subject)
	assert.Contains(t, e.Content, "line 2 unit price")
}

func TestComposer_BadOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.tmpl"), []byte(`{{define "x"}}`), 0o600))
	_, err := NewComposer(dir)
	require.Error(t, err)
}

func TestComposeCustom(t *testing.T) {
	c, err := NewComposer("")
	require.NoError(t, err)

	e, err := c.ComposeCustom(testOrder(), "Delivery window", "Can we deliver Tuesday?")
	require.NoError(t, err)
	assert.Equal(t, model.EmailCustom, e.Type)
	assert.Equal(t, "Can we deliver Tuesday?\n", e.Content)

	_, err = c.ComposeCustom(testOrder(), " ", "body")
	require.Error(t, err)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "line 3 SKU code", Label("sku_items[3].sku_code"))
	assert.Equal(t, "line 1 weight (kg)", Label("sku_items[1].weight_kg"))
	assert.Equal(t, "delivery address", Label("delivery_address"))
	assert.Equal(t, "retailer email", Label("retailer_info.email"))
	assert.Equal(t, "order lines", Label("sku_items"))
}

// scriptedSender fails with the queued errors before succeeding.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	last  mailer.Message
}

func (s *scriptedSender) Send(_ context.Context, msg mailer.Message) (model.DeliveryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = msg
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return model.DeliveryInfo{}, err
	}
	return model.DeliveryInfo{MessageID: "<m-1@test>", ProviderStatus: "accepted"}, nil
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func draftEmail() model.EmailCommunication {
	return model.EmailCommunication{
		ID:        "e-1",
		OrderID:   "o-1",
		Type:      model.EmailMissingInfo,
		Subject:   "Order PO-1: information needed",
		Recipient: "buyer@corner.example",
		Content:   "please send prices\n",
		Priority:  model.PriorityUrgent,
	}
}

func transient() error {
	return resilience.NewTransientError(errors.New("451 mailbox busy"), 451)
}

func TestDispatch_RetriesTransient(t *testing.T) {
	s := &scriptedSender{errs: []error{transient(), transient()}}
	d := NewDispatcher(s, "orders@example.com", fastRetry(3), 0)

	out := d.Dispatch(context.Background(), draftEmail())
	require.NoError(t, out.Err)
	assert.True(t, out.Sent())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "<m-1@test>", out.Delivery.MessageID)
	assert.Equal(t, "orders@example.com", s.last.From)
	assert.Equal(t, "o-1", s.last.Headers["X-Order-ID"])
	assert.Equal(t, "1", s.last.Headers["X-Priority"])
}

func TestDispatch_Exhausted(t *testing.T) {
	s := &scriptedSender{errs: []error{transient(), transient(), transient(), transient()}}
	d := NewDispatcher(s, "orders@example.com", fastRetry(3), 0)

	out := d.Dispatch(context.Background(), draftEmail())
	require.Error(t, out.Err)
	assert.False(t, out.Sent())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, s.calls)
}

func TestDispatch_PermanentStops(t *testing.T) {
	s := &scriptedSender{errs: []error{resilience.Permanent(errors.New("550 no such user"))}}
	d := NewDispatcher(s, "orders@example.com", fastRetry(5), 0)

	out := d.Dispatch(context.Background(), draftEmail())
	require.Error(t, out.Err)
	assert.Equal(t, 1, out.Attempts)
}

func TestDispatch_NoRecipient(t *testing.T) {
	s := &scriptedSender{}
	d := NewDispatcher(s, "orders@example.com", fastRetry(3), 10)

	e := draftEmail()
	e.Recipient = ""
	out := d.Dispatch(context.Background(), e)
	require.Error(t, out.Err)
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, 0, s.calls)
}
