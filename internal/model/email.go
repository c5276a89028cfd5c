package model

import "time"

// EmailType is the purpose of an outbound email.
type EmailType string

const (
	EmailMissingInfo       EmailType = "missing_info"
	EmailValidationFailed  EmailType = "validation_failed"
	EmailCatalogMismatch   EmailType = "catalog_mismatch"
	EmailDataQuality       EmailType = "data_quality"
	EmailOrderConfirmation EmailType = "order_confirmation"
	EmailCustom            EmailType = "custom"
)

// EmailStatus is the delivery state of an email.
type EmailStatus string

const (
	EmailDraft   EmailStatus = "draft"
	EmailPending EmailStatus = "pending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
	EmailBounced EmailStatus = "bounced"
)

// DeliveryInfo is transport metadata reported by the mail sender.
type DeliveryInfo struct {
	MessageID      string `json:"message_id,omitempty"`
	ProviderStatus string `json:"provider_status,omitempty"`
}

// EmailCommunication is correspondence with the retailer about an order.
type EmailCommunication struct {
	ID                 string       `json:"id"`
	OrderID            string       `json:"order_id"`
	Type               EmailType    `json:"email_type"`
	Subject            string       `json:"subject"`
	Recipient          string       `json:"recipient"`
	Status             EmailStatus  `json:"status"`
	Priority           Priority     `json:"priority,omitempty"`
	Content            string       `json:"content"`
	Fields             []string     `json:"fields,omitempty"`
	Attempts           int          `json:"attempts"`
	LastError          string       `json:"last_error,omitempty"`
	Delivery           DeliveryInfo `json:"delivery"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	SentAt             *time.Time   `json:"sent_at,omitempty"`
	ResponseReceivedAt *time.Time   `json:"response_received_at,omitempty"`
}

// Editable reports whether subject, recipient and content may still change.
func (e EmailCommunication) Editable() bool {
	return e.Status == EmailDraft
}
