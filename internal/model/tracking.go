package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// TrackingEntry is one immutable event in an order's ledger.
type TrackingEntry struct {
	Seq       int64        `json:"seq"`
	ID        string       `json:"id"`
	OrderID   string       `json:"order_id"`
	Status    string       `json:"status"`
	Category  StepCategory `json:"category"`
	Message   string       `json:"message"`
	Details   Details      `json:"details"`
	CreatedAt time.Time    `json:"created_at"`
}

// DetailKind tags the payload carried by Details.
type DetailKind string

const (
	KindParse      DetailKind = "parse"
	KindValidation DetailKind = "validation"
	KindError      DetailKind = "error"
	KindEmail      DetailKind = "email"
	KindUserAction DetailKind = "user_action"
	KindCorrection DetailKind = "correction"
	KindAIThread   DetailKind = "ai_thread"
	KindTransition DetailKind = "transition"
	KindSubmission DetailKind = "submission"
	KindRestart    DetailKind = "restart"
)

// Details is a tagged union of ledger payloads. Exactly one typed field is
// set, matching Kind. Payloads of unknown kinds survive a decode/encode cycle
// untouched in Raw.
type Details struct {
	Kind       DetailKind
	Parse      *ParseDetail
	Validation *ValidationSummary
	Error      *ErrorDetail
	Email      *EmailDetail
	Action     *ActionDetail
	Correction *CorrectionDetail
	Thread     *ThreadDetail
	Transition *TransitionDetail
	Submission *SubmissionDetail
	Restart    *RestartDetail
	Raw        json.RawMessage
}

// ParseDetail describes an extraction outcome.
type ParseDetail struct {
	Format     string   `json:"format"`
	Strategy   Strategy `json:"strategy"`
	Items      int      `json:"items"`
	Confidence float64  `json:"confidence"`
	Unresolved []string `json:"unresolved,omitempty"`
}

// ValidationSummary is the ledger projection of a ValidationResult.
type ValidationSummary struct {
	Score         float64  `json:"score"`
	Band          Band     `json:"band"`
	Blocking      bool     `json:"blocking"`
	IsValid       bool     `json:"is_valid"`
	MissingFields []string `json:"missing_fields,omitempty"`
	Errors        int      `json:"validation_errors"`
	Violations    int      `json:"business_rule_violations"`
	QualityIssues int      `json:"data_quality_issues"`
	Priority      Priority `json:"priority,omitempty"`
	Fingerprint   string   `json:"fingerprint"`
}

// ErrorDetail describes a stage failure.
type ErrorDetail struct {
	Step      string `json:"step"`
	Error     string `json:"error"`
	Class     string `json:"class"`
	Attempt   int    `json:"attempt"`
	Retryable bool   `json:"retryable"`
}

// EmailDetail describes a correspondence event.
type EmailDetail struct {
	EmailID   string    `json:"email_id"`
	Type      EmailType `json:"type"`
	Recipient string    `json:"recipient,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ActionDetail describes a user action event.
type ActionDetail struct {
	ActionID string     `json:"action_id"`
	Type     ActionType `json:"type"`
	Status   string     `json:"status"`
	Fields   []string   `json:"fields,omitempty"`
}

// FieldChange is one merged correction.
type FieldChange struct {
	Path string `json:"path"`
	Old  string `json:"old,omitempty"`
	New  string `json:"new"`
}

// CorrectionDetail describes merged corrections.
type CorrectionDetail struct {
	Source  string        `json:"source"`
	Changes []FieldChange `json:"changes"`
	Ignored []string      `json:"ignored,omitempty"`
}

// ThreadDetail describes an AI thread event, including any partial output
// that was discarded.
type ThreadDetail struct {
	ThreadID   string          `json:"thread_id"`
	Status     ThreadStatus    `json:"status"`
	ExternalID string          `json:"external_id,omitempty"`
	ToolsUsed  []string        `json:"tools_used,omitempty"`
	Messages   []ThreadMessage `json:"messages,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// TransitionDetail describes an order status change.
type TransitionDetail struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Reason string      `json:"reason,omitempty"`
}

// SubmissionDetail describes a supplier handoff.
type SubmissionDetail struct {
	Supplier  string `json:"supplier"`
	Reference string `json:"reference,omitempty"`
}

// RestartDetail describes a retry or checkpoint restart.
type RestartDetail struct {
	Checkpoint string         `json:"checkpoint,omitempty"`
	From       StepCategory   `json:"from"`
	Categories []StepCategory `json:"categories"`
}

type detailsEnvelope struct {
	Kind DetailKind      `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (d Details) payload() any {
	switch d.Kind {
	case KindParse:
		return d.Parse
	case KindValidation:
		return d.Validation
	case KindError:
		return d.Error
	case KindEmail:
		return d.Email
	case KindUserAction:
		return d.Action
	case KindCorrection:
		return d.Correction
	case KindAIThread:
		return d.Thread
	case KindTransition:
		return d.Transition
	case KindSubmission:
		return d.Submission
	case KindRestart:
		return d.Restart
	}
	return nil
}

// MarshalJSON encodes Details as {"kind": ..., "data": ...}.
func (d Details) MarshalJSON() ([]byte, error) {
	if d.Kind == "" {
		return []byte("null"), nil
	}
	env := detailsEnvelope{Kind: d.Kind, Data: d.Raw}
	if p := d.payload(); p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, eris.Wrapf(err, "model: marshal %s details", d.Kind)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope produced by MarshalJSON.
func (d *Details) UnmarshalJSON(b []byte) error {
	*d = Details{}
	if string(b) == "null" {
		return nil
	}
	var env detailsEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return eris.Wrap(err, "model: unmarshal details envelope")
	}
	d.Kind = env.Kind
	var target any
	switch env.Kind {
	case KindParse:
		d.Parse = &ParseDetail{}
		target = d.Parse
	case KindValidation:
		d.Validation = &ValidationSummary{}
		target = d.Validation
	case KindError:
		d.Error = &ErrorDetail{}
		target = d.Error
	case KindEmail:
		d.Email = &EmailDetail{}
		target = d.Email
	case KindUserAction:
		d.Action = &ActionDetail{}
		target = d.Action
	case KindCorrection:
		d.Correction = &CorrectionDetail{}
		target = d.Correction
	case KindAIThread:
		d.Thread = &ThreadDetail{}
		target = d.Thread
	case KindTransition:
		d.Transition = &TransitionDetail{}
		target = d.Transition
	case KindSubmission:
		d.Submission = &SubmissionDetail{}
		target = d.Submission
	case KindRestart:
		d.Restart = &RestartDetail{}
		target = d.Restart
	default:
		d.Raw = env.Data
		return nil
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return eris.Wrapf(err, "model: unmarshal %s details", env.Kind)
	}
	return nil
}
