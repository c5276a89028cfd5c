package model

import "time"

// ActionType is the kind of human decision requested.
type ActionType string

const (
	ActionCorrectFields      ActionType = "correct_fields"
	ActionApproveEmail       ActionType = "approve_email"
	ActionUploadCorrection   ActionType = "upload_correction"
	ActionManualIntervention ActionType = "manual_intervention"
)

// ActionStatus is the resolution state of a UserAction.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionSkipped    ActionStatus = "skipped"
	ActionFailed     ActionStatus = "failed"
)

// Open reports whether the action still awaits a decision.
func (s ActionStatus) Open() bool {
	return s == ActionPending || s == ActionInProgress
}

// ActionData is the context a human needs to resolve an action.
type ActionData struct {
	MissingFields []string `json:"missing_fields,omitempty"`
	Issues        []Issue  `json:"issues,omitempty"`
	EmailID       string   `json:"email_id,omitempty"`
	Error         string   `json:"error,omitempty"`
	Score         float64  `json:"validation_score,omitempty"`
}

// UserAction is a unit of work that needs a human decision.
type UserAction struct {
	ID             string         `json:"id"`
	OrderID        string         `json:"order_id"`
	StepID         string         `json:"step_id,omitempty"`
	Type           ActionType     `json:"type"`
	Category       StepCategory   `json:"category"`
	Priority       Priority       `json:"priority"`
	Status         ActionStatus   `json:"status"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	CurrentData    ActionData     `json:"current_data"`
	ExpectedFormat map[string]any `json:"expected_format,omitempty"`
	Resolution     string         `json:"resolution,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ActionSpec describes a UserAction to raise when a stage waits on a user.
type ActionSpec struct {
	Type           ActionType
	Priority       Priority
	Title          string
	Description    string
	DueIn          time.Duration
	Data           ActionData
	ExpectedFormat map[string]any
}
