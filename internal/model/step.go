package model

import "time"

// StepCategory is a pipeline stage category.
type StepCategory string

const (
	CategoryFileProcessing  StepCategory = "file_processing"
	CategoryValidation      StepCategory = "validation"
	CategoryCommunication   StepCategory = "communication"
	CategoryUserInteraction StepCategory = "user_interaction"
	CategorySKUProcessing   StepCategory = "sku_processing"
	CategorySystemProcess   StepCategory = "system_process"
)

// PipelineOrder is the dependency order of stage categories. The
// communication and user_interaction pair loops zero or more times between
// validation and sku_processing.
var PipelineOrder = []StepCategory{
	CategoryFileProcessing,
	CategoryValidation,
	CategoryCommunication,
	CategoryUserInteraction,
	CategorySKUProcessing,
	CategorySystemProcess,
}

// Rank returns the category's position in PipelineOrder, or -1.
func (c StepCategory) Rank() int {
	for i, pc := range PipelineOrder {
		if pc == c {
			return i
		}
	}
	return -1
}

// Valid reports whether c is a known category.
func (c StepCategory) Valid() bool { return c.Rank() >= 0 }

// StepName is the canonical step name for a category.
func (c StepCategory) StepName() string {
	switch c {
	case CategoryFileProcessing:
		return "parse_file"
	case CategoryValidation:
		return "validate_order"
	case CategoryCommunication:
		return "draft_correspondence"
	case CategoryUserInteraction:
		return "await_user"
	case CategorySKUProcessing:
		return "materialize_skus"
	case CategorySystemProcess:
		return "submit_order"
	}
	return string(c)
}

// CategoryForStep resolves a step name or category name to its category.
func CategoryForStep(name string) (StepCategory, bool) {
	for _, c := range PipelineOrder {
		if name == string(c) || name == c.StepName() {
			return c, true
		}
	}
	return "", false
}

// Downstream returns c and every category after it in pipeline order.
func Downstream(c StepCategory) []StepCategory {
	r := c.Rank()
	if r < 0 {
		return nil
	}
	return PipelineOrder[r:]
}

// StepStatus is the state of one ProcessingStep attempt.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepPaused      StepStatus = "paused"
	StepSkipped     StepStatus = "skipped"
	StepWaitingUser StepStatus = "waiting_user"
)

// SubStep is an ordered unit of work inside a step.
type SubStep struct {
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// Checkpoint is a named pass/fail marker recorded by a step.
type Checkpoint struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Value  string `json:"value,omitempty"`
}

// ProcessingStep is one attempt at one stage for one order. Attempts are
// superseded by newer attempts and never deleted.
type ProcessingStep struct {
	ID            string       `json:"id"`
	OrderID       string       `json:"order_id"`
	Category      StepCategory `json:"category"`
	Name          string       `json:"name"`
	Attempt       int          `json:"attempt"`
	Status        StepStatus   `json:"status"`
	LastExecution *time.Time   `json:"last_execution,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	SubSteps      []SubStep    `json:"sub_steps,omitempty"`
	Checkpoints   []Checkpoint `json:"checkpoints,omitempty"`
	Superseded    bool         `json:"superseded"`
	CreatedAt     time.Time    `json:"created_at"`
}

// AddCheckpoint records or replaces the named checkpoint.
func (s *ProcessingStep) AddCheckpoint(name string, passed bool, value string) {
	for i := range s.Checkpoints {
		if s.Checkpoints[i].Name == name {
			s.Checkpoints[i] = Checkpoint{Name: name, Passed: passed, Value: value}
			return
		}
	}
	s.Checkpoints = append(s.Checkpoints, Checkpoint{Name: name, Passed: passed, Value: value})
}

// AddSubStep appends a sub-step outcome.
func (s *ProcessingStep) AddSubStep(name string, status StepStatus, msg string) {
	s.SubSteps = append(s.SubSteps, SubStep{Name: name, Status: status, Message: msg})
}

// Active reports whether the step is the current attempt and still open.
func (s ProcessingStep) Active() bool {
	if s.Superseded {
		return false
	}
	switch s.Status {
	case StepPending, StepRunning, StepPaused, StepWaitingUser:
		return true
	}
	return false
}

// CurrentSteps returns the latest non-superseded attempt per category.
func CurrentSteps(steps []ProcessingStep) map[StepCategory]ProcessingStep {
	out := make(map[StepCategory]ProcessingStep)
	for _, s := range steps {
		if s.Superseded {
			continue
		}
		if prev, ok := out[s.Category]; !ok || s.Attempt > prev.Attempt {
			out[s.Category] = s
		}
	}
	return out
}

// NextAttempt returns the attempt number for a new step in category c.
func NextAttempt(steps []ProcessingStep, c StepCategory) int {
	n := 0
	for _, s := range steps {
		if s.Category == c && s.Attempt > n {
			n = s.Attempt
		}
	}
	return n + 1
}
