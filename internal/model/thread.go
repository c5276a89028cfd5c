package model

import "time"

// ThreadStatus is the lifecycle state of an AI thread.
type ThreadStatus string

const (
	ThreadCreated   ThreadStatus = "CREATED"
	ThreadRunning   ThreadStatus = "RUNNING"
	ThreadCompleted ThreadStatus = "COMPLETED"
	ThreadFailed    ThreadStatus = "FAILED"
	ThreadTimeout   ThreadStatus = "TIMEOUT"
	ThreadCancelled ThreadStatus = "CANCELLED"
)

// Finished reports whether the thread reached a final state.
func (s ThreadStatus) Finished() bool {
	switch s {
	case ThreadCompleted, ThreadFailed, ThreadTimeout, ThreadCancelled:
		return true
	}
	return false
}

// ThreadMessage is one turn of an AI thread conversation.
type ThreadMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExtractedField is one AI-resolved field with its confidence.
type ExtractedField struct {
	Path       string  `json:"path"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// AIThread is a bounded-lifetime AI assistance session for one order.
type AIThread struct {
	ID          string           `json:"id"`
	OrderID     string           `json:"order_id"`
	Status      ThreadStatus     `json:"status"`
	Instruction string           `json:"instruction"`
	ExternalID  string           `json:"external_id,omitempty"`
	ToolsUsed   []string         `json:"tools_used,omitempty"`
	Messages    []ThreadMessage  `json:"messages,omitempty"`
	Output      []ExtractedField `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}
