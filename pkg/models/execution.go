package models

import "time"

// Phase is the lifecycle phase of an execution or a node run.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// NodeRecord tracks a single node run within an execution. Index is the
// original node index in the workflow definition.
type NodeRecord struct {
	Index      int       `json:"index"`
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	Phase      Phase     `json:"phase"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ExecutionState is a point-in-time snapshot of one workflow execution.
// Outputs are keyed by original node index.
type ExecutionState struct {
	ID           string                         `json:"execution_id"`
	WorkflowName string                         `json:"workflow_name"`
	Phase        Phase                          `json:"phase"`
	Error        string                         `json:"error,omitempty"`
	StartedAt    time.Time                      `json:"started_at"`
	FinishedAt   time.Time                      `json:"finished_at,omitempty"`
	Variables    map[string]interface{}         `json:"variables,omitempty"`
	Outputs      map[int]map[string]interface{} `json:"outputs,omitempty"`
	Nodes        map[int]*NodeRecord            `json:"nodes,omitempty"`
}
