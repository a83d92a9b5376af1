package events

import "time"

// Type classifies an event on the bus.
type Type string

const (
	WorkflowStarted   Type = "workflow.started"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	WorkflowCancelled Type = "workflow.cancelled"

	NodeStarted   Type = "node.started"
	NodeCompleted Type = "node.completed"
	NodeFailed    Type = "node.failed"

	UserInputRequested Type = "user_input.requested"
	UserInputReceived  Type = "user_input.received"

	ManagerAdded   Type = "manager.added"
	ManagerRemoved Type = "manager.removed"
	ManagerGot     Type = "manager.got"
	ManagerListed  Type = "manager.listed"
	ManagerCleared Type = "manager.cleared"
	ManagerCreated Type = "manager.created"
)

// Wildcard subscribes a handler to every event type.
const Wildcard Type = "*"

// Event is a single occurrence on the bus. Events are immutable once
// emitted; consumers must not modify Data.
type Event struct {
	ID          string                 `json:"event_id"`
	Type        Type                   `json:"event_type"`
	Timestamp   time.Time              `json:"timestamp"`
	WorkflowID  string                 `json:"workflow_id"`
	ExecutionID string                 `json:"execution_id"`
	NodeID      *string                `json:"node_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       *string                `json:"error,omitempty"`
}
