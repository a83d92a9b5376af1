package storage

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// WorkflowRow persists one registered workflow definition.
type WorkflowRow struct {
	bun.BaseModel `bun:"table:workflows,alias:w"`

	ID         int64           `bun:"id,pk,autoincrement"`
	Name       string          `bun:"name,notnull,unique"`
	Definition json.RawMessage `bun:"definition,type:jsonb,notnull"`
	CreatedAt  time.Time       `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt  time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
}

// ExecutionRow persists a terminal execution snapshot.
type ExecutionRow struct {
	bun.BaseModel `bun:"table:executions,alias:x"`

	ID           string          `bun:"id,pk"`
	WorkflowName string          `bun:"workflow_name,notnull"`
	Phase        string          `bun:"phase,notnull"`
	Error        string          `bun:"error"`
	State        json.RawMessage `bun:"state,type:jsonb"`
	StartedAt    time.Time       `bun:"started_at,notnull"`
	FinishedAt   time.Time       `bun:"finished_at,nullzero"`
}

// EventRow persists one bus event.
type EventRow struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID          string          `bun:"id,pk"`
	Type        string          `bun:"type,notnull"`
	WorkflowID  string          `bun:"workflow_id"`
	ExecutionID string          `bun:"execution_id"`
	NodeID      string          `bun:"node_id"`
	Data        json.RawMessage `bun:"data,type:jsonb"`
	Error       string          `bun:"error"`
	Timestamp   time.Time       `bun:"timestamp,notnull"`
}
