// Package storage mirrors workflows, executions and events into
// Postgres. It is optional: the daemon runs fully in memory when no
// DSN is configured.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/models"
)

// Store wraps the bun handle.
type Store struct {
	db  *bun.DB
	log zerolog.Logger
}

// Open connects to Postgres through the bun pgdriver.
func Open(dsn string, log zerolog.Logger) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &Store{db: db, log: log.With().Str("component", "storage").Logger()}, nil
}

// NewWithDB wraps an existing bun handle (used by tests).
func NewWithDB(db *bun.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "storage").Logger()}
}

// Init creates the tables when they do not exist yet.
func (s *Store) Init(ctx context.Context) error {
	for _, model := range []interface{}{(*WorkflowRow)(nil), (*ExecutionRow)(nil), (*EventRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// SaveWorkflow upserts a workflow definition by name.
func (s *Store) SaveWorkflow(ctx context.Context, name string, wf *models.Workflow) error {
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %q: %w", name, err)
	}
	row := &WorkflowRow{
		Name:       name,
		Definition: definition,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (name) DO UPDATE").
		Set("definition = EXCLUDED.definition").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// DeleteWorkflow drops a definition by name.
func (s *Store) DeleteWorkflow(ctx context.Context, name string) error {
	_, err := s.db.NewDelete().Model((*WorkflowRow)(nil)).Where("name = ?", name).Exec(ctx)
	return err
}

// LoadWorkflows returns every stored definition keyed by name.
func (s *Store) LoadWorkflows(ctx context.Context) (map[string]*models.Workflow, error) {
	var rows []WorkflowRow
	if err := s.db.NewSelect().Model(&rows).Order("name").Scan(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]*models.Workflow, len(rows))
	for _, row := range rows {
		var wf models.Workflow
		if err := json.Unmarshal(row.Definition, &wf); err != nil {
			return nil, fmt.Errorf("parse workflow %q: %w", row.Name, err)
		}
		out[row.Name] = &wf
	}
	return out, nil
}

// SaveExecution upserts a terminal execution snapshot.
func (s *Store) SaveExecution(ctx context.Context, st *models.ExecutionState) error {
	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal execution %q: %w", st.ID, err)
	}
	row := &ExecutionRow{
		ID:           st.ID,
		WorkflowName: st.WorkflowName,
		Phase:        string(st.Phase),
		Error:        st.Error,
		State:        state,
		StartedAt:    st.StartedAt,
		FinishedAt:   st.FinishedAt,
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("phase = EXCLUDED.phase").
		Set("error = EXCLUDED.error").
		Set("state = EXCLUDED.state").
		Set("finished_at = EXCLUDED.finished_at").
		Exec(ctx)
	return err
}

// AppendEvent inserts one bus event.
func (s *Store) AppendEvent(ctx context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	row := &EventRow{
		ID:          ev.ID,
		Type:        string(ev.Type),
		WorkflowID:  ev.WorkflowID,
		ExecutionID: ev.ExecutionID,
		Data:        data,
		Timestamp:   ev.Timestamp,
	}
	if ev.NodeID != nil {
		row.NodeID = *ev.NodeID
	}
	if ev.Error != nil {
		row.Error = *ev.Error
	}
	_, err = s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

// EventsByExecution returns the stored events of one execution in
// timestamp order.
func (s *Store) EventsByExecution(ctx context.Context, executionID string) ([]EventRow, error) {
	var rows []EventRow
	err := s.db.NewSelect().Model(&rows).
		Where("execution_id = ?", executionID).
		Order("timestamp").
		Scan(ctx)
	return rows, err
}

// Recorder subscribes the store to a bus: every event is appended,
// keeping the durable log in step with the in-memory history.
func (s *Store) Recorder(bus *events.Bus) string {
	return bus.Subscribe(events.Wildcard, func(ev *events.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.AppendEvent(ctx, ev)
	})
}
