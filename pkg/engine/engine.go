// Package engine runs linked workflows with a frontier scheduler:
// ready nodes execute concurrently, the scheduler blocks on the next
// completion, and failures never cascade past their dependents.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/models"
	"github.com/dibenedetto/meshade/pkg/nodes"
)

// Engine owns the executions. One scheduler goroutine runs per
// execution; all public methods are safe for concurrent use.
type Engine struct {
	bus      *events.Bus
	registry *nodes.Registry
	backend  *backend.Backend
	log      zerolog.Logger

	mu         sync.RWMutex
	executions map[string]*execution
}

// New builds an engine. registry may be nil to use the built-in kinds;
// defaultBackend may be nil when no workflow uses tool or agent nodes.
func New(bus *events.Bus, registry *nodes.Registry, defaultBackend *backend.Backend, log zerolog.Logger) *Engine {
	if registry == nil {
		registry = nodes.Builtin()
	}
	return &Engine{
		bus:        bus,
		registry:   registry,
		backend:    defaultBackend,
		log:        log.With().Str("component", "engine").Logger(),
		executions: map[string]*execution{},
	}
}

// StartOptions tune one execution.
type StartOptions struct {
	// ExecutionID overrides the generated id. Reusing a live id fails
	// with already_running.
	ExecutionID string
	// InitialData overrides workflow variables on key conflicts.
	InitialData map[string]interface{}
	// Backend overrides the engine default for this execution.
	Backend *backend.Backend
}

// Start launches an execution of the workflow and returns its id. The
// workflow is deep-copied; unlinked workflows are linked against the
// engine registry first. workflow.started is emitted before Start
// returns, ahead of every node event.
func (e *Engine) Start(wf *models.Workflow, opts StartOptions) (string, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return "", models.NewError(models.ErrInvalidWorkflow, "workflow has no nodes", nil)
	}

	run := wf.Clone()
	if !run.Linked() {
		if err := run.Link(e.registry); err != nil {
			return "", err
		}
	}

	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}

	b := opts.Backend
	if b == nil {
		b = e.backend
	}

	x, err := e.newExecution(id, run, b, opts.InitialData)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if prev, ok := e.executions[id]; ok && !prev.snapshotPhase().Terminal() {
		e.mu.Unlock()
		return "", models.NewError(models.ErrAlreadyRunning, fmt.Sprintf("execution %q is already running", id), nil)
	}
	e.executions[id] = x
	e.mu.Unlock()

	e.bus.Emit(events.WorkflowStarted, x.workflowName, id, "", map[string]interface{}{
		"variables": models.DeepCopyMap(x.variables),
	}, "")

	go x.run()
	return id, nil
}

func (e *Engine) find(id string) (*execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("execution %q not found", id), nil)
	}
	return x, nil
}

// Status snapshots one execution.
func (e *Engine) Status(id string) (*models.ExecutionState, error) {
	x, err := e.find(id)
	if err != nil {
		return nil, err
	}
	return x.snapshot(), nil
}

// List snapshots every known execution, ordered by start time.
func (e *Engine) List() []*models.ExecutionState {
	e.mu.RLock()
	all := make([]*execution, 0, len(e.executions))
	for _, x := range e.executions {
		all = append(all, x)
	}
	e.mu.RUnlock()

	states := make([]*models.ExecutionState, len(all))
	for i, x := range all {
		states[i] = x.snapshot()
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StartedAt.Before(states[j].StartedAt) })
	return states
}

// Cancel requests cooperative cancellation. It is idempotent while the
// execution runs and fails with already_terminal afterwards.
func (e *Engine) Cancel(id string) error {
	x, err := e.find(id)
	if err != nil {
		return err
	}
	return x.requestCancel()
}

// ProvideUserInput resolves the pending user-input promise of a node.
func (e *Engine) ProvideUserInput(executionID, nodeID string, value interface{}) error {
	x, err := e.find(executionID)
	if err != nil {
		return err
	}
	return x.provideUserInput(nodeID, value)
}

// Wait blocks until the execution reaches a terminal phase or ctx
// expires, then returns the final snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (*models.ExecutionState, error) {
	x, err := e.find(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-x.done:
		return x.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels every live execution and waits for the schedulers
// to drain, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	all := make([]*execution, 0, len(e.executions))
	for _, x := range e.executions {
		all = append(all, x)
	}
	e.mu.RUnlock()

	for _, x := range all {
		_ = x.requestCancel()
	}
	for _, x := range all {
		select {
		case <-x.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
