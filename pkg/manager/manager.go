// Package manager keeps the name-keyed registry of linked workflows.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/models"
	"github.com/dibenedetto/meshade/pkg/nodes"
)

// Store mirrors registry mutations into durable storage. Implementations
// must tolerate repeated saves of the same name.
type Store interface {
	SaveWorkflow(ctx context.Context, name string, wf *models.Workflow) error
	DeleteWorkflow(ctx context.Context, name string) error
}

// Manager registers workflows under unique names, hands out defensive
// copies, and reports every operation on the event bus.
type Manager struct {
	log      zerolog.Logger
	bus      *events.Bus
	registry *nodes.Registry
	backend  *backend.Backend
	store    Store

	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	counter   int
}

// New builds a manager. registry may be nil to use the built-in kinds;
// b is the backend handed to executions via Impl.
func New(bus *events.Bus, registry *nodes.Registry, b *backend.Backend, log zerolog.Logger) *Manager {
	if registry == nil {
		registry = nodes.Builtin()
	}
	return &Manager{
		log:       log.With().Str("component", "manager").Logger(),
		bus:       bus,
		registry:  registry,
		backend:   b,
		workflows: map[string]*models.Workflow{},
	}
}

// SetStore attaches a durable mirror for Add/Remove.
func (m *Manager) SetStore(s Store) { m.store = s }

// Registry exposes the kind registry the manager links against.
func (m *Manager) Registry() *nodes.Registry { return m.registry }

func (m *Manager) emit(t events.Type, name string, data map[string]interface{}) {
	if m.bus != nil {
		m.bus.Emit(t, name, "", "", data, "")
	}
}

// Add links the workflow and registers a deep copy of it. An empty
// name falls back to the workflow's own name, and only when both are
// absent does the monotonic counter assign the next workflow_{N}.
// Registration is name-keyed replacement: re-adding a name swaps the
// stored definition.
func (m *Manager) Add(wf *models.Workflow, name string) (string, error) {
	if wf == nil {
		return "", models.NewError(models.ErrInvalidWorkflow, "workflow is nil", nil)
	}
	stored := wf.Clone()
	if err := stored.Link(m.registry); err != nil {
		return "", err
	}

	m.mu.Lock()
	if name == "" {
		name = stored.Name
	}
	if name == "" {
		m.counter++
		name = fmt.Sprintf("workflow_%d", m.counter)
	}
	stored.Name = name
	m.workflows[name] = stored
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveWorkflow(context.Background(), name, stored); err != nil {
			m.log.Error().Err(err).Str("workflow", name).Msg("persist workflow")
		}
	}
	m.emit(events.ManagerAdded, name, map[string]interface{}{"name": name})
	return name, nil
}

// Create registers a fresh empty workflow under the given name.
func (m *Manager) Create(name, description string) (*models.Workflow, error) {
	wf := models.NewWorkflow(name, description)
	registered, err := m.Add(wf, name)
	if err != nil {
		return nil, err
	}
	m.emit(events.ManagerCreated, registered, nil)
	return m.Get(registered)
}

// Get returns a deep copy of a registered workflow.
func (m *Manager) Get(name string) (*models.Workflow, error) {
	m.mu.RLock()
	wf, ok := m.workflows[name]
	m.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("workflow %q not found", name), nil)
	}
	m.emit(events.ManagerGot, name, nil)
	return wf.Clone(), nil
}

// List returns deep copies of every registered workflow.
func (m *Manager) List() map[string]*models.Workflow {
	m.mu.RLock()
	out := make(map[string]*models.Workflow, len(m.workflows))
	for name, wf := range m.workflows {
		out[name] = wf.Clone()
	}
	m.mu.RUnlock()
	m.emit(events.ManagerListed, "", map[string]interface{}{"count": len(out)})
	return out
}

// Names returns the registered names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.workflows))
	for name := range m.workflows {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	m.emit(events.ManagerListed, "", map[string]interface{}{"count": len(names)})
	return names
}

// Remove drops one workflow, or every workflow when name is empty.
func (m *Manager) Remove(name string) error {
	if name == "" {
		return m.Clear()
	}
	m.mu.Lock()
	if _, ok := m.workflows[name]; !ok {
		m.mu.Unlock()
		return models.NewError(models.ErrNotFound, fmt.Sprintf("workflow %q not found", name), nil)
	}
	delete(m.workflows, name)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteWorkflow(context.Background(), name); err != nil {
			m.log.Error().Err(err).Str("workflow", name).Msg("delete persisted workflow")
		}
	}
	m.emit(events.ManagerRemoved, name, nil)
	return nil
}

// Clear drops every workflow. The naming counter keeps counting so
// recycled auto-names never collide within a process.
func (m *Manager) Clear() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.workflows))
	for name := range m.workflows {
		names = append(names, name)
	}
	m.workflows = map[string]*models.Workflow{}
	m.mu.Unlock()

	if m.store != nil {
		for _, name := range names {
			if err := m.store.DeleteWorkflow(context.Background(), name); err != nil {
				m.log.Error().Err(err).Str("workflow", name).Msg("delete persisted workflow")
			}
		}
	}
	m.emit(events.ManagerCleared, "", map[string]interface{}{"removed": len(names)})
	return nil
}

// Impl resolves a name into everything an execution needs: a deep copy
// of the linked workflow, the backend, and its handle vector.
func (m *Manager) Impl(name string) (*models.Workflow, *backend.Backend, []interface{}, error) {
	m.mu.RLock()
	wf, ok := m.workflows[name]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, nil, models.NewError(models.ErrNotFound, fmt.Sprintf("workflow %q not found", name), nil)
	}
	var handles []interface{}
	if m.backend != nil {
		handles = m.backend.Handles
	}
	return wf.Clone(), m.backend, handles, nil
}
