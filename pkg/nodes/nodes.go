// Package nodes defines the node kind registry and the built-in node
// executors of the workflow engine.
package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/models"
)

// Context carries everything a node sees during one run. Inputs are
// gathered by the scheduler's edge walk; InputOrder lists the input
// slot keys in delivery order (ascending source index, then edge
// declaration order), which multi-input consumers rely on.
type Context struct {
	WorkflowID  string
	ExecutionID string
	NodeIndex   int
	NodeID      string
	Inputs      map[string]interface{}
	InputOrder  []string
	Variables   map[string]interface{}
	Config      map[string]interface{}
}

// Input reads a gathered input slot; absent slots yield nil.
func (c *Context) Input(slot string) interface{} {
	if c.Inputs == nil {
		return nil
	}
	return c.Inputs[slot]
}

// Result is a successful node outcome. NextTarget is an optional
// routing hint (set by switch nodes).
type Result struct {
	Outputs    map[string]interface{}
	NextTarget string
}

// Node executes one workflow vertex. A returned error marks the node
// failed; implementations observe ctx for cooperative cancellation.
type Node interface {
	Execute(ctx context.Context, nc *Context) (*Result, error)
}

// UserInputWaiter registers a pending user-input promise for a node.
// The returned channel receives the provided value exactly once; the
// release func must be called when the node stops waiting.
type UserInputWaiter interface {
	Request(nodeID string) (<-chan interface{}, func())
}

// Deps are the shared services injected into node constructors.
type Deps struct {
	Bus     *events.Bus
	Backend *backend.Backend
	Input   UserInputWaiter
}

// Constructor builds an executor for one node definition. Construction
// happens at execution start; invalid configs (bad scripts, bad handle
// indices) fail here with invalid_workflow.
type Constructor func(node *models.Node, deps Deps) (Node, error)

// Kind couples a slot declaration with its constructor.
type Kind struct {
	Spec models.SlotSpec
	New  Constructor
}

// Registry maps node type names to kinds. It satisfies
// models.KindResolver for linking.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Kind{}}
}

// Register adds or replaces a kind.
func (r *Registry) Register(name string, k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[name] = k
}

// Spec resolves a type name to its slot declaration.
func (r *Registry) Spec(nodeType string) (models.SlotSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[nodeType]
	return k.Spec, ok
}

// New instantiates an executor for the node.
func (r *Registry) New(node *models.Node, deps Deps) (Node, error) {
	r.mu.RLock()
	k, ok := r.kinds[node.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.ErrInvalidWorkflow, fmt.Sprintf("unknown node type %q", node.Type), nil)
	}
	return k.New(node, deps)
}

// Builtin returns a fresh registry populated with every built-in kind.
func Builtin() *Registry {
	r := NewRegistry()
	registerControl(r)
	registerScript(r)
	registerBackend(r)
	registerConfig(r)
	return r
}

// configString reads a string config field, unwrapping the message
// format {"type": ..., "value": ...} the editor produces.
func configString(cfg map[string]interface{}, key, def string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	if m, ok := v.(map[string]interface{}); ok {
		if s, ok := m["value"].(string); ok {
			return s
		}
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func configFloat(cfg map[string]interface{}, key string, def float64) float64 {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	if m, ok := v.(map[string]interface{}); ok {
		v = m["value"]
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return def
}

// asInt coerces JSON numbers and ints; ok is false for anything else.
func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// unwrapValue strips the single-field message wrapper {"value": x}.
func unwrapValue(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
	}
	return v
}
