package models

import (
	"fmt"
	"strings"
)

// DefaultSeed is the seed carried by freshly created workflow options.
const DefaultSeed = 777

// Node is a typed workflow vertex. Config holds both configuration
// constants and slot fields; Link flattens multi-slot list declarations
// into sub-name keyed maps.
type Node struct {
	ID     string                 `json:"id,omitempty"`
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Edge connects two nodes by zero-based index into Workflow.Nodes.
// Slots may be dotted to address a sub-slot of a multi-slot
// (e.g. "cases.ok"). Filter is an optional expression over {value};
// a false result drops the delivery.
type Edge struct {
	Source     int    `json:"source"`
	Target     int    `json:"target"`
	SourceSlot string `json:"source_slot"`
	TargetSlot string `json:"target_slot"`
	Filter     string `json:"filter,omitempty"`
}

// Workflow is a directed graph of typed nodes exchanging values over
// named slots. It must be linked before execution.
type Workflow struct {
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
	Nodes       []*Node                `json:"nodes"`
	Edges       []*Edge                `json:"edges"`

	linked bool
}

// NewWorkflow returns an empty workflow with default options.
func NewWorkflow(name, description string) *Workflow {
	return &Workflow{
		Name:        name,
		Description: description,
		Variables:   map[string]interface{}{},
		Options:     map[string]interface{}{"seed": DefaultSeed},
	}
}

// AddNode appends a node and returns its index.
func (w *Workflow) AddNode(n *Node) int {
	w.Nodes = append(w.Nodes, n)
	return len(w.Nodes) - 1
}

// AddEdge appends an edge.
func (w *Workflow) AddEdge(e *Edge) {
	w.Edges = append(w.Edges, e)
}

// Linked reports whether Link has completed successfully.
func (w *Workflow) Linked() bool { return w.linked }

// SlotSpec declares the slot surface of a node kind. Multi slots are
// addressed with dotted names rooted at the declared base.
type SlotSpec struct {
	Inputs       []string
	Outputs      []string
	MultiInputs  []string
	MultiOutputs []string
	Executable   bool

	// OpenInputs accepts any simple input slot name. Config kinds use
	// it: their fields are the slot surface.
	OpenInputs bool
}

// KindResolver resolves a node type name to its slot declaration.
type KindResolver interface {
	Spec(nodeType string) (SlotSpec, bool)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// HasInput reports whether slot addresses a declared input. Dotted
// slots resolve against the multi-input bases.
func (s SlotSpec) HasInput(slot string) bool {
	if base, _, ok := strings.Cut(slot, "."); ok {
		return contains(s.MultiInputs, base)
	}
	return s.OpenInputs || contains(s.Inputs, slot)
}

// HasOutput reports whether slot addresses a declared output.
func (s SlotSpec) HasOutput(slot string) bool {
	if base, _, ok := strings.Cut(slot, "."); ok {
		return contains(s.MultiOutputs, base)
	}
	return contains(s.Outputs, slot)
}

// MergeStrategies are the merge_node strategies accepted at link time.
var MergeStrategies = map[string]bool{
	"first":  true,
	"last":   true,
	"concat": true,
	"all":    true,
}

// SlotValue reads a slot field from the node config. Dotted slots read
// the sub-key of the base map, falling back to the base value when the
// sub-key is absent.
func (n *Node) SlotValue(slot string) interface{} {
	if n.Config == nil {
		return nil
	}
	base, sub, dotted := strings.Cut(slot, ".")
	v, ok := n.Config[base]
	if !ok || !dotted {
		return v
	}
	if m, ok := v.(map[string]interface{}); ok {
		if sv, ok := m[sub]; ok && sv != nil {
			return sv
		}
	}
	return v
}

// SetSlotValue writes a slot field into the node config, creating the
// base map for dotted slots.
func (n *Node) SetSlotValue(slot string, value interface{}) {
	if n.Config == nil {
		n.Config = map[string]interface{}{}
	}
	base, sub, dotted := strings.Cut(slot, ".")
	if !dotted {
		n.Config[base] = value
		return
	}
	m, ok := n.Config[base].(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		n.Config[base] = m
	}
	m[sub] = value
}

// Link validates the graph against the kind declarations and performs
// compile-time constant propagation along the edges. It is idempotent.
//
// Validation covers node types, edge index ranges, slot existence and
// merge strategies. Multi-slot fields declared as lists are flattened
// into sub-name keyed maps before edges are walked.
func (w *Workflow) Link(kinds KindResolver) error {
	if w.linked {
		return nil
	}

	specs := make([]SlotSpec, len(w.Nodes))
	for i, n := range w.Nodes {
		spec, ok := kinds.Spec(n.Type)
		if !ok {
			return NewError(ErrInvalidWorkflow, fmt.Sprintf("node %d: unknown type %q", i, n.Type), nil)
		}
		specs[i] = spec

		for _, base := range append(append([]string{}, spec.MultiInputs...), spec.MultiOutputs...) {
			flattenMultiSlot(n, base)
		}

		if n.Type == "merge_node" {
			strategy := stringConfig(n.Config, "strategy", "first")
			if !MergeStrategies[strategy] {
				return NewError(ErrInvalidWorkflow, fmt.Sprintf("node %d: unknown merge strategy %q", i, strategy), nil)
			}
		}
	}

	for i, e := range w.Edges {
		if e.Source < 0 || e.Source >= len(w.Nodes) {
			return NewError(ErrInvalidWorkflow, fmt.Sprintf("edge %d: source index %d out of range", i, e.Source), nil)
		}
		if e.Target < 0 || e.Target >= len(w.Nodes) {
			return NewError(ErrInvalidWorkflow, fmt.Sprintf("edge %d: target index %d out of range", i, e.Target), nil)
		}
		if !specs[e.Source].HasOutput(e.SourceSlot) {
			return NewError(ErrInvalidWorkflow, fmt.Sprintf("edge %d: node %d has no output slot %q", i, e.Source, e.SourceSlot), nil)
		}
		if !specs[e.Target].HasInput(e.TargetSlot) {
			return NewError(ErrInvalidWorkflow, fmt.Sprintf("edge %d: node %d has no input slot %q", i, e.Target, e.TargetSlot), nil)
		}

		if v := w.Nodes[e.Source].SlotValue(e.SourceSlot); v != nil {
			w.Nodes[e.Target].SetSlotValue(e.TargetSlot, DeepCopy(v))
		}
	}

	w.linked = true
	return nil
}

// flattenMultiSlot turns a list declaration ["a","b"] into {"a":nil,"b":nil}.
func flattenMultiSlot(n *Node, base string) {
	if n.Config == nil {
		return
	}
	switch v := n.Config[base].(type) {
	case []string:
		m := make(map[string]interface{}, len(v))
		for _, k := range v {
			m[k] = nil
		}
		n.Config[base] = m
	case []interface{}:
		m := make(map[string]interface{}, len(v))
		for _, k := range v {
			m[fmt.Sprint(k)] = nil
		}
		n.Config[base] = m
	}
}

func stringConfig(cfg map[string]interface{}, key, def string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	// message format {"type": ..., "value": ...} carries the value inside
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

// Clone returns a deep copy of the workflow. The linked flag carries over.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := &Workflow{
		Name:        w.Name,
		Description: w.Description,
		Variables:   DeepCopyMap(w.Variables),
		Options:     DeepCopyMap(w.Options),
		linked:      w.linked,
	}
	c.Nodes = make([]*Node, len(w.Nodes))
	for i, n := range w.Nodes {
		c.Nodes[i] = &Node{ID: n.ID, Type: n.Type, Config: DeepCopyMap(n.Config)}
	}
	c.Edges = make([]*Edge, len(w.Edges))
	for i, e := range w.Edges {
		dup := *e
		c.Edges[i] = &dup
	}
	return c
}

// DeepCopy copies maps and slices recursively; scalars pass through.
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return DeepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

// DeepCopyMap deep-copies a string-keyed map; nil stays nil.
func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = DeepCopy(v)
	}
	return out
}
