package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/models"
	"github.com/dibenedetto/meshade/pkg/nodes"
)

// execution holds the frontier state of one running workflow. Nodes
// live in four disjoint sets (pending, ready, running, completed) plus
// a failed overlay; indices are executable indices, with origIndex
// translating back to the definition.
type execution struct {
	engine       *Engine
	id           string
	workflowName string

	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}

	executors  []nodes.Node
	nodeIDs    []string
	origIndex  []int
	origToExec map[int]int

	deps       []map[int]struct{}
	dependents [][]int
	inEdges    [][]*models.Edge
	filters    map[*models.Edge]*vm.Program

	mu         sync.Mutex
	phase      models.Phase
	errMsg     string
	startedAt  time.Time
	finishedAt time.Time
	cancelled  bool
	variables  map[string]interface{}
	pending    map[int]struct{}
	ready      map[int]struct{}
	running    map[int]struct{}
	completed  map[int]struct{}
	failed     map[int]struct{}
	outputs    []map[string]interface{}
	records    map[int]*models.NodeRecord
	waiters    map[string]chan interface{}
}

type nodeResult struct {
	index  int
	result *nodes.Result
	err    error
}

// newExecution instantiates executors and builds the dependency graph.
// Non-executable kinds are filtered out here; edges touching them are
// ignored (their constants already propagated at link time).
func (e *Engine) newExecution(id string, wf *models.Workflow, b *backend.Backend, initialData map[string]interface{}) (*execution, error) {
	ctx, cancel := context.WithCancel(context.Background())
	x := &execution{
		engine:       e,
		id:           id,
		workflowName: wf.Name,
		ctx:          ctx,
		cancelFn:     cancel,
		done:         make(chan struct{}),
		origToExec:   map[int]int{},
		filters:      map[*models.Edge]*vm.Program{},
		phase:        models.PhaseRunning,
		startedAt:    time.Now().UTC(),
		pending:      map[int]struct{}{},
		ready:        map[int]struct{}{},
		running:      map[int]struct{}{},
		completed:    map[int]struct{}{},
		failed:       map[int]struct{}{},
		records:      map[int]*models.NodeRecord{},
		waiters:      map[string]chan interface{}{},
	}

	x.variables = models.DeepCopyMap(wf.Variables)
	if x.variables == nil {
		x.variables = map[string]interface{}{}
	}
	for k, v := range initialData {
		x.variables[k] = models.DeepCopy(v)
	}

	deps := nodes.Deps{Bus: e.bus, Backend: b, Input: inputWaiter{x}}
	for orig, n := range wf.Nodes {
		spec, ok := e.registry.Spec(n.Type)
		if !ok {
			cancel()
			return nil, models.NewError(models.ErrInvalidWorkflow, fmt.Sprintf("node %d: unknown type %q", orig, n.Type), nil)
		}
		if !spec.Executable {
			continue
		}
		executor, err := e.registry.New(n, deps)
		if err != nil {
			cancel()
			return nil, err
		}
		exec := len(x.executors)
		x.executors = append(x.executors, executor)
		x.origIndex = append(x.origIndex, orig)
		x.origToExec[orig] = exec

		nodeID := n.ID
		if nodeID == "" {
			nodeID = fmt.Sprintf("node_%d", orig)
		}
		x.nodeIDs = append(x.nodeIDs, nodeID)
		x.records[orig] = &models.NodeRecord{Index: orig, ID: nodeID, Type: n.Type, Phase: models.PhasePending}
	}

	n := len(x.executors)
	x.deps = make([]map[int]struct{}, n)
	x.dependents = make([][]int, n)
	x.inEdges = make([][]*models.Edge, n)
	x.outputs = make([]map[string]interface{}, n)
	for i := range x.deps {
		x.deps[i] = map[int]struct{}{}
	}

	for _, edge := range wf.Edges {
		src, okSrc := x.origToExec[edge.Source]
		dst, okDst := x.origToExec[edge.Target]
		if !okSrc || !okDst {
			continue
		}
		x.deps[dst][src] = struct{}{}
		x.dependents[src] = append(x.dependents[src], dst)
		x.inEdges[dst] = append(x.inEdges[dst], edge)
		if edge.Filter != "" {
			prog, err := expr.Compile(edge.Filter, expr.AllowUndefinedVariables())
			if err != nil {
				cancel()
				return nil, models.NewError(models.ErrInvalidWorkflow, fmt.Sprintf("edge filter %q", edge.Filter), err)
			}
			x.filters[edge] = prog
		}
	}

	// Stable gather order: ascending source index, declaration order
	// breaking ties. Multi-input consumers see this order.
	for i := range x.inEdges {
		sort.SliceStable(x.inEdges[i], func(a, b int) bool {
			return x.origToExec[x.inEdges[i][a].Source] < x.origToExec[x.inEdges[i][b].Source]
		})
	}

	for i := 0; i < n; i++ {
		if len(x.deps[i]) == 0 {
			x.ready[i] = struct{}{}
		} else {
			x.pending[i] = struct{}{}
		}
	}
	return x, nil
}

// run is the scheduler loop: launch everything ready, then block until
// a node completes or cancellation arrives. No polling.
func (x *execution) run() {
	results := make(chan nodeResult)
	cancelCh := x.ctx.Done()

	for {
		x.launchReady(results)

		x.mu.Lock()
		active := len(x.running)
		x.mu.Unlock()
		if active == 0 {
			break
		}

		select {
		case res := <-results:
			x.handleResult(res)
		case <-cancelCh:
			x.mu.Lock()
			x.cancelled = true
			x.mu.Unlock()
			// keep draining running nodes; a nil channel never fires
			cancelCh = nil
		}
	}
	x.finalize()
}

// launchReady moves every ready node to running and spawns its worker,
// in ascending executable index order. Cancellation freezes the ready
// set in place.
func (x *execution) launchReady(results chan<- nodeResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cancelled {
		return
	}
	launch := make([]int, 0, len(x.ready))
	for i := range x.ready {
		launch = append(launch, i)
	}
	sort.Ints(launch)
	for _, i := range launch {
		delete(x.ready, i)
		x.running[i] = struct{}{}

		orig := x.origIndex[i]
		rec := x.records[orig]
		rec.Phase = models.PhaseRunning
		rec.StartedAt = time.Now().UTC()
		x.emit(events.NodeStarted, x.nodeIDs[i], map[string]interface{}{"node_index": orig, "node_type": rec.Type}, "")

		nc := x.gatherInputsLocked(i)
		go x.runNode(i, nc, results)
	}
}

func (x *execution) runNode(i int, nc *nodes.Context, results chan<- nodeResult) {
	res, err := x.executeSafe(i, nc)
	results <- nodeResult{index: i, result: res, err: err}
}

// executeSafe shields the scheduler from panicking executors.
func (x *execution) executeSafe(i int, nc *nodes.Context) (res *nodes.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.NewError(models.ErrNodeFailure, fmt.Sprintf("node panicked: %v", r), nil)
		}
	}()
	return x.executors[i].Execute(x.ctx, nc)
}

// gatherInputsLocked walks the inbound edges of an executable node and
// collects the values its completed sources produced. Dotted source
// slots fall back from "a.b" to "a"; edge filters see {value, vars}.
func (x *execution) gatherInputsLocked(i int) *nodes.Context {
	orig := x.origIndex[i]
	nc := &nodes.Context{
		WorkflowID:  x.workflowName,
		ExecutionID: x.id,
		NodeIndex:   orig,
		NodeID:      x.nodeIDs[i],
		Inputs:      map[string]interface{}{},
		Variables:   x.variables,
		Config:      map[string]interface{}{},
	}
	for _, edge := range x.inEdges[i] {
		src := x.origToExec[edge.Source]
		if _, ok := x.completed[src]; !ok {
			continue
		}
		value := lookupOutput(x.outputs[src], edge.SourceSlot)
		if prog, ok := x.filters[edge]; ok && !x.filterPasses(prog, value) {
			continue
		}
		if _, seen := nc.Inputs[edge.TargetSlot]; !seen {
			nc.InputOrder = append(nc.InputOrder, edge.TargetSlot)
		}
		nc.Inputs[edge.TargetSlot] = value
	}
	return nc
}

func (x *execution) filterPasses(prog *vm.Program, value interface{}) bool {
	out, err := expr.Run(prog, map[string]interface{}{"value": value, "vars": x.variables})
	if err != nil {
		x.engine.log.Warn().Err(err).Str("execution_id", x.id).Msg("edge filter failed, dropping delivery")
		return false
	}
	if b, ok := out.(bool); ok {
		return b
	}
	return out != nil
}

// lookupOutput resolves a possibly dotted slot against a node's output
// map: exact key first, then the base key (descending into sub-maps).
func lookupOutput(out map[string]interface{}, slot string) interface{} {
	if out == nil {
		return nil
	}
	if v, ok := out[slot]; ok {
		return v
	}
	base, sub, dotted := strings.Cut(slot, ".")
	v, ok := out[base]
	if !ok || !dotted {
		return v
	}
	if m, ok := v.(map[string]interface{}); ok {
		if sv, ok := m[sub]; ok {
			return sv
		}
	}
	return v
}

// handleResult folds one node outcome into the frontier. Failures keep
// their dependents pending: a failed dependency never becomes ready.
func (x *execution) handleResult(res nodeResult) {
	x.mu.Lock()
	defer x.mu.Unlock()

	i := res.index
	orig := x.origIndex[i]
	rec := x.records[orig]
	delete(x.running, i)
	rec.FinishedAt = time.Now().UTC()

	if res.err != nil {
		x.failed[i] = struct{}{}
		rec.Error = res.err.Error()
		if x.cancelled && models.CodeOf(res.err) == models.ErrCancelled {
			// the node observed the cooperative cancel, not a failure
			rec.Phase = models.PhaseCancelled
			return
		}
		rec.Phase = models.PhaseFailed
		x.emit(events.NodeFailed, x.nodeIDs[i], map[string]interface{}{"node_index": orig}, res.err.Error())
		return
	}

	x.completed[i] = struct{}{}
	rec.Phase = models.PhaseCompleted
	outputs := res.result.Outputs
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	x.outputs[i] = outputs

	data := map[string]interface{}{"node_index": orig, "outputs": outputs}
	if res.result.NextTarget != "" {
		data["next_target"] = res.result.NextTarget
	}
	x.emit(events.NodeCompleted, x.nodeIDs[i], data, "")

	for _, d := range x.dependents[i] {
		if _, isPending := x.pending[d]; !isPending {
			continue
		}
		satisfied := true
		for dep := range x.deps[d] {
			if _, ok := x.completed[dep]; !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			delete(x.pending, d)
			x.ready[d] = struct{}{}
		}
	}
}

// finalize picks the terminal phase and emits the terminal event after
// the frontier has drained.
func (x *execution) finalize() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.finishedAt = time.Now().UTC()
	switch {
	case x.cancelled:
		x.phase = models.PhaseCancelled
		x.errMsg = "execution cancelled"
		x.markRemaining(models.PhaseCancelled)
		x.emit(events.WorkflowCancelled, "", nil, x.errMsg)
	case len(x.completed) == len(x.executors):
		x.phase = models.PhaseCompleted
		x.emit(events.WorkflowCompleted, "", map[string]interface{}{"outputs": x.outputsByOrigLocked()}, "")
	case len(x.pending) > 0 || len(x.ready) > 0:
		x.phase = models.PhaseFailed
		x.errMsg = string(models.ErrDeadlock) + ": deadlock / failed dependency"
		x.emit(events.WorkflowFailed, "", map[string]interface{}{"stuck_nodes": x.stuckNodesLocked()}, x.errMsg)
	default:
		x.phase = models.PhaseFailed
		x.errMsg = string(models.ErrNodeFailure) + ": " + x.failedNodesLocked()
		x.emit(events.WorkflowFailed, "", nil, x.errMsg)
	}
	close(x.done)
}

func (x *execution) markRemaining(p models.Phase) {
	for i := range x.pending {
		x.records[x.origIndex[i]].Phase = p
	}
	for i := range x.ready {
		x.records[x.origIndex[i]].Phase = p
	}
}

func (x *execution) stuckNodesLocked() []int {
	var stuck []int
	for i := range x.pending {
		stuck = append(stuck, x.origIndex[i])
	}
	for i := range x.ready {
		stuck = append(stuck, x.origIndex[i])
	}
	sort.Ints(stuck)
	return stuck
}

func (x *execution) failedNodesLocked() string {
	var parts []string
	idx := make([]int, 0, len(x.failed))
	for i := range x.failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("node %d (%s) failed", x.origIndex[i], x.nodeIDs[i]))
	}
	return strings.Join(parts, "; ")
}

func (x *execution) outputsByOrigLocked() map[int]map[string]interface{} {
	out := map[int]map[string]interface{}{}
	for i := range x.completed {
		out[x.origIndex[i]] = x.outputs[i]
	}
	return out
}

// emit publishes on the engine bus with the execution identity filled in.
func (x *execution) emit(t events.Type, nodeID string, data map[string]interface{}, errMsg string) {
	x.engine.bus.Emit(t, x.workflowName, x.id, nodeID, data, errMsg)
}

// requestCancel flips the cooperative cancel. Repeated requests on a
// live execution are no-ops. A finished execution has nothing left to
// interrupt, so cancelling it reports already_terminal rather than
// pretending the request took effect; callers that only want the final
// state should read it instead of cancelling.
func (x *execution) requestCancel() error {
	x.mu.Lock()
	if x.phase.Terminal() {
		x.mu.Unlock()
		return models.NewError(models.ErrAlreadyTerminal, fmt.Sprintf("execution %q already %s", x.id, x.phase), nil)
	}
	x.mu.Unlock()
	x.cancelFn()
	return nil
}

func (x *execution) provideUserInput(nodeID string, value interface{}) error {
	x.mu.Lock()
	if x.phase.Terminal() {
		x.mu.Unlock()
		return models.NewError(models.ErrAlreadyTerminal, fmt.Sprintf("execution %q already %s", x.id, x.phase), nil)
	}
	ch, ok := x.waiters[nodeID]
	if !ok {
		x.mu.Unlock()
		return models.NewError(models.ErrNotWaiting, fmt.Sprintf("node %q is not waiting for input", nodeID), nil)
	}
	delete(x.waiters, nodeID)
	x.mu.Unlock()

	ch <- value
	x.engine.bus.Emit(events.UserInputReceived, x.workflowName, x.id, nodeID, map[string]interface{}{"value": value}, "")
	return nil
}

func (x *execution) snapshotPhase() models.Phase {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.phase
}

// snapshot deep-copies the observable state.
func (x *execution) snapshot() *models.ExecutionState {
	x.mu.Lock()
	defer x.mu.Unlock()

	st := &models.ExecutionState{
		ID:           x.id,
		WorkflowName: x.workflowName,
		Phase:        x.phase,
		Error:        x.errMsg,
		StartedAt:    x.startedAt,
		FinishedAt:   x.finishedAt,
		Variables:    models.DeepCopyMap(x.variables),
		Outputs:      map[int]map[string]interface{}{},
		Nodes:        map[int]*models.NodeRecord{},
	}
	for i := range x.completed {
		st.Outputs[x.origIndex[i]] = models.DeepCopyMap(x.outputs[i])
	}
	for orig, rec := range x.records {
		dup := *rec
		st.Nodes[orig] = &dup
	}
	return st
}

// inputWaiter adapts the execution promise table to the node contract.
type inputWaiter struct{ x *execution }

func (w inputWaiter) Request(nodeID string) (<-chan interface{}, func()) {
	ch := make(chan interface{}, 1)
	w.x.mu.Lock()
	w.x.waiters[nodeID] = ch
	w.x.mu.Unlock()
	return ch, func() {
		w.x.mu.Lock()
		delete(w.x.waiters, nodeID)
		w.x.mu.Unlock()
	}
}
