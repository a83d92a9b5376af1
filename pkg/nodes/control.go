package nodes

import (
	"context"
	"time"

	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/models"
)

// DefaultUserInputTimeout bounds how long a user_input_node waits for
// a provided value.
const DefaultUserInputTimeout = 300 * time.Second

func registerControl(r *Registry) {
	r.Register("start_node", Kind{
		Spec: models.SlotSpec{Outputs: []string{"start"}, Executable: true},
		New:  func(n *models.Node, d Deps) (Node, error) { return startNode{}, nil },
	})
	r.Register("end_node", Kind{
		Spec: models.SlotSpec{Inputs: []string{"end"}, Outputs: []string{"end"}, Executable: true},
		New:  func(n *models.Node, d Deps) (Node, error) { return endNode{}, nil },
	})
	r.Register("sink_node", Kind{
		Spec: models.SlotSpec{Inputs: []string{"sink"}, Executable: true},
		New:  func(n *models.Node, d Deps) (Node, error) { return sinkNode{}, nil },
	})
	r.Register("user_input_node", Kind{
		Spec: models.SlotSpec{Inputs: []string{"query"}, Outputs: []string{"content"}, Executable: true},
		New: func(n *models.Node, d Deps) (Node, error) {
			return &userInputNode{cfg: n.Config, deps: d}, nil
		},
	})
	r.Register("user_output_node", Kind{
		Spec: models.SlotSpec{Inputs: []string{"message"}, Outputs: []string{"get"}, Executable: true},
		New:  func(n *models.Node, d Deps) (Node, error) { return userOutputNode{}, nil },
	})
	r.Register("note_node", Kind{
		Spec: models.SlotSpec{Executable: false},
		New:  func(n *models.Node, d Deps) (Node, error) { return noteNode{}, nil },
	})
}

type startNode struct{}

// Execute emits the merged execution variables on the start slot.
func (startNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	return &Result{Outputs: map[string]interface{}{"start": models.DeepCopyMap(nc.Variables)}}, nil
}

type endNode struct{}

// Execute echoes the collected input so the terminal value is readable
// from the execution outputs.
func (endNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	return &Result{Outputs: map[string]interface{}{"end": nc.Input("end")}}, nil
}

type sinkNode struct{}

func (sinkNode) Execute(_ context.Context, _ *Context) (*Result, error) {
	return &Result{Outputs: map[string]interface{}{}}, nil
}

type userOutputNode struct{}

func (userOutputNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	return &Result{Outputs: map[string]interface{}{"get": nc.Input("message")}}, nil
}

type noteNode struct{}

// note_node is an annotation; it is filtered out before scheduling and
// never executes.
func (noteNode) Execute(_ context.Context, _ *Context) (*Result, error) {
	return &Result{Outputs: map[string]interface{}{}}, nil
}

// userInputNode publishes a request event and blocks on the promise
// until a value arrives, the timeout fires, or the run is cancelled.
type userInputNode struct {
	cfg  map[string]interface{}
	deps Deps
}

func (n *userInputNode) Execute(ctx context.Context, nc *Context) (*Result, error) {
	if n.deps.Input == nil {
		return nil, models.NewError(models.ErrInvalidWorkflow, "user input is not available in this execution", nil)
	}

	query := nc.Input("query")
	if query == nil {
		query = unwrapValue(n.cfg["query"])
	}

	timeout := DefaultUserInputTimeout
	if secs := configFloat(n.cfg, "timeout", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	// Register the promise before announcing it, so a caller reacting
	// to the event can never race ahead of the registration.
	ch, release := n.deps.Input.Request(nc.NodeID)
	defer release()

	if n.deps.Bus != nil {
		n.deps.Bus.Emit(
			events.UserInputRequested,
			nc.WorkflowID, nc.ExecutionID, nc.NodeID,
			map[string]interface{}{"query": query, "node_index": nc.NodeIndex},
			"",
		)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value := <-ch:
		return &Result{Outputs: map[string]interface{}{"content": value}}, nil
	case <-timer.C:
		return nil, models.NewError(models.ErrNodeFailure, "user input timed out", nil)
	case <-ctx.Done():
		return nil, models.NewError(models.ErrCancelled, "user input cancelled", ctx.Err())
	}
}
