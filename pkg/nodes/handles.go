package nodes

import (
	"context"
	"fmt"

	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/models"
)

func registerBackend(r *Registry) {
	r.Register("tool_node", Kind{
		Spec: models.SlotSpec{
			Inputs:     []string{"config", "arguments", "source"},
			Outputs:    []string{"target"},
			Executable: true,
		},
		New: newToolNode,
	})
	r.Register("agent_node", Kind{
		Spec: models.SlotSpec{
			Inputs:     []string{"config", "request"},
			Outputs:    []string{"response"},
			Executable: true,
		},
		New: newAgentNode,
	})
}

// resolveHandle turns a config value into a backend handle: an integer
// indexes the handle vector, a map is used as an inline handle, nil
// stays nil.
func resolveHandle(b *backend.Backend, cfg interface{}) (interface{}, error) {
	cfg = unwrapValue(cfg)
	if cfg == nil {
		return nil, nil
	}
	if idx, ok := asInt(cfg); ok {
		return b.Handle(idx)
	}
	return cfg, nil
}

type toolNode struct {
	cfg    map[string]interface{}
	deps   Deps
	handle interface{}
}

func newToolNode(n *models.Node, d Deps) (Node, error) {
	if d.Backend == nil || d.Backend.RunTool == nil {
		return nil, models.NewError(models.ErrInvalidWorkflow, "no tool backend configured", nil)
	}
	handle, err := resolveHandle(d.Backend, n.Config["config"])
	if err != nil {
		return nil, err
	}
	return &toolNode{cfg: n.Config, deps: d, handle: handle}, nil
}

// Execute invokes the tool handle with the merged arguments and wraps
// the result with the pass-through source.
func (t *toolNode) Execute(ctx context.Context, nc *Context) (*Result, error) {
	source := nc.Input("source")

	handle := t.handle
	if cfg := nc.Input("config"); cfg != nil {
		resolved, err := resolveHandle(t.deps.Backend, cfg)
		if err != nil {
			return nil, err
		}
		handle = resolved
	}

	args := map[string]interface{}{}
	for k, v := range asMap(unwrapValue(t.cfg["arguments"])) {
		args[k] = v
	}
	for k, v := range asMap(unwrapValue(nc.Input("arguments"))) {
		args[k] = v
	}

	result, err := t.deps.Backend.RunTool(ctx, handle, args)
	if err != nil {
		return nil, models.NewError(models.ErrNodeFailure, "tool call failed", err)
	}
	return &Result{Outputs: map[string]interface{}{
		"target": map[string]interface{}{"result": result, "input": source},
	}}, nil
}

type agentNode struct {
	deps   Deps
	handle interface{}
}

func newAgentNode(n *models.Node, d Deps) (Node, error) {
	if d.Backend == nil || d.Backend.RunAgent == nil {
		return nil, models.NewError(models.ErrInvalidWorkflow, "no agent backend configured", nil)
	}
	handle, err := resolveHandle(d.Backend, n.Config["config"])
	if err != nil {
		return nil, err
	}
	return &agentNode{deps: d, handle: handle}, nil
}

// Execute extracts the request message, runs the agent and wraps the
// reply with the pass-through request.
func (a *agentNode) Execute(ctx context.Context, nc *Context) (*Result, error) {
	request := nc.Input("request")

	handle := a.handle
	if cfg := nc.Input("config"); cfg != nil {
		resolved, err := resolveHandle(a.deps.Backend, cfg)
		if err != nil {
			return nil, err
		}
		handle = resolved
	}

	response, err := a.deps.Backend.RunAgent(ctx, handle, requestMessage(request))
	if err != nil {
		return nil, models.NewError(models.ErrNodeFailure, "agent call failed", err)
	}
	return &Result{Outputs: map[string]interface{}{
		"response": map[string]interface{}{"response": response, "input": request},
	}}, nil
}

// requestMessage pulls a text message out of a request payload: the
// message, data or value key of a map, otherwise the stringified value.
func requestMessage(request interface{}) string {
	if m, ok := request.(map[string]interface{}); ok {
		for _, key := range []string{"message", "data", "value"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if s, ok := request.(string); ok {
		return s
	}
	return fmt.Sprint(request)
}
