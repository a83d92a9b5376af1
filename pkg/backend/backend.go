package backend

import (
	"context"
	"fmt"

	"github.com/dibenedetto/meshade/pkg/models"
)

// RunAgentFunc sends a message to an agent handle and returns its reply.
type RunAgentFunc func(ctx context.Context, handle interface{}, message string) (interface{}, error)

// RunToolFunc invokes a tool handle with named arguments.
type RunToolFunc func(ctx context.Context, handle interface{}, args map[string]interface{}) (interface{}, error)

// Backend carries the handle vector and the two execution entry points
// injected into tool and agent nodes. Handles must be safe for
// concurrent use: several nodes may call into the same handle at once.
type Backend struct {
	Handles  []interface{}
	RunAgent RunAgentFunc
	RunTool  RunToolFunc
}

// Local builds a backend from caller-supplied functions.
func Local(handles []interface{}, agent RunAgentFunc, tool RunToolFunc) *Backend {
	return &Backend{Handles: handles, RunAgent: agent, RunTool: tool}
}

// Handle resolves a handle by index.
func (b *Backend) Handle(index int) (interface{}, error) {
	if b == nil || index < 0 || index >= len(b.Handles) {
		return nil, models.NewError(models.ErrInvalidWorkflow, fmt.Sprintf("backend handle %d out of range", index), nil)
	}
	return b.Handles[index], nil
}

// ToolFunc is the handle shape the default RunTool implementations call.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// CallToolHandle invokes a ToolFunc handle; other handle shapes fail.
func CallToolHandle(ctx context.Context, handle interface{}, args map[string]interface{}) (interface{}, error) {
	fn, ok := handle.(ToolFunc)
	if !ok {
		if raw, ok := handle.(func(context.Context, map[string]interface{}) (interface{}, error)); ok {
			fn = raw
		} else {
			return nil, fmt.Errorf("handle %T is not callable as a tool", handle)
		}
	}
	return fn(ctx, args)
}
