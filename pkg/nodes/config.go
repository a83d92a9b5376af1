package nodes

import (
	"context"

	"github.com/dibenedetto/meshade/pkg/models"
)

// configKinds is the config node family: each returns its own config
// on the get slot, and its fields form an open input surface so
// upstream config nodes can be wired into them.
var configKinds = []string{
	"info_config",
	"backend_config",
	"model_config",
	"embedding_config",
	"prompt_config",
	"content_db_config",
	"index_db_config",
	"memory_manager_config",
	"session_manager_config",
	"knowledge_manager_config",
	"tool_config",
	"agent_options_config",
	"agent_config",
	"workflow_options_config",
}

func registerConfig(r *Registry) {
	for _, name := range configKinds {
		spec := models.SlotSpec{
			Outputs:    []string{"get"},
			OpenInputs: true,
			Executable: true,
		}
		if name == "agent_config" {
			spec.MultiInputs = []string{"tools"}
		}
		r.Register(name, Kind{
			Spec: spec,
			New: func(n *models.Node, _ Deps) (Node, error) {
				return configNode{cfg: n.Config}, nil
			},
		})
	}
}

type configNode struct {
	cfg map[string]interface{}
}

// Execute surfaces the node's own config, merged with any inputs that
// arrived at runtime.
func (c configNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	merged := models.DeepCopyMap(c.cfg)
	if merged == nil {
		merged = map[string]interface{}{}
	}
	for k, v := range nc.Inputs {
		merged[k] = v
	}
	return &Result{Outputs: map[string]interface{}{"get": merged}}, nil
}
