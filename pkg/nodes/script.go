package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dibenedetto/meshade/pkg/models"
)

// DefaultTransformScript passes the input through unchanged.
const DefaultTransformScript = "input"

func registerScript(r *Registry) {
	r.Register("transform_node", Kind{
		Spec: models.SlotSpec{
			Inputs:     []string{"source", "script"},
			Outputs:    []string{"target"},
			Executable: true,
		},
		New: newTransformNode,
	})
	r.Register("switch_node", Kind{
		Spec: models.SlotSpec{
			Inputs:       []string{"value"},
			Outputs:      []string{"default"},
			MultiOutputs: []string{"cases"},
			Executable:   true,
		},
		New: newSwitchNode,
	})
	r.Register("split_node", Kind{
		Spec: models.SlotSpec{
			Inputs:       []string{"source"},
			MultiOutputs: []string{"targets"},
			Executable:   true,
		},
		New: newSplitNode,
	})
	r.Register("merge_node", Kind{
		Spec: models.SlotSpec{
			Inputs:      []string{"strategy"},
			MultiInputs: []string{"sources"},
			Outputs:     []string{"target"},
			Executable:  true,
		},
		New: newMergeNode,
	})
}

// CompileScript compiles an expression once; scheduling reuses the
// program across runs.
func CompileScript(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, models.NewError(models.ErrInvalidWorkflow, fmt.Sprintf("compile script %q", src), err)
	}
	return prog, nil
}

func runScript(prog *vm.Program, env map[string]interface{}) (interface{}, error) {
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, models.NewError(models.ErrNodeFailure, "script failed", err)
	}
	return out, nil
}

type transformNode struct {
	cfg  map[string]interface{}
	prog *vm.Program
}

func newTransformNode(n *models.Node, _ Deps) (Node, error) {
	script := configString(n.Config, "script", DefaultTransformScript)
	prog, err := CompileScript(script)
	if err != nil {
		return nil, err
	}
	return &transformNode{cfg: n.Config, prog: prog}, nil
}

// Execute evaluates the script over {input, vars, config} and emits the
// result on target.
func (t *transformNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	out, err := runScript(t.prog, map[string]interface{}{
		"input":  nc.Input("source"),
		"vars":   nc.Variables,
		"config": t.cfg,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Outputs: map[string]interface{}{"target": out}}, nil
}

type switchNode struct {
	cfg  map[string]interface{}
	prog *vm.Program
}

func newSwitchNode(n *models.Node, _ Deps) (Node, error) {
	script := configString(n.Config, "script", "")
	sw := &switchNode{cfg: n.Config}
	if script != "" {
		prog, err := CompileScript(script)
		if err != nil {
			return nil, err
		}
		sw.prog = prog
	}
	return sw, nil
}

// Execute picks a case by evaluating the selector over the value. Every
// declared case slot receives {data, matched, case}; default matches
// when the selection names no declared case. The selected case becomes
// the routing hint.
func (s *switchNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	value := nc.Input("value")

	selected := "default"
	if s.prog != nil {
		out, err := runScript(s.prog, map[string]interface{}{
			"input": value,
			"value": value,
			"vars":  nc.Variables,
		})
		if err != nil {
			return nil, err
		}
		if name, ok := out.(string); ok {
			selected = name
		}
	}

	outputs := map[string]interface{}{}
	matchedAny := false
	for key := range asMap(s.cfg["cases"]) {
		matched := selected == key
		matchedAny = matchedAny || matched
		outputs["cases."+key] = map[string]interface{}{
			"data":    value,
			"matched": matched,
			"case":    key,
		}
	}
	outputs["default"] = map[string]interface{}{
		"data":    value,
		"matched": !matchedAny,
		"case":    "default",
	}

	return &Result{Outputs: outputs, NextTarget: selected}, nil
}

type splitNode struct {
	cfg map[string]interface{}
}

func newSplitNode(n *models.Node, _ Deps) (Node, error) {
	return &splitNode{cfg: n.Config}, nil
}

// Execute projects the source onto the declared targets through the
// config mapping sub-name -> source key. Non-map sources are fanned out
// whole.
func (s *splitNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	source := nc.Input("source")
	mapping := asMap(unwrapValue(s.cfg["mapping"]))

	outputs := make(map[string]interface{}, len(mapping))
	srcMap, isMap := source.(map[string]interface{})
	for targetKey, pathVal := range mapping {
		path, _ := pathVal.(string)
		if isMap {
			outputs["targets."+targetKey] = srcMap[path]
		} else {
			outputs["targets."+targetKey] = source
		}
	}
	return &Result{Outputs: outputs}, nil
}

type mergeNode struct {
	strategy string
}

func newMergeNode(n *models.Node, _ Deps) (Node, error) {
	strategy := configString(n.Config, "strategy", "first")
	if !models.MergeStrategies[strategy] {
		return nil, models.NewError(models.ErrInvalidWorkflow, fmt.Sprintf("unknown merge strategy %q", strategy), nil)
	}
	return &mergeNode{strategy: strategy}, nil
}

// Execute combines the sources.* inputs in delivery order.
func (m *mergeNode) Execute(_ context.Context, nc *Context) (*Result, error) {
	var collected []interface{}
	for _, key := range nc.InputOrder {
		if strings.HasPrefix(key, "sources.") {
			collected = append(collected, nc.Inputs[key])
		}
	}

	var merged interface{}
	switch m.strategy {
	case "first":
		if len(collected) > 0 {
			merged = collected[0]
		}
	case "last":
		if len(collected) > 0 {
			merged = collected[len(collected)-1]
		}
	case "concat":
		merged = concatValues(collected)
	case "all":
		merged = collected
	}
	return &Result{Outputs: map[string]interface{}{"target": merged}}, nil
}

// concatValues joins homogeneous strings or flattens homogeneous lists;
// mixed inputs fall back to the raw collection.
func concatValues(values []interface{}) interface{} {
	if len(values) == 0 {
		return values
	}
	allStrings, allLists := true, true
	for _, v := range values {
		if _, ok := v.(string); !ok {
			allStrings = false
		}
		if _, ok := v.([]interface{}); !ok {
			allLists = false
		}
	}
	if allStrings {
		var sb strings.Builder
		for _, v := range values {
			sb.WriteString(v.(string))
		}
		return sb.String()
	}
	if allLists {
		var flat []interface{}
		for _, v := range values {
			flat = append(flat, v.([]interface{})...)
		}
		return flat
	}
	return values
}
