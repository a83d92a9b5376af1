package nodes_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/models"
	"github.com/dibenedetto/meshade/pkg/nodes"
)

func mustNode(t *testing.T, reg *nodes.Registry, n *models.Node, deps nodes.Deps) nodes.Node {
	t.Helper()
	executor, err := reg.New(n, deps)
	require.NoError(t, err)
	return executor
}

func exec(t *testing.T, node nodes.Node, nc *nodes.Context) *nodes.Result {
	t.Helper()
	res, err := node.Execute(context.Background(), nc)
	require.NoError(t, err)
	return res
}

func TestStartNodeEmitsVariables(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{Type: "start_node"}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{Variables: map[string]interface{}{"x": 3}})
	assert.Equal(t, map[string]interface{}{"x": 3}, res.Outputs["start"])
}

func TestEndNodeEchoesInput(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{Type: "end_node"}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{Inputs: map[string]interface{}{"end": 6}})
	assert.Equal(t, 6, res.Outputs["end"])
}

func TestTransformNodeScript(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{
		Type:   "transform_node",
		Config: map[string]interface{}{"script": "input.x * 2"},
	}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{
		Inputs: map[string]interface{}{"source": map[string]interface{}{"x": 3}},
	})
	assert.Equal(t, 6, res.Outputs["target"])
}

func TestTransformNodeDefaultIsIdentity(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{Type: "transform_node"}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{Inputs: map[string]interface{}{"source": "pass"}})
	assert.Equal(t, "pass", res.Outputs["target"])
}

func TestTransformNodeBadScriptFailsAtConstruction(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	_, err := reg.New(&models.Node{
		Type:   "transform_node",
		Config: map[string]interface{}{"script": "input +"},
	}, nodes.Deps{})
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidWorkflow, models.CodeOf(err))
}

func TestSwitchNodeSelectsCase(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{
		Type: "switch_node",
		Config: map[string]interface{}{
			"script": `input.value > 0 ? "ok" : "no"`,
			"cases":  map[string]interface{}{"ok": nil, "no": nil},
		},
	}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{
		Inputs: map[string]interface{}{"value": map[string]interface{}{"value": 5}},
	})

	assert.Equal(t, "ok", res.NextTarget)
	ok := res.Outputs["cases.ok"].(map[string]interface{})
	no := res.Outputs["cases.no"].(map[string]interface{})
	def := res.Outputs["default"].(map[string]interface{})
	assert.Equal(t, true, ok["matched"])
	assert.Equal(t, false, no["matched"])
	assert.Equal(t, false, def["matched"])
}

func TestSwitchNodeDefaultWhenNoScript(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{
		Type:   "switch_node",
		Config: map[string]interface{}{"cases": map[string]interface{}{"ok": nil}},
	}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{Inputs: map[string]interface{}{"value": 1}})
	assert.Equal(t, "default", res.NextTarget)
	def := res.Outputs["default"].(map[string]interface{})
	assert.Equal(t, true, def["matched"])
}

func TestSplitNodeMapping(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{
		Type: "split_node",
		Config: map[string]interface{}{
			"mapping": map[string]interface{}{"a": "left", "b": "right"},
		},
	}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{
		Inputs: map[string]interface{}{"source": map[string]interface{}{"left": 1, "right": 2}},
	})
	assert.Equal(t, 1, res.Outputs["targets.a"])
	assert.Equal(t, 2, res.Outputs["targets.b"])
}

func TestSplitNodeNonMapSourceFansOutWhole(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{
		Type:   "split_node",
		Config: map[string]interface{}{"mapping": map[string]interface{}{"a": "x"}},
	}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{Inputs: map[string]interface{}{"source": "whole"}})
	assert.Equal(t, "whole", res.Outputs["targets.a"])
}

func TestMergeStrategies(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	ncFor := func(values ...interface{}) *nodes.Context {
		nc := &nodes.Context{Inputs: map[string]interface{}{}}
		for i, v := range values {
			key := "sources." + string(rune('a'+i))
			nc.Inputs[key] = v
			nc.InputOrder = append(nc.InputOrder, key)
		}
		return nc
	}

	cases := []struct {
		strategy string
		values   []interface{}
		want     interface{}
	}{
		{"first", []interface{}{1, 10}, 1},
		{"last", []interface{}{1, 10}, 10},
		{"all", []interface{}{1, 10}, []interface{}{1, 10}},
		{"concat", []interface{}{"ab", "cd"}, "abcd"},
		{"concat", []interface{}{[]interface{}{1}, []interface{}{2}}, []interface{}{1, 2}},
	}
	for _, tc := range cases {
		node := mustNode(t, reg, &models.Node{
			Type:   "merge_node",
			Config: map[string]interface{}{"strategy": tc.strategy},
		}, nodes.Deps{})
		res := exec(t, node, ncFor(tc.values...))
		assert.Equal(t, tc.want, res.Outputs["target"], "strategy %s", tc.strategy)
	}
}

func TestMergeRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	_, err := reg.New(&models.Node{
		Type:   "merge_node",
		Config: map[string]interface{}{"strategy": "vote"},
	}, nodes.Deps{})
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidWorkflow, models.CodeOf(err))
}

func TestConfigNodeReturnsOwnConfig(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{
		Type:   "model_config",
		Config: map[string]interface{}{"id": "gpt", "version": "1"},
	}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{Inputs: map[string]interface{}{}})
	got := res.Outputs["get"].(map[string]interface{})
	assert.Equal(t, "gpt", got["id"])
}

func TestUserOutputNode(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	node := mustNode(t, reg, &models.Node{Type: "user_output_node"}, nodes.Deps{})
	res := exec(t, node, &nodes.Context{Inputs: map[string]interface{}{"message": "hi"}})
	assert.Equal(t, "hi", res.Outputs["get"])
}

func TestToolNodeCallsBackend(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	var gotHandle interface{}
	b := backend.Local(
		[]interface{}{"calc-handle"},
		nil,
		func(_ context.Context, handle interface{}, args map[string]interface{}) (interface{}, error) {
			gotHandle = handle
			return args["a"], nil
		},
	)
	node := mustNode(t, reg, &models.Node{
		Type: "tool_node",
		Config: map[string]interface{}{
			"config":    0,
			"arguments": map[string]interface{}{"a": 41},
		},
	}, nodes.Deps{Backend: b})

	res := exec(t, node, &nodes.Context{
		Inputs: map[string]interface{}{
			"source":    "orig",
			"arguments": map[string]interface{}{"a": 42},
		},
	})
	out := res.Outputs["target"].(map[string]interface{})
	assert.Equal(t, 42, out["result"], "runtime arguments override config arguments")
	assert.Equal(t, "orig", out["input"])
	assert.Equal(t, "calc-handle", gotHandle)
}

func TestToolNodeBadHandleIndex(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	b := backend.Local(nil, nil, backend.CallToolHandle)
	_, err := reg.New(&models.Node{
		Type:   "tool_node",
		Config: map[string]interface{}{"config": 7},
	}, nodes.Deps{Backend: b})
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidWorkflow, models.CodeOf(err))
}

func TestToolNodeFailurePropagates(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	b := backend.Local(nil, nil,
		func(context.Context, interface{}, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("tool broke")
		})
	node := mustNode(t, reg, &models.Node{Type: "tool_node"}, nodes.Deps{Backend: b})
	_, err := node.Execute(context.Background(), &nodes.Context{Inputs: map[string]interface{}{}})
	require.Error(t, err)
	assert.Equal(t, models.ErrNodeFailure, models.CodeOf(err))
}

func TestAgentNodeExtractsMessage(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	var gotMessage string
	b := backend.Local(nil,
		func(_ context.Context, _ interface{}, message string) (interface{}, error) {
			gotMessage = message
			return "reply:" + message, nil
		}, nil)
	node := mustNode(t, reg, &models.Node{Type: "agent_node"}, nodes.Deps{Backend: b})

	res := exec(t, node, &nodes.Context{
		Inputs: map[string]interface{}{
			"request": map[string]interface{}{"message": "hello"},
		},
	})
	assert.Equal(t, "hello", gotMessage)
	out := res.Outputs["response"].(map[string]interface{})
	assert.Equal(t, "reply:hello", out["response"])
}

func TestAgentNodeRequiresBackend(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	_, err := reg.New(&models.Node{Type: "agent_node"}, nodes.Deps{})
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidWorkflow, models.CodeOf(err))
}

func TestRegistrySpecLookup(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	spec, ok := reg.Spec("merge_node")
	require.True(t, ok)
	assert.True(t, spec.HasInput("sources.anything"))
	assert.True(t, spec.HasOutput("target"))
	assert.False(t, spec.HasInput("bogus"))

	_, ok = reg.Spec("nope_node")
	assert.False(t, ok)
}

func TestNoteNodeIsNotExecutable(t *testing.T) {
	t.Parallel()
	reg := nodes.Builtin()
	spec, ok := reg.Spec("note_node")
	require.True(t, ok)
	assert.False(t, spec.Executable)
}
