package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dibenedetto/meshade/internal/server"
	"github.com/dibenedetto/meshade/pkg/engine"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/manager"
	"github.com/dibenedetto/meshade/pkg/models"
)

type testRig struct {
	srv *httptest.Server
	bus *events.Bus
	ctl *server.Server
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	bus := events.NewBus(zerolog.Nop(), 0)
	mgr := manager.New(bus, nil, nil, zerolog.Nop())
	eng := engine.New(bus, nil, nil, zerolog.Nop())
	ctl := server.New(bus, mgr, eng, zerolog.Nop())
	srv := httptest.NewServer(ctl.Handler())
	t.Cleanup(srv.Close)
	return &testRig{srv: srv, bus: bus, ctl: ctl}
}

func (r *testRig) postJSON(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(r.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (r *testRig) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(r.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func pipelineDefinition() map[string]interface{} {
	return map[string]interface{}{
		"variables": map[string]interface{}{"x": 3},
		"nodes": []map[string]interface{}{
			{"type": "start_node"},
			{"type": "transform_node", "config": map[string]interface{}{"script": "input.x * 2"}},
			{"type": "end_node"},
		},
		"edges": []map[string]interface{}{
			{"source": 0, "target": 1, "source_slot": "start", "target_slot": "source"},
			{"source": 1, "target": 2, "source_slot": "target", "target_slot": "end"},
		},
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	resp, body := rig.get(t, "/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body["message"])
	ts, ok := body["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestSchema(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	resp, err := http.Get(rig.srv.URL + "/schema")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestAddGetListRemove(t *testing.T) {
	t.Parallel()
	rig := newRig(t)

	resp, body := rig.postJSON(t, "/add", map[string]interface{}{
		"name":     "pipe",
		"workflow": pipelineDefinition(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pipe", body["name"])

	resp, body = rig.get(t, "/get/pipe")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pipe", body["name"])
	wf := body["workflow"].(map[string]interface{})
	assert.Len(t, wf["nodes"], 3)

	resp, body = rig.get(t, "/list")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"pipe"}, body["names"])

	resp, _ = rig.postJSON(t, "/remove/pipe", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = rig.get(t, "/get/pipe")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(models.ErrNotFound), body["code"])
}

func TestGetWithoutNameReturnsAllDefinitions(t *testing.T) {
	t.Parallel()
	rig := newRig(t)

	for _, name := range []string{"alpha", "beta"} {
		resp, _ := rig.postJSON(t, "/add", map[string]interface{}{
			"name":     name,
			"workflow": pipelineDefinition(),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := rig.get(t, "/get")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := body["workflows"].(map[string]interface{})
	require.Len(t, all, 2)
	assert.Contains(t, all, "alpha")
	assert.Contains(t, all, "beta")
}

func TestStartAndExecState(t *testing.T) {
	t.Parallel()
	rig := newRig(t)

	resp, _ := rig.postJSON(t, "/add", map[string]interface{}{
		"name":     "pipe",
		"workflow": pipelineDefinition(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := rig.postJSON(t, "/start", map[string]interface{}{"name": "pipe"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["execution_id"].(string)
	require.NotEmpty(t, execID)

	deadline := time.Now().Add(5 * time.Second)
	var state map[string]interface{}
	for {
		resp, state = rig.get(t, "/exec_state/"+execID)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if state["phase"] == string(models.PhaseCompleted) {
			break
		}
		require.True(t, time.Now().Before(deadline), "execution did not complete, state: %v", state)
		time.Sleep(10 * time.Millisecond)
	}

	outputs := state["outputs"].(map[string]interface{})
	end := outputs["2"].(map[string]interface{})
	assert.Equal(t, float64(6), end["end"])

	resp, body = rig.get(t, "/exec_list")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["executions"], 1)
}

func TestStartUnknownWorkflow(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	resp, body := rig.postJSON(t, "/start", map[string]interface{}{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(models.ErrNotFound), body["code"])
}

func TestExecInputNotWaiting(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	resp, body := rig.postJSON(t, "/exec_input", map[string]interface{}{
		"execution_id": "ghost",
		"node_id":      "node_1",
		"value":        "hi",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(models.ErrNotFound), body["code"])
}

func TestCancelTerminalConflicts(t *testing.T) {
	t.Parallel()
	rig := newRig(t)

	resp, _ := rig.postJSON(t, "/add", map[string]interface{}{
		"name":     "pipe",
		"workflow": pipelineDefinition(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := rig.postJSON(t, "/start", map[string]interface{}{"name": "pipe"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execID := body["execution_id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, state := rig.get(t, "/exec_state/"+execID)
		if state["phase"] == string(models.PhaseCompleted) {
			break
		}
		require.True(t, time.Now().Before(deadline))
		time.Sleep(10 * time.Millisecond)
	}

	resp, body = rig.postJSON(t, "/exec_cancel/"+execID, map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(models.ErrAlreadyTerminal), body["code"])
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	rig.bus.Emit(events.NodeStarted, "wf", "x1", "", nil, "")
	rig.bus.Emit(events.NodeCompleted, "wf", "x1", "", nil, "")
	rig.bus.Emit(events.NodeStarted, "wf", "x2", "", nil, "")

	resp, body := rig.get(t, "/history?execution_id=x1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 2)

	resp, body = rig.get(t, fmt.Sprintf("/history?type=%s&limit=1", events.NodeStarted))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 1)
}

func TestShutdownVerb(t *testing.T) {
	t.Parallel()
	rig := newRig(t)
	resp, _ := rig.postJSON(t, "/shutdown", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case <-rig.ctl.ShutdownRequested():
	default:
		t.Fatal("shutdown channel should be closed")
	}
	// repeated shutdowns are harmless
	resp, _ = rig.postJSON(t, "/shutdown", map[string]interface{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStreamWebSocket(t *testing.T) {
	t.Parallel()
	rig := newRig(t)

	// seed one event so the replay path is exercised too
	rig.bus.Emit(events.NodeStarted, "wf", "x1", "", nil, "")

	wsURL := "ws" + strings.TrimPrefix(rig.srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	readEvent := func() map[string]interface{} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	replayed := readEvent()
	assert.Equal(t, "workflow_event", replayed["type"])

	done := make(chan struct{})
	go func() {
		defer close(done)
		// the bus needs a moment to register the live stream client
		for i := 0; i < 50; i++ {
			rig.bus.Emit(events.NodeCompleted, "wf", "x2", "", nil, "")
			time.Sleep(5 * time.Millisecond)
		}
	}()

	for {
		msg := readEvent()
		ev := msg["event"].(map[string]interface{})
		if ev["execution_id"] == "x2" {
			break
		}
	}
	<-done
}
