// Package server exposes the workflow registry and engine over HTTP,
// with a WebSocket event stream.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dibenedetto/meshade/pkg/engine"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/manager"
	"github.com/dibenedetto/meshade/pkg/models"
)

// Server wires the control verbs to the manager, engine and bus.
type Server struct {
	log     zerolog.Logger
	bus     *events.Bus
	manager *manager.Manager
	engine  *engine.Engine

	upgrader websocket.Upgrader

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds the control surface.
func New(bus *events.Bus, mgr *manager.Manager, eng *engine.Engine, log zerolog.Logger) *Server {
	return &Server{
		log:     log.With().Str("component", "server").Logger(),
		bus:     bus,
		manager: mgr,
		engine:  eng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownRequested closes when a client posts /shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /schema", s.handleSchema)
	mux.HandleFunc("POST /add", s.handleAdd)
	mux.HandleFunc("POST /remove", s.handleRemove)
	mux.HandleFunc("POST /remove/{name}", s.handleRemove)
	mux.HandleFunc("GET /get", s.handleGetAll)
	mux.HandleFunc("GET /get/{name}", s.handleGet)
	mux.HandleFunc("GET /list", s.handleList)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("GET /exec_state/{id}", s.handleExecState)
	mux.HandleFunc("POST /exec_cancel/{id}", s.handleExecCancel)
	mux.HandleFunc("GET /exec_list", s.handleExecList)
	mux.HandleFunc("POST /exec_input", s.handleExecInput)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps domain error codes onto HTTP statuses.
func statusFor(err error) int {
	switch models.CodeOf(err) {
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrInvalidWorkflow, models.ErrNotWaiting:
		return http.StatusBadRequest
	case models.ErrAlreadyRunning, models.ErrAlreadyTerminal:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]interface{}{
		"error": err.Error(),
		"code":  string(models.CodeOf(err)),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "pong",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(models.SchemaText()))
}

type addRequest struct {
	Name     string           `json:"name,omitempty"`
	Workflow *models.Workflow `json:"workflow"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, models.NewError(models.ErrInvalidWorkflow, "invalid request body", err))
		return
	}
	name, err := s.manager.Add(req.Workflow, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.manager.Remove(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": name})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	wf, err := s.manager.Get(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "workflow": wf})
}

// handleGetAll serves /get with no name: every registered definition.
func (s *Server) handleGetAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": s.manager.List()})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"names": s.manager.Names()})
}

type startRequest struct {
	Name        string                 `json:"name"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	InitialData map[string]interface{} `json:"initial_data,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, models.NewError(models.ErrInvalidWorkflow, "invalid request body", err))
		return
	}
	wf, b, _, err := s.manager.Impl(req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.engine.Start(wf, engine.StartOptions{
		ExecutionID: req.ExecutionID,
		InitialData: req.InitialData,
		Backend:     b,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"execution_id": id})
}

func (s *Server) handleExecState(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleExecCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": id})
}

func (s *Server) handleExecList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": s.engine.List()})
}

type execInputRequest struct {
	ExecutionID string      `json:"execution_id"`
	NodeID      string      `json:"node_id"`
	Value       interface{} `json:"value"`
}

func (s *Server) handleExecInput(w http.ResponseWriter, r *http.Request) {
	var req execInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, models.NewError(models.ErrInvalidWorkflow, "invalid request body", err))
		return
	}
	if err := s.engine.ProvideUserInput(req.ExecutionID, req.NodeID, req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	evs := s.bus.History(events.HistoryFilter{
		WorkflowID:  q.Get("workflow_id"),
		ExecutionID: q.Get("execution_id"),
		Type:        events.Type(q.Get("type")),
	}, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "shutting down"})
}

// wsClient serializes writes to one WebSocket connection.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleEvents upgrades to a WebSocket stream. Recent history is
// replayed first, then live events flow until the client disconnects;
// inbound frames are treated as keep-alives.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}

	q := r.URL.Query()
	filter := events.HistoryFilter{
		WorkflowID:  q.Get("workflow_id"),
		ExecutionID: q.Get("execution_id"),
		Type:        events.Type(q.Get("type")),
	}

	for _, ev := range s.bus.History(filter, 50) {
		payload, merr := events.MarshalStreamEvent(ev)
		if merr != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			_ = conn.Close()
			return
		}
	}

	s.bus.AddStream(client, func(ev *events.Event) bool {
		return (filter.WorkflowID == "" || ev.WorkflowID == filter.WorkflowID) &&
			(filter.ExecutionID == "" || ev.ExecutionID == filter.ExecutionID) &&
			(filter.Type == "" || ev.Type == filter.Type)
	})
	defer func() {
		s.bus.RemoveStream(client)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
