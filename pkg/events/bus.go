package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultHistoryCap bounds the event history when no capacity is given.
const DefaultHistoryCap = 1000

// Handler consumes an event. Errors are logged and isolated; a handler
// must not emit on the bus it is subscribed to.
type Handler func(ev *Event) error

// StreamClient receives marshalled events, typically over a WebSocket.
// The first failed Send removes the client from the bus.
type StreamClient interface {
	Send(data []byte) error
}

// StreamFilter limits which events reach a stream client. A nil filter
// passes everything.
type StreamFilter func(ev *Event) bool

// HistoryFilter selects events from the bounded history. Zero fields
// match everything.
type HistoryFilter struct {
	WorkflowID  string
	ExecutionID string
	Type        Type
}

func (f HistoryFilter) matches(ev *Event) bool {
	if f.WorkflowID != "" && ev.WorkflowID != f.WorkflowID {
		return false
	}
	if f.ExecutionID != "" && ev.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	return true
}

// Bus fans events out to subscribers and stream clients and keeps a
// bounded history. Delivery is synchronous and at-most-once; emission
// order is total, and timestamps are non-decreasing.
type Bus struct {
	log zerolog.Logger

	emitMu sync.Mutex // serializes whole emissions

	mu         sync.Mutex // guards everything below
	handlers   map[Type]map[string]Handler
	streams    map[StreamClient]StreamFilter
	history    []*Event
	historyCap int
	lastTS     time.Time
}

// NewBus builds a bus with the given history capacity (<=0 selects
// DefaultHistoryCap).
func NewBus(log zerolog.Logger, historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Bus{
		log:        log.With().Str("component", "event_bus").Logger(),
		handlers:   map[Type]map[string]Handler{},
		streams:    map[StreamClient]StreamFilter{},
		historyCap: historyCap,
	}
}

// Subscribe registers a handler for one type (or Wildcard) and returns
// the subscription id.
func (b *Bus) Subscribe(t Type, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	if b.handlers[t] == nil {
		b.handlers[t] = map[string]Handler{}
	}
	b.handlers[t][id] = h
	return id
}

// Unsubscribe drops a subscription; unknown ids are ignored.
func (b *Bus) Unsubscribe(t Type, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[t], id)
}

// AddStream registers a stream client with an optional filter.
func (b *Bus) AddStream(c StreamClient, f StreamFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[c] = f
}

// RemoveStream drops a stream client.
func (b *Bus) RemoveStream(c StreamClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, c)
}

// Emit builds and delivers an event. nodeID and errMsg are optional;
// empty strings become absent fields.
func (b *Bus) Emit(t Type, workflowID, executionID, nodeID string, data map[string]interface{}, errMsg string) *Event {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	ev := &Event{
		ID:          uuid.NewString(),
		Type:        t,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Data:        data,
	}
	if nodeID != "" {
		ev.NodeID = &nodeID
	}
	if errMsg != "" {
		ev.Error = &errMsg
	}

	b.mu.Lock()
	ts := time.Now().UTC()
	if ts.Before(b.lastTS) {
		ts = b.lastTS
	}
	b.lastTS = ts
	ev.Timestamp = ts

	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		b.history = b.history[1:]
	}

	targets := make([]Handler, 0, 4)
	for _, set := range []map[string]Handler{b.handlers[ev.Type], b.handlers[Wildcard]} {
		for _, h := range set {
			targets = append(targets, h)
		}
	}
	clients := make(map[StreamClient]StreamFilter, len(b.streams))
	for c, f := range b.streams {
		clients[c] = f
	}
	b.mu.Unlock()

	for _, h := range targets {
		b.safeCall(h, ev)
	}
	b.broadcast(clients, ev)
	return ev
}

func (b *Bus) safeCall(h Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event_type", string(ev.Type)).Msg("event handler panicked")
		}
	}()
	if err := h(ev); err != nil {
		b.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("event handler failed")
	}
}

func (b *Bus) broadcast(clients map[StreamClient]StreamFilter, ev *Event) {
	if len(clients) == 0 {
		return
	}
	payload, err := MarshalStreamEvent(ev)
	if err != nil {
		b.log.Error().Err(err).Msg("marshal stream event")
		return
	}
	var dead []StreamClient
	for c, f := range clients {
		if f != nil && !f(ev) {
			continue
		}
		if err := c.Send(payload); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, c := range dead {
			delete(b.streams, c)
		}
		b.mu.Unlock()
	}
}

// MarshalStreamEvent wraps an event in the wire envelope used by the
// live stream.
func MarshalStreamEvent(ev *Event) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":  "workflow_event",
		"event": ev,
	})
}

// History returns up to limit matching events, oldest first, taken from
// the tail of the bounded history. limit<=0 means 100.
func (b *Bus) History(f HistoryFilter, limit int) []*Event {
	if limit <= 0 {
		limit = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := make([]*Event, 0, limit)
	for _, ev := range b.history {
		if f.matches(ev) {
			matched = append(matched, ev)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// ClearHistory drops the retained history; subscriptions are untouched.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
