// Package meshade is a workflow execution engine: workflows are
// directed graphs of typed nodes exchanging values over named slots,
// scheduled by a frontier-based concurrent scheduler and observed
// through an event bus.
//
// This file re-exports the core types so callers can depend on the
// root package alone for everyday use.
package meshade

import (
	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/engine"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/manager"
	"github.com/dibenedetto/meshade/pkg/models"
	"github.com/dibenedetto/meshade/pkg/nodes"
)

// Core model types.
type (
	Workflow       = models.Workflow
	Node           = models.Node
	Edge           = models.Edge
	ExecutionState = models.ExecutionState
	NodeRecord     = models.NodeRecord
	Phase          = models.Phase
	Error          = models.Error
	ErrorCode      = models.ErrorCode
)

// Runtime types.
type (
	Engine       = engine.Engine
	StartOptions = engine.StartOptions
	Manager      = manager.Manager
	Backend      = backend.Backend
	Bus          = events.Bus
	Event        = events.Event
	EventType    = events.Type
	Registry     = nodes.Registry
)

// Execution phases.
const (
	PhasePending   = models.PhasePending
	PhaseRunning   = models.PhaseRunning
	PhaseCompleted = models.PhaseCompleted
	PhaseFailed    = models.PhaseFailed
	PhaseCancelled = models.PhaseCancelled
)

// Error codes.
const (
	ErrInvalidWorkflow = models.ErrInvalidWorkflow
	ErrNotFound        = models.ErrNotFound
	ErrAlreadyRunning  = models.ErrAlreadyRunning
	ErrAlreadyTerminal = models.ErrAlreadyTerminal
	ErrNotWaiting      = models.ErrNotWaiting
	ErrNodeFailure     = models.ErrNodeFailure
	ErrDeadlock        = models.ErrDeadlock
	ErrCancelled       = models.ErrCancelled
)

// Constructors.
var (
	NewWorkflow  = models.NewWorkflow
	NewBus       = events.NewBus
	NewEngine    = engine.New
	NewManager   = manager.New
	BuiltinKinds = nodes.Builtin
	LocalBackend = backend.Local
)
