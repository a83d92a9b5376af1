package manager_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/manager"
	"github.com/dibenedetto/meshade/pkg/models"
)

func sampleWorkflow() *models.Workflow {
	w := models.NewWorkflow("", "sample")
	w.Nodes = []*models.Node{
		{Type: "start_node"},
		{Type: "end_node"},
	}
	w.Edges = []*models.Edge{
		{Source: 0, Target: 1, SourceSlot: "start", TargetSlot: "end"},
	}
	return w
}

func newManager() (*manager.Manager, *events.Bus) {
	bus := events.NewBus(zerolog.Nop(), 0)
	return manager.New(bus, nil, nil, zerolog.Nop()), bus
}

func TestAddAutoNames(t *testing.T) {
	t.Parallel()
	m, _ := newManager()

	first, err := m.Add(sampleWorkflow(), "")
	require.NoError(t, err)
	second, err := m.Add(sampleWorkflow(), "")
	require.NoError(t, err)

	assert.Equal(t, "workflow_1", first)
	assert.Equal(t, "workflow_2", second)
}

func TestAddFallsBackToWorkflowName(t *testing.T) {
	t.Parallel()
	m, _ := newManager()

	w := sampleWorkflow()
	w.Name = "mywf"
	name, err := m.Add(w, "")
	require.NoError(t, err)
	assert.Equal(t, "mywf", name)

	// the counter was not consumed by the named registration
	auto, err := m.Add(sampleWorkflow(), "")
	require.NoError(t, err)
	assert.Equal(t, "workflow_1", auto)
}

func TestAddReplacesExistingName(t *testing.T) {
	t.Parallel()
	m, _ := newManager()

	name, err := m.Add(sampleWorkflow(), "billing")
	require.NoError(t, err)
	assert.Equal(t, "billing", name)

	replacement := sampleWorkflow()
	replacement.Description = "v2"
	_, err = m.Add(replacement, "billing")
	require.NoError(t, err)

	got, err := m.Get("billing")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)
	assert.Len(t, m.List(), 1)
}

func TestAddRejectsInvalidWorkflow(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	w := models.NewWorkflow("", "")
	w.Nodes = []*models.Node{{Type: "mystery_node"}}
	_, err := m.Add(w, "")
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidWorkflow, models.CodeOf(err))
}

func TestGetReturnsDeepCopy(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	name, err := m.Add(sampleWorkflow(), "")
	require.NoError(t, err)

	got, err := m.Get(name)
	require.NoError(t, err)
	got.Nodes[0].Config = map[string]interface{}{"poisoned": true}
	got.Description = "mutated"

	again, err := m.Get(name)
	require.NoError(t, err)
	assert.Nil(t, again.Nodes[0].Config)
	assert.Equal(t, "sample", again.Description)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	_, err := m.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.CodeOf(err))
}

func TestListAndRemove(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	_, err := m.Add(sampleWorkflow(), "a")
	require.NoError(t, err)
	_, err = m.Add(sampleWorkflow(), "b")
	require.NoError(t, err)

	assert.Len(t, m.List(), 2)
	require.NoError(t, m.Remove("a"))
	assert.Len(t, m.List(), 1)

	err = m.Remove("a")
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.CodeOf(err))
}

func TestRemoveEmptyNameClearsAll(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	_, _ = m.Add(sampleWorkflow(), "a")
	_, _ = m.Add(sampleWorkflow(), "b")

	require.NoError(t, m.Remove(""))
	assert.Empty(t, m.List())

	// named registrations never consumed the counter
	name, err := m.Add(sampleWorkflow(), "")
	require.NoError(t, err)
	assert.Equal(t, "workflow_1", name)
}

func TestManagerEvents(t *testing.T) {
	t.Parallel()
	m, bus := newManager()

	var seen []events.Type
	bus.Subscribe(events.Wildcard, func(ev *events.Event) error {
		seen = append(seen, ev.Type)
		return nil
	})

	name, err := m.Add(sampleWorkflow(), "")
	require.NoError(t, err)
	_, _ = m.Get(name)
	_ = m.List()
	_ = m.Remove(name)
	_ = m.Clear()

	assert.Contains(t, seen, events.ManagerAdded)
	assert.Contains(t, seen, events.ManagerGot)
	assert.Contains(t, seen, events.ManagerListed)
	assert.Contains(t, seen, events.ManagerRemoved)
	assert.Contains(t, seen, events.ManagerCleared)
}

func TestImplHandsOutCopy(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	name, err := m.Add(sampleWorkflow(), "")
	require.NoError(t, err)

	wf, b, handles, err := m.Impl(name)
	require.NoError(t, err)
	assert.True(t, wf.Linked())
	assert.Nil(t, b)
	assert.Nil(t, handles)

	wf.Description = "mutated"
	again, err := m.Get(name)
	require.NoError(t, err)
	assert.Equal(t, "sample", again.Description)
}

func TestCreateRegistersEmptyWorkflow(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	wf, err := m.Create("fresh", "a new one")
	require.NoError(t, err)
	assert.Equal(t, "fresh", wf.Name)
	assert.Equal(t, models.DefaultSeed, wf.Options["seed"])
}

func TestSaveAllLoadAllRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m1, _ := newManager()
	_, err := m1.Add(sampleWorkflow(), "alpha")
	require.NoError(t, err)
	_, err = m1.Add(sampleWorkflow(), "beta/with:odd chars")
	require.NoError(t, err)
	require.NoError(t, m1.SaveAll(dir))

	m2, _ := newManager()
	require.NoError(t, m2.LoadAll(dir))

	got, err := m2.Get("alpha")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2)
	assert.True(t, got.Linked())

	_, err = m2.Get("beta/with:odd chars")
	require.NoError(t, err, "the recorded name wins over the sanitized file stem")
}

func TestLoadAllMissingDirIsNoop(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	require.NoError(t, m.LoadAll("/definitely/not/here"))
	assert.Empty(t, m.List())
}
