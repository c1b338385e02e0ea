package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/storage"
	"github.com/polisai/polis-flow/pkg/templates"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSettings() Settings {
	return Settings{Engine: engine.Limits{TickInterval: time.Millisecond}}
}

func port(t *testing.T, ports []domain.Port, label string) string {
	t.Helper()
	for _, p := range ports {
		if p.Label == label {
			return p.ID
		}
	}
	t.Fatalf("no port labelled %s", label)
	return ""
}

func connect(t *testing.T, s *Session, wfID string, from domain.Node, out string, to domain.Node, in string) domain.Edge {
	t.Helper()
	e, err := s.AddEdge(wfID,
		domain.Endpoint{NodeID: from.ID, PortID: port(t, from.Outputs, out)},
		domain.Endpoint{NodeID: to.ID, PortID: port(t, to.Inputs, in)},
	)
	require.NoError(t, err)
	return e
}

func countEvents(entries []domain.AuditEntry, event string) int {
	n := 0
	for _, e := range entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

func TestSession_EditAndExecute(t *testing.T) {
	s, err := New("sess-1", WithSettings(fastSettings()))
	require.NoError(t, err)

	wfID := s.CreateWorkflow("", "linear")
	in, err := s.Instantiate(wfID, domain.KindInput, domain.Position{X: 10, Y: 20})
	require.NoError(t, err)
	cond, err := s.Instantiate(wfID, domain.KindCondition, domain.Position{})
	require.NoError(t, err)
	act, err := s.Instantiate(wfID, domain.KindAction, domain.Position{})
	require.NoError(t, err)

	stored, err := s.SetProperty(wfID, in.ID, "defaultValue", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", stored)

	connect(t, s, wfID, in, templates.PortNext, cond, templates.PortIn)
	connect(t, s, wfID, cond, "true", act, templates.PortIn)

	structural, sec, err := s.Validate(wfID)
	require.NoError(t, err)
	assert.True(t, structural.Valid)
	assert.Equal(t, 100, sec.Score)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := s.Execute(ctx, wfID)
	require.NoError(t, err)
	exec, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, exec.Status)

	got, err := s.Execution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)

	entries := s.Audit().Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.EventSessionStarted, entries[0].Event)
	assert.Equal(t, 3, countEvents(entries, domain.EventNodeInstantiated))
	assert.Equal(t, 1, countEvents(entries, domain.EventExecutionFinished))
	for _, e := range entries {
		assert.Equal(t, "sess-1", e.SessionID)
	}
}

func TestSession_DeleteNodeDropsEdges(t *testing.T) {
	s, err := New("sess-2")
	require.NoError(t, err)

	wfID := s.CreateWorkflow("wf-delete", "")
	assert.Equal(t, "wf-delete", wfID)
	a, err := s.Instantiate(wfID, domain.KindInput, domain.Position{})
	require.NoError(t, err)
	b, err := s.Instantiate(wfID, domain.KindOutput, domain.Position{})
	require.NoError(t, err)
	connect(t, s, wfID, a, templates.PortNext, b, templates.PortIn)

	require.NoError(t, s.DeleteNode(wfID, b.ID))
	wf, err := s.Workflow(wfID)
	require.NoError(t, err)
	assert.Len(t, wf.Nodes, 1)
	assert.Empty(t, wf.Edges)

	err = s.DeleteNode(wfID, b.ID)
	assert.True(t, errors.Is(err, domain.ErrNodeNotFound))
}

func TestSession_UnknownWorkflowAndTemplate(t *testing.T) {
	s, err := New("sess-3")
	require.NoError(t, err)

	_, err = s.Instantiate("missing", domain.KindInput, domain.Position{})
	assert.True(t, errors.Is(err, domain.ErrWorkflowNotFound))
	_, err = s.Execute(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrWorkflowNotFound))

	wfID := s.CreateWorkflow("", "")
	_, err = s.Instantiate(wfID, domain.NodeKind("teleport"), domain.Position{})
	assert.True(t, errors.Is(err, domain.ErrTemplateNotFound))

	assert.True(t, errors.Is(s.Cancel("nope"), domain.ErrExecutionNotFound))
}

func TestSession_InsecurePropertyBlocksExecution(t *testing.T) {
	s, err := New("sess-4", WithSettings(fastSettings()))
	require.NoError(t, err)

	wfID := s.CreateWorkflow("", "")
	in, err := s.Instantiate(wfID, domain.KindInput, domain.Position{})
	require.NoError(t, err)
	_, err = s.SetProperty(wfID, in.ID, "defaultValue", "eval(alert(1))")
	require.NoError(t, err)

	_, sec, err := s.Validate(wfID)
	require.NoError(t, err)
	assert.False(t, sec.Valid)
	assert.NotEmpty(t, s.Audit().Filter(domain.AuditCritical))

	_, err = s.Execute(context.Background(), wfID)
	assert.True(t, errors.Is(err, domain.ErrValidationFailed))
	assert.False(t, s.Busy())
}

func TestSession_SaveAndRestore(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s, err := New("sess-5", WithStore(store), WithSettings(fastSettings()))
	require.NoError(t, err)

	wfID := s.CreateWorkflow("wf-saved", "saved")
	_, err = s.Instantiate(wfID, domain.KindOutput, domain.Position{})
	require.NoError(t, err)

	rev, err := s.Save(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, 1, rev)

	other, err := New("sess-6", WithStore(store))
	require.NoError(t, err)
	wf, err := other.Restore(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, "saved", wf.Name)
	assert.Len(t, wf.Nodes, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := s.Execute(ctx, wfID)
	require.NoError(t, err)
	exec, err := task.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list, err := store.ListExecutions(ctx, wfID)
		return err == nil && len(list) == 1 && list[0].ID == exec.ID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_SaveWithoutStore(t *testing.T) {
	s, err := New("sess-7")
	require.NoError(t, err)
	wfID := s.CreateWorkflow("", "")
	_, err = s.Save(context.Background(), wfID)
	assert.True(t, errors.Is(err, domain.ErrConfigInvalid))
}

func TestSession_DirtyUntilFullValidation(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s, err := New("sess-8", WithStore(store), WithSettings(fastSettings()))
	require.NoError(t, err)

	wfID := s.CreateWorkflow("", "")
	_, err = s.Instantiate(wfID, domain.KindOutput, domain.Position{})
	require.NoError(t, err)
	dirty, err := s.Dirty(wfID)
	require.NoError(t, err)
	assert.True(t, dirty)

	_, err = s.Save(context.Background(), wfID)
	require.NoError(t, err)
	dirty, err = s.Dirty(wfID)
	require.NoError(t, err)
	assert.True(t, dirty, "saving does not validate")

	_, _, err = s.Validate(wfID)
	require.NoError(t, err)
	dirty, err = s.Dirty(wfID)
	require.NoError(t, err)
	assert.False(t, dirty)

	_, err = s.Instantiate(wfID, domain.KindInput, domain.Position{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := s.Execute(ctx, wfID)
	require.NoError(t, err)
	dirty, err = s.Dirty(wfID)
	require.NoError(t, err)
	assert.False(t, dirty)
	_, err = task.Wait(ctx)
	require.NoError(t, err)

	_, err = s.Dirty("missing")
	assert.True(t, errors.Is(err, domain.ErrWorkflowNotFound))
}

func TestSession_ForgottenExecutionsComeFromStore(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	s, err := New("sess-9",
		WithStore(store),
		WithSettings(fastSettings()),
		WithEngineOptions(engine.WithRetention(1)),
	)
	require.NoError(t, err)
	defer s.Close()

	wfID := s.CreateWorkflow("", "")
	_, err = s.Instantiate(wfID, domain.KindOutput, domain.Position{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ids []string
	for i := 0; i < 2; i++ {
		task, err := s.Execute(ctx, wfID)
		require.NoError(t, err)
		exec, err := task.Wait(ctx)
		require.NoError(t, err)
		ids = append(ids, exec.ID)
		require.Eventually(t, func() bool { return !s.Busy() }, 5*time.Second, time.Millisecond)
	}

	got, err := s.Execution(ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	_, err = s.Execution("never-ran")
	assert.True(t, errors.Is(err, domain.ErrExecutionNotFound))
}
