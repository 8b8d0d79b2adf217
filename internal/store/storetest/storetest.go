// Package storetest holds the behavioural suite every store.Store backend
// must pass. Backends call Run from their own tests with a factory.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
)

// Run exercises s against the Store contract. newStore must return an empty
// store; it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("CreateGetTask", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("GetMissingTask", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("UpdateCompareAndSet", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("ConcurrentUpdatesOneWins", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("ListTasksFilter", func(t *testing.T) { testListTasks(t, newStore(t)) })
	t.Run("Projects", func(t *testing.T) { testProjects(t, newStore(t)) })
	t.Run("ActivityLog", func(t *testing.T) { testActivityLog(t, newStore(t)) })
	t.Run("Templates", func(t *testing.T) { testTemplates(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTask returns a pending task with fields every backend must round-trip.
func NewTask(id, project string, p domain.Priority, createdAt time.Time) *domain.Task {
	return &domain.Task{
		ID:           id,
		Project:      project,
		Description:  "desc " + id,
		Instructions: "do " + id,
		Priority:     p,
		State:        domain.StatePending,
		Attempts:     1,
		MaxAttempts:  3,
		Context:      map[string]string{"branch": "main"},
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewTask("t-1", "/srv/a", domain.PriorityHigh, base)
	require.NoError(t, s.CreateTask(ctx, task))
	assert.Equal(t, int64(1), task.Version)

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/a", got.Project)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, "main", got.Context["branch"])
	assert.True(t, base.Equal(got.CreatedAt))
	assert.Equal(t, int64(1), got.Version)

	got.Context["branch"] = "mutated"
	again, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "main", again.Context["branch"], "returned tasks must not alias stored state")
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, NewTask("dup", "/p", domain.PriorityLow, base)))
	err := s.CreateTask(ctx, NewTask("dup", "/p", domain.PriorityLow, base))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrAlreadyExists), "got %v", err)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.GetTask(context.Background(), "nope")
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.TaskID)
}

func testUpdateCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewTask("cas", "/p", domain.PriorityMedium, base)
	require.NoError(t, s.CreateTask(ctx, task))

	first, err := s.GetTask(ctx, "cas")
	require.NoError(t, err)
	second, err := s.GetTask(ctx, "cas")
	require.NoError(t, err)

	require.NoError(t, first.Transition(domain.StateRunning, base.Add(time.Second)))
	require.NoError(t, s.UpdateTask(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	require.NoError(t, second.Transition(domain.StateCancelled, base.Add(time.Second)))
	err = s.UpdateTask(ctx, second)
	var stale *domain.StaleWriteError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(1), stale.Expected)
	assert.Equal(t, int64(2), stale.Actual)

	got, err := s.GetTask(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)
	require.NotNil(t, got.StartedAt)

	msg := "agent crashed"
	res := "partial"
	got.Progress = 40
	got.Result = &res
	got.Artifacts = []string{"a.go", "b.go"}
	require.NoError(t, got.Transition(domain.StateFailed, base.Add(2*time.Second)))
	got.Fail(domain.ErrorKindAgentFailed, msg)
	retryAt := base.Add(time.Minute)
	got.RetryAt = &retryAt
	require.NoError(t, s.UpdateTask(ctx, got))

	final, err := s.GetTask(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, final.State)
	assert.Equal(t, domain.ErrorKindAgentFailed, final.ErrorKind)
	require.NotNil(t, final.Error)
	assert.Equal(t, msg, *final.Error)
	require.NotNil(t, final.Result)
	assert.Equal(t, "partial", *final.Result)
	assert.Equal(t, []string{"a.go", "b.go"}, final.Artifacts)
	assert.Equal(t, 40, final.Progress)
	require.NotNil(t, final.RetryAt)
	assert.True(t, retryAt.Equal(*final.RetryAt))
	require.NotNil(t, final.FinishedAt)
	assert.Equal(t, int64(3), final.Version)

	missing := NewTask("ghost", "/p", domain.PriorityLow, base)
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, s.UpdateTask(ctx, missing), &nf)
}

func testConcurrentCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, NewTask("race", "/p", domain.PriorityMedium, base)))

	const writers = 8
	snapshots := make([]*domain.Task, writers)
	for i := range snapshots {
		got, err := s.GetTask(ctx, "race")
		require.NoError(t, err)
		got.Message = fmt.Sprintf("writer %d", i)
		snapshots[i] = got
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, snap := range snapshots {
		wg.Add(1)
		go func(task *domain.Task) {
			defer wg.Done()
			if err := s.UpdateTask(ctx, task); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(snap)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one writer holding the same version may succeed")
}

func testListTasks(t *testing.T, s store.Store) {
	ctx := context.Background()
	tasks := []*domain.Task{
		NewTask("a", "/p1", domain.PriorityLow, base),
		NewTask("b", "/p1", domain.PriorityCritical, base.Add(time.Second)),
		NewTask("c", "/p2", domain.PriorityCritical, base),
		NewTask("d", "/p1", domain.PriorityMedium, base.Add(2*time.Second)),
	}
	for _, task := range tasks {
		require.NoError(t, s.CreateTask(ctx, task))
	}
	running, err := s.GetTask(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, running.Transition(domain.StateRunning, base.Add(3*time.Second)))
	require.NoError(t, s.UpdateTask(ctx, running))

	all, err := s.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "d", "a"}, ids(all))

	p1, err := s.ListTasks(ctx, domain.TaskFilter{Project: "/p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d", "a"}, ids(p1))

	pending, err := s.ListTasks(ctx, domain.TaskFilter{States: []domain.State{domain.StatePending}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(pending))

	limited, err := s.ListTasks(ctx, domain.TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testProjects(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetProject(ctx, "/srv/app")
	var nf *domain.ProjectNotFoundError
	require.ErrorAs(t, err, &nf)

	p := domain.NewProjectState("/srv/app", base)
	assert.Equal(t, "app", p.Name)
	require.NoError(t, s.PutProject(ctx, p))

	p.AgentStatus = domain.AgentBusy
	p.ActiveTasks = 2
	p.LastTaskID = "t-9"
	p.LastActivity = base.Add(time.Minute)
	require.NoError(t, s.PutProject(ctx, p))

	other := domain.NewProjectState("/srv/other", base.Add(time.Hour))
	require.NoError(t, s.PutProject(ctx, other))

	got, err := s.GetProject(ctx, "/srv/app")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentBusy, got.AgentStatus)
	assert.Equal(t, 2, got.ActiveTasks)
	assert.Equal(t, "t-9", got.LastTaskID)

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "/srv/other", list[0].Path, "most recently active first")
}

func testActivityLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	entries := []*domain.ActivityLogEntry{
		{Timestamp: base, Project: "/p1", TaskID: "a", Type: domain.EventTaskSubmitted},
		{Timestamp: base.Add(time.Second), Project: "/p1", TaskID: "a", Type: domain.EventTaskAdmitted},
		{Timestamp: base.Add(2 * time.Second), Project: "/p2", TaskID: "b", Type: domain.EventTaskSubmitted},
		{Timestamp: base.Add(3 * time.Second), Project: "/p1", TaskID: "a", Type: domain.EventTaskCompleted,
			Details: map[string]any{"result": "ok"}},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendLog(ctx, e))
	}
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq, "seq must increase with insertion")
	}

	all, err := s.ListLog(ctx, domain.LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, domain.EventTaskCompleted, all[0].Type, "newest first")
	assert.Equal(t, "ok", all[0].Details["result"])

	p1, err := s.ListLog(ctx, domain.LogFilter{Project: "/p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, p1, 2)
	assert.Equal(t, domain.EventTaskCompleted, p1[0].Type)
	assert.Equal(t, domain.EventTaskAdmitted, p1[1].Type)

	submitted, err := s.ListLog(ctx, domain.LogFilter{Type: domain.EventTaskSubmitted})
	require.NoError(t, err)
	assert.Len(t, submitted, 2)

	after, err := s.ListLog(ctx, domain.LogFilter{AfterSeq: entries[1].Seq})
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func testTemplates(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetTemplate(ctx, "missing")
	var nf *domain.TemplateNotFoundError
	require.ErrorAs(t, err, &nf)
	require.ErrorAs(t, s.DeleteTemplate(ctx, "missing"), &nf)

	tpl := &domain.TaskTemplate{
		Name:         "fix-bug",
		Description:  "Fix {issue}",
		Instructions: "Fix {issue} in {file}",
		Variables:    []string{"issue", "file"},
		Defaults:     map[string]string{"file": "main.go"},
		Priority:     domain.PriorityHigh,
		Schedule:     "0 * * * *",
		Project:      "/srv/app",
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, s.PutTemplate(ctx, tpl))
	require.NoError(t, s.PutTemplate(ctx, &domain.TaskTemplate{Name: "audit", Instructions: "audit", CreatedAt: base, UpdatedAt: base}))

	got, err := s.GetTemplate(ctx, "fix-bug")
	require.NoError(t, err)
	assert.Equal(t, "Fix {issue} in {file}", got.Instructions)
	assert.Equal(t, []string{"issue", "file"}, got.Variables)
	assert.Equal(t, "main.go", got.Defaults["file"])
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, "0 * * * *", got.Schedule)
	assert.Nil(t, got.LastRunAt)

	next := base.Add(time.Hour)
	got.LastRunAt = &base
	got.NextRunAt = &next
	require.NoError(t, s.PutTemplate(ctx, got))
	updated, err := s.GetTemplate(ctx, "fix-bug")
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, next.Equal(*updated.NextRunAt))

	list, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "audit", list[0].Name)

	require.NoError(t, s.DeleteTemplate(ctx, "audit"))
	list, err = s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func ids(tasks []*domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
