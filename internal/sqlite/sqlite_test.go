package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/sqlite"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/internal/store/storetest"
)

func open(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return open(t, filepath.Join(t.TempDir(), "relay.db"))
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	created := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	task := storetest.NewTask("persist", "/srv/app", domain.PriorityCritical, created)
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, task.Transition(domain.StateRunning, created.Add(time.Second)))
	require.NoError(t, s.UpdateTask(ctx, task))
	require.NoError(t, s.AppendLog(ctx, &domain.ActivityLogEntry{
		Timestamp: created, Project: "/srv/app", TaskID: "persist", Type: domain.EventTaskAdmitted,
	}))
	require.NoError(t, s.Close())

	reopened := open(t, path)
	got, err := reopened.GetTask(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, created.Equal(got.CreatedAt), "nanosecond precision must survive: %s", got.CreatedAt)

	log, err := reopened.ListLog(ctx, domain.LogFilter{TaskID: "persist"})
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, domain.EventTaskAdmitted, log[0].Type)
}

func TestSQLiteStore_OrdersSubsecondCreation(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "relay.db"))
	whole := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateTask(ctx, storetest.NewTask("later", "/p", domain.PriorityLow, whole.Add(500*time.Millisecond))))
	require.NoError(t, s.CreateTask(ctx, storetest.NewTask("earlier", "/p", domain.PriorityLow, whole)))

	tasks, err := s.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "earlier", tasks[0].ID)
}
