package recurring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/recurring"
	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeSubmitter struct {
	reqs []scheduler.SubmitRequest
	err  error
}

func (s *fakeSubmitter) Submit(_ context.Context, req scheduler.SubmitRequest) (*domain.Task, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.reqs = append(s.reqs, req)
	return &domain.Task{ID: "task-" + req.Context["template"], Project: req.Project}, nil
}

type fakeLeader struct{ leading bool }

func (l *fakeLeader) Acquire(context.Context) bool { return l.leading }

type fakeRecorder struct{ events []domain.EventType }

func (r *fakeRecorder) Record(_ context.Context, _, _ string, typ domain.EventType, _ map[string]any) {
	r.events = append(r.events, typ)
}

// ── tests ────────────────────────────────────────────────────────────────────

func putTemplate(t *testing.T, st store.Store, tpl *domain.TaskTemplate) {
	t.Helper()
	require.NoError(t, st.PutTemplate(context.Background(), tpl))
}

func TestTick_FiresDueTemplates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	r := recurring.NewRunner(st, sub,
		recurring.WithClock(func() time.Time { return now }),
		recurring.WithRecorder(rec),
	)

	putTemplate(t, st, &domain.TaskTemplate{
		Name:         "nightly-lint",
		Instructions: "Lint {target}",
		Variables:    []string{"target"},
		Defaults:     map[string]string{"target": "./..."},
		Priority:     domain.PriorityLow,
		Schedule:     "0 2 * * *",
		Project:      "/work/app",
	})
	putTemplate(t, st, &domain.TaskTemplate{Name: "manual", Instructions: "x", Priority: domain.PriorityMedium})

	// First sight only schedules.
	assert.Zero(t, r.Tick(ctx))
	tpl, err := st.GetTemplate(ctx, "nightly-lint")
	require.NoError(t, err)
	require.NotNil(t, tpl.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), *tpl.NextRunAt)

	now = now.Add(29 * time.Minute)
	assert.Zero(t, r.Tick(ctx))

	now = now.Add(time.Minute)
	assert.Equal(t, 1, r.Tick(ctx))
	require.Len(t, sub.reqs, 1)
	req := sub.reqs[0]
	assert.Equal(t, "/work/app", req.Project)
	assert.Equal(t, "Lint ./...", req.Instructions)
	assert.Equal(t, domain.PriorityLow, req.Priority)
	assert.Equal(t, "nightly-lint", req.Context["template"])
	assert.Equal(t, []domain.EventType{domain.EventTemplateFired}, rec.events)

	tpl, err = st.GetTemplate(ctx, "nightly-lint")
	require.NoError(t, err)
	assert.Equal(t, now, *tpl.LastRunAt)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), *tpl.NextRunAt)

	// Same tick again does not fire twice.
	assert.Zero(t, r.Tick(ctx))
}

func TestTick_NotLeader(t *testing.T) {
	st := store.NewMemory()
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	putTemplate(t, st, &domain.TaskTemplate{
		Name: "hourly", Instructions: "x", Schedule: "@hourly", Project: "/p", NextRunAt: &past,
	})
	sub := &fakeSubmitter{}
	r := recurring.NewRunner(st, sub, recurring.WithLeader(&fakeLeader{}))

	assert.Zero(t, r.Tick(context.Background()))
	assert.Empty(t, sub.reqs)
}

func TestTick_SubmitFailureStillAdvances(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	putTemplate(t, st, &domain.TaskTemplate{
		Name: "hourly", Instructions: "x", Schedule: "@hourly", Project: "/gone", NextRunAt: &due,
	})
	sub := &fakeSubmitter{err: errors.New("invalid project")}
	r := recurring.NewRunner(st, sub, recurring.WithClock(func() time.Time { return now }))

	assert.Zero(t, r.Tick(ctx))
	tpl, err := st.GetTemplate(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), *tpl.NextRunAt)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := recurring.NewRunner(store.NewMemory(), &fakeSubmitter{}, recurring.WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
