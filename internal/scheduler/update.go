package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/pkg/retry"
)

// maxCASAttempts bounds the read-modify-write loop in update.
const maxCASAttempts = 8

var (
	// errStale aborts an update whose trigger no longer applies to the task.
	errStale = errors.New("stale event")
	// errNoChange aborts an update that would write identical state.
	errNoChange = errors.New("no change")
)

// update applies fn to a fresh copy of the task and writes it back with a
// compare-and-set, re-reading on conflict. When fn returns an error nothing
// is written and that error is returned together with the task fn saw.
func (s *Scheduler) update(ctx context.Context, id string, fn func(t *domain.Task) error) (*domain.Task, error) {
	for i := 0; i < maxCASAttempts; i++ {
		t, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			return t, err
		}
		err = s.withStore(ctx, func() error { return s.store.UpdateTask(ctx, t) })
		var stale *domain.StaleWriteError
		if errors.As(err, &stale) {
			s.logger.Debug("concurrent task update, re-reading",
				slog.String("task_id", id),
				slog.Int64("expected", stale.Expected),
				slog.Int64("actual", stale.Actual),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("update task %s: gave up after %d concurrent writes", id, maxCASAttempts)
}

func (s *Scheduler) get(ctx context.Context, id string) (*domain.Task, error) {
	var t *domain.Task
	err := s.withStore(ctx, func() error {
		var err error
		t, err = s.store.GetTask(ctx, id)
		return err
	})
	return t, err
}

// withStore retries fn while the store reports itself unavailable.
func (s *Scheduler) withStore(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Retryable:   isStoreUnavailable,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("store unavailable, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, fn)
}

func isStoreUnavailable(err error) bool {
	var unavailable *domain.StoreUnavailableError
	return errors.As(err, &unavailable)
}
