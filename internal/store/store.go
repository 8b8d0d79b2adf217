// Package store defines the entity store contract shared by every backend.
package store

import (
	"context"
	"sort"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// Store is durable keyed storage for tasks, project states, activity log
// entries, and templates.
//
// Writes are atomic per entity. UpdateTask is a compare-and-set on
// Task.Version: it fails with *domain.StaleWriteError when the stored version
// differs from the caller's, and on success increments Version on both the
// stored record and the argument. I/O failures surface as
// *domain.StoreUnavailableError and are never swallowed.
type Store interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	UpdateTask(ctx context.Context, task *domain.Task) error
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error)

	PutProject(ctx context.Context, project *domain.ProjectState) error
	GetProject(ctx context.Context, path string) (*domain.ProjectState, error)
	ListProjects(ctx context.Context) ([]*domain.ProjectState, error)

	AppendLog(ctx context.Context, entry *domain.ActivityLogEntry) error
	ListLog(ctx context.Context, filter domain.LogFilter) ([]*domain.ActivityLogEntry, error)

	PutTemplate(ctx context.Context, tpl *domain.TaskTemplate) error
	GetTemplate(ctx context.Context, name string) (*domain.TaskTemplate, error)
	ListTemplates(ctx context.Context) ([]*domain.TaskTemplate, error)
	DeleteTemplate(ctx context.Context, name string) error

	Ping(ctx context.Context) error
	Close() error
}

// SortTasks orders tasks the way listings present them: highest priority
// first, then oldest first, then by id.
func SortTasks(tasks []*domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
