package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// ErrAlreadyExists is returned by CreateTask for a duplicate id.
var ErrAlreadyExists = errors.New("already exists")

type taskEntry struct {
	mu   sync.Mutex
	task *domain.Task
}

// Memory is an in-process Store. Each task has its own lock, so writers to
// distinct tasks never wait on each other; the map lock is only held to find
// or insert an entry.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry

	projMu   sync.RWMutex
	projects map[string]*domain.ProjectState

	logMu sync.RWMutex
	log   []*domain.ActivityLogEntry

	tplMu     sync.RWMutex
	templates map[string]*domain.TaskTemplate
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*taskEntry),
		projects:  make(map[string]*domain.ProjectState),
		templates: make(map[string]*domain.TaskTemplate),
	}
}

func (m *Memory) entry(id string) (*taskEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[id]
	return e, ok
}

func (m *Memory) CreateTask(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("create task %s: %w", task.ID, ErrAlreadyExists)
	}
	task.Version = 1
	m.tasks[task.ID] = &taskEntry{task: task.Clone()}
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*domain.Task, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (m *Memory) UpdateTask(_ context.Context, task *domain.Task) error {
	e, ok := m.entry(task.ID)
	if !ok {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Version != task.Version {
		return &domain.StaleWriteError{TaskID: task.ID, Expected: task.Version, Actual: e.task.Version}
	}
	task.Version++
	e.task = task.Clone()
	return nil
}

func (m *Memory) ListTasks(_ context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	m.mu.RLock()
	entries := make([]*taskEntry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []*domain.Task
	for _, e := range entries {
		e.mu.Lock()
		t := e.task.Clone()
		e.mu.Unlock()
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	SortTasks(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) PutProject(_ context.Context, project *domain.ProjectState) error {
	m.projMu.Lock()
	defer m.projMu.Unlock()
	p := *project
	m.projects[p.Path] = &p
	return nil
}

func (m *Memory) GetProject(_ context.Context, path string) (*domain.ProjectState, error) {
	m.projMu.RLock()
	defer m.projMu.RUnlock()
	p, ok := m.projects[path]
	if !ok {
		return nil, &domain.ProjectNotFoundError{Path: path}
	}
	c := *p
	return &c, nil
}

func (m *Memory) ListProjects(_ context.Context) ([]*domain.ProjectState, error) {
	m.projMu.RLock()
	defer m.projMu.RUnlock()
	out := make([]*domain.ProjectState, 0, len(m.projects))
	for _, p := range m.projects {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (m *Memory) AppendLog(_ context.Context, entry *domain.ActivityLogEntry) error {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	entry.Seq = int64(len(m.log)) + 1
	c := *entry
	c.Details = cloneDetails(entry.Details)
	m.log = append(m.log, &c)
	return nil
}

func (m *Memory) ListLog(_ context.Context, filter domain.LogFilter) ([]*domain.ActivityLogEntry, error) {
	m.logMu.RLock()
	defer m.logMu.RUnlock()
	var out []*domain.ActivityLogEntry
	for i := len(m.log) - 1; i >= 0; i-- {
		e := m.log[i]
		if !filter.Matches(e) {
			continue
		}
		c := *e
		c.Details = cloneDetails(e.Details)
		out = append(out, &c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PutTemplate(_ context.Context, tpl *domain.TaskTemplate) error {
	m.tplMu.Lock()
	defer m.tplMu.Unlock()
	c := cloneTemplate(tpl)
	m.templates[tpl.Name] = c
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, name string) (*domain.TaskTemplate, error) {
	m.tplMu.RLock()
	defer m.tplMu.RUnlock()
	tpl, ok := m.templates[name]
	if !ok {
		return nil, &domain.TemplateNotFoundError{Name: name}
	}
	return cloneTemplate(tpl), nil
}

func (m *Memory) ListTemplates(_ context.Context) ([]*domain.TaskTemplate, error) {
	m.tplMu.RLock()
	defer m.tplMu.RUnlock()
	out := make([]*domain.TaskTemplate, 0, len(m.templates))
	for _, tpl := range m.templates {
		out = append(out, cloneTemplate(tpl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteTemplate(_ context.Context, name string) error {
	m.tplMu.Lock()
	defer m.tplMu.Unlock()
	if _, ok := m.templates[name]; !ok {
		return &domain.TemplateNotFoundError{Name: name}
	}
	delete(m.templates, name)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func cloneDetails(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	c := make(map[string]any, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

func cloneTemplate(tpl *domain.TaskTemplate) *domain.TaskTemplate {
	c := *tpl
	if tpl.Variables != nil {
		c.Variables = append([]string(nil), tpl.Variables...)
	}
	if tpl.Defaults != nil {
		c.Defaults = make(map[string]string, len(tpl.Defaults))
		for k, v := range tpl.Defaults {
			c.Defaults[k] = v
		}
	}
	if tpl.LastRunAt != nil {
		v := *tpl.LastRunAt
		c.LastRunAt = &v
	}
	if tpl.NextRunAt != nil {
		v := *tpl.NextRunAt
		c.NextRunAt = &v
	}
	return &c
}
