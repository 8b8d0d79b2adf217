// Package sqlite is the single-file durable store used when the relay runs
// without PostgreSQL. One connection, WAL journal, compare-and-set on the task
// version column.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/pkg/retry"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	project       TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	instructions  TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL,
	state         TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	message       TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	error_kind    TEXT NOT NULL DEFAULT '',
	result        TEXT,
	artifacts     TEXT NOT NULL DEFAULT '[]',
	context       TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	started_at    TEXT,
	finished_at   TEXT,
	retry_at      TEXT,
	version       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS projects (
	path            TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	agent_status    TEXT NOT NULL,
	active_tasks    INTEGER NOT NULL DEFAULT 0,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks    INTEGER NOT NULL DEFAULT 0,
	last_task_id    TEXT NOT NULL DEFAULT '',
	last_message    TEXT NOT NULL DEFAULT '',
	branch          TEXT NOT NULL DEFAULT '',
	last_activity   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TEXT NOT NULL,
	project    TEXT NOT NULL DEFAULT '',
	task_id    TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_activity_project ON activity_log(project);

CREATE TABLE IF NOT EXISTS templates (
	name          TEXT PRIMARY KEY,
	description   TEXT NOT NULL DEFAULT '',
	instructions  TEXT NOT NULL,
	variables     TEXT NOT NULL DEFAULT '[]',
	defaults      TEXT NOT NULL DEFAULT '{}',
	priority      INTEGER NOT NULL DEFAULT 0,
	schedule      TEXT NOT NULL DEFAULT '',
	project       TEXT NOT NULL DEFAULT '',
	last_run_at   TEXT,
	next_run_at   TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

const taskColumns = `id, project, description, instructions, priority, state, progress, message,
	attempts, max_attempts, error, error_kind, result, artifacts, context,
	created_at, updated_at, started_at, finished_at, retry_at, version`

// Store implements store.Store on a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates (if needed) and opens the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &domain.StoreUnavailableError{Op: "ping", Err: err}
	}
	return nil
}

// withBusyRetry re-runs f while SQLite reports BUSY or LOCKED.
func withBusyRetry(ctx context.Context, f func() error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Retryable:   isBusy,
	}, f)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func unavailable(op string, err error) error {
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	task.Version = 1
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	err = withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		return err
	})
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("create task %s: %w", task.ID, store.ErrAlreadyExists)
		}
		return unavailable("create task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}
	return task, nil
}

func (s *Store) UpdateTask(ctx context.Context, task *domain.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	// Drop id (first) and version (last); re-append for the WHERE clause.
	set := append(args[1:len(args)-1:len(args)-1], task.Version+1, task.ID, task.Version)

	var affected int64
	err = withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
			project = ?, description = ?, instructions = ?, priority = ?, state = ?, progress = ?, message = ?,
			attempts = ?, max_attempts = ?, error = ?, error_kind = ?, result = ?, artifacts = ?, context = ?,
			created_at = ?, updated_at = ?, started_at = ?, finished_at = ?, retry_at = ?, version = ?
			WHERE id = ? AND version = ?`, set...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return unavailable("update task", err)
	}
	if affected == 0 {
		var actual int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, task.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.TaskNotFoundError{TaskID: task.ID}
		}
		if err != nil {
			return unavailable("update task", err)
		}
		return &domain.StaleWriteError{TaskID: task.ID, Expected: task.Version, Actual: actual}
	}
	task.Version++
	return nil
}

func (s *Store) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ",")+")")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list tasks", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, unavailable("list tasks", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list tasks", err)
	}
	return tasks, nil
}

func (s *Store) PutProject(ctx context.Context, p *domain.ProjectState) error {
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO projects
			(path, name, agent_status, active_tasks, completed_tasks, failed_tasks, last_task_id, last_message, branch, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				name = excluded.name, agent_status = excluded.agent_status,
				active_tasks = excluded.active_tasks, completed_tasks = excluded.completed_tasks,
				failed_tasks = excluded.failed_tasks, last_task_id = excluded.last_task_id,
				last_message = excluded.last_message, branch = excluded.branch,
				last_activity = excluded.last_activity`,
			p.Path, p.Name, p.AgentStatus, p.ActiveTasks, p.CompletedTasks, p.FailedTasks,
			p.LastTaskID, p.LastMessage, p.Branch, formatTime(p.LastActivity))
		return err
	})
	if err != nil {
		return unavailable("put project", err)
	}
	return nil
}

const projectColumns = `path, name, agent_status, active_tasks, completed_tasks, failed_tasks,
	last_task_id, last_message, branch, last_activity`

func scanProject(scanFn func(dest ...any) error) (*domain.ProjectState, error) {
	var (
		p            domain.ProjectState
		lastActivity string
	)
	if err := scanFn(&p.Path, &p.Name, &p.AgentStatus, &p.ActiveTasks, &p.CompletedTasks, &p.FailedTasks,
		&p.LastTaskID, &p.LastMessage, &p.Branch, &lastActivity); err != nil {
		return nil, err
	}
	t, err := parseTime(lastActivity)
	if err != nil {
		return nil, err
	}
	p.LastActivity = t
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, path string) (*domain.ProjectState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE path = ?`, path)
	p, err := scanProject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ProjectNotFoundError{Path: path}
	}
	if err != nil {
		return nil, unavailable("get project", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*domain.ProjectState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY last_activity DESC`)
	if err != nil {
		return nil, unavailable("list projects", err)
	}
	defer rows.Close()
	var out []*domain.ProjectState
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, unavailable("list projects", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list projects", err)
	}
	return out, nil
}

func (s *Store) AppendLog(ctx context.Context, e *domain.ActivityLogEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	var seq int64
	err = withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO activity_log (timestamp, project, task_id, type, details)
			VALUES (?, ?, ?, ?, ?)`, formatTime(e.Timestamp), e.Project, e.TaskID, string(e.Type), string(details))
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return unavailable("append log", err)
	}
	e.Seq = seq
	return nil
}

func (s *Store) ListLog(ctx context.Context, filter domain.LogFilter) ([]*domain.ActivityLogEntry, error) {
	where := []string{"seq > ?"}
	args := []any{filter.AfterSeq}
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	q := `SELECT seq, timestamp, project, task_id, type, details FROM activity_log WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list log", err)
	}
	defer rows.Close()

	var out []*domain.ActivityLogEntry
	for rows.Next() {
		var (
			e       domain.ActivityLogEntry
			ts      string
			typ     string
			details string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Project, &e.TaskID, &typ, &details); err != nil {
			return nil, unavailable("list log", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, unavailable("list log", err)
		}
		e.Type = domain.EventType(typ)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, unavailable("list log", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list log", err)
	}
	return out, nil
}

const templateColumns = `name, description, instructions, variables, defaults, priority, schedule, project,
	last_run_at, next_run_at, created_at, updated_at`

func (s *Store) PutTemplate(ctx context.Context, tpl *domain.TaskTemplate) error {
	vars, err := json.Marshal(nonNilSlice(tpl.Variables))
	if err != nil {
		return fmt.Errorf("marshal template variables: %w", err)
	}
	defs, err := json.Marshal(nonNilMap(tpl.Defaults))
	if err != nil {
		return fmt.Errorf("marshal template defaults: %w", err)
	}
	err = withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO templates (`+templateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description, instructions = excluded.instructions,
				variables = excluded.variables, defaults = excluded.defaults, priority = excluded.priority,
				schedule = excluded.schedule, project = excluded.project, last_run_at = excluded.last_run_at,
				next_run_at = excluded.next_run_at, updated_at = excluded.updated_at`,
			tpl.Name, tpl.Description, tpl.Instructions, string(vars), string(defs), int(tpl.Priority),
			tpl.Schedule, tpl.Project, formatTimePtr(tpl.LastRunAt), formatTimePtr(tpl.NextRunAt),
			formatTime(tpl.CreatedAt), formatTime(tpl.UpdatedAt))
		return err
	})
	if err != nil {
		return unavailable("put template", err)
	}
	return nil
}

func scanTemplate(scanFn func(dest ...any) error) (*domain.TaskTemplate, error) {
	var (
		tpl                  domain.TaskTemplate
		vars, defs           string
		priority             int
		lastRun, nextRun     sql.NullString
		createdAt, updatedAt string
	)
	if err := scanFn(&tpl.Name, &tpl.Description, &tpl.Instructions, &vars, &defs, &priority,
		&tpl.Schedule, &tpl.Project, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	tpl.Priority = domain.Priority(priority)
	if err := json.Unmarshal([]byte(vars), &tpl.Variables); err != nil {
		return nil, err
	}
	if len(tpl.Variables) == 0 {
		tpl.Variables = nil
	}
	if err := json.Unmarshal([]byte(defs), &tpl.Defaults); err != nil {
		return nil, err
	}
	if len(tpl.Defaults) == 0 {
		tpl.Defaults = nil
	}
	var err error
	if tpl.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return nil, err
	}
	if tpl.NextRunAt, err = parseTimePtr(nextRun); err != nil {
		return nil, err
	}
	if tpl.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tpl.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *Store) GetTemplate(ctx context.Context, name string) (*domain.TaskTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = ?`, name)
	tpl, err := scanTemplate(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.TemplateNotFoundError{Name: name}
	}
	if err != nil {
		return nil, unavailable("get template", err)
	}
	return tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]*domain.TaskTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, unavailable("list templates", err)
	}
	defer rows.Close()
	var out []*domain.TaskTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, unavailable("list templates", err)
		}
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list templates", err)
	}
	return out, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	var affected int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return unavailable("delete template", err)
	}
	if affected == 0 {
		return &domain.TemplateNotFoundError{Name: name}
	}
	return nil
}

func taskArgs(t *domain.Task) ([]any, error) {
	artifacts, err := json.Marshal(nonNilSlice(t.Artifacts))
	if err != nil {
		return nil, fmt.Errorf("marshal artifacts: %w", err)
	}
	taskCtx, err := json.Marshal(nonNilMap(t.Context))
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return []any{
		t.ID, t.Project, t.Description, t.Instructions, int(t.Priority), string(t.State), t.Progress, t.Message,
		t.Attempts, t.MaxAttempts, nullString(t.Error), string(t.ErrorKind), nullString(t.Result),
		string(artifacts), string(taskCtx),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt), formatTimePtr(t.RetryAt),
		t.Version,
	}, nil
}

func scanTask(scanFn func(dest ...any) error) (*domain.Task, error) {
	var (
		t                              domain.Task
		priority                       int
		state, errorKind               string
		errMsg, result                 sql.NullString
		artifacts, taskCtx             string
		createdAt, updatedAt           string
		startedAt, finishedAt, retryAt sql.NullString
	)
	if err := scanFn(&t.ID, &t.Project, &t.Description, &t.Instructions, &priority, &state, &t.Progress, &t.Message,
		&t.Attempts, &t.MaxAttempts, &errMsg, &errorKind, &result, &artifacts, &taskCtx,
		&createdAt, &updatedAt, &startedAt, &finishedAt, &retryAt, &t.Version); err != nil {
		return nil, err
	}
	t.Priority = domain.Priority(priority)
	t.State = domain.State(state)
	t.ErrorKind = domain.ErrorKind(errorKind)
	if errMsg.Valid {
		v := errMsg.String
		t.Error = &v
	}
	if result.Valid {
		v := result.String
		t.Result = &v
	}
	if err := json.Unmarshal([]byte(artifacts), &t.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if len(t.Artifacts) == 0 {
		t.Artifacts = nil
	}
	if err := json.Unmarshal([]byte(taskCtx), &t.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if len(t.Context) == 0 {
		t.Context = nil
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if t.RetryAt, err = parseTimePtr(retryAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// timeLayout is fixed-width so text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
