package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/postgres/migrations"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore wraps a pgxpool with the store.Store interface.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in file-name order. The files are
// idempotent so re-running is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	entries, err := migrations.FS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var applied []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		sql, err := migrations.FS.ReadFile(e.Name())
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", e.Name(), err)
		}
		applied = append(applied, e.Name())
	}
	return applied, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &domain.StoreUnavailableError{Op: "ping", Err: err}
	}
	return nil
}

func unavailable(op string, err error) error {
	return &domain.StoreUnavailableError{Op: op, Err: err}
}

const taskColumns = `id, project, description, instructions, priority, state, progress, message,
	attempts, max_attempts, error, error_kind, result, artifacts, context,
	created_at, updated_at, started_at, finished_at, retry_at, version`

func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	artifacts, taskCtx, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}
	task.Version = 1
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		task.ID, task.Project, task.Description, task.Instructions, int(task.Priority), string(task.State),
		task.Progress, task.Message, task.Attempts, task.MaxAttempts, task.Error, string(task.ErrorKind),
		task.Result, artifacts, taskCtx, task.CreatedAt, task.UpdatedAt,
		task.StartedAt, task.FinishedAt, task.RetryAt, task.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create task %s: %w", task.ID, store.ErrAlreadyExists)
		}
		return unavailable("create task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}
	return task, nil
}

func (s *Store) UpdateTask(ctx context.Context, task *domain.Task) error {
	artifacts, taskCtx, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			project = $1, description = $2, instructions = $3, priority = $4, state = $5,
			progress = $6, message = $7, attempts = $8, max_attempts = $9, error = $10,
			error_kind = $11, result = $12, artifacts = $13, context = $14, updated_at = $15,
			started_at = $16, finished_at = $17, retry_at = $18, version = version + 1
		WHERE id = $19 AND version = $20
	`,
		task.Project, task.Description, task.Instructions, int(task.Priority), string(task.State),
		task.Progress, task.Message, task.Attempts, task.MaxAttempts, task.Error,
		string(task.ErrorKind), task.Result, artifacts, taskCtx, task.UpdatedAt,
		task.StartedAt, task.FinishedAt, task.RetryAt, task.ID, task.Version,
	)
	if err != nil {
		return unavailable("update task", err)
	}
	if tag.RowsAffected() == 0 {
		var actual int64
		err := s.pool.QueryRow(ctx, `SELECT version FROM tasks WHERE id = $1`, task.ID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
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
		args = append(args, filter.Project)
		where = append(where, fmt.Sprintf("project = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list tasks", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects
			(path, name, agent_status, active_tasks, completed_tasks, failed_tasks,
			 last_task_id, last_message, branch, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (path) DO UPDATE SET
			name = EXCLUDED.name, agent_status = EXCLUDED.agent_status,
			active_tasks = EXCLUDED.active_tasks, completed_tasks = EXCLUDED.completed_tasks,
			failed_tasks = EXCLUDED.failed_tasks, last_task_id = EXCLUDED.last_task_id,
			last_message = EXCLUDED.last_message, branch = EXCLUDED.branch,
			last_activity = EXCLUDED.last_activity
	`, p.Path, p.Name, p.AgentStatus, p.ActiveTasks, p.CompletedTasks, p.FailedTasks,
		p.LastTaskID, p.LastMessage, p.Branch, p.LastActivity)
	if err != nil {
		return unavailable("put project", err)
	}
	return nil
}

const projectColumns = `path, name, agent_status, active_tasks, completed_tasks, failed_tasks,
	last_task_id, last_message, branch, last_activity`

func scanProject(row pgx.Row) (*domain.ProjectState, error) {
	var p domain.ProjectState
	err := row.Scan(&p.Path, &p.Name, &p.AgentStatus, &p.ActiveTasks, &p.CompletedTasks, &p.FailedTasks,
		&p.LastTaskID, &p.LastMessage, &p.Branch, &p.LastActivity)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, path string) (*domain.ProjectState, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE path = $1`, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ProjectNotFoundError{Path: path}
	}
	if err != nil {
		return nil, unavailable("get project", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*domain.ProjectState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY last_activity DESC`)
	if err != nil {
		return nil, unavailable("list projects", err)
	}
	defer rows.Close()
	var out []*domain.ProjectState
	for rows.Next() {
		p, err := scanProject(rows)
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
	err = s.pool.QueryRow(ctx, `
		INSERT INTO activity_log (timestamp, project, task_id, type, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, e.Timestamp, e.Project, e.TaskID, string(e.Type), string(details)).Scan(&e.Seq)
	if err != nil {
		return unavailable("append log", err)
	}
	return nil
}

func (s *Store) ListLog(ctx context.Context, filter domain.LogFilter) ([]*domain.ActivityLogEntry, error) {
	args := []any{filter.AfterSeq}
	where := []string{"seq > $1"}
	if filter.Project != "" {
		args = append(args, filter.Project)
		where = append(where, fmt.Sprintf("project = $%d", len(args)))
	}
	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		where = append(where, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	q := `SELECT seq, timestamp, project, task_id, type, details FROM activity_log WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list log", err)
	}
	defer rows.Close()

	var out []*domain.ActivityLogEntry
	for rows.Next() {
		var (
			e       domain.ActivityLogEntry
			typ     string
			details []byte
		)
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Project, &e.TaskID, &typ, &details); err != nil {
			return nil, unavailable("list log", err)
		}
		e.Type = domain.EventType(typ)
		if err := json.Unmarshal(details, &e.Details); err != nil {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description, instructions = EXCLUDED.instructions,
			variables = EXCLUDED.variables, defaults = EXCLUDED.defaults, priority = EXCLUDED.priority,
			schedule = EXCLUDED.schedule, project = EXCLUDED.project, last_run_at = EXCLUDED.last_run_at,
			next_run_at = EXCLUDED.next_run_at, updated_at = EXCLUDED.updated_at
	`, tpl.Name, tpl.Description, tpl.Instructions, string(vars), string(defs), int(tpl.Priority),
		tpl.Schedule, tpl.Project, tpl.LastRunAt, tpl.NextRunAt, tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return unavailable("put template", err)
	}
	return nil
}

func scanTemplate(row pgx.Row) (*domain.TaskTemplate, error) {
	var (
		tpl        domain.TaskTemplate
		vars, defs []byte
		priority   int
	)
	err := row.Scan(&tpl.Name, &tpl.Description, &tpl.Instructions, &vars, &defs, &priority,
		&tpl.Schedule, &tpl.Project, &tpl.LastRunAt, &tpl.NextRunAt, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tpl.Priority = domain.Priority(priority)
	if err := json.Unmarshal(vars, &tpl.Variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	if len(tpl.Variables) == 0 {
		tpl.Variables = nil
	}
	if err := json.Unmarshal(defs, &tpl.Defaults); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	if len(tpl.Defaults) == 0 {
		tpl.Defaults = nil
	}
	return &tpl, nil
}

func (s *Store) GetTemplate(ctx context.Context, name string) (*domain.TaskTemplate, error) {
	tpl, err := scanTemplate(s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TemplateNotFoundError{Name: name}
	}
	if err != nil {
		return nil, unavailable("get template", err)
	}
	return tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]*domain.TaskTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, unavailable("list templates", err)
	}
	defer rows.Close()
	var out []*domain.TaskTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
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
	tag, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE name = $1`, name)
	if err != nil {
		return unavailable("delete template", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TemplateNotFoundError{Name: name}
	}
	return nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		task               domain.Task
		priority           int
		state, errorKind   string
		artifacts, taskCtx []byte
	)
	err := row.Scan(
		&task.ID, &task.Project, &task.Description, &task.Instructions, &priority, &state,
		&task.Progress, &task.Message, &task.Attempts, &task.MaxAttempts, &task.Error, &errorKind,
		&task.Result, &artifacts, &taskCtx, &task.CreatedAt, &task.UpdatedAt,
		&task.StartedAt, &task.FinishedAt, &task.RetryAt, &task.Version,
	)
	if err != nil {
		return nil, err
	}
	task.Priority = domain.Priority(priority)
	task.State = domain.State(state)
	task.ErrorKind = domain.ErrorKind(errorKind)
	if err := json.Unmarshal(artifacts, &task.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if len(task.Artifacts) == 0 {
		task.Artifacts = nil
	}
	if err := json.Unmarshal(taskCtx, &task.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if len(task.Context) == 0 {
		task.Context = nil
	}
	return &task, nil
}

func encodeTaskJSON(task *domain.Task) (string, string, error) {
	artifacts, err := json.Marshal(nonNilSlice(task.Artifacts))
	if err != nil {
		return "", "", fmt.Errorf("marshal artifacts: %w", err)
	}
	taskCtx, err := json.Marshal(nonNilMap(task.Context))
	if err != nil {
		return "", "", fmt.Errorf("marshal context: %w", err)
	}
	return string(artifacts), string(taskCtx), nil
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
