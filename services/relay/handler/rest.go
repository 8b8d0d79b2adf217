// Package handler serves the relay's REST API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-relay/internal/activity"
	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
	"github.com/ramiqadoumi/go-task-relay/internal/supervisor"
	"github.com/ramiqadoumi/go-task-relay/internal/template"
	"github.com/ramiqadoumi/go-task-relay/internal/version"
	"github.com/ramiqadoumi/go-task-relay/internal/watcher"
	"github.com/ramiqadoumi/go-task-relay/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-relay/services/relay/middleware"
)

// maxWait caps the ?wait= parameter on GET /tasks/{id}.
const maxWait = 5 * time.Minute

// Tasks is the scheduler surface the API exposes.
type Tasks interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Task, error)
	Retry(ctx context.Context, id string) (*domain.Task, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (*domain.Task, error)
	Projects(ctx context.Context) ([]*domain.ProjectState, error)
	Stats(ctx context.Context) (activity.Stats, error)
}

// Watches controls per-project file watches.
type Watches interface {
	Start(project string) error
	Stop(project string) error
	Watching() []watcher.WatchInfo
}

// ActivityLog reads the activity log.
type ActivityLog interface {
	List(ctx context.Context, filter domain.LogFilter) ([]*domain.ActivityLogEntry, error)
}

// Templates is CRUD plus instantiation over task templates.
type Templates interface {
	Put(ctx context.Context, tpl *domain.TaskTemplate) error
	Get(ctx context.Context, name string) (*domain.TaskTemplate, error)
	List(ctx context.Context) ([]*domain.TaskTemplate, error)
	Delete(ctx context.Context, name string) error
	Instantiate(ctx context.Context, name string, values map[string]string) (template.Rendered, error)
}

// Supervisions starts and reports supervision runs.
type Supervisions interface {
	Start(ctx context.Context, req supervisor.Request) (*supervisor.Report, error)
	Get(id string) (*supervisor.Report, bool)
	List() []*supervisor.Report
}

// Validator decides which project paths may be watched.
type Validator interface {
	Validate(ctx context.Context, project string) error
}

// Limiter rate-limits submissions per project.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Deps are the components behind the API. Limiter and Ready may be nil.
type Deps struct {
	Tasks        Tasks
	Watches      Watches
	Activity     ActivityLog
	Templates    Templates
	Supervisions Supervisions
	Validator    Validator
	Limiter      Limiter
	Ready        func(ctx context.Context) error
	// Background bounds supervision runs, which outlive their request.
	Background context.Context
}

// REST handles HTTP requests for the relay.
type REST struct {
	deps   Deps
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(deps Deps, logger *slog.Logger) *REST {
	if deps.Background == nil {
		deps.Background = context.Background()
	}
	return &REST{deps: deps, logger: logger}
}

// Routes returns the router with every endpoint and the standard middleware.
func (h *REST) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(middleware.MaxBodySize(1 << 20))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/version", h.Version)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Post("/tasks/{id}/retry", h.RetryTask)

		r.Get("/projects", h.ListProjects)
		r.Get("/watches", h.ListWatches)
		r.Post("/watches", h.StartWatch)
		r.Delete("/watches", h.StopWatch)

		r.Get("/activity", h.ListActivity)
		r.Get("/stats", h.Stats)

		r.Get("/templates", h.ListTemplates)
		r.Post("/templates", h.PutTemplate)
		r.Get("/templates/{name}", h.GetTemplate)
		r.Delete("/templates/{name}", h.DeleteTemplate)
		r.Post("/templates/{name}/instantiate", h.InstantiateTemplate)

		r.Post("/supervisions", h.StartSupervision)
		r.Get("/supervisions", h.ListSupervisions)
		r.Get("/supervisions/{id}", h.GetSupervision)
	})
	return r
}

// priorityParam accepts a band name ("high") or its number (3).
type priorityParam domain.Priority

func (p *priorityParam) UnmarshalJSON(b []byte) error {
	var raw string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = string(b)
	}
	if raw == "null" {
		raw = ""
	}
	prio, err := domain.ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = priorityParam(prio)
	return nil
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Project      string            `json:"project"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	Priority     priorityParam     `json:"priority"`
	Context      map[string]string `json:"context,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("api").Start(r.Context(), "api.submit_task")
	defer span.End()

	var req SubmitTaskRequest
	if !decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.String("project", req.Project))

	if !h.allow(ctx, w, req.Project) {
		span.SetStatus(codes.Error, "rate limited")
		return
	}

	task, err := h.deps.Tasks.Submit(ctx, scheduler.SubmitRequest{
		Project:      req.Project,
		Description:  req.Description,
		Instructions: req.Instructions,
		Priority:     domain.Priority(req.Priority),
		Context:      req.Context,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		h.writeErr(w, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	writeJSON(w, http.StatusAccepted, task)
}

// allow applies the per-project submit limit. Limiter failures let the
// request through.
func (h *REST) allow(ctx context.Context, w http.ResponseWriter, project string) bool {
	if h.deps.Limiter == nil {
		return true
	}
	ok, err := h.deps.Limiter.Allow(ctx, project)
	if err != nil {
		h.logger.Error("rate limiter error", slog.String("error", err.Error()))
		return true
	}
	if !ok {
		telemetry.APIRateLimitedTotal.Inc()
		h.logger.Warn("submit rate limit exceeded", slog.String("project", project))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded for project")
		return false
	}
	return true
}

// ListTasks handles GET /api/v1/tasks?project=&state=&limit=.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.TaskFilter{Project: q.Get("project")}
	for _, raw := range q["state"] {
		for _, part := range strings.Split(raw, ",") {
			st, err := domain.ParseState(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.States = append(filter.States, st)
		}
	}
	limit, ok := intParam(w, q.Get("limit"))
	if !ok {
		return
	}
	filter.Limit = limit

	tasks, err := h.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// GetTask handles GET /api/v1/tasks/{id}. With ?wait=<duration> it blocks
// until the task settles or the wait runs out, and returns the task either way.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		task, err := h.deps.Tasks.Get(r.Context(), id)
		if err != nil {
			h.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	wait, err := time.ParseDuration(raw)
	if err != nil || wait <= 0 {
		writeError(w, http.StatusBadRequest, "wait must be a positive duration such as 30s")
		return
	}
	wait = min(wait, maxWait)
	task, err := h.deps.Tasks.Wait(r.Context(), id, wait)
	if err != nil && !errors.Is(err, scheduler.ErrWaitTimeout) {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel with an optional
// {"reason": "..."} body.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	task, err := h.deps.Tasks.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// RetryTask handles POST /api/v1/tasks/{id}/retry.
func (h *REST) RetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.deps.Tasks.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListProjects handles GET /api/v1/projects.
func (h *REST) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.deps.Tasks.Projects(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects, "count": len(projects)})
}

type watchRequest struct {
	Project string `json:"project"`
}

// ListWatches handles GET /api/v1/watches.
func (h *REST) ListWatches(w http.ResponseWriter, _ *http.Request) {
	watches := h.deps.Watches.Watching()
	writeJSON(w, http.StatusOK, map[string]any{"watches": watches, "count": len(watches)})
}

// StartWatch handles POST /api/v1/watches.
func (h *REST) StartWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if !decode(w, r, &req) {
		return
	}
	project := cleanProject(req.Project)
	if err := h.deps.Validator.Validate(r.Context(), project); err != nil {
		h.writeErr(w, err)
		return
	}
	if err := h.deps.Watches.Start(project); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"project": project, "status": "watching"})
}

func cleanProject(p string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}

// StopWatch handles DELETE /api/v1/watches?project=.
func (h *REST) StopWatch(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'project' is required")
		return
	}
	if err := h.deps.Watches.Stop(cleanProject(project)); err != nil {
		if errors.Is(err, watcher.ErrNotWatching) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListActivity handles GET /api/v1/activity?project=&task_id=&type=&after=&limit=.
func (h *REST) ListActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.LogFilter{
		Project: q.Get("project"),
		TaskID:  q.Get("task_id"),
		Type:    domain.EventType(q.Get("type")),
	}
	limit, ok := intParam(w, q.Get("limit"))
	if !ok {
		return
	}
	filter.Limit = limit
	if limit == 0 {
		filter.Limit = 100
	}
	after, ok := intParam(w, q.Get("after"))
	if !ok {
		return
	}
	filter.AfterSeq = int64(after)

	entries, err := h.deps.Activity.List(r.Context(), filter)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Tasks.Stats(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// templateRequest is the body of POST /api/v1/templates.
type templateRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	Variables    []string          `json:"variables,omitempty"`
	Defaults     map[string]string `json:"defaults,omitempty"`
	Priority     priorityParam     `json:"priority"`
	Schedule     string            `json:"schedule,omitempty"`
	Project      string            `json:"project,omitempty"`
}

// ListTemplates handles GET /api/v1/templates.
func (h *REST) ListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := h.deps.Templates.List(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": tpls, "count": len(tpls)})
}

// PutTemplate handles POST /api/v1/templates, creating or replacing by name.
func (h *REST) PutTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decode(w, r, &req) {
		return
	}
	tpl := &domain.TaskTemplate{
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		Variables:    req.Variables,
		Defaults:     req.Defaults,
		Priority:     domain.Priority(req.Priority),
		Schedule:     req.Schedule,
		Project:      req.Project,
	}
	if err := h.deps.Templates.Put(r.Context(), tpl); err != nil {
		h.writeErr(w, err)
		return
	}
	stored, err := h.deps.Templates.Get(r.Context(), tpl.Name)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// GetTemplate handles GET /api/v1/templates/{name}.
func (h *REST) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.deps.Templates.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// DeleteTemplate handles DELETE /api/v1/templates/{name}.
func (h *REST) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Templates.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instantiateRequest struct {
	Variables map[string]string `json:"variables"`
	// Project, when set, submits the rendered task there.
	Project string `json:"project,omitempty"`
}

// InstantiateTemplate handles POST /api/v1/templates/{name}/instantiate.
// Without a project it only renders; with one it also submits the task.
func (h *REST) InstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	var req instantiateRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	rendered, err := h.deps.Templates.Instantiate(ctx, chi.URLParam(r, "name"), req.Variables)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	project := req.Project
	if project == "" {
		project = rendered.Project
	}
	if project == "" || req.Project == "" && r.URL.Query().Get("submit") != "true" {
		writeJSON(w, http.StatusOK, rendered)
		return
	}
	if !h.allow(ctx, w, project) {
		return
	}
	task, err := h.deps.Tasks.Submit(ctx, scheduler.SubmitRequest{
		Project:      project,
		Description:  rendered.Description,
		Instructions: rendered.Instructions,
		Priority:     rendered.Priority,
		Context:      map[string]string{"template": rendered.Template},
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// supervisionRequest is the body of POST /api/v1/supervisions.
type supervisionRequest struct {
	Project       string        `json:"project"`
	Description   string        `json:"description"`
	Instructions  string        `json:"instructions"`
	Priority      priorityParam `json:"priority"`
	Criteria      []string      `json:"criteria"`
	MaxIterations int           `json:"max_iterations"`
}

// StartSupervision handles POST /api/v1/supervisions. The run continues in
// the background; poll GET /api/v1/supervisions/{id} for its report.
func (h *REST) StartSupervision(w http.ResponseWriter, r *http.Request) {
	var req supervisionRequest
	if !decode(w, r, &req) {
		return
	}
	rep, err := h.deps.Supervisions.Start(h.deps.Background, supervisor.Request{
		Project:       req.Project,
		Description:   req.Description,
		Instructions:  req.Instructions,
		Priority:      domain.Priority(req.Priority),
		Criteria:      req.Criteria,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/supervisions/"+rep.ID)
	writeJSON(w, http.StatusAccepted, rep)
}

// ListSupervisions handles GET /api/v1/supervisions.
func (h *REST) ListSupervisions(w http.ResponseWriter, _ *http.Request) {
	reps := h.deps.Supervisions.List()
	writeJSON(w, http.StatusOK, map[string]any{"supervisions": reps, "count": len(reps)})
}

// GetSupervision handles GET /api/v1/supervisions/{id}.
func (h *REST) GetSupervision(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.deps.Supervisions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "supervision not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Version handles GET /version.
func (h *REST) Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

// writeErr maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without detail.
func (h *REST) writeErr(w http.ResponseWriter, err error) {
	var (
		invalidProject *domain.InvalidProjectError
		invalidState   *domain.InvalidStateError
		missing        *domain.MissingVariableError
		unavailable    *domain.StoreUnavailableError
	)
	switch {
	case errors.Is(err, scheduler.ErrInvalidRequest),
		errors.Is(err, supervisor.ErrInvalidRequest),
		errors.Is(err, template.ErrInvalid),
		errors.As(err, &missing):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidProject):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &invalidState), errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &unavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid number %q", raw))
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
