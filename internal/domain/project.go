package domain

import (
	"strings"
	"time"
)

// Agent status values stored on ProjectState.
const (
	AgentIdle = "idle"
	AgentBusy = "busy"
)

// ProjectState is the latest known external-agent status for a project path.
type ProjectState struct {
	Path           string    `json:"path"`
	Name           string    `json:"name"`
	AgentStatus    string    `json:"agent_status"`
	ActiveTasks    int       `json:"active_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	LastTaskID     string    `json:"last_task_id,omitempty"`
	LastMessage    string    `json:"last_message,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	LastActivity   time.Time `json:"last_activity"`
}

// NewProjectState returns an idle state for a project seen for the first time.
func NewProjectState(path string, now time.Time) *ProjectState {
	name := path
	if i := strings.LastIndexAny(strings.TrimRight(path, `/\`), `/\`); i >= 0 {
		name = strings.TrimRight(path, `/\`)[i+1:]
	}
	return &ProjectState{
		Path:         path,
		Name:         name,
		AgentStatus:  AgentIdle,
		LastActivity: now,
	}
}

// EventType names an activity log entry.
type EventType string

const (
	EventTaskSubmitted       EventType = "task_submitted"
	EventTaskAdmitted        EventType = "task_admitted"
	EventTaskProgress        EventType = "task_progress"
	EventTaskCompleted       EventType = "task_completed"
	EventTaskFailed          EventType = "task_failed"
	EventTaskTimeout         EventType = "task_timeout"
	EventTaskCancelled       EventType = "task_cancelled"
	EventRetryScheduled      EventType = "retry_scheduled"
	EventProtocolError       EventType = "protocol_error"
	EventWatchStarted        EventType = "watch_started"
	EventWatchStopped        EventType = "watch_stopped"
	EventWatchChange         EventType = "watch_change"
	EventSupervisorIteration EventType = "supervisor_iteration"
	EventSupervisorFinished  EventType = "supervisor_finished"
	EventTemplateFired       EventType = "template_fired"
)

// ActivityLogEntry is an immutable record of a notable event. Seq is assigned
// by the store and orders entries by insertion.
type ActivityLogEntry struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Project   string         `json:"project,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Type      EventType      `json:"type"`
	Details   map[string]any `json:"details,omitempty"`
}

// TaskTemplate is a named, reusable task description with {placeholder}
// variables. Schedule, when set, is a standard cron expression that makes the
// template recurring for Project.
type TaskTemplate struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description" yaml:"description"`
	Instructions string            `json:"instructions" yaml:"instructions"`
	Variables    []string          `json:"variables,omitempty" yaml:"variables,omitempty"`
	Defaults     map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Priority     Priority          `json:"priority,omitempty" yaml:"priority,omitempty"`
	Schedule     string            `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Project      string            `json:"project,omitempty" yaml:"project,omitempty"`
	LastRunAt    *time.Time        `json:"last_run_at,omitempty" yaml:"-"`
	NextRunAt    *time.Time        `json:"next_run_at,omitempty" yaml:"-"`
	CreatedAt    time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"-"`
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Project string
	States  []State
	Limit   int
}

// Matches reports whether t satisfies the filter (Limit is ignored).
func (f TaskFilter) Matches(t *Task) bool {
	if f.Project != "" && t.Project != f.Project {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}

// LogFilter narrows ListLog. Results are newest first.
type LogFilter struct {
	Project  string
	TaskID   string
	Type     EventType
	AfterSeq int64
	Limit    int
}

// Matches reports whether e satisfies the filter (Limit is ignored).
func (f LogFilter) Matches(e *ActivityLogEntry) bool {
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return e.Seq > f.AfterSeq
}
