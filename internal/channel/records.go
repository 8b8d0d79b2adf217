package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// Status is the agent-reported progress state in a status record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the agent considers the work finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskRecord is what the controller hands to the agent.
type TaskRecord struct {
	TaskID       string            `json:"task_id"`
	ProjectPath  string            `json:"project_path"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	Priority     string            `json:"priority"`
	Attempt      int               `json:"attempt"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// NewTaskRecord builds the record for the task's current attempt.
func NewTaskRecord(t *domain.Task) TaskRecord {
	return TaskRecord{
		TaskID:       t.ID,
		ProjectPath:  t.Project,
		Description:  t.Description,
		Instructions: t.Instructions,
		Priority:     t.Priority.String(),
		Attempt:      t.Attempts,
		Context:      t.Context,
		CreatedAt:    t.CreatedAt,
	}
}

// StatusRecord is the agent's report for one task. It is untrusted until
// ParseStatus accepts it.
type StatusRecord struct {
	TaskID    string    `json:"task_id"`
	Attempt   int       `json:"attempt,omitempty"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Result    *string   `json:"result,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CancelRecord asks the agent to stop working on a task.
type CancelRecord struct {
	TaskID      string    `json:"task_id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// ErrIncomplete means the content looks like a write still in progress:
// empty, or JSON cut off before the end.
var ErrIncomplete = errors.New("status record incomplete")

// ValidationError is a syntactically complete record that breaks the schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid status record: " + e.Reason
	}
	return fmt.Sprintf("invalid status record: %s: %s", e.Field, e.Reason)
}

// rawStatus mirrors StatusRecord with pointers so required fields can be told
// apart from zero values.
type rawStatus struct {
	TaskID    *string  `json:"task_id"`
	Attempt   *int     `json:"attempt"`
	Status    *string  `json:"status"`
	Progress  *float64 `json:"progress"`
	Message   *string  `json:"message"`
	Result    *string  `json:"result"`
	Artifacts []string `json:"artifacts"`
	Branch    *string  `json:"branch"`
	UpdatedAt *string  `json:"updated_at"`
}

// ParseStatus validates a status document for the task with id taskID.
// It returns ErrIncomplete (possibly wrapped) for partial writes and
// *ValidationError for complete documents that break the schema. It never
// panics on arbitrary input.
func ParseStatus(data []byte, taskID string) (*StatusRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrIncomplete
	}

	var raw rawStatus
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) && looksTruncated(trimmed) {
			return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ValidationError{Field: typeErr.Field, Reason: "wrong type " + typeErr.Value}
		}
		return nil, &ValidationError{Reason: err.Error()}
	}

	rec := &StatusRecord{}

	if raw.TaskID != nil && *raw.TaskID != "" {
		if *raw.TaskID != taskID {
			return nil, &ValidationError{Field: "task_id", Reason: fmt.Sprintf("%q does not match %q", *raw.TaskID, taskID)}
		}
	}
	rec.TaskID = taskID

	if raw.Attempt != nil {
		if *raw.Attempt < 0 {
			return nil, &ValidationError{Field: "attempt", Reason: "negative"}
		}
		rec.Attempt = *raw.Attempt
	}

	if raw.Status == nil {
		return nil, &ValidationError{Field: "status", Reason: "required"}
	}
	switch st := Status(*raw.Status); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		rec.Status = st
	default:
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", *raw.Status)}
	}

	if raw.Progress == nil {
		return nil, &ValidationError{Field: "progress", Reason: "required"}
	}
	p := *raw.Progress
	if p != math.Trunc(p) || p < 0 || p > 100 {
		return nil, &ValidationError{Field: "progress", Reason: fmt.Sprintf("%v is not an integer in 0..100", p)}
	}
	rec.Progress = int(p)

	if raw.UpdatedAt == nil {
		return nil, &ValidationError{Field: "updated_at", Reason: "required"}
	}
	ts, err := time.Parse(time.RFC3339Nano, *raw.UpdatedAt)
	if err != nil {
		return nil, &ValidationError{Field: "updated_at", Reason: "not RFC 3339"}
	}
	rec.UpdatedAt = ts

	if raw.Message != nil {
		rec.Message = *raw.Message
	}
	if raw.Branch != nil {
		rec.Branch = *raw.Branch
	}
	rec.Result = raw.Result
	for _, a := range raw.Artifacts {
		if a != "" {
			rec.Artifacts = append(rec.Artifacts, a)
		}
	}
	return rec, nil
}

// looksTruncated is true when the document was opened but never closed,
// which is what a reader sees mid-write.
func looksTruncated(b []byte) bool {
	if b[0] != '{' {
		return false
	}
	return b[len(b)-1] != '}'
}
