package domain

import (
	"fmt"
	"strings"
	"time"
)

// State represents the states a task can be in.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal returns true for states no event can leave.
// FAILED is not listed: it is terminal only once the retry budget is spent.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ParseState accepts any casing of a state name.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown task state %q", v)
}

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateRunning:   {},
		StateCancelled: {},
	},
	StateRunning: {
		StateCompleted: {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateFailed: {
		StateRunning: {}, // re-admission after a scheduled retry
	},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Priority orders tasks for admission. Higher values are admitted first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the four known bands.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority accepts a band name or its numeric value. Empty means medium.
func ParsePriority(v string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "medium", "2":
		return PriorityMedium, nil
	case "low", "1":
		return PriorityLow, nil
	case "high", "3":
		return PriorityHigh, nil
	case "critical", "4":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", v)
}

// ErrorKind is the machine-readable cause recorded on a failed task.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindTimeout       ErrorKind = "TIMEOUT"
	ErrorKindProtocol      ErrorKind = "PROTOCOL_ERROR"
	ErrorKindAgentFailed   ErrorKind = "AGENT_FAILED"
	ErrorKindDispatch      ErrorKind = "DISPATCH_ERROR"
	ErrorKindWaitExhausted ErrorKind = "WAIT_EXHAUSTED"
)

// Task is a unit of work delegated to the external agent.
type Task struct {
	ID           string            `json:"id"`
	Project      string            `json:"project"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	Priority     Priority          `json:"priority"`
	State        State             `json:"state"`
	Progress     int               `json:"progress"`
	Message      string            `json:"message,omitempty"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	Error        *string           `json:"error,omitempty"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
	Result       *string           `json:"result,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	RetryAt      *time.Time        `json:"retry_at,omitempty"`
	Version      int64             `json:"version"`
}

// Transition moves the task to the given state, stamping the bookkeeping
// timestamps. It returns InvalidStateError for edges the state machine lacks.
func (t *Task) Transition(to State, now time.Time) error {
	if !CanTransition(t.State, to) {
		return &InvalidStateError{TaskID: t.ID, State: t.State, Op: "transition to " + string(to)}
	}
	switch to {
	case StateRunning:
		started := now
		t.StartedAt = &started
		t.FinishedAt = nil
		t.RetryAt = nil
		t.Progress = 0
		t.Message = ""
	case StateCompleted, StateFailed, StateCancelled:
		finished := now
		t.FinishedAt = &finished
	}
	t.State = to
	t.UpdatedAt = now
	return nil
}

// RetryScheduled is true for a failed task queued for re-admission.
func (t *Task) RetryScheduled() bool {
	return t.State == StateFailed && t.RetryAt != nil
}

// Settled is true once no further transition will happen without an
// explicit caller action.
func (t *Task) Settled() bool {
	return t.State.IsTerminal() || (t.State == StateFailed && t.RetryAt == nil)
}

// Exhausted is true when the retry budget is spent.
func (t *Task) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// Fail records the error on the task.
func (t *Task) Fail(kind ErrorKind, msg string) {
	t.ErrorKind = kind
	m := msg
	t.Error = &m
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Error = cloneString(t.Error)
	c.Result = cloneString(t.Result)
	c.StartedAt = cloneTime(t.StartedAt)
	c.FinishedAt = cloneTime(t.FinishedAt)
	c.RetryAt = cloneTime(t.RetryAt)
	if t.Artifacts != nil {
		c.Artifacts = append([]string(nil), t.Artifacts...)
	}
	if t.Context != nil {
		c.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
