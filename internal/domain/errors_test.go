package domain_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestInvalidProjectError(t *testing.T) {
	err := &domain.InvalidProjectError{Project: "/srv/app", Reason: "outside allowed roots"}
	msg := err.Error()
	if !strings.Contains(msg, "/srv/app") || !strings.Contains(msg, "outside allowed roots") {
		t.Errorf("error message should contain project and reason, got: %q", msg)
	}
}

func TestInvalidStateError(t *testing.T) {
	err := &domain.InvalidStateError{TaskID: "xyz-789", State: domain.StateCompleted, Op: "retry", Reason: "not failed"}
	msg := err.Error()
	for _, want := range []string{"xyz-789", "COMPLETED", "retry", "not failed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message should contain %q, got: %q", want, msg)
		}
	}
}

func TestTimeoutError(t *testing.T) {
	err := &domain.TimeoutError{TaskID: "t-1", Elapsed: 6 * time.Minute, Limit: 5 * time.Minute}
	if !strings.Contains(err.Error(), "5m0s") {
		t.Errorf("error message should contain the limit, got: %q", err.Error())
	}
}

func TestStoreUnavailableError_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("save: %w", &domain.StoreUnavailableError{Op: "update task", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("StoreUnavailableError should unwrap to its cause")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &domain.TimeoutError{TaskID: "a"}, true},
		{"protocol", &domain.ProtocolError{TaskID: "a"}, true},
		{"store", fmt.Errorf("wrapped: %w", &domain.StoreUnavailableError{Err: errors.New("io")}), true},
		{"invalid project", &domain.InvalidProjectError{Project: "p"}, false},
		{"invalid state", &domain.InvalidStateError{TaskID: "a"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !domain.IsNotFound(&domain.TemplateNotFoundError{Name: "x"}) {
		t.Error("template not found should be a not-found error")
	}
	if domain.IsNotFound(&domain.StaleWriteError{TaskID: "x"}) {
		t.Error("stale write is not a not-found error")
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	// Compile-time interface checks via assignment to error variables.
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.TemplateNotFoundError{}
	var _ error = &domain.ProjectNotFoundError{}
	var _ error = &domain.InvalidProjectError{}
	var _ error = &domain.InvalidStateError{}
	var _ error = &domain.TimeoutError{}
	var _ error = &domain.ProtocolError{}
	var _ error = &domain.StoreUnavailableError{}
	var _ error = &domain.StaleWriteError{}
	var _ error = &domain.MissingVariableError{}
}
