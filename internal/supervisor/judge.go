package supervisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// Verdict is a judge's decision on one acceptance criterion.
type Verdict struct {
	Criterion string `json:"criterion"`
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason,omitempty"`
}

// Judge decides whether a completed task meets a textual criterion.
type Judge interface {
	Evaluate(ctx context.Context, criterion string, task *domain.Task) (Verdict, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, criterion string, task *domain.Task) (Verdict, error)

func (f JudgeFunc) Evaluate(ctx context.Context, criterion string, task *domain.Task) (Verdict, error) {
	return f(ctx, criterion, task)
}

const containsPrefix = "contains "

// ResultContains understands criteria of the form "contains <term>" and
// checks the task's reported result for term, ignoring case.
type ResultContains struct{}

func (ResultContains) Evaluate(_ context.Context, criterion string, task *domain.Task) (Verdict, error) {
	v := Verdict{Criterion: criterion}
	c := strings.TrimSpace(criterion)
	if len(c) <= len(containsPrefix) || !strings.EqualFold(c[:len(containsPrefix)], containsPrefix) {
		return v, fmt.Errorf("unsupported criterion %q: expected \"contains <term>\"", criterion)
	}
	term := strings.TrimSpace(c[len(containsPrefix):])

	if task.Result == nil || *task.Result == "" {
		v.Reason = "task reported no result"
		return v, nil
	}
	if strings.Contains(strings.ToLower(*task.Result), strings.ToLower(term)) {
		v.Satisfied = true
		return v, nil
	}
	v.Reason = fmt.Sprintf("result does not mention %q", term)
	return v, nil
}
