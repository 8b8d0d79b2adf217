// Package template manages reusable task descriptions with {placeholder}
// variables: extraction, validation, instantiation, and YAML import.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
	"github.com/ramiqadoumi/go-task-relay/internal/store"
)

var (
	placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	validName   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// ErrInvalid marks a template definition that cannot be stored.
var ErrInvalid = errors.New("invalid template")

// Rendered is a template with every placeholder substituted, ready to be
// submitted.
type Rendered struct {
	Template     string
	Description  string
	Instructions string
	Priority     domain.Priority
	Project      string
}

// Extract returns the placeholder names used across texts, in order of first
// appearance.
func Extract(texts ...string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, text := range texts {
		for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
			if _, ok := seen[m[1]]; ok {
				continue
			}
			seen[m[1]] = struct{}{}
			names = append(names, m[1])
		}
	}
	return names
}

// Normalize validates tpl and fills derived fields: Variables from the
// placeholders when not declared, and medium priority when unset.
func Normalize(tpl *domain.TaskTemplate) error {
	tpl.Name = strings.TrimSpace(tpl.Name)
	if !validName.MatchString(tpl.Name) {
		return fmt.Errorf("%w: name %q must start with a letter or digit and use only letters, digits, '.', '_' or '-'", ErrInvalid, tpl.Name)
	}
	if strings.TrimSpace(tpl.Instructions) == "" && strings.TrimSpace(tpl.Description) == "" {
		return fmt.Errorf("%w: %s: description or instructions required", ErrInvalid, tpl.Name)
	}
	if tpl.Priority == 0 {
		tpl.Priority = domain.PriorityMedium
	}
	if !tpl.Priority.Valid() {
		return fmt.Errorf("%w: %s: unknown priority %d", ErrInvalid, tpl.Name, tpl.Priority)
	}

	used := Extract(tpl.Description, tpl.Instructions)
	if len(tpl.Variables) == 0 {
		tpl.Variables = used
	} else {
		declared := make(map[string]struct{}, len(tpl.Variables))
		for _, v := range tpl.Variables {
			declared[v] = struct{}{}
		}
		for _, u := range used {
			if _, ok := declared[u]; !ok {
				return fmt.Errorf("%w: %s: placeholder {%s} is not declared in variables", ErrInvalid, tpl.Name, u)
			}
		}
	}

	if tpl.Schedule != "" {
		if _, err := cron.ParseStandard(tpl.Schedule); err != nil {
			return fmt.Errorf("%w: %s: schedule %q: %v", ErrInvalid, tpl.Name, tpl.Schedule, err)
		}
		if tpl.Project == "" {
			return fmt.Errorf("%w: %s: a scheduled template needs a project", ErrInvalid, tpl.Name)
		}
		var missing []string
		for _, v := range tpl.Variables {
			if _, ok := tpl.Defaults[v]; !ok {
				missing = append(missing, v)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s: a scheduled template needs defaults for %v", ErrInvalid, tpl.Name, missing)
		}
	}
	return nil
}

// Instantiate substitutes values, falling back to the template's defaults,
// into the description and instructions. Substitution is a single pass, so
// placeholder syntax inside a value is kept literally. Any placeholder left
// without a value fails with *domain.MissingVariableError.
func Instantiate(tpl *domain.TaskTemplate, values map[string]string) (Rendered, error) {
	lookup := func(name string) (string, bool) {
		if v, ok := values[name]; ok {
			return v, true
		}
		v, ok := tpl.Defaults[name]
		return v, ok
	}

	var missing []string
	for _, name := range Extract(tpl.Description, tpl.Instructions) {
		if _, ok := lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Rendered{}, &domain.MissingVariableError{Template: tpl.Name, Names: missing}
	}

	render := func(text string) string {
		return placeholder.ReplaceAllStringFunc(text, func(m string) string {
			v, _ := lookup(m[1 : len(m)-1])
			return v
		})
	}
	return Rendered{
		Template:     tpl.Name,
		Description:  render(tpl.Description),
		Instructions: render(tpl.Instructions),
		Priority:     tpl.Priority,
		Project:      tpl.Project,
	}, nil
}

// Service is CRUD over templates in the entity store.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates a Service. A nil now uses time.Now.
func NewService(s store.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: s, now: now}
}

// Put normalizes and stores tpl, keeping the creation time and run
// bookkeeping of an existing template with the same name.
func (s *Service) Put(ctx context.Context, tpl *domain.TaskTemplate) error {
	if err := Normalize(tpl); err != nil {
		return err
	}
	now := s.now().UTC()
	existing, err := s.store.GetTemplate(ctx, tpl.Name)
	switch {
	case err == nil:
		tpl.CreatedAt = existing.CreatedAt
		if tpl.Schedule == existing.Schedule {
			tpl.LastRunAt = existing.LastRunAt
			tpl.NextRunAt = existing.NextRunAt
		}
	case domain.IsNotFound(err):
		tpl.CreatedAt = now
	default:
		return err
	}
	tpl.UpdatedAt = now
	return s.store.PutTemplate(ctx, tpl)
}

// Get returns a template by name.
func (s *Service) Get(ctx context.Context, name string) (*domain.TaskTemplate, error) {
	return s.store.GetTemplate(ctx, name)
}

// List returns every template ordered by name.
func (s *Service) List(ctx context.Context) ([]*domain.TaskTemplate, error) {
	return s.store.ListTemplates(ctx)
}

// Delete removes a template.
func (s *Service) Delete(ctx context.Context, name string) error {
	return s.store.DeleteTemplate(ctx, name)
}

// Instantiate renders the named template with values.
func (s *Service) Instantiate(ctx context.Context, name string, values map[string]string) (Rendered, error) {
	tpl, err := s.store.GetTemplate(ctx, name)
	if err != nil {
		return Rendered{}, err
	}
	return Instantiate(tpl, values)
}

// Import stores every template, stopping at the first failure. It returns
// how many were stored.
func (s *Service) Import(ctx context.Context, tpls []*domain.TaskTemplate) (int, error) {
	for i, tpl := range tpls {
		if err := s.Put(ctx, tpl); err != nil {
			return i, err
		}
	}
	return len(tpls), nil
}
