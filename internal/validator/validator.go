// Package validator decides which project paths the relay may delegate work
// into.
package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// AllowList accepts existing directories under one of its roots. With no
// roots every existing absolute directory is accepted.
type AllowList struct {
	roots []string
}

// NewAllowList cleans and stores roots. Relative roots are resolved against
// the working directory.
func NewAllowList(roots []string) (*AllowList, error) {
	a := &AllowList{}
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve allowed root %q: %w", r, err)
		}
		a.roots = append(a.roots, filepath.Clean(abs))
	}
	return a, nil
}

// Roots returns the configured roots.
func (a *AllowList) Roots() []string {
	return append([]string(nil), a.roots...)
}

// Validate returns *domain.InvalidProjectError when project is denied.
func (a *AllowList) Validate(_ context.Context, project string) error {
	deny := func(reason string) error {
		return &domain.InvalidProjectError{Project: project, Reason: reason}
	}
	if strings.TrimSpace(project) == "" {
		return deny("empty path")
	}
	if !filepath.IsAbs(project) {
		return deny("path must be absolute")
	}
	clean := filepath.Clean(project)
	if len(a.roots) > 0 && !a.underRoot(clean) {
		return deny("outside allowed roots")
	}
	info, err := os.Stat(clean)
	if err != nil {
		return deny("does not exist")
	}
	if !info.IsDir() {
		return deny("not a directory")
	}
	return nil
}

func (a *AllowList) underRoot(path string) bool {
	for _, root := range a.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
