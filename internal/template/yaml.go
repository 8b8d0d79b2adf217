package template

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/go-task-relay/internal/domain"
)

// yamlTemplate is the file form of a template. Priority is a band name.
type yamlTemplate struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Instructions string            `yaml:"instructions"`
	Variables    []string          `yaml:"variables"`
	Defaults     map[string]string `yaml:"defaults"`
	Priority     string            `yaml:"priority"`
	Schedule     string            `yaml:"schedule"`
	Project      string            `yaml:"project"`
}

type yamlFile struct {
	Templates []yamlTemplate `yaml:"templates"`
}

// ParseYAML decodes templates from a document holding either a top-level
// list or a mapping with a "templates" list. Each template is normalized.
func ParseYAML(data []byte) ([]*domain.TaskTemplate, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("template: document is empty")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("template: decode document: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("template: document is empty")
	}
	var raw []yamlTemplate
	root := doc.Content[0]
	if root.Kind == yaml.SequenceNode {
		if err := root.Decode(&raw); err != nil {
			return nil, fmt.Errorf("template: decode list: %w", err)
		}
	} else {
		var f yamlFile
		if err := root.Decode(&f); err != nil {
			return nil, fmt.Errorf("template: decode document: %w", err)
		}
		raw = f.Templates
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("template: document defines no templates")
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]*domain.TaskTemplate, 0, len(raw))
	for i, r := range raw {
		p, err := domain.ParsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("template: entry %d (%s): %w", i, r.Name, err)
		}
		tpl := &domain.TaskTemplate{
			Name:         r.Name,
			Description:  r.Description,
			Instructions: r.Instructions,
			Variables:    r.Variables,
			Defaults:     r.Defaults,
			Priority:     p,
			Schedule:     r.Schedule,
			Project:      r.Project,
		}
		if err := Normalize(tpl); err != nil {
			return nil, fmt.Errorf("template: entry %d: %w", i, err)
		}
		if _, dup := seen[tpl.Name]; dup {
			return nil, fmt.Errorf("template: entry %d: duplicate name %q", i, tpl.Name)
		}
		seen[tpl.Name] = struct{}{}
		out = append(out, tpl)
	}
	return out, nil
}

// LoadFile reads and parses a YAML template file.
func LoadFile(path string) ([]*domain.TaskTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("template: read %s: %w", path, err)
	}
	tpls, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tpls, nil
}
