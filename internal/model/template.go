package model

import (
	"fmt"
	"sort"
)

// Built-in permission template names.
const (
	TemplateReadOnly   = "read_only"
	TemplateReadWrite  = "read_write"
	TemplateFullAccess = "full_access"
)

// PermissionTemplate is a named permission set applied when a key is created
// or updated. Templates only exist at construction time: applying one copies
// its permissions onto the key.
type PermissionTemplate struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Permissions PermissionSet `json:"permissions" yaml:"-"`
}

var builtinTemplates = map[string]struct {
	description string
	perms       []string
}{
	TemplateReadOnly: {
		description: "Read access to users, groups, OUs and activity logs",
		perms: []string{
			"GET:/api/users",
			"GET:/api/groups",
			"GET:/api/ous",
			"GET:/api/activity-logs",
		},
	},
	TemplateReadWrite: {
		description: "Read access plus create, update and delete on users, groups and OUs",
		perms: []string{
			"GET:/api/users",
			"GET:/api/groups",
			"GET:/api/ous",
			"GET:/api/activity-logs",
			"POST:/api/users",
			"PUT:/api/users",
			"DELETE:/api/users",
			"POST:/api/groups",
			"PUT:/api/groups",
			"DELETE:/api/groups",
			"POST:/api/ous",
			"PUT:/api/ous",
			"DELETE:/api/ous",
		},
	},
	TemplateFullAccess: {
		description: "Unrestricted access (empty permission set)",
		perms:       nil,
	},
}

// TemplateTable is an immutable lookup of permission templates. It is built
// once at process start and shared read-only afterwards.
type TemplateTable struct {
	byName map[string]PermissionTemplate
	names  []string
}

// TemplateDef is the raw form of a template as it appears in configuration.
type TemplateDef struct {
	Description string   `yaml:"description" mapstructure:"description"`
	Permissions []string `yaml:"permissions" mapstructure:"permissions"`
}

// DefaultTemplates returns the built-in template table.
func DefaultTemplates() *TemplateTable {
	table, err := NewTemplateTable(nil)
	if err != nil {
		panic(fmt.Sprintf("builtin templates: %v", err))
	}
	return table
}

// NewTemplateTable builds a table from raw definitions. Built-in templates
// not present in defs are kept, so configuration only needs to list
// overrides and additions.
func NewTemplateTable(defs map[string]TemplateDef) (*TemplateTable, error) {
	merged := make(map[string]TemplateDef, len(builtinTemplates)+len(defs))
	for name, t := range builtinTemplates {
		merged[name] = TemplateDef{Description: t.description, Permissions: t.perms}
	}
	for name, d := range defs {
		merged[name] = d
	}

	t := &TemplateTable{byName: make(map[string]PermissionTemplate, len(merged))}
	for name, d := range merged {
		if name == "" {
			return nil, fmt.Errorf("template name must not be empty")
		}
		perms, err := ParsePermissionSet(d.Permissions)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
		t.byName[name] = PermissionTemplate{
			Name:        name,
			Description: d.Description,
			Permissions: perms,
		}
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

// Expand returns a copy of the named template's permission set.
func (t *TemplateTable) Expand(name string) (PermissionSet, bool) {
	tpl, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	out := make(PermissionSet, len(tpl.Permissions))
	copy(out, tpl.Permissions)
	return out, true
}

// List returns all templates ordered by name.
func (t *TemplateTable) List() []PermissionTemplate {
	out := make([]PermissionTemplate, 0, len(t.names))
	for _, name := range t.names {
		tpl := t.byName[name]
		perms := make(PermissionSet, len(tpl.Permissions))
		copy(perms, tpl.Permissions)
		tpl.Permissions = perms
		out = append(out, tpl)
	}
	return out
}
