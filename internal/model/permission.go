package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Method is an HTTP verb a permission can grant.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

var knownMethods = map[Method]struct{}{
	MethodGet:     {},
	MethodPost:    {},
	MethodPut:     {},
	MethodPatch:   {},
	MethodDelete:  {},
	MethodHead:    {},
	MethodOptions: {},
}

// ParseMethod validates an HTTP verb. Lower-case input is accepted and
// normalized to upper case.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownMethods[m]; !ok {
		return "", fmt.Errorf("unsupported HTTP method %q", s)
	}
	return m, nil
}

// Permission grants access to exactly one (method, path) pair. Its wire form
// is "METHOD:PATH"; the method never contains a colon, so the path is
// everything after the first one and may itself contain colons.
type Permission struct {
	Method Method
	Path   string
}

// ParsePermission parses the "METHOD:PATH" wire format.
func ParsePermission(s string) (Permission, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 {
		return Permission{}, fmt.Errorf("invalid permission %q: expected METHOD:PATH", s)
	}
	method, err := ParseMethod(s[:idx])
	if err != nil {
		return Permission{}, fmt.Errorf("invalid permission %q: %w", s, err)
	}
	path := s[idx+1:]
	if !strings.HasPrefix(path, "/") {
		return Permission{}, fmt.Errorf("invalid permission %q: path must start with '/'", s)
	}
	if strings.ContainsAny(path, " \t\r\n") {
		return Permission{}, fmt.Errorf("invalid permission %q: path must not contain whitespace", s)
	}
	return Permission{Method: method, Path: path}, nil
}

// String returns the canonical wire form.
func (p Permission) String() string {
	return string(p.Method) + ":" + p.Path
}

// MarshalJSON encodes the permission in its wire form.
func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the "METHOD:PATH" wire form.
func (p *Permission) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePermission(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PermissionSet is a deduplicated, canonically ordered set of permissions.
// An empty set means unrestricted access.
type PermissionSet []Permission

// NewPermissionSet builds a set from the given permissions, dropping
// duplicates.
func NewPermissionSet(perms ...Permission) PermissionSet {
	seen := make(map[Permission]struct{}, len(perms))
	out := make(PermissionSet, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// ParsePermissionSet parses a list of wire-format permissions. All invalid
// entries are reported together.
func ParsePermissionSet(items []string) (PermissionSet, error) {
	perms := make([]Permission, 0, len(items))
	var bad []string
	for _, s := range items {
		p, err := ParsePermission(s)
		if err != nil {
			bad = append(bad, err.Error())
			continue
		}
		perms = append(perms, p)
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(bad, "; "))
	}
	return NewPermissionSet(perms...), nil
}

// Contains reports whether p is a member of the set.
func (s PermissionSet) Contains(p Permission) bool {
	for _, q := range s {
		if q == p {
			return true
		}
	}
	return false
}

// FullAccess reports whether the set is unrestricted.
func (s PermissionSet) FullAccess() bool {
	return len(s) == 0
}

// Strings returns the wire forms of all permissions. It never returns nil so
// the JSON encoding of an empty set is [] rather than null.
func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.String()
	}
	return out
}

// Equal reports whether two sets contain the same permissions.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	a, b := NewPermissionSet(s...), NewPermissionSet(other...)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as an array of wire-format strings.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes an array of wire-format strings.
func (s *PermissionSet) UnmarshalJSON(b []byte) error {
	var items []string
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	set, err := ParsePermissionSet(items)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
