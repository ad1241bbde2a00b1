// Package identity resolves assignment specifiers to concrete users.
package identity

import (
	"context"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/taskflow/pkg/schema"
)

// Directory is the identity collaborator used by the engine and the task manager.
type Directory interface {
	// UserExists reports whether userID is a known user.
	UserExists(ctx context.Context, userID string) (bool, error)
	// ResolveAssignment expands a USER, ROLE or GROUP specifier to user ids.
	ResolveAssignment(ctx context.Context, kind schema.AssignmentType, value string) ([]string, error)
	// Candidates returns the users holding a role or belonging to a group.
	Candidates(ctx context.Context, roleOrGroup string) ([]string, error)
	// Manager returns the manager of userID, or "" when none is recorded.
	Manager(ctx context.Context, userID string) (string, error)
}

// User is one entry of a directory file.
type User struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Roles   []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Groups  []string `yaml:"groups,omitempty" json:"groups,omitempty"`
	Manager string   `yaml:"manager,omitempty" json:"manager,omitempty"`
}

type directoryFile struct {
	Users []User `yaml:"users"`
}

// StaticDirectory is an in-memory Directory, typically loaded from YAML.
type StaticDirectory struct {
	mu     sync.RWMutex
	users  map[string]User
	order  []string
	roles  map[string][]string
	groups map[string][]string
}

// NewStaticDirectory builds a directory from users. Later duplicates replace earlier ones.
func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{}
	d.Replace(users)
	return d
}

// LoadFile reads a directory YAML file of the form `users: [{id, name, roles, groups, manager}]`.
func LoadFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read directory file %s", path).WithCause(err)
	}
	return Parse(data)
}

// Parse decodes directory YAML.
func Parse(data []byte) (*StaticDirectory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse directory").WithCause(err)
	}
	for i, u := range f.Users {
		if u.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "directory user %d has no id", i)
		}
	}
	return NewStaticDirectory(f.Users...), nil
}

// Replace swaps the directory contents atomically.
func (d *StaticDirectory) Replace(users []User) {
	byID := make(map[string]User, len(users))
	var order []string
	roles := make(map[string][]string)
	groups := make(map[string][]string)
	for _, u := range users {
		if _, dup := byID[u.ID]; !dup {
			order = append(order, u.ID)
		}
		byID[u.ID] = u
	}
	for _, id := range order {
		u := byID[id]
		for _, r := range u.Roles {
			roles[r] = append(roles[r], id)
		}
		for _, g := range u.Groups {
			groups[g] = append(groups[g], id)
		}
	}

	d.mu.Lock()
	d.users, d.order, d.roles, d.groups = byID, order, roles, groups
	d.mu.Unlock()
}

// Users returns all users in file order.
func (d *StaticDirectory) Users() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]User, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.users[id])
	}
	return out
}

func (d *StaticDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

func (d *StaticDirectory) ResolveAssignment(ctx context.Context, kind schema.AssignmentType, value string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	switch kind {
	case schema.AssignUser:
		if _, ok := d.users[value]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown user %q", value)
		}
		return []string{value}, nil
	case schema.AssignRole:
		ids = d.roles[value]
	case schema.AssignGroup:
		ids = d.groups[value]
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assignment type %q cannot be resolved by the directory", kind)
	}
	if len(ids) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no users for %s %q", kind, value)
	}
	return slices.Clone(ids), nil
}

// Candidates accepts a user id, a role or a group. Roles and groups are merged.
func (d *StaticDirectory) Candidates(_ context.Context, roleOrGroup string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.users[roleOrGroup]; ok {
		return []string{roleOrGroup}, nil
	}
	out := slices.Clone(d.roles[roleOrGroup])
	for _, id := range d.groups[roleOrGroup] {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *StaticDirectory) Manager(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "unknown user %q", userID)
	}
	return u.Manager, nil
}

// ExpandCandidates resolves every entry through dir.Candidates, deduplicating in order.
func ExpandCandidates(ctx context.Context, dir Directory, entries []string) ([]string, error) {
	var out []string
	for _, e := range entries {
		ids, err := dir.Candidates(ctx, e)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

var _ Directory = (*StaticDirectory)(nil)
