package performer

import (
	"context"
	"sync"
)

// MemoryDirectory is a map-backed Directory. Used by tests and by
// engine setups that run without the relational user store.
type MemoryDirectory struct {
	mu     sync.RWMutex
	users  map[string]bool     // id -> exists (false means deleted)
	groups map[string][]string // group id -> member ids
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:  make(map[string]bool),
		groups: make(map[string][]string),
	}
}

// AddUser registers a user.
func (d *MemoryDirectory) AddUser(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = true
}

// DeleteUser marks a user deleted.
func (d *MemoryDirectory) DeleteUser(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = false
}

// SetGroup replaces a group's membership.
func (d *MemoryDirectory) SetGroup(id string, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[id] = append([]string(nil), members...)
}

// GroupMembers returns the group's non-deleted members.
func (d *MemoryDirectory) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, m := range d.groups[groupID] {
		if d.users[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

// UserExists reports whether the user exists and is not deleted.
func (d *MemoryDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID], nil
}
