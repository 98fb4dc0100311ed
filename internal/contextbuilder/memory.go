package contextbuilder

import (
	"context"
	"sync"

	"carelink.org/internal/authz"
)

// MemoryDirectory is an in-process Directory used by tests and local runs.
type MemoryDirectory struct {
	mu          sync.RWMutex
	resources   map[authz.ResourceType]map[string]Resource
	memberships map[string][]Membership
	assigned    map[[2]string]bool
	programs    map[[2]string]authz.ProgramAccessLevel
	tempGrants  map[[3]string]bool
	links       map[[2]string]bool
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		resources:   make(map[authz.ResourceType]map[string]Resource),
		memberships: make(map[string][]Membership),
		assigned:    make(map[[2]string]bool),
		programs:    make(map[[2]string]authz.ProgramAccessLevel),
		tempGrants:  make(map[[3]string]bool),
		links:       make(map[[2]string]bool),
	}
}

func (d *MemoryDirectory) PutResource(r Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resources[r.Type] == nil {
		d.resources[r.Type] = make(map[string]Resource)
	}
	d.resources[r.Type][r.ID] = r
}

func (d *MemoryDirectory) AddMembership(userID string, m Membership) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memberships[userID] = append(d.memberships[userID], m)
}

func (d *MemoryDirectory) Assign(userID, clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assigned[[2]string{userID, clientID}] = true
}

func (d *MemoryDirectory) ShareProgram(userID, clientID string, level authz.ProgramAccessLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.programs[[2]string{userID, clientID}] = level
}

func (d *MemoryDirectory) GrantTemporary(userID string, typ authz.ResourceType, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tempGrants[[3]string{userID, string(typ), id}] = true
}

func (d *MemoryDirectory) Link(clientID, organizationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links[[2]string{clientID, organizationID}] = true
}

func (d *MemoryDirectory) Resource(_ context.Context, typ authz.ResourceType, id string) (Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.resources[typ][id]
	if !ok {
		return Resource{}, ErrResourceNotFound
	}
	return r, nil
}

func (d *MemoryDirectory) Memberships(_ context.Context, userID string) ([]Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Membership, len(d.memberships[userID]))
	copy(out, d.memberships[userID])
	return out, nil
}

func (d *MemoryDirectory) IsAssigned(_ context.Context, userID, clientID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.assigned[[2]string{userID, clientID}], nil
}

func (d *MemoryDirectory) ProgramAccess(_ context.Context, userID, clientID string) (authz.ProgramAccessLevel, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lvl, ok := d.programs[[2]string{userID, clientID}]
	return lvl, ok, nil
}

func (d *MemoryDirectory) HasTemporaryGrant(_ context.Context, userID string, typ authz.ResourceType, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tempGrants[[3]string{userID, string(typ), id}], nil
}

func (d *MemoryDirectory) CrossTenantLink(_ context.Context, clientID, organizationID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.links[[2]string{clientID, organizationID}], nil
}
