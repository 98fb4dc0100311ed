package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"carelink.org/internal/authz"
)

// RolePlatformAdmin is the operator role allowed to reload policy and
// verify the audit chain.
const RolePlatformAdmin = "platform_admin"

// Principal is an authenticated user with every role assignment they hold.
type Principal struct {
	UserID   string
	Subjects []authz.Subject
}

// Roles returns the distinct role names of the principal.
func (p Principal) Roles() []string {
	roles := make([]string, 0, len(p.Subjects))
	for _, s := range p.Subjects {
		roles = append(roles, s.Role)
	}
	return dedupeRoles(roles)
}

// Active returns the assignments in force at now.
func (p Principal) Active(now time.Time) []authz.Subject {
	out := make([]authz.Subject, 0, len(p.Subjects))
	for _, s := range p.Subjects {
		if s.Active(now) {
			out = append(out, s)
		}
	}
	return out
}

// HasGlobalRole reports whether the principal holds role at global scope.
func (p Principal) HasGlobalRole(role string, now time.Time) bool {
	for _, s := range p.Active(now) {
		if s.Role == role && s.ScopeType == authz.ScopeGlobal {
			return true
		}
	}
	return false
}

// AssignmentStore lists a user's role assignments, expired ones included.
type AssignmentStore interface {
	SubjectsForUser(ctx context.Context, userID string) ([]authz.Subject, error)
}

// Resolve builds the principal for userID.
func Resolve(ctx context.Context, store AssignmentStore, userID string) (Principal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	subjects, err := store.SubjectsForUser(ctx, userID)
	if err != nil {
		return Principal{}, fmt.Errorf("load assignments: %w", err)
	}
	for i := range subjects {
		subjects[i].UserID = userID
		subjects[i].Role = strings.ToLower(strings.TrimSpace(subjects[i].Role))
	}
	return Principal{UserID: userID, Subjects: subjects}, nil
}

// MemoryAssignments is an in-process AssignmentStore.
type MemoryAssignments struct {
	mu   sync.RWMutex
	byID map[string][]authz.Subject
}

// NewMemoryAssignments returns an empty store.
func NewMemoryAssignments() *MemoryAssignments {
	return &MemoryAssignments{byID: make(map[string][]authz.Subject)}
}

// Assign adds a role assignment.
func (m *MemoryAssignments) Assign(s authz.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.UserID] = append(m.byID[s.UserID], s)
}

func (m *MemoryAssignments) SubjectsForUser(_ context.Context, userID string) ([]authz.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byID[userID]
	out := make([]authz.Subject, len(list))
	copy(out, list)
	return out, nil
}
