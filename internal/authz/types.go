package authz

import (
	"fmt"
	"strings"
	"time"
)

// Purpose is the declared reason for touching client data.
type Purpose string

const (
	PurposeCare      Purpose = "care"
	PurposeBilling   Purpose = "billing"
	PurposeQA        Purpose = "qa"
	PurposeOversight Purpose = "oversight"
	PurposeResearch  Purpose = "research"
)

var knownPurposes = map[Purpose]struct{}{
	PurposeCare:      {},
	PurposeBilling:   {},
	PurposeQA:        {},
	PurposeOversight: {},
	PurposeResearch:  {},
}

// ParsePurpose normalizes and validates a purpose value.
func ParsePurpose(raw string) (Purpose, error) {
	p := Purpose(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownPurposes[p]; !ok {
		return "", fmt.Errorf("unknown purpose %q", raw)
	}
	return p, nil
}

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	_, ok := knownPurposes[p]
	return ok
}

// ResourceType identifies the kind of object being accessed.
type ResourceType string

const (
	ResourceClient         ResourceType = "client"
	ResourceNote           ResourceType = "note"
	ResourceReferral       ResourceType = "referral"
	ResourceReport         ResourceType = "report"
	ResourceAvailability   ResourceType = "availability"
	ResourceServiceProfile ResourceType = "service_profile"

	// Operator resources, used for audit trail entries only.
	ResourcePolicy            ResourceType = "policy"
	ResourceBreakGlassSession ResourceType = "break_glass_session"
	ResourceConsent           ResourceType = "consent"
)

// Action is a verb requested against an object.
type Action string

const (
	ActionRead        Action = "read"
	ActionSearch      Action = "search"
	ActionList        Action = "list"
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionClaim       Action = "claim"
	ActionLink        Action = "link"
	ActionRespond     Action = "respond"
	ActionGrantAccess Action = "grant_access"
	ActionRevoke      Action = "revoke"
	ActionActivate    Action = "activate"
	ActionReload      Action = "reload"
)

// IsRead reports whether the action only observes data.
func (a Action) IsRead() bool {
	switch a {
	case ActionRead, ActionSearch, ActionList:
		return true
	}
	return false
}

// ScopeType is the level of the organizational hierarchy a role applies to.
type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeRegion       ScopeType = "region"
	ScopeNetwork      ScopeType = "network"
	ScopeOrganization ScopeType = "organization"
	ScopeLocation     ScopeType = "location"
	ScopeCompany      ScopeType = "company"
)

// Subject is one role assignment of a user. A user may hold several.
type Subject struct {
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	ScopeType ScopeType  `json:"scope_type"`
	ScopeID   string     `json:"scope_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the assignment is still in force at now.
func (s Subject) Active(now time.Time) bool {
	if strings.TrimSpace(s.Role) == "" {
		return false
	}
	if s.ExpiresAt == nil {
		return true
	}
	return !now.After(*s.ExpiresAt)
}

// Object is the target of an access request.
type Object struct {
	Type         ResourceType `json:"type"`
	ID           string       `json:"id,omitempty"`
	TenantRootID string       `json:"tenant_root_id,omitempty"`
}

// Effect is the outcome of a decision.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// ProgramAccessLevel grades a shared-program grant.
type ProgramAccessLevel string

const (
	ProgramView  ProgramAccessLevel = "view"
	ProgramWrite ProgramAccessLevel = "write"
	ProgramFull  ProgramAccessLevel = "full"
)

// Rank orders access levels; unknown levels rank zero.
func (l ProgramAccessLevel) Rank() int {
	switch l {
	case ProgramView:
		return 1
	case ProgramWrite:
		return 2
	case ProgramFull:
		return 3
	}
	return 0
}
