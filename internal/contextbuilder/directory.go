package contextbuilder

import (
	"context"
	"errors"
	"time"

	"carelink.org/internal/authz"
)

// ErrResourceNotFound is returned when the directory has no such object.
var ErrResourceNotFound = errors.New("contextbuilder: resource not found")

// Chain is the ownership path of a resource.
type Chain struct {
	RegionID       string `json:"region_id,omitempty"`
	NetworkID      string `json:"network_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	LocationID     string `json:"location_id,omitempty"`
}

// Person holds the identity fields a minimal projection is derived from.
type Person struct {
	GivenName  string
	FamilyName string
	BirthDate  *time.Time
}

// Resource is the server-side view of an object, as the directory knows it.
type Resource struct {
	Type              authz.ResourceType
	ID                string
	TenantRootID      string
	Chain             Chain
	ClientID          string
	OwnerUserID       string
	Aggregate         bool
	RequiresTwoPerson bool
	Person            *Person
}

// Membership is one of the caller's affiliations.
type Membership struct {
	OrganizationID string
	LocationID     string
	NetworkID      string
	CompanyID      string
}

// Directory exposes read-only facts owned by other parts of the platform.
type Directory interface {
	Resource(ctx context.Context, typ authz.ResourceType, id string) (Resource, error)
	Memberships(ctx context.Context, userID string) ([]Membership, error)
	IsAssigned(ctx context.Context, userID, clientID string) (bool, error)
	ProgramAccess(ctx context.Context, userID, clientID string) (authz.ProgramAccessLevel, bool, error)
	HasTemporaryGrant(ctx context.Context, userID string, typ authz.ResourceType, id string) (bool, error)
	CrossTenantLink(ctx context.Context, clientID, organizationID string) (bool, error)
}
