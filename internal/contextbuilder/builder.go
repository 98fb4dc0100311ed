// Package contextbuilder resolves the facts an access decision depends on.
// Callers never supply security-relevant facts; only the purpose and the
// use of an active break-glass session can be requested.
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/authz"
	"carelink.org/internal/breakglass"
	"carelink.org/internal/consent"
)

// ConsentEvaluator answers consent questions without failing.
type ConsentEvaluator interface {
	Evaluate(ctx context.Context, req consent.Request) consent.Result
}

// BreakGlass reports a user's active emergency session.
type BreakGlass interface {
	Active(ctx context.Context, userID string) (breakglass.Session, bool, error)
}

// Overrides are the only caller-controlled inputs. Rejected lists fields the
// caller tried to set that are always server-resolved.
type Overrides struct {
	Purpose    authz.Purpose `json:"purpose,omitempty"`
	BreakGlass bool          `json:"break_glass,omitempty"`
	Rejected   []string      `json:"-"`
}

// Request describes one access attempt.
type Request struct {
	UserID    string
	Subjects  []authz.Subject
	Object    authz.Object
	Action    authz.Action
	Overrides Overrides
}

// Built is the resolved context plus what the pipeline needs around it.
type Built struct {
	Object      authz.Object
	Context     authz.Context
	Resource    Resource
	Subjects    []authz.Subject
	Consent     *consent.Result
	CrossTenant bool
	Projection  *Projection
	Warnings    []string
}

// kind captures the per-resource-type rules.
type kind struct {
	clientData bool
	phi        func(Resource) bool
}

var kinds = map[authz.ResourceType]kind{
	authz.ResourceClient: {
		clientData: true,
		phi:        func(Resource) bool { return true },
	},
	authz.ResourceNote: {
		clientData: true,
		phi:        func(r Resource) bool { return r.ClientID != "" },
	},
	authz.ResourceReferral: {
		clientData: true,
		phi:        func(r Resource) bool { return r.ClientID != "" },
	},
	authz.ResourceReport: {
		clientData: true,
		phi:        func(r Resource) bool { return !r.Aggregate },
	},
	authz.ResourceAvailability: {
		phi: func(Resource) bool { return false },
	},
	authz.ResourceServiceProfile: {
		phi: func(Resource) bool { return false },
	},
}

// Builder resolves contexts against a directory.
type Builder struct {
	dir            Directory
	consent        ConsentEvaluator
	breakGlass     BreakGlass
	now            func() time.Time
	defaultPurpose authz.Purpose
}

// Option configures Builder.
type Option func(*Builder)

// WithClock overrides the builder clock.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithDefaultPurpose sets the purpose used when the caller names none.
func WithDefaultPurpose(p authz.Purpose) Option {
	return func(b *Builder) {
		if p.Valid() {
			b.defaultPurpose = p
		}
	}
}

// New constructs a Builder.
func New(dir Directory, ce ConsentEvaluator, bg BreakGlass, opts ...Option) *Builder {
	b := &Builder{dir: dir, consent: ce, breakGlass: bg, now: time.Now, defaultPurpose: authz.PurposeCare}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildClient resolves the context for a client record.
func (b *Builder) BuildClient(ctx context.Context, req Request) (Built, error) {
	req.Object.Type = authz.ResourceClient
	return b.Build(ctx, req)
}

// BuildNote resolves the context for a case note.
func (b *Builder) BuildNote(ctx context.Context, req Request) (Built, error) {
	req.Object.Type = authz.ResourceNote
	return b.Build(ctx, req)
}

// BuildReferral resolves the context for a referral.
func (b *Builder) BuildReferral(ctx context.Context, req Request) (Built, error) {
	req.Object.Type = authz.ResourceReferral
	return b.Build(ctx, req)
}

// BuildReport resolves the context for a report.
func (b *Builder) BuildReport(ctx context.Context, req Request) (Built, error) {
	req.Object.Type = authz.ResourceReport
	return b.Build(ctx, req)
}

// BuildAvailability resolves the context for an availability listing.
func (b *Builder) BuildAvailability(ctx context.Context, req Request) (Built, error) {
	req.Object.Type = authz.ResourceAvailability
	return b.Build(ctx, req)
}

// BuildServiceProfile resolves the context for a service profile.
func (b *Builder) BuildServiceProfile(ctx context.Context, req Request) (Built, error) {
	req.Object.Type = authz.ResourceServiceProfile
	return b.Build(ctx, req)
}

// Build dispatches on the object type. Directory failures degrade to
// absent facts and a warning; only a missing resource is an error.
func (b *Builder) Build(ctx context.Context, req Request) (Built, error) {
	k, ok := kinds[req.Object.Type]
	if !ok {
		return Built{}, fmt.Errorf("contextbuilder: unsupported resource type %q", req.Object.Type)
	}
	purpose := req.Overrides.Purpose
	if purpose == "" {
		purpose = b.defaultPurpose
	}
	if !purpose.Valid() {
		return Built{}, fmt.Errorf("contextbuilder: unknown purpose %q", purpose)
	}
	if len(req.Overrides.Rejected) > 0 {
		_ = audit.LogEvent(ctx, "context.override_ignored", map[string]any{
			"fields":        req.Overrides.Rejected,
			"resource_type": string(req.Object.Type),
		})
	}

	res, err := b.dir.Resource(ctx, req.Object.Type, req.Object.ID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return Built{}, err
		}
		return Built{}, fmt.Errorf("contextbuilder: load resource: %w", err)
	}
	res.Type = req.Object.Type
	now := b.now()

	out := Built{
		Object:   authz.Object{Type: req.Object.Type, ID: req.Object.ID, TenantRootID: res.TenantRootID},
		Resource: res,
	}
	c := authz.Context{TenantRootID: res.TenantRootID, Purpose: purpose}
	warn := func(format string, args ...any) {
		out.Warnings = append(out.Warnings, fmt.Sprintf(format, args...))
	}

	memberships, err := b.dir.Memberships(ctx, req.UserID)
	if err != nil {
		warn("memberships unavailable: %v", err)
		memberships = nil
	}
	sameOrg, sameLoc, inNet := affiliation(memberships, res.Chain)
	c.SameOrg = authz.Bool(sameOrg)
	c.SameLocation = authz.Bool(sameLoc)

	clientID := res.ClientID
	if req.Object.Type == authz.ResourceClient {
		clientID = res.ID
	}

	linked := false
	if !sameOrg && !inNet && k.clientData && clientID != "" {
		for _, m := range memberships {
			if m.OrganizationID == "" {
				continue
			}
			ok, err := b.dir.CrossTenantLink(ctx, clientID, m.OrganizationID)
			if err != nil {
				warn("cross-tenant link lookup failed: %v", err)
				break
			}
			if ok {
				linked = true
				break
			}
		}
	}
	c.InNetwork = authz.Bool(inNet || sameOrg || linked)

	if clientID != "" && req.UserID != "" {
		if assigned, err := b.dir.IsAssigned(ctx, req.UserID, clientID); err != nil {
			warn("assignment lookup failed: %v", err)
		} else {
			c.AssignedToUser = authz.Bool(assigned)
		}
		if level, ok, err := b.dir.ProgramAccess(ctx, req.UserID, clientID); err != nil {
			warn("program lookup failed: %v", err)
		} else {
			c.SharesProgram = authz.Bool(ok)
			if ok {
				c.ProgramAccessLevel = level
			}
		}
	}
	if grant, err := b.dir.HasTemporaryGrant(ctx, req.UserID, req.Object.Type, req.Object.ID); err != nil {
		warn("temporary grant lookup failed: %v", err)
	} else {
		c.TempGrant = authz.Bool(grant)
	}
	c.SelfScope = authz.Bool(res.OwnerUserID != "" && res.OwnerUserID == req.UserID)
	c.TwoPersonRule = authz.Bool(res.RequiresTwoPerson)

	phi := k.phi(res)
	c.ContainsPHI = authz.Bool(phi)
	if phi && clientID != "" {
		scope, scopeID := consentScope(memberships, res.Chain, req.UserID)
		result := b.consent.Evaluate(ctx, consent.Request{
			ClientID:  clientID,
			ScopeType: scope,
			ScopeID:   scopeID,
			Purpose:   purpose,
		})
		out.Consent = &result
		c.ConsentOK = authz.Bool(result.ConsentOK)
		c.ConsentID = result.ConsentID
		c.ConsentReason = result.Reason
		if result.GracePeriodActive {
			c.ConsentGracePeriod = authz.Bool(true)
		}
	} else if phi {
		c.ConsentOK = authz.Bool(false)
		c.ConsentReason = "no client to evaluate consent for"
	} else {
		c.ConsentOK = authz.Bool(true)
		c.ConsentReason = "consent not required"
	}

	if req.Overrides.BreakGlass {
		session, active, err := b.breakGlass.Active(ctx, req.UserID)
		switch {
		case err != nil:
			warn("break-glass lookup failed: %v", err)
		case !active:
			warn("break-glass requested without an active session")
		default:
			exp := session.ExpiresAt
			c.BreakGlass = authz.Bool(true)
			c.BreakGlassExpires = &exp
		}
	}

	out.Context = c.Normalize()
	out.Subjects = relevantSubjects(req.Subjects, res, now, inNet || linked)

	global := false
	for _, s := range out.Subjects {
		if s.ScopeType == authz.ScopeGlobal {
			global = true
			break
		}
	}
	if k.clientData && !sameOrg && !inNet && !linked && !global {
		out.CrossTenant = true
		if req.Action == authz.ActionSearch && req.Object.Type == authz.ResourceClient {
			p := Project(res.Person, now)
			out.Projection = &p
		}
	}
	return out, nil
}

func affiliation(ms []Membership, chain Chain) (sameOrg, sameLoc, inNet bool) {
	for _, m := range ms {
		if m.OrganizationID != "" && m.OrganizationID == chain.OrganizationID {
			sameOrg = true
		}
		if m.LocationID != "" && m.LocationID == chain.LocationID {
			sameLoc = true
		}
		if m.NetworkID != "" && m.NetworkID == chain.NetworkID {
			inNet = true
		}
	}
	return sameOrg, sameLoc, inNet
}

// consentScope picks the narrowest scope at which the caller relates to the
// resource.
func consentScope(ms []Membership, chain Chain, userID string) (consent.ScopeType, string) {
	for _, m := range ms {
		if m.LocationID != "" && m.LocationID == chain.LocationID {
			return consent.ScopeLocation, m.LocationID
		}
	}
	for _, m := range ms {
		if m.OrganizationID != "" && m.OrganizationID == chain.OrganizationID {
			return consent.ScopeOrganization, m.OrganizationID
		}
	}
	for _, m := range ms {
		if m.CompanyID != "" {
			return consent.ScopeCompany, m.CompanyID
		}
	}
	if strings.TrimSpace(userID) != "" && len(ms) == 0 {
		return consent.ScopeHelper, userID
	}
	if chain.OrganizationID != "" {
		return consent.ScopeOrganization, chain.OrganizationID
	}
	return consent.ScopePlatform, ""
}

// relevantSubjects keeps active assignments whose scope covers the resource.
func relevantSubjects(subjects []authz.Subject, res Resource, now time.Time, networked bool) []authz.Subject {
	out := make([]authz.Subject, 0, len(subjects))
	for _, s := range subjects {
		if !s.Active(now) {
			continue
		}
		var ok bool
		switch s.ScopeType {
		case authz.ScopeGlobal:
			ok = true
		case authz.ScopeRegion:
			ok = s.ScopeID != "" && s.ScopeID == res.Chain.RegionID
		case authz.ScopeNetwork:
			ok = s.ScopeID != "" && s.ScopeID == res.Chain.NetworkID
		case authz.ScopeOrganization:
			ok = s.ScopeID != "" && (s.ScopeID == res.Chain.OrganizationID || s.ScopeID == res.TenantRootID)
		case authz.ScopeLocation:
			ok = s.ScopeID != "" && s.ScopeID == res.Chain.LocationID
		case authz.ScopeCompany:
			ok = networked
		}
		if !ok && (res.Type == authz.ResourceAvailability || res.Type == authz.ResourceServiceProfile) {
			// Directory listings are visible to every authenticated role.
			ok = true
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}
