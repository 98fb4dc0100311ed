package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carelink.org/internal/auth"
	"carelink.org/internal/authz"
	"carelink.org/internal/contextbuilder"
)

var (
	_ auth.AssignmentStore     = (*Store)(nil)
	_ contextbuilder.Directory = (*Store)(nil)
)

const birthDateLayout = "2006-01-02"

func (s *Store) SubjectsForUser(ctx context.Context, userID string) ([]authz.Subject, error) {
	rows, err := s.query(ctx, `
		select role, scope_type, scope_id, expires_at
		from role_assignments
		where user_id = ?
		order by role, scope_type, scope_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Subject
	for rows.Next() {
		var (
			sub       = authz.Subject{UserID: userID}
			scopeType string
			expires   sql.NullInt64
		)
		if err := rows.Scan(&sub.Role, &scopeType, &sub.ScopeID, &expires); err != nil {
			return nil, err
		}
		sub.ScopeType = authz.ScopeType(scopeType)
		sub.ExpiresAt = timePtr(expires)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AssignRole upserts a role assignment.
func (s *Store) AssignRole(ctx context.Context, sub authz.Subject) error {
	_, err := s.exec(ctx, `
		insert into role_assignments(user_id, role, scope_type, scope_id, expires_at)
		values (?, ?, ?, ?, ?)
		on conflict (user_id, role, scope_type, scope_id) do update set expires_at = excluded.expires_at
	`, sub.UserID, sub.Role, string(sub.ScopeType), sub.ScopeID, nullNanos(sub.ExpiresAt))
	return err
}

func (s *Store) Resource(ctx context.Context, typ authz.ResourceType, id string) (contextbuilder.Resource, error) {
	var (
		r                    = contextbuilder.Resource{Type: typ}
		aggregate, twoPerson int64
		given, family        string
		birth                sql.NullString
	)
	err := s.queryRow(ctx, `
		select id, tenant_root_id, region_id, network_id, organization_id, location_id, client_id,
			owner_user_id, aggregate, requires_two_person, given_name, family_name, birth_date
		from directory_resources
		where resource_type = ? and id = ?
	`, string(typ), id).Scan(&r.ID, &r.TenantRootID, &r.Chain.RegionID, &r.Chain.NetworkID, &r.Chain.OrganizationID,
		&r.Chain.LocationID, &r.ClientID, &r.OwnerUserID, &aggregate, &twoPerson, &given, &family, &birth)
	if errors.Is(err, sql.ErrNoRows) {
		return contextbuilder.Resource{}, contextbuilder.ErrResourceNotFound
	}
	if err != nil {
		return contextbuilder.Resource{}, err
	}
	r.Aggregate = aggregate != 0
	r.RequiresTwoPerson = twoPerson != 0
	if given != "" || family != "" || birth.Valid {
		p := &contextbuilder.Person{GivenName: given, FamilyName: family}
		if birth.Valid {
			if t, err := time.Parse(birthDateLayout, birth.String); err == nil {
				p.BirthDate = &t
			}
		}
		r.Person = p
	}
	return r, nil
}

// PutResource upserts a directory row. The directory is owned by the
// surrounding application; this exists for fixtures and imports.
func (s *Store) PutResource(ctx context.Context, r contextbuilder.Resource) error {
	var given, family string
	var birth sql.NullString
	if r.Person != nil {
		given, family = r.Person.GivenName, r.Person.FamilyName
		if r.Person.BirthDate != nil {
			birth = sql.NullString{String: r.Person.BirthDate.Format(birthDateLayout), Valid: true}
		}
	}
	_, err := s.exec(ctx, `
		insert into directory_resources(resource_type, id, tenant_root_id, region_id, network_id, organization_id,
			location_id, client_id, owner_user_id, aggregate, requires_two_person, given_name, family_name, birth_date)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (resource_type, id) do update set
			tenant_root_id = excluded.tenant_root_id,
			region_id = excluded.region_id,
			network_id = excluded.network_id,
			organization_id = excluded.organization_id,
			location_id = excluded.location_id,
			client_id = excluded.client_id,
			owner_user_id = excluded.owner_user_id,
			aggregate = excluded.aggregate,
			requires_two_person = excluded.requires_two_person,
			given_name = excluded.given_name,
			family_name = excluded.family_name,
			birth_date = excluded.birth_date
	`, string(r.Type), r.ID, r.TenantRootID, r.Chain.RegionID, r.Chain.NetworkID, r.Chain.OrganizationID,
		r.Chain.LocationID, r.ClientID, r.OwnerUserID, boolInt(r.Aggregate), boolInt(r.RequiresTwoPerson),
		given, family, birth)
	return err
}

func (s *Store) Memberships(ctx context.Context, userID string) ([]contextbuilder.Membership, error) {
	rows, err := s.query(ctx, `
		select organization_id, location_id, network_id, company_id
		from directory_memberships
		where user_id = ?
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contextbuilder.Membership
	for rows.Next() {
		var m contextbuilder.Membership
		if err := rows.Scan(&m.OrganizationID, &m.LocationID, &m.NetworkID, &m.CompanyID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMembership records a user's affiliation.
func (s *Store) AddMembership(ctx context.Context, userID string, m contextbuilder.Membership) error {
	_, err := s.exec(ctx, `
		insert into directory_memberships(user_id, organization_id, location_id, network_id, company_id)
		values (?, ?, ?, ?, ?)
	`, userID, m.OrganizationID, m.LocationID, m.NetworkID, m.CompanyID)
	return err
}

func (s *Store) IsAssigned(ctx context.Context, userID, clientID string) (bool, error) {
	return s.exists(ctx, `select 1 from client_assignments where user_id = ? and client_id = ?`, userID, clientID)
}

func (s *Store) ProgramAccess(ctx context.Context, userID, clientID string) (authz.ProgramAccessLevel, bool, error) {
	var level string
	err := s.queryRow(ctx, `
		select access_level from program_shares where user_id = ? and client_id = ?
	`, userID, clientID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return authz.ProgramAccessLevel(level), true, nil
}

func (s *Store) HasTemporaryGrant(ctx context.Context, userID string, typ authz.ResourceType, id string) (bool, error) {
	return s.exists(ctx, `
		select 1 from temporary_grants
		where user_id = ? and resource_type = ? and resource_id = ?
			and (expires_at is null or expires_at >= ?)
	`, userID, string(typ), id, nanos(s.now()))
}

func (s *Store) CrossTenantLink(ctx context.Context, clientID, organizationID string) (bool, error) {
	return s.exists(ctx, `
		select 1 from cross_tenant_links where client_id = ? and organization_id = ?
	`, clientID, organizationID)
}

func (s *Store) exists(ctx context.Context, q string, args ...any) (bool, error) {
	var one int
	err := s.queryRow(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
