package contextbuilder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"carelink.org/internal/authz"
	"carelink.org/internal/breakglass"
	"carelink.org/internal/consent"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type fixture struct {
	dir      *MemoryDirectory
	consents *consent.MemoryStore
	bg       *breakglass.Controller
	builder  *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := NewMemoryDirectory()
	birth := time.Date(1988, 11, 2, 0, 0, 0, 0, time.UTC)
	dir.PutResource(Resource{Type: authz.ResourceClient, ID: "client_1", TenantRootID: "org_1",
		Chain:  Chain{RegionID: "reg_1", NetworkID: "net_1", OrganizationID: "org_1", LocationID: "loc_1"},
		Person: &Person{GivenName: "jane", FamilyName: "Doe", BirthDate: &birth}})
	dir.PutResource(Resource{Type: authz.ResourceNote, ID: "note_1", TenantRootID: "org_1", ClientID: "client_1",
		Chain: Chain{NetworkID: "net_1", OrganizationID: "org_1", LocationID: "loc_1"}, OwnerUserID: "author"})
	dir.PutResource(Resource{Type: authz.ResourceReport, ID: "rep_agg", TenantRootID: "org_1", Aggregate: true,
		Chain: Chain{OrganizationID: "org_1"}})
	dir.PutResource(Resource{Type: authz.ResourceAvailability, ID: "av_1", TenantRootID: "org_2",
		Chain: Chain{OrganizationID: "org_2"}})

	dir.AddMembership("cm", Membership{OrganizationID: "org_1", LocationID: "loc_1", NetworkID: "net_1"})
	dir.AddMembership("outsider", Membership{OrganizationID: "org_9", NetworkID: "net_9"})
	dir.Assign("cm", "client_1")

	consents := consent.NewMemoryStore()
	consents.Put(consent.Record{ID: "p1", ClientID: "client_1", ScopeType: consent.ScopePlatform,
		AllowedPurposes: []authz.Purpose{authz.PurposeCare}, GrantedAt: now.Add(-time.Hour)})
	consents.Put(consent.Record{ID: "l1", ClientID: "client_1", ScopeType: consent.ScopeLocation, ScopeID: "loc_1",
		AllowedPurposes: []authz.Purpose{authz.PurposeCare}, GrantedAt: now.Add(-time.Hour)})

	clock := func() time.Time { return now }
	bg := breakglass.NewController(breakglass.NewMemoryStore(), breakglass.WithClock(clock))
	ev := consent.NewEvaluator(consents, consent.WithClock(clock))
	return &fixture{
		dir:      dir,
		consents: consents,
		bg:       bg,
		builder:  New(dir, ev, bg, WithClock(clock)),
	}
}

func orgSubject(user, role string) authz.Subject {
	return authz.Subject{UserID: user, Role: role, ScopeType: authz.ScopeOrganization, ScopeID: "org_1"}
}

func TestBuildResolvesServerFacts(t *testing.T) {
	f := newFixture(t)
	built, err := f.builder.BuildClient(context.Background(), Request{
		UserID:   "cm",
		Subjects: []authz.Subject{orgSubject("cm", "case_manager")},
		Object:   authz.Object{ID: "client_1"},
		Action:   authz.ActionRead,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c := built.Context
	if c.TenantRootID != "org_1" || built.Object.TenantRootID != "org_1" {
		t.Fatalf("tenant not resolved: %+v", built.Object)
	}
	for name, want := range map[string]bool{
		authz.FactSameOrg:        true,
		authz.FactSameLocation:   true,
		authz.FactInNetwork:      true,
		authz.FactAssignedToUser: true,
		authz.FactContainsPHI:    true,
		authz.FactConsentOK:      true,
		authz.FactSharesProgram:  false,
		authz.FactSelfScope:      false,
	} {
		got, ok := c.BoolFact(name)
		if !ok || got != want {
			t.Fatalf("%s = %v (present=%v), want %v", name, got, ok, want)
		}
	}
	if c.Purpose != authz.PurposeCare || c.ConsentID != "l1" {
		t.Fatalf("unexpected purpose/consent: %s %s", c.Purpose, c.ConsentID)
	}
	if built.Consent == nil || built.Consent.ScopeType != consent.ScopeLocation {
		t.Fatalf("expected location-scope consent evaluation: %+v", built.Consent)
	}
	if built.CrossTenant || len(built.Subjects) != 1 {
		t.Fatalf("unexpected cross-tenant=%v subjects=%d", built.CrossTenant, len(built.Subjects))
	}
}

func TestNonPHIDefaultsConsentTrue(t *testing.T) {
	f := newFixture(t)
	built, err := f.builder.BuildReport(context.Background(), Request{
		UserID:   "cm",
		Subjects: []authz.Subject{orgSubject("cm", "qa_reviewer")},
		Object:   authz.Object{ID: "rep_agg"},
		Action:   authz.ActionRead,
	})
	if err != nil {
		t.Fatal(err)
	}
	if phi, _ := built.Context.BoolFact(authz.FactContainsPHI); phi {
		t.Fatal("aggregate report must not be PHI")
	}
	if built.Consent != nil {
		t.Fatal("consent must not be evaluated for non-PHI data")
	}
	if ok, present := built.Context.BoolFact(authz.FactConsentOK); !present || !ok {
		t.Fatal("consent_ok should default to true for non-PHI data")
	}
}

func TestCallerCannotOverrideSecurityFacts(t *testing.T) {
	f := newFixture(t)
	built, err := f.builder.BuildNote(context.Background(), Request{
		UserID:    "cm",
		Subjects:  []authz.Subject{orgSubject("cm", "case_manager")},
		Object:    authz.Object{ID: "note_1", TenantRootID: "org_evil"},
		Action:    authz.ActionRead,
		Overrides: Overrides{Purpose: authz.PurposeQA, Rejected: []string{"consent_ok", "tenant_root_id"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if built.Object.TenantRootID != "org_1" || built.Context.TenantRootID != "org_1" {
		t.Fatalf("caller-supplied tenant leaked: %+v", built.Object)
	}
	if built.Context.Purpose != authz.PurposeQA {
		t.Fatalf("purpose override not honoured")
	}
	// Consent only covers care, so a QA purpose fails closed.
	if ok, _ := built.Context.BoolFact(authz.FactConsentOK); ok {
		t.Fatal("consent_ok should be false for an unconsented purpose")
	}
}

func TestCrossTenantSearchProjectsAndReadDoesNot(t *testing.T) {
	f := newFixture(t)
	subject := authz.Subject{UserID: "outsider", Role: "case_manager", ScopeType: authz.ScopeOrganization, ScopeID: "org_9"}

	search, err := f.builder.BuildClient(context.Background(), Request{
		UserID: "outsider", Subjects: []authz.Subject{subject},
		Object: authz.Object{ID: "client_1"}, Action: authz.ActionSearch,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !search.CrossTenant || search.Projection == nil {
		t.Fatalf("expected projection for cross-tenant search: %+v", search)
	}
	if search.Projection.Initials != "J.D." || search.Projection.AgeBand != "35-39" {
		t.Fatalf("unexpected projection: %+v", search.Projection)
	}

	read, err := f.builder.BuildClient(context.Background(), Request{
		UserID: "outsider", Subjects: []authz.Subject{subject},
		Object: authz.Object{ID: "client_1"}, Action: authz.ActionRead,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !read.CrossTenant || read.Projection != nil {
		t.Fatalf("cross-tenant read must not project: %+v", read)
	}

	note, err := f.builder.BuildNote(context.Background(), Request{
		UserID: "outsider", Subjects: []authz.Subject{subject},
		Object: authz.Object{ID: "note_1"}, Action: authz.ActionSearch,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !note.CrossTenant || note.Projection != nil {
		t.Fatalf("only clients are projected: %+v", note)
	}
}

func TestExplicitLinkLiftsCrossTenant(t *testing.T) {
	f := newFixture(t)
	f.dir.Link("client_1", "org_9")
	built, err := f.builder.BuildClient(context.Background(), Request{
		UserID:   "outsider",
		Subjects: []authz.Subject{{UserID: "outsider", Role: "case_manager", ScopeType: authz.ScopeCompany, ScopeID: "co_1"}},
		Object:   authz.Object{ID: "client_1"},
		Action:   authz.ActionRead,
	})
	if err != nil {
		t.Fatal(err)
	}
	if built.CrossTenant {
		t.Fatal("linked client should not be cross-tenant")
	}
	if v, _ := built.Context.BoolFact(authz.FactInNetwork); !v {
		t.Fatal("linked client should be in network")
	}
}

func TestBreakGlassOnlyFromActiveSession(t *testing.T) {
	f := newFixture(t)
	req := Request{
		UserID:    "cm",
		Subjects:  []authz.Subject{orgSubject("cm", "case_manager")},
		Object:    authz.Object{ID: "note_1"},
		Action:    authz.ActionRead,
		Overrides: Overrides{BreakGlass: true},
	}
	built, err := f.builder.BuildNote(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, present := built.Context.BoolFact(authz.FactBreakGlass); present {
		t.Fatal("bg set without a session")
	}
	if len(built.Warnings) == 0 || !strings.Contains(built.Warnings[0], "break-glass") {
		t.Fatalf("expected break-glass warning, got %v", built.Warnings)
	}

	s, err := f.bg.Activate(context.Background(), "cm", "patient crashing")
	if err != nil {
		t.Fatal(err)
	}
	built, err = f.builder.BuildNote(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !built.Context.BreakGlassActive(now) || !built.Context.BreakGlassExpires.Equal(s.ExpiresAt) {
		t.Fatalf("bg facts not set from session: %+v", built.Context)
	}
}

func TestUnknownResourceAndPurpose(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder.BuildNote(context.Background(), Request{UserID: "cm", Object: authz.Object{ID: "missing"}})
	if !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
	_, err = f.builder.BuildNote(context.Background(), Request{UserID: "cm", Object: authz.Object{ID: "note_1"}, Overrides: Overrides{Purpose: "marketing"}})
	if err == nil {
		t.Fatal("expected unknown purpose error")
	}
	_, err = f.builder.Build(context.Background(), Request{UserID: "cm", Object: authz.Object{Type: "spaceship", ID: "x"}})
	if err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestDirectoryListingsVisibleAcrossTenants(t *testing.T) {
	f := newFixture(t)
	built, err := f.builder.BuildAvailability(context.Background(), Request{
		UserID:   "cm",
		Subjects: []authz.Subject{orgSubject("cm", "case_manager")},
		Object:   authz.Object{ID: "av_1"},
		Action:   authz.ActionRead,
	})
	if err != nil {
		t.Fatal(err)
	}
	if built.CrossTenant || len(built.Subjects) != 1 {
		t.Fatalf("availability should not be cross-tenant gated: %+v", built)
	}
}

type failingDirectory struct{ *MemoryDirectory }

func (failingDirectory) IsAssigned(context.Context, string, string) (bool, error) {
	return false, errors.New("directory down")
}

func TestDirectoryFailureLeavesFactAbsent(t *testing.T) {
	f := newFixture(t)
	b := New(failingDirectory{f.dir}, consent.NewEvaluator(f.consents, consent.WithClock(func() time.Time { return now })), f.bg, WithClock(func() time.Time { return now }))
	built, err := b.BuildClient(context.Background(), Request{
		UserID:   "cm",
		Subjects: []authz.Subject{orgSubject("cm", "case_manager")},
		Object:   authz.Object{ID: "client_1"},
		Action:   authz.ActionRead,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, present := built.Context.BoolFact(authz.FactAssignedToUser); present {
		t.Fatal("assigned_to_user should be absent after lookup failure")
	}
	if len(built.Warnings) == 0 {
		t.Fatal("expected warning")
	}
}
