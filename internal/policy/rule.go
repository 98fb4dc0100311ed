package policy

import (
	"fmt"
	"strings"

	"carelink.org/internal/authz"
)

// Wildcard matches any role, resource type or action.
const Wildcard = "*"

// Specificity levels of a rule's resource selector.
const (
	SpecificityWildcard = 1
	SpecificityType     = 2
	SpecificityInstance = 3
)

// Facts break-glass is allowed to stand in for when a rule opts in.
var bypassableFacts = map[string]struct{}{
	authz.FactConsentOK:      {},
	authz.FactAssignedToUser: {},
	authz.FactSameOrg:        {},
	authz.FactSameLocation:   {},
	authz.FactInNetwork:      {},
	authz.FactSharesProgram:  {},
}

// Rule grants an action when every clause in When holds.
type Rule struct {
	ID               string
	Description      string
	Roles            []string
	Resource         string
	ResourceID       string
	Actions          []string
	BreakGlass       bool
	BreakGlassWrites bool
	When             []Clause
}

// Input is what clauses are evaluated against.
type Input struct {
	Context authz.Context
	Object  authz.Object
}

// Clause is a single predicate. When it fails, any alternative in Or may
// satisfy it instead.
type Clause struct {
	Fact        string
	Equals      any
	In          []string
	AtLeast     authz.ProgramAccessLevel
	Present     *bool
	TenantMatch bool
	Or          []Clause
}

// Matches reports whether the rule covers role, object and action.
func (r Rule) Matches(role string, obj authz.Object, action authz.Action) bool {
	if !containsOrWildcard(r.Roles, role) {
		return false
	}
	if !containsOrWildcard(r.Actions, string(action)) {
		return false
	}
	if r.Resource != Wildcard && r.Resource != string(obj.Type) {
		return false
	}
	if r.ResourceID != "" && r.ResourceID != obj.ID {
		return false
	}
	return true
}

// Specificity ranks a rule's resource selector: instance > type > wildcard.
func (r Rule) Specificity() int {
	switch {
	case r.ResourceID != "":
		return SpecificityInstance
	case r.Resource == Wildcard:
		return SpecificityWildcard
	default:
		return SpecificityType
	}
}

func (r Rule) rank(role string, action authz.Action) int {
	score := r.Specificity() * 4
	if contains(r.Actions, string(action)) {
		score += 2
	}
	if contains(r.Roles, role) {
		score++
	}
	return score
}

// Eval evaluates the clause and its alternatives.
func (c Clause) Eval(in Input) bool {
	if c.evalSelf(in) {
		return true
	}
	for _, alt := range c.Or {
		if alt.Eval(in) {
			return true
		}
	}
	return false
}

func (c Clause) evalSelf(in Input) bool {
	switch {
	case c.TenantMatch:
		return in.Context.TenantRootID != "" && in.Context.TenantRootID == in.Object.TenantRootID
	case c.Present != nil:
		_, okB := in.Context.BoolFact(c.Fact)
		_, okS := in.Context.StringFact(c.Fact)
		return (okB || okS) == *c.Present
	case c.AtLeast != "":
		v, ok := in.Context.StringFact(c.Fact)
		return ok && authz.ProgramAccessLevel(v).Rank() >= c.AtLeast.Rank()
	case len(c.In) > 0:
		v, ok := in.Context.StringFact(c.Fact)
		return ok && contains(c.In, v)
	case c.Equals != nil:
		switch want := c.Equals.(type) {
		case bool:
			v, ok := in.Context.BoolFact(c.Fact)
			return ok && v == want
		case string:
			v, ok := in.Context.StringFact(c.Fact)
			return ok && v == want
		}
	}
	return false
}

// Bypassable reports whether break-glass may stand in for this clause. Only
// the leading check counts: an or-alternative over a bypassable fact never
// lets break-glass waive a clause led by purpose or another guarded fact.
func (c Clause) Bypassable() bool {
	if c.TenantMatch {
		return true
	}
	_, ok := bypassableFacts[c.Fact]
	return ok
}

// InvolvesConsent reports whether the clause depends on consent_ok.
func (c Clause) InvolvesConsent() bool {
	if c.Fact == authz.FactConsentOK {
		return true
	}
	for _, alt := range c.Or {
		if alt.InvolvesConsent() {
			return true
		}
	}
	return false
}

func (c Clause) String() string {
	self := c.selfString()
	if len(c.Or) == 0 {
		return self
	}
	parts := []string{self}
	for _, alt := range c.Or {
		parts = append(parts, alt.String())
	}
	return "(" + strings.Join(parts, " or ") + ")"
}

func (c Clause) selfString() string {
	switch {
	case c.TenantMatch:
		return "tenant_root_id matches object tenant"
	case c.Present != nil:
		if *c.Present {
			return c.Fact + " present"
		}
		return c.Fact + " absent"
	case c.AtLeast != "":
		return fmt.Sprintf("%s >= %s", c.Fact, c.AtLeast)
	case len(c.In) > 0:
		return fmt.Sprintf("%s in [%s]", c.Fact, strings.Join(c.In, ", "))
	default:
		return fmt.Sprintf("%s == %v", c.Fact, c.Equals)
	}
}

func containsOrWildcard(list []string, v string) bool {
	for _, item := range list {
		if item == Wildcard || item == v {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
