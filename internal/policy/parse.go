package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"carelink.org/internal/authz"
)

type document struct {
	Version string    `yaml:"version"`
	Rules   []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID               string      `yaml:"id"`
	Description      string      `yaml:"description"`
	Roles            []string    `yaml:"roles"`
	Resource         string      `yaml:"resource"`
	ResourceID       string      `yaml:"resource_id"`
	Actions          []string    `yaml:"actions"`
	BreakGlass       bool        `yaml:"break_glass"`
	BreakGlassWrites bool        `yaml:"break_glass_writes"`
	When             []clauseDoc `yaml:"when"`
}

type clauseDoc struct {
	Fact        string      `yaml:"fact"`
	Equals      any         `yaml:"equals"`
	In          []string    `yaml:"in"`
	AtLeast     string      `yaml:"at_least"`
	Present     *bool       `yaml:"present"`
	TenantMatch bool        `yaml:"tenant_match"`
	Or          []clauseDoc `yaml:"or"`
}

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

var knownResources = map[string]struct{}{
	Wildcard:                             {},
	string(authz.ResourceClient):         {},
	string(authz.ResourceNote):           {},
	string(authz.ResourceReferral):       {},
	string(authz.ResourceReport):         {},
	string(authz.ResourceAvailability):   {},
	string(authz.ResourceServiceProfile): {},
}

// Parse decodes and validates a rule document. Any problem is reported as
// an InvalidPolicySyntax error and nothing is returned.
func Parse(data []byte) (string, []Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, syntaxError("empty policy document")
		}
		return "", nil, authz.Wrap(authz.KindInvalidPolicySyntax, err, "decode policy")
	}

	label := strings.TrimSpace(doc.Version)
	if label != "" && !labelPattern.MatchString(label) {
		return "", nil, syntaxError("version %q must match %s", label, labelPattern.String())
	}
	if len(doc.Rules) == 0 {
		return "", nil, syntaxError("policy has no rules")
	}

	seen := make(map[string]struct{}, len(doc.Rules))
	rules := make([]Rule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := compileRule(rd)
		if err != nil {
			return "", nil, syntaxError("rule #%d (%s): %v", i+1, rd.ID, err)
		}
		if _, dup := seen[rule.ID]; dup {
			return "", nil, syntaxError("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		rules = append(rules, rule)
	}
	return label, rules, nil
}

func compileRule(rd ruleDoc) (Rule, error) {
	id := strings.TrimSpace(rd.ID)
	if id == "" {
		return Rule{}, errors.New("id is required")
	}
	roles := normalizeList(rd.Roles)
	if len(roles) == 0 {
		return Rule{}, errors.New("at least one role is required")
	}
	actions := normalizeList(rd.Actions)
	if len(actions) == 0 {
		return Rule{}, errors.New("at least one action is required")
	}
	resource := strings.TrimSpace(rd.Resource)
	if _, ok := knownResources[resource]; !ok {
		return Rule{}, fmt.Errorf("unknown resource %q", rd.Resource)
	}
	resourceID := strings.TrimSpace(rd.ResourceID)
	if resourceID != "" && resource == Wildcard {
		return Rule{}, errors.New("resource_id requires a concrete resource type")
	}
	if rd.BreakGlassWrites && !rd.BreakGlass {
		return Rule{}, errors.New("break_glass_writes requires break_glass")
	}

	when := make([]Clause, 0, len(rd.When))
	for i, cd := range rd.When {
		c, err := compileClause(cd)
		if err != nil {
			return Rule{}, fmt.Errorf("when[%d]: %w", i, err)
		}
		when = append(when, c)
	}

	return Rule{
		ID:               id,
		Description:      strings.TrimSpace(rd.Description),
		Roles:            roles,
		Resource:         resource,
		ResourceID:       resourceID,
		Actions:          actions,
		BreakGlass:       rd.BreakGlass,
		BreakGlassWrites: rd.BreakGlassWrites,
		When:             when,
	}, nil
}

func compileClause(cd clauseDoc) (Clause, error) {
	ops := 0
	if cd.Equals != nil {
		ops++
	}
	if len(cd.In) > 0 {
		ops++
	}
	if cd.AtLeast != "" {
		ops++
	}
	if cd.Present != nil {
		ops++
	}
	if cd.TenantMatch {
		ops++
	}
	if ops != 1 {
		return Clause{}, fmt.Errorf("clause must have exactly one operator, got %d", ops)
	}

	c := Clause{Fact: strings.TrimSpace(cd.Fact), TenantMatch: cd.TenantMatch, Present: cd.Present}
	if c.TenantMatch {
		if c.Fact != "" && c.Fact != authz.FactTenantRootID {
			return Clause{}, errors.New("tenant_match takes no fact")
		}
		c.Fact = authz.FactTenantRootID
	} else if !authz.IsBoolFact(c.Fact) && !authz.IsStringFact(c.Fact) {
		return Clause{}, fmt.Errorf("unknown fact %q", cd.Fact)
	}

	switch {
	case cd.Equals != nil:
		switch v := cd.Equals.(type) {
		case bool:
			if !authz.IsBoolFact(c.Fact) {
				return Clause{}, fmt.Errorf("fact %s is not boolean", c.Fact)
			}
			c.Equals = v
		case string:
			if !authz.IsStringFact(c.Fact) {
				return Clause{}, fmt.Errorf("fact %s is not a string", c.Fact)
			}
			c.Equals = v
		default:
			return Clause{}, fmt.Errorf("equals must be a bool or string, got %T", cd.Equals)
		}
	case len(cd.In) > 0:
		if !authz.IsStringFact(c.Fact) {
			return Clause{}, fmt.Errorf("in requires a string fact, got %s", c.Fact)
		}
		c.In = normalizeList(cd.In)
	case cd.AtLeast != "":
		if c.Fact != authz.FactProgramAccessLevel {
			return Clause{}, errors.New("at_least only applies to program_access_level")
		}
		lvl := authz.ProgramAccessLevel(strings.TrimSpace(cd.AtLeast))
		if lvl.Rank() == 0 {
			return Clause{}, fmt.Errorf("unknown access level %q", cd.AtLeast)
		}
		c.AtLeast = lvl
	}

	for i, alt := range cd.Or {
		compiled, err := compileClause(alt)
		if err != nil {
			return Clause{}, fmt.Errorf("or[%d]: %w", i, err)
		}
		c.Or = append(c.Or, compiled)
	}
	return c, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func syntaxError(format string, args ...any) error {
	return authz.Errorf(authz.KindInvalidPolicySyntax, format, args...)
}
