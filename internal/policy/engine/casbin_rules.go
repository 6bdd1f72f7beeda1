package engine

import (
	"context"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

const (
	// SubjectAnon is the casbin subject granting anonymous access: p, role:anon, public.profiles, INSERT
	SubjectAnon = "role:anon"
	// SubjectAdminExcluded is the casbin subject removing admin access: p, exclude:admin, vault.*, *
	SubjectAdminExcluded = "exclude:admin"
)

const defaultCasbinModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.obj, p.obj) && (p.act == "*" || r.act == p.act)
`

// CasbinRules answers RuleSet queries with a casbin enforcer.
type CasbinRules struct {
	enforcer *casbin.Enforcer
}

// NewCasbinRules loads the model from modelPath (the built-in model when empty) and policies
// from policyPath (none when empty).
func NewCasbinRules(modelPath, policyPath string) (*CasbinRules, error) {
	var (
		m   model.Model
		err error
	)
	if modelPath != "" {
		m, err = model.NewModelFromFile(modelPath)
	} else {
		m, err = model.NewModelFromString(defaultCasbinModel)
	}
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	if policyPath != "" {
		enforcer.SetAdapter(fileadapter.NewAdapter(policyPath))
		enforcer.EnableAutoSave(false)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	}
	return &CasbinRules{enforcer: enforcer}, nil
}

// Add adds a policy line in memory.
func (c *CasbinRules) Add(subject, object string, op table.Operation) error {
	_, err := c.enforcer.AddPolicy(subject, object, string(op))
	return err
}

func (c *CasbinRules) AnonAllowed(_ context.Context, ref table.Ref, op table.Operation) (bool, error) {
	return c.enforcer.Enforce(SubjectAnon, ref.String(), string(op))
}

func (c *CasbinRules) AdminExcluded(_ context.Context, ref table.Ref, op table.Operation) (bool, error) {
	return c.enforcer.Enforce(SubjectAdminExcluded, ref.String(), string(op))
}
