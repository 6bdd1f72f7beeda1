package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/wayli-app/fluxbase-sub006/internal/policy/repository"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

const (
	anonAllowedQuery   = "data.fluxbase.rls.anon_allowed"
	adminExcludedQuery = "data.fluxbase.rls.admin_excluded"
)

// defaultRegoPolicy is used when no stored policy is enabled: nothing is open to anon and
// admins are never excluded.
const defaultRegoPolicy = `package fluxbase.rls

default anon_allowed := false

default admin_excluded := false
`

// RegoRules answers RuleSet queries with Rego policies loaded from the repository.
type RegoRules struct {
	repo   repository.Repository
	logger *slog.Logger

	mu       sync.RWMutex
	anon     rego.PreparedEvalQuery
	excluded rego.PreparedEvalQuery
}

// NewRegoRules compiles the enabled stored policies. repo may be nil to use only the default policy.
func NewRegoRules(ctx context.Context, repo repository.Repository, logger *slog.Logger) (*RegoRules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RegoRules{repo: repo, logger: logger}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload recompiles from the repository. On failure the previously compiled rules stay active.
func (r *RegoRules) Reload(ctx context.Context) error {
	var policies []string
	if r.repo != nil {
		stored, err := r.repo.ListEnabled(ctx)
		if err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
		for _, p := range stored {
			if p.Rules != "" {
				policies = append(policies, p.Rules)
			}
		}
	}
	if len(policies) == 0 {
		policies = []string{defaultRegoPolicy}
	}
	anon, excluded, err := prepare(ctx, policies)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.anon, r.excluded = anon, excluded
	r.mu.Unlock()
	r.logger.InfoContext(ctx, "policy: rego rules loaded", "modules", len(policies))
	return nil
}

func prepare(ctx context.Context, policies []string) (anon, excluded rego.PreparedEvalQuery, err error) {
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return anon, excluded, fmt.Errorf("compile policies: %w", err)
	}
	anon, err = rego.New(rego.Query(anonAllowedQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return anon, excluded, fmt.Errorf("prepare %s: %w", anonAllowedQuery, err)
	}
	excluded, err = rego.New(rego.Query(adminExcludedQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return anon, excluded, fmt.Errorf("prepare %s: %w", adminExcludedQuery, err)
	}
	return anon, excluded, nil
}

// HealthCheck verifies that the in-process OPA engine can compile and evaluate the default policy.
func (r *RegoRules) HealthCheck(ctx context.Context) error {
	anon, _, err := prepare(ctx, []string{defaultRegoPolicy})
	if err != nil {
		return err
	}
	_, err = evalBool(ctx, anon, table.NewRef("", "health"), table.OpSelect)
	return err
}

func (r *RegoRules) AnonAllowed(ctx context.Context, ref table.Ref, op table.Operation) (bool, error) {
	r.mu.RLock()
	q := r.anon
	r.mu.RUnlock()
	return evalBool(ctx, q, ref, op)
}

func (r *RegoRules) AdminExcluded(ctx context.Context, ref table.Ref, op table.Operation) (bool, error) {
	r.mu.RLock()
	q := r.excluded
	r.mu.RUnlock()
	return evalBool(ctx, q, ref, op)
}

// evalBool returns false when the rule is undefined.
func evalBool(ctx context.Context, q rego.PreparedEvalQuery, ref table.Ref, op table.Operation) (bool, error) {
	input := map[string]any{
		"schema":    ref.Schema,
		"table":     ref.Name,
		"qualified": ref.String(),
		"operation": string(op),
	}
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}
