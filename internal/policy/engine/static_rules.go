package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// Rule grants or excludes ops on a table pattern.
type Rule struct {
	Table table.Ref
	Ops   []table.Operation
}

func (r Rule) covers(ref table.Ref, op table.Operation) bool {
	if !r.Table.Matches(ref) {
		return false
	}
	for _, o := range r.Ops {
		if table.MatchOperation(o, op) {
			return true
		}
	}
	return false
}

// ParseRules parses a comma-separated list of "table:OP|OP" entries, e.g.
// "public.profiles:INSERT,public.posts:SELECT|INSERT,*:SELECT". An entry without ops means every op.
func ParseRules(s string) ([]Rule, error) {
	var out []Rule
	for entry := range strings.SplitSeq(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, opsPart, _ := strings.Cut(entry, ":")
		ref, err := table.ParseRef(name)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", entry, err)
		}
		r := Rule{Table: ref}
		if strings.TrimSpace(opsPart) == "" {
			r.Ops = []table.Operation{table.OpAny}
		}
		for o := range strings.SplitSeq(opsPart, "|") {
			if strings.TrimSpace(o) == "" {
				continue
			}
			op, err := table.ParseOperation(o)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", entry, err)
			}
			r.Ops = append(r.Ops, op)
		}
		out = append(out, r)
	}
	return out, nil
}

// StaticRules is a RuleSet built from configuration.
type StaticRules struct {
	Anon            []Rule
	AdminExclusions []Rule
}

func (s *StaticRules) AnonAllowed(_ context.Context, ref table.Ref, op table.Operation) (bool, error) {
	return anyCovers(s.Anon, ref, op), nil
}

func (s *StaticRules) AdminExcluded(_ context.Context, ref table.Ref, op table.Operation) (bool, error) {
	return anyCovers(s.AdminExclusions, ref, op), nil
}

func anyCovers(rules []Rule, ref table.Ref, op table.Operation) bool {
	for _, r := range rules {
		if r.covers(ref, op) {
			return true
		}
	}
	return false
}
