// Package gate is the entry point the storage layer calls around each data operation: it
// authorizes the acting actor against the candidate rows, then hands committed-in-transaction
// changes to the installed change hooks.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/ownership"
	policydomain "github.com/wayli-app/fluxbase-sub006/internal/policy/domain"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
)

// Authorizer makes one audited decision per request.
type Authorizer interface {
	Evaluate(ctx context.Context, req policydomain.Request) policydomain.Decision
}

// ChangeSink receives committed-in-transaction changes (a *watch.Dispatcher).
type ChangeSink interface {
	Dispatch(ctx context.Context, c table.Change) error
}

// WriteFunc performs the storage write inside the transaction in ctx.
type WriteFunc func(ctx context.Context) error

// Gate authorizes operations and fans out their changes.
type Gate struct {
	policy Authorizer
	scoper *ownership.Scoper
	sink   ChangeSink
	tx     db.Transactor
}

// New returns a Gate. sink may be nil when no change hooks are wanted.
func New(policy Authorizer, scoper *ownership.Scoper, sink ChangeSink, tx db.Transactor) *Gate {
	return &Gate{policy: policy, scoper: scoper, sink: sink, tx: tx}
}

// Authorize decides whether the actor in ctx may perform op on row. A ctx without an actor is
// evaluated as anonymous. audit requests an audit entry for an allow; denials are always audited.
func (g *Gate) Authorize(ctx context.Context, ref table.Ref, op table.Operation, row map[string]any, audit bool) error {
	return g.decide(ctx, ref, op, g.owner(ref, row), audit, 1).Err()
}

// Apply authorizes c, runs write and dispatches c to the change hooks in one transaction. A
// denial, a write error or a hook error rolls the whole operation back, so a committed write
// always has its events queued and a rolled-back one never does.
func (g *Gate) Apply(ctx context.Context, c table.Change, write WriteFunc) error {
	if err := c.Validate(); err != nil {
		return err
	}
	run := func(ctx context.Context) error {
		if err := g.authorizeChange(ctx, c); err != nil {
			return err
		}
		if write != nil {
			if err := write(ctx); err != nil {
				return fmt.Errorf("write %s %s: %w", c.Op, c.Table, err)
			}
		}
		if g.sink == nil {
			return nil
		}
		return g.sink.Dispatch(ctx, c)
	}
	if db.InTx(ctx) || g.tx == nil {
		return run(ctx)
	}
	return g.tx.WithinTx(ctx, run)
}

// authorizeChange checks the existing row's owner and, when an update moves the row to a
// different owner, the new owner too.
func (g *Gate) authorizeChange(ctx context.Context, c table.Change) error {
	var owners []rowOwner
	switch c.Op {
	case table.OpInsert:
		owners = append(owners, g.owner(c.Table, c.New))
	case table.OpDelete:
		owners = append(owners, g.owner(c.Table, c.Old))
	default:
		before := g.owner(c.Table, c.Old)
		owners = append(owners, before)
		if after := g.owner(c.Table, c.New); after != before {
			owners = append(owners, after)
		}
	}
	for _, owner := range owners {
		if err := g.decide(ctx, c.Table, c.Op, owner, true, 1).Err(); err != nil {
			return err
		}
	}
	return nil
}

type rowOwner struct {
	id        string
	malformed bool
}

func (g *Gate) owner(ref table.Ref, row map[string]any) rowOwner {
	id, malformed := g.scoper.Owner(ref, row)
	return rowOwner{id: id, malformed: malformed}
}

func (g *Gate) decide(ctx context.Context, ref table.Ref, op table.Operation, owner rowOwner, audit bool, rows int) policydomain.Decision {
	a, ok := actor.FromContext(ctx)
	if !ok {
		a = actor.Anon()
	}
	return g.policy.Evaluate(ctx, policydomain.Request{
		Actor:          a,
		Table:          ref,
		Op:             op,
		Owner:          owner.id,
		OwnerMalformed: owner.malformed,
		Audit:          audit,
		RowCount:       rows,
	})
}

// IsDenied reports whether err is a policy denial.
func IsDenied(err error) bool {
	return errors.Is(err, policydomain.ErrDenied)
}
