package table

import "fmt"

// Change is one committed row mutation reported by the storage engine. Old is nil for
// inserts and New is nil for deletes.
type Change struct {
	Table Ref
	Op    Operation
	Old   map[string]any
	New   map[string]any
}

// Validate checks that the change names a concrete table and a mutation.
func (c Change) Validate() error {
	if c.Table.IsZero() || c.Table.IsWildcard() {
		return fmt.Errorf("%w: change on %q", ErrInvalidRef, c.Table.String())
	}
	if !c.Op.IsMutation() {
		return fmt.Errorf("change operation %q is not a mutation", c.Op)
	}
	return nil
}

// Record returns the row that identifies the change: New, or Old for deletes.
func (c Change) Record() map[string]any {
	if c.New != nil {
		return c.New
	}
	return c.Old
}
