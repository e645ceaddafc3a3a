// Package store defines the narrow contract the sync core has with the
// remote relational store: row CRUD plus a per-table change-event feed.
// The store itself is an external system; implementations live in
// subpackages (rest, memstore) and feeds may be swapped (amqpfeed).
package store

import (
	"context"
	"encoding/json"
)

// Filter ops.
const (
	OpEq = "eq"
	OpIn = "in"
	// OpIs matches SQL IS semantics; used with nil for "is null".
	OpIs = "is"
)

// Filter restricts a Select/Update/Delete to matching rows.
type Filter struct {
	Column string
	Op     string
	// Value is a string for eq, []string for in, nil for is-null.
	Value any
}

// Eq is shorthand for an equality filter.
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// In is shorthand for a set-membership filter.
func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// IsNull matches rows where the column is null.
func IsNull(column string) Filter {
	return Filter{Column: column, Op: OpIs, Value: nil}
}

// Order describes result ordering for Select.
type Order struct {
	Column string
	Desc   bool
}

// Query bundles the arguments of a Select.
type Query struct {
	Filters []Filter
	Order   Order
	Offset  int
	// Limit 0 means no limit.
	Limit int
}

// Event types on the change feed.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Event is one change-feed notification. OldRow is set on updates and
// deletes when the transport provides it.
type Event struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	Row    json.RawMessage `json:"row"`
	OldRow json.RawMessage `json:"old_row,omitempty"`
}

// Store is the core's only external dependency. All methods honor ctx
// cancellation; Subscribe delivers events until stop is called or ctx
// ends. Delivery is at-least-once and order-preserving per table.
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]json.RawMessage, error)
	Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error)
	// Upsert inserts tolerating duplicates: a conflicting row is left in
	// place and no error is returned.
	Upsert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, table string, filters []Filter, patch json.RawMessage) error
	Delete(ctx context.Context, table string, filters []Filter) error
	Subscribe(ctx context.Context, fn func(Event)) (stop func(), err error)
}

// Feed is the change-feed half of Store on its own, for transports that
// deliver events out of band (e.g. AMQP) while CRUD goes elsewhere.
type Feed interface {
	Subscribe(ctx context.Context, fn func(Event)) (stop func(), err error)
}
