// Package storage defines the document store contract shared by the
// Firestore, Postgres and in-memory backends.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// Document is a schemaless record. Field names are the persisted snake/camel
// case keys, values are JSON-compatible scalars, slices and nested maps.
type Document = map[string]interface{}

// Op is a filter comparison operator.
type Op string

const (
	OpEqual          Op = "=="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="
)

// Filter restricts a query to documents whose Field compares to Value.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// Query describes a filtered, ordered and bounded read of a collection.
type Query struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Where appends an equality or range filter.
func (q Query) Where(field string, op Op, value interface{}) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Order sets the sort field.
func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

// Take bounds the number of results.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// UpdateFunc receives the current document (nil when absent) and returns the
// fields to merge into it. Returning a nil document leaves the record as is.
// The function may be invoked more than once when a backend retries a
// contended transaction.
type UpdateFunc func(current Document) (Document, error)

// Store is a keyed document store with secondary filtering.
type Store interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set merges doc into the stored record, creating it when absent.
	Set(ctx context.Context, collection, id string, doc Document) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Update runs fn as an atomic read-modify-write on a single key.
	Update(ctx context.Context, collection, id string, fn UpdateFunc) error
	Close() error
}
