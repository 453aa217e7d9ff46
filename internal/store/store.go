// Package store defines the document-store contract the rest of the
// application is written against. Documents are JSON objects addressed by
// (collection, id). Implementations must provide atomic partial updates,
// conditional writes and a per-collection change stream.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when no document exists under the given id.
	ErrNotFound = errors.New("document not found")
	// ErrPreconditionFailed is returned by UpdateIf when the document exists
	// but one of the conditions does not hold against its current state.
	ErrPreconditionFailed = errors.New("update precondition failed")
)

// ChangeType classifies an event on the change stream.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent is emitted on the stream returned by Watch for every mutation
// of the collection, regardless of which process performed it. Doc holds the
// document state after the change and is nil for removals.
type ChangeEvent struct {
	Type       ChangeType
	Collection string
	ID         string
	Doc        json.RawMessage
}

// Cond is an equality condition on a top-level document field. Values are
// compared after JSON normalization, so any JSON-marshalable type works.
type Cond struct {
	Field string
	Value any
}

// Eq builds an equality condition.
func Eq(field string, value any) Cond {
	return Cond{Field: field, Value: value}
}

// Store is the document-store contract.
type Store interface {
	// Get decodes the document into dst. ErrNotFound when absent.
	Get(ctx context.Context, collection, id string, dst any) error
	// Set creates or fully replaces the document.
	Set(ctx context.Context, collection, id string, doc any) error
	// Update merges the given fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// UpdateIf merges fields only if every condition holds against the
	// current document state, atomically with respect to concurrent writers.
	UpdateIf(ctx context.Context, collection, id string, fields map[string]any, conds ...Cond) error
	// Query decodes all documents matching every condition into dst, which
	// must be a pointer to a slice.
	Query(ctx context.Context, collection string, conds []Cond, dst any) error
	// ArrayAppend atomically appends values to an array field, creating the
	// array if the field is absent.
	ArrayAppend(ctx context.Context, collection, id, field string, values ...any) error
	// Delete removes the document. Deleting an absent document is an error.
	Delete(ctx context.Context, collection, id string) error
	// Watch streams change events for the collection until ctx is cancelled.
	// Delivery is best effort: a slow consumer may miss events.
	Watch(ctx context.Context, collection string) (<-chan ChangeEvent, error)
}
