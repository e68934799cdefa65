package storage

import (
	"context"
)

type ToDocumentFunc[T any] func(*T) Document
type FromDocumentFunc[T any] func(Document) *T

// Collection binds a Store collection to converters for one record type.
type Collection[T any] struct {
	Store        Store
	Name         string
	ToDocument   ToDocumentFunc[T]
	FromDocument FromDocumentFunc[T]
}

func (c *Collection[T]) Doc(id string) *DocumentRef[T] {
	return &DocumentRef[T]{
		Collection: c,
		ID:         id,
	}
}

// Query returns the converted documents matching q.
func (c *Collection[T]) Query(ctx context.Context, q Query) ([]*T, error) {
	docs, err := c.Store.Query(ctx, c.Name, q)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		out = append(out, c.FromDocument(d))
	}
	return out, nil
}

type DocumentRef[T any] struct {
	Collection *Collection[T]
	ID         string
}

func (d *DocumentRef[T]) Get(ctx context.Context) (*T, error) {
	doc, err := d.Collection.Store.Get(ctx, d.Collection.Name, d.ID)
	if err != nil {
		return nil, err
	}
	return d.Collection.FromDocument(doc), nil
}

func (d *DocumentRef[T]) Set(ctx context.Context, data *T) error {
	return d.Collection.Store.Set(ctx, d.Collection.Name, d.ID, d.Collection.ToDocument(data))
}

// Merge writes a partial update. Keys must match the persisted field names.
func (d *DocumentRef[T]) Merge(ctx context.Context, updates Document) error {
	return d.Collection.Store.Set(ctx, d.Collection.Name, d.ID, updates)
}

// Update runs a typed read-modify-write. fn receives nil when the record is
// absent and returns nil to skip the write.
func (d *DocumentRef[T]) Update(ctx context.Context, fn func(current *T) (*T, error)) error {
	return d.Collection.Store.Update(ctx, d.Collection.Name, d.ID, func(current Document) (Document, error) {
		var typed *T
		if current != nil {
			typed = d.Collection.FromDocument(current)
		}
		next, err := fn(typed)
		if err != nil || next == nil {
			return nil, err
		}
		return d.Collection.ToDocument(next), nil
	})
}
