// Package firestore is the Cloud Firestore backend of storage.Store.
package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fitglue/stravasync/pkg/storage"
)

// Client adapts a Firestore client to storage.Store. Each collection name maps
// to a root-level Firestore collection and document ids map 1:1.
type Client struct {
	fs *firestore.Client
}

func NewClient(client *firestore.Client) *Client {
	return &Client{fs: client}
}

func (c *Client) Close() error {
	return c.fs.Close()
}

func (c *Client) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	snap, err := c.fs.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return snap.Data(), nil
}

func (c *Client) Set(ctx context.Context, collection, id string, doc storage.Document) error {
	_, err := c.fs.Collection(collection).Doc(id).Set(ctx, doc, firestore.MergeAll)
	return err
}

func (c *Client) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	fq := c.fs.Collection(collection).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Descending {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}

	iter := fq.Documents(ctx)
	defer iter.Stop()

	var out []storage.Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Data())
	}
	return out, nil
}

// Update runs fn inside a Firestore transaction. Firestore retries the
// transaction on contention, so fn may run more than once.
func (c *Client) Update(ctx context.Context, collection, id string, fn storage.UpdateFunc) error {
	ref := c.fs.Collection(collection).Doc(id)
	return c.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current storage.Document
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			current = snap.Data()
		case status.Code(err) == codes.NotFound:
		default:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		return tx.Set(ref, next, firestore.MergeAll)
	})
}
