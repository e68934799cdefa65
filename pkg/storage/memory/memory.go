// Package memory is an in-process Store used by tests and the local runner.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/fitglue/stravasync/pkg/storage"
)

// Store keeps documents in nested maps guarded by a single mutex. Documents
// are deep-copied on the way in and out so callers never share state with the
// store.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]storage.Document

	// SetHook, when non-nil, runs before every write and may fail it. Tests
	// use it to inject transient persistence errors.
	SetHook func(collection, id string) error
}

func New() *Store {
	return &Store{collections: make(map[string]map[string]storage.Document)}
}

func (s *Store) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyDoc(doc), nil
}

func (s *Store) Set(ctx context.Context, collection, id string, doc storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(collection, id, doc)
}

func (s *Store) mergeLocked(collection, id string, doc storage.Document) error {
	if s.SetHook != nil {
		if err := s.SetHook(collection, id); err != nil {
			return err
		}
	}
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]storage.Document)
		s.collections[collection] = coll
	}
	existing, ok := coll[id]
	if !ok {
		existing = storage.Document{}
		coll[id] = existing
	}
	for k, v := range doc {
		existing[k] = copyValue(v)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Document
	for _, doc := range s.collections[collection] {
		if matches(doc, q.Filters) {
			out = append(out, copyDoc(doc))
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := storage.Compare(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool {
			return storage.Compare(out[i]["_id"], out[j]["_id"]) < 0
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fn storage.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current storage.Document
	if doc, ok := s.collections[collection][id]; ok {
		current = copyDoc(doc)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return s.mergeLocked(collection, id, next)
}

func (s *Store) Close() error { return nil }

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

func matches(doc storage.Document, filters []storage.Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !f.Matches(v, ok) {
			return false
		}
	}
	return true
}

func copyDoc(doc storage.Document) storage.Document {
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyDoc(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyDoc(e)
		}
		return out
	case []float64:
		return append([]float64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
