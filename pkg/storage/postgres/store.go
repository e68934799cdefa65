// Package postgres stores documents as JSONB rows in a single table keyed by
// (collection, id).
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitglue/stravasync/pkg/storage"
)

//go:embed schema.sql
var schema string

const upsertSQL = `INSERT INTO documents (collection, id, data, updated_at)
        VALUES ($1, $2, $3::jsonb, now())
        ON CONFLICT (collection, id) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()`

// Store provides Postgres-backed persistence for schemaless documents.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for url and ensures the schema exists.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s := NewStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the documents table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return decode(raw)
}

func (s *Store) Set(ctx context.Context, collection, id string, doc storage.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertSQL, collection, id, string(body))
	return err
}

func (s *Store) Query(ctx context.Context, collection string, q storage.Query) ([]storage.Document, error) {
	sql, args := buildQuery(collection, q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}

	out := make([]storage.Document, 0, len(raws))
	for _, raw := range raws {
		doc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Update serializes writers of the same key with a transaction-scoped
// advisory lock, which also covers keys that do not exist yet.
func (s *Store) Update(ctx context.Context, collection, id string, fn storage.UpdateFunc) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, collection+"/"+id); err != nil {
		return err
	}

	var current storage.Document
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT data FROM documents WHERE collection=$1 AND id=$2 FOR UPDATE`, collection, id).Scan(&raw)
	switch {
	case err == nil:
		if current, err = decode(raw); err != nil {
			return err
		}
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	default:
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next != nil {
		body, mErr := json.Marshal(next)
		if mErr != nil {
			err = mErr
			return err
		}
		if _, err = tx.Exec(ctx, upsertSQL, collection, id, string(body)); err != nil {
			return err
		}
	}
	err = tx.Commit(ctx)
	return err
}

func buildQuery(collection string, q storage.Query) (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{collection}
	b.WriteString(`SELECT data FROM documents WHERE collection=$1`)

	for _, f := range q.Filters {
		args = append(args, f.Field)
		key := fmt.Sprintf("$%d", len(args))

		var lhs string
		value := f.Value
		switch v := f.Value.(type) {
		case bool:
			lhs = fmt.Sprintf("(data->>%s::text)::boolean", key)
		case int, int32, int64, float32, float64:
			lhs = fmt.Sprintf("(data->>%s::text)::double precision", key)
		case time.Time:
			lhs = fmt.Sprintf("(data->>%s::text)::timestamptz", key)
			value = v.UTC()
		default:
			lhs = fmt.Sprintf("data->>%s::text", key)
		}
		op := string(f.Op)
		if f.Op == storage.OpEqual {
			op = "="
		}
		args = append(args, value)
		fmt.Fprintf(&b, " AND %s %s $%d", lhs, op, len(args))
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY data->$%d::text %s, id", len(args), dir)
	} else {
		b.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args
}

func decode(raw []byte) (storage.Document, error) {
	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
