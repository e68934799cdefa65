package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBlobStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBlobStore()

	if _, err := m.Read(ctx, "b", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}

	data := []byte("abc")
	if err := m.Write(ctx, "b", "streams/u1/1.parquet", data); err != nil {
		t.Fatalf("write: %v", err)
	}
	data[0] = 'x'

	got, err := m.Read(ctx, "b", "streams/u1/1.parquet")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("expected stored copy %q, got %q", "abc", got)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 object, got %d", m.Len())
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"streams/u/1.parquet": "application/vnd.apache.parquet",
		"x.json":              "application/json",
		"x.bin":               "application/octet-stream",
	}
	for name, want := range tests {
		if got := contentType(name); got != want {
			t.Errorf("contentType(%q) = %q, want %q", name, got, want)
		}
	}
}
