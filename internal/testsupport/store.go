package testsupport

import (
	"context"
	"testing"

	"aideps/internal/config"
	"aideps/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewDocument registers a document row for tests.
func NewDocument(t testing.TB, st *store.Store, id, name string) *store.Document {
	t.Helper()

	doc := &store.Document{
		ID:       id,
		Name:     name,
		Filename: name + ".csv",
		FilePath: "/tmp/" + name + ".csv",
		FileSize: 128,
	}
	if err := st.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("store.CreateDocument: %v", err)
	}
	return doc
}
