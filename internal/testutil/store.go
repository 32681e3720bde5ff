package testutil

import (
	"path/filepath"
	"testing"

	"github.com/cmdean/chanward/internal/store"
)

// NewStore opens a throwaway SQLite store under t.TempDir.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
