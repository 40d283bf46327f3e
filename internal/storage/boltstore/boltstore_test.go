package boltstore_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/duetlabs/pairsync/internal/storage"
	"github.com/duetlabs/pairsync/internal/storage/boltstore"
)

func open(t *testing.T, path string) *boltstore.Store {
	t.Helper()
	s, err := boltstore.Open(path)
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGetRemove(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "test.db"))

	if err := s.Set("k", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Errorf("Get: got %s", got)
	}

	if err := s.Set("k", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, _ = s.Get("k")
	if string(got) != `{"v":2}` {
		t.Errorf("Get after overwrite: got %s", got)
	}

	if err := s.Remove("k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Remove: want ErrNotFound, got %v", err)
	}
}

func TestStore_MissingKey(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "test.db"))
	if _, err := s.Get("ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestStore_RemoveAbsentKeyIsFine(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "test.db"))
	if err := s.Remove("ghost"); err != nil {
		t.Errorf("Remove absent: %v", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := boltstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("queue", []byte(`[1,2,3]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := open(t, path)
	got, err := reopened.Get("queue")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != `[1,2,3]` {
		t.Errorf("persisted value: got %s", got)
	}
}
