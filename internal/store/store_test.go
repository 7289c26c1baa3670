package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/autoloop/internal/errors"
)

type doc struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	stores := map[string]Store{
		"file":   fileStore,
		"memory": NewMemoryStore(),
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			var got doc
			if err := s.Load(ctx, KeySupervisor, &got); !errors.Is(err, errors.ErrNotFound) {
				t.Fatalf("Load on empty store = %v, want ErrNotFound", err)
			}

			if err := s.Save(ctx, KeySupervisor, doc{Status: "idle", Count: 1}); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if err := s.Save(ctx, KeySupervisor, doc{Status: "running", Count: 2}); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if err := s.Load(ctx, KeySupervisor, &got); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got != (doc{Status: "running", Count: 2}) {
				t.Errorf("Load() = %+v, want last written snapshot", got)
			}
		})
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.Save(context.Background(), KeyHeartbeat, doc{Count: i}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != KeyHeartbeat {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want only %s", names, KeyHeartbeat)
	}
}

func TestFileStore_Corrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(KeyBreaker), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	var got doc
	if err := s.Load(context.Background(), KeyBreaker, &got); !errors.Is(err, errors.ErrCorrupted) {
		t.Errorf("Load() = %v, want ErrCorrupted", err)
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Save(ctx, KeyWorkflow, doc{}); err == nil {
		t.Error("Save with canceled context should fail")
	}
}

func TestMemoryStore_SaveCount(t *testing.T) {
	m := NewMemoryStore()
	for i := 0; i < 3; i++ {
		_ = m.Save(context.Background(), KeyWorkflow, doc{Count: i})
	}
	if m.SaveCount(KeyWorkflow) != 3 {
		t.Errorf("SaveCount() = %d, want 3", m.SaveCount(KeyWorkflow))
	}
	if _, ok := m.Raw(KeyWorkflow); !ok {
		t.Error("Raw() should return the stored document")
	}
}
