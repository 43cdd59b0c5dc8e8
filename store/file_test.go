package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
)

func readDocument(t *testing.T, path string) fileDocument {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read session file: %v", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Failed to parse session file: %v", err)
	}
	return doc
}

func TestFileStore_MissingFileIsNotFound(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "session.json"), "client")

	if _, err := s.Get(KeyAccessToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_SetGetDelete(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "session.json"), "client")

	if err := s.Set(KeyAccessToken, "access-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(KeyUserRole, "vendor"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := s.Get(KeyAccessToken)
	if err != nil || got != "access-1" {
		t.Fatalf("Get() = %q, %v; want access-1", got, err)
	}

	if err := s.Delete(KeyAccessToken, "never-set"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(KeyAccessToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if got, _ := s.Get(KeyUserRole); got != "vendor" {
		t.Errorf("Delete removed an unrelated slot, role = %q", got)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("session file mode = %o, want 600", perm)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(path, "client")

	if _, err := s.Get(KeyAccessToken); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}

	// A write recovers the file.
	if err := s.Set(KeyAccessToken, "fresh"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, err := s.Get(KeyAccessToken); err != nil || got != "fresh" {
		t.Errorf("Get() = %q, %v; want fresh", got, err)
	}
}

func TestFileStore_ReadErrorKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	other := NewFileStore(path, "client-1")
	if err := other.Set(KeyAccessToken, "token-1"); err != nil {
		t.Fatalf("Failed to save first profile: %v", err)
	}

	s := NewFileStore(path, "client-2")
	s.readFile = func(string) ([]byte, error) {
		return nil, fmt.Errorf("read %s: %w", path, syscall.EIO)
	}

	if err := s.Set(KeyAccessToken, "token-2"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Set() error = %v, want ErrUnavailable", err)
	}

	doc := readDocument(t, path)
	if doc.Profiles["client-1"][KeyAccessToken] != "token-1" {
		t.Errorf("Profile client-1 was lost after a failed read")
	}
	if _, ok := doc.Profiles["client-2"]; ok {
		t.Errorf("Profile client-2 should not have been written")
	}
}

func TestFileStore_PreservesOtherProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	first := NewFileStore(path, "client-1")
	second := NewFileStore(path, "client-2")

	if err := first.Set(KeyAccessToken, "token-1"); err != nil {
		t.Fatalf("Failed to save first profile: %v", err)
	}
	if err := second.Set(KeyAccessToken, "token-2"); err != nil {
		t.Fatalf("Failed to save second profile: %v", err)
	}

	doc := readDocument(t, path)
	if len(doc.Profiles) != 2 {
		t.Errorf("Expected 2 profiles, got %d", len(doc.Profiles))
	}
	if doc.Profiles["client-1"][KeyAccessToken] != "token-1" {
		t.Errorf("Profile client-1 was not preserved")
	}

	if err := second.Delete(KeyAccessToken); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	doc = readDocument(t, path)
	if _, ok := doc.Profiles["client-2"]; ok {
		t.Errorf("Empty profile should be dropped from the file")
	}
}

func TestFileStore_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	const goroutines = 10
	var wg sync.WaitGroup

	wg.Add(goroutines)
	for i := range goroutines {
		go func(id int) {
			defer wg.Done()

			// Separate instances behave like separate processes.
			s := NewFileStore(path, fmt.Sprintf("client-%d", id))
			if err := s.Set(KeyAccessToken, fmt.Sprintf("access-token-%d", id)); err != nil {
				t.Errorf("Goroutine %d: Failed to save: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	doc := readDocument(t, path)
	if len(doc.Profiles) != goroutines {
		t.Errorf("Expected %d profiles, got %d", goroutines, len(doc.Profiles))
	}
	for i := range goroutines {
		profile := fmt.Sprintf("client-%d", i)
		want := fmt.Sprintf("access-token-%d", i)
		if got := doc.Profiles[profile][KeyAccessToken]; got != want {
			t.Errorf("Profile %s: access token = %q, want %q", profile, got, want)
		}
	}

	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all saves completed")
	}
}

func BenchmarkFileStore_Set(b *testing.B) {
	s := NewFileStore(filepath.Join(b.TempDir(), "session.json"), "bench-client")

	b.ResetTimer()
	for b.Loop() {
		if err := s.Set(KeyAccessToken, "access-token"); err != nil {
			b.Fatalf("Set() error = %v", err)
		}
	}
}
