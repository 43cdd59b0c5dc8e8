package store

import (
	"errors"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Get(KeyRefreshToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store error = %v, want ErrNotFound", err)
	}

	if err := s.Set(KeyRefreshToken, "r"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got, err := s.Get(KeyRefreshToken); err != nil || got != "r" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	s.SetAvailable(false)
	if _, err := s.Get(KeyRefreshToken); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() on disabled store error = %v, want ErrUnavailable", err)
	}
	if err := s.Set(KeyRefreshToken, "x"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set() on disabled store error = %v, want ErrUnavailable", err)
	}
	if err := s.Delete(KeyRefreshToken); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Delete() on disabled store error = %v, want ErrUnavailable", err)
	}

	s.SetAvailable(true)
	if got, _ := s.Get(KeyRefreshToken); got != "r" {
		t.Errorf("value changed while disabled: %q", got)
	}
}
