package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore("a")
	if s.Token() != "a" {
		t.Errorf("Token() = %q, want a", s.Token())
	}
	s.SetToken("b")
	if s.Token() != "b" {
		t.Errorf("Token() = %q, want b", s.Token())
	}
	s.ClearToken()
	if s.Token() != "" {
		t.Errorf("Token() = %q, want empty", s.Token())
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "token")
	s := NewFileStore(path)

	if s.Token() != "" {
		t.Errorf("Token() on missing file = %q, want empty", s.Token())
	}

	if err := s.SetToken("tok-1"); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if s.Token() != "tok-1" {
		t.Errorf("Token() = %q, want tok-1", s.Token())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	if err := s.ClearToken(); err != nil {
		t.Fatalf("ClearToken failed: %v", err)
	}
	if s.Token() != "" {
		t.Errorf("Token() after clear = %q, want empty", s.Token())
	}
	if err := s.ClearToken(); err != nil {
		t.Errorf("second ClearToken = %v, want nil", err)
	}
}

func TestFileStore_PicksUpExternalRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s := NewFileStore(path)

	if err := os.WriteFile(path, []byte("first\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if s.Token() != "first" {
		t.Errorf("Token() = %q, want first", s.Token())
	}

	if err := os.WriteFile(path, []byte("  second  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	if s.Token() != "second" {
		t.Errorf("Token() = %q, want second", s.Token())
	}
}
