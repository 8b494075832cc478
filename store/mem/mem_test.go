package mem

import (
	"bytes"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.Get("k"); err == nil {
		t.Fatal("expected error for missing key")
	}

	val := []byte("value")
	if err := s.Set("k", val); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// The store must hold its own copy.
	val[0] = 'X'
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("value")) {
		t.Fatalf("got %q, want %q", got, "value")
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("k"); err == nil {
		t.Fatal("expected error after delete")
	}
}
