package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("post")
	if !strings.HasPrefix(id, "post_") {
		t.Fatalf("NewID(post) = %q, want post_ prefix", id)
	}
	if len(id) != len("post_")+2*idBytes {
		t.Fatalf("NewID(post) length = %d", len(id))
	}
	if bare := NewID(""); len(bare) != 2*idBytes || strings.Contains(bare, "_") {
		t.Fatalf("NewID(\"\") = %q", bare)
	}
	if NewID("usr") == NewID("usr") {
		t.Fatal("consecutive IDs must differ")
	}
}

func TestSecretAndShortIDLengths(t *testing.T) {
	if got := NewSecret(); len(got) != 64 {
		t.Fatalf("NewSecret length = %d, want 64", len(got))
	}
	if got := ShortID(); len(got) != 8 {
		t.Fatalf("ShortID length = %d, want 8", len(got))
	}
}
