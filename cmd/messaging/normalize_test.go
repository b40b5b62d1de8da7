package messaging

import (
	"strings"
	"testing"
)

func TestCanonicalPair(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		a, b     string
		wantLow  string
		wantHigh string
		wantErr  bool
	}{
		{name: "ordered", a: "alice", b: "bob", wantLow: "alice", wantHigh: "bob"},
		{name: "reversed", a: "bob", b: "alice", wantLow: "alice", wantHigh: "bob"},
		{name: "bytewise", a: "b", b: "B", wantLow: "B", wantHigh: "b"},
		{name: "trimmed", a: "  x ", b: "y", wantLow: "x", wantHigh: "y"},
		{name: "empty other", a: "alice", b: "", wantErr: true},
		{name: "blank self", a: "   ", b: "bob", wantErr: true},
		{name: "same", a: "alice", b: "alice", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			low, high, err := CanonicalPair(tt.a, tt.b)
			if tt.wantErr {
				if !IsInvalidInput(err) {
					t.Fatalf("expected invalid input, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if low != tt.wantLow || high != tt.wantHigh {
				t.Fatalf("got (%q,%q) want (%q,%q)", low, high, tt.wantLow, tt.wantHigh)
			}
		})
	}
}

func TestNormalizeContent(t *testing.T) {
	t.Parallel()

	got, err := NormalizeContent("  hello \n")
	if err != nil || got != "hello" {
		t.Fatalf("got (%q,%v)", got, err)
	}

	if _, err := NormalizeContent(" \t\n"); !IsInvalidInput(err) {
		t.Fatalf("blank content: expected invalid input, got %v", err)
	}

	if _, err := NormalizeContent(strings.Repeat("é", MaxContentChars)); err != nil {
		t.Fatalf("max length runes: unexpected err: %v", err)
	}
	if _, err := NormalizeContent(strings.Repeat("a", MaxContentChars+1)); !IsInvalidInput(err) {
		t.Fatalf("too long: expected invalid input, got %v", err)
	}
}
