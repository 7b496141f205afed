package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_FormatAndOrder(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	if len(prev) != 36 || strings.Count(prev, "-") != 4 {
		t.Fatalf("UUIDv7: unexpected format %q", prev)
	}
	for i := 0; i < 50; i++ {
		id := gen()
		if id == prev {
			t.Fatalf("UUIDv7: duplicate %q", id)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	id := Action()
	if !strings.HasPrefix(id, "act_") {
		t.Fatalf("Action id %q lacks act_ prefix", id)
	}
	if !strings.HasPrefix(Event(), "evt_") {
		t.Fatal("Event id lacks evt_ prefix")
	}
	if r := Request(); !strings.HasPrefix(r, "req_") || len(r) != 40 {
		t.Fatalf("Request id %q", r)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("rec")
	for _, want := range []string{"rec1", "rec2", "rec3"} {
		if got := gen(); got != want {
			t.Fatalf("Sequence: got %q, want %q", got, want)
		}
	}
}
