package ids

import "testing"

func TestNewFormat(t *testing.T) {
	if id := New(); len(id) != 26 {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestNewUniqueAndSorted(t *testing.T) {
	const n = 1000
	seen := make(map[string]struct{}, n)
	prev := ""
	for i := 0; i < n; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
		// Monotonic entropy keeps ids strictly increasing even within
		// the same millisecond.
		if id <= prev {
			t.Fatalf("id %q not after %q", id, prev)
		}
		prev = id
	}
}
