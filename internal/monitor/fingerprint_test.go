package monitor

import "testing"

func TestFingerprintStable(t *testing.T) {
	t.Parallel()
	a := fingerprintOf("Alice", "coffee, 4 yuan")
	b := fingerprintOf("Alice", "coffee, 4 yuan")
	if a != b {
		t.Fatalf("same input produced different fingerprints: %v vs %v", a, b)
	}
}

func TestFingerprintDistinguishesSenderAndContent(t *testing.T) {
	t.Parallel()
	base := fingerprintOf("Alice", "coffee")
	if fingerprintOf("Bob", "coffee") == base {
		t.Fatalf("sender change did not change fingerprint")
	}
	if fingerprintOf("Alice", "tea") == base {
		t.Fatalf("content change did not change fingerprint")
	}
	// The separator keeps (ab, c) and (a, bc) apart.
	if fingerprintOf("ab", "c") == fingerprintOf("a", "bc") {
		t.Fatalf("boundary shift collided")
	}
}

func TestFpSetAddHasClone(t *testing.T) {
	t.Parallel()
	s := fpSet{}
	f := fingerprintOf("Alice", "coffee")
	if s.has(f) {
		t.Fatalf("empty set claims membership")
	}
	if !s.add(f) {
		t.Fatalf("first add reported not-new")
	}
	if s.add(f) {
		t.Fatalf("second add reported new")
	}
	c := s.clone()
	c.add(fingerprintOf("Bob", "tea"))
	if len(s) != 1 {
		t.Fatalf("clone mutation leaked into source: len = %d", len(s))
	}
	if !c.has(f) {
		t.Fatalf("clone lost existing member")
	}
}
