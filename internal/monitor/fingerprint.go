package monitor

import "hash/fnv"

// fingerprint identifies a message by who said what. Two poll cycles that
// re-observe the same unread message produce the same fingerprint.
type fingerprint uint64

func fingerprintOf(sender, content string) fingerprint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sender))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(content))
	return fingerprint(h.Sum64())
}

// fpSet is owned by exactly one channel loop at a time; no locking.
type fpSet map[fingerprint]struct{}

func (s fpSet) has(f fingerprint) bool {
	_, ok := s[f]
	return ok
}

// add inserts f and reports whether it was new.
func (s fpSet) add(f fingerprint) bool {
	if s.has(f) {
		return false
	}
	s[f] = struct{}{}
	return true
}

func (s fpSet) clone() fpSet {
	out := make(fpSet, len(s))
	for f := range s {
		out[f] = struct{}{}
	}
	return out
}
