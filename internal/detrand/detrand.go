// Package detrand provides seeded, reproducible "random" choices.
//
// Every function is a pure function of its inputs: the same key (or ids and
// seed) always yields the same result, in any process, on any machine. The
// hash is SHA-256; the first 8 bytes of the digest are read big-endian as an
// unsigned 64-bit integer.
package detrand

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"
)

// Hash returns the 64-bit prefix of SHA-256(key).
func Hash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// Pick returns Hash(key) mod n, or 0 when n <= 0.
func Pick(key string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(Hash(key) % uint64(n))
}

// Order returns ids sorted ascending by Hash(id + "|" + seed). Equal hashes
// fall back to the id itself so the order is total. The input is not
// modified.
func Order(ids []string, seed string) []string {
	type keyed struct {
		id string
		h  uint64
	}
	ks := make([]keyed, len(ids))
	for i, id := range ids {
		ks[i] = keyed{id: id, h: Hash(id + "|" + seed)}
	}
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].h != ks[j].h {
			return ks[i].h < ks[j].h
		}
		return ks[i].id < ks[j].id
	})
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.id
	}
	return out
}

// DaySeed is the default sampling seed: stable for a principal within a UTC
// day, different across days.
func DaySeed(principal string, now time.Time) string {
	return principal + "|" + Day(now)
}

// Day formats the UTC calendar day of t.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
