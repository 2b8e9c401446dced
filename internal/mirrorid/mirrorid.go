// Package mirrorid implements the stable small identity key used to
// compare and index Mirrors, replacing the original's shared-pointer
// identity with a plain comparable string (spec §9 design note).
package mirrorid

import "fmt"

// ID identifies a Mirror for equality, set-membership (tried_mirrors), and
// map keys (mirror_map).
type ID string

// Make builds an ID from a mirror kind and its URL, mirroring the original
// C++ MirrorID::make_id("<Kind>:<url>") convention.
func Make(kind, url string) ID {
	return ID(fmt.Sprintf("%s:%s", kind, url))
}

// Set is a small set of mirror IDs (tried_mirrors).
type Set map[ID]struct{}

// NewSet builds an empty Set.
func NewSet() Set { return make(Set) }

// Add inserts id into the set.
func (s Set) Add(id ID) { s[id] = struct{}{} }

// Remove deletes id from the set.
func (s Set) Remove(id ID) { delete(s, id) }

// Has reports whether id is in the set.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of members.
func (s Set) Len() int { return len(s) }
