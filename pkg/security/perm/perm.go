// Package perm defines the closed permission model for storage operations
// and the guard that checks a verified identity against a required permission.
package perm

import (
	"fmt"
	"sort"
)

// Permission enumerates the operations a token may grant. The set is closed:
// tokens carrying unknown permission strings grant nothing for them.
type Permission uint8

const (
	Upload Permission = iota
	Download
	List
	Delete
)

var names = map[Permission]string{
	Upload:   "upload",
	Download: "download",
	List:     "list",
	Delete:   "delete",
}

func (p Permission) String() string {
	if n, ok := names[p]; ok {
		return n
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

// Parse maps a wire-format permission name to its enum value.
func Parse(s string) (Permission, bool) {
	for p, n := range names {
		if n == s {
			return p, true
		}
	}
	return 0, false
}

// Set is an immutable-by-convention collection of permissions. Callers build
// a Set once per token and only read it afterwards.
type Set map[Permission]struct{}

// NewSet builds a Set from the given permissions.
func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// FromStrings builds a Set from wire-format names, silently dropping
// unrecognized entries. Dropping is the fail-closed choice: an unknown
// string must never widen access.
func FromStrings(names []string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		if p, ok := Parse(n); ok {
			s[p] = struct{}{}
		}
	}
	return s
}

// DefaultSet returns the permissions granted when a token request does not
// name any: upload, download and list, but never delete.
func DefaultSet() Set {
	return NewSet(Upload, Download, List)
}

// Has reports whether p is in the set.
func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Strings returns the wire-format names in stable order.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// Guard decides whether a permission set satisfies a required permission.
// It is pure and performs no I/O; translating a deny into an error and an
// audit event is the pipeline's job.
type Guard struct{}

// Authorize reports whether the set contains the required permission.
func (Guard) Authorize(have Set, required Permission) bool {
	return have.Has(required)
}
