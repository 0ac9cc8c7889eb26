// App-namespace policy: which of the three classes (reserved, public,
// protected) a 16-bit key belongs to, per spec.md §3.
//
// Grounded on the teacher's rbac.go Permission-table shape — one function
// per access class, checked in a fixed order before any operation — this
// module's real access-control axis is the APP namespace rather than a
// human operator role, so rbac.go's role/permission enum is repurposed
// into these three namespace predicates instead of deleted.
package storage

import "eamsa512/internal/authenticator"

// isReserved reports whether key's APP byte (0x00) marks it as a
// storage-internal entry opaque to external callers.
func isReserved(key uint16) bool {
	return byte(key>>8) == 0x00
}

// isPublic reports whether key's APP byte has the public bit (0x80) set:
// readable when locked, stored unencrypted, excluded from STORAGE_TAG.
func isPublic(key uint16) bool {
	return byte(key>>8)&0x80 != 0
}

// isProtected reports whether key is neither reserved nor public: it must
// be encrypted, and contributes to STORAGE_TAG. Delegates to
// authenticator.IsProtected so the two packages can never disagree about
// which keys fold into the tag.
func isProtected(key uint16) bool {
	return authenticator.IsProtected(key)
}
