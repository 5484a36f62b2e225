package access

// SanitizeTrusted decides the persisted value of the trusted flag on a
// protocol write. Runs before any other field validation so no other check
// can be bypassed through a trusted-content side door.
//
// A nil requested value keeps the existing flag. A non-admin requesting
// trusted=true is silently coerced to false, never rejected. Admin
// requests pass through unchanged.
func SanitizeTrusted(p *Principal, requested *bool, existing bool) bool {
	if requested == nil {
		return existing
	}
	if *requested && (p == nil || !p.IsAdmin) {
		return false
	}
	return *requested
}

// CanReadTrustedContent reports whether the principal may read the content
// of a trusted protocol. Trusted content is admin-only; untrusted content
// follows normal scope visibility.
func CanReadTrustedContent(p *Principal, trusted bool) bool {
	if !trusted {
		return true
	}
	return p != nil && p.IsAdmin
}
