package access

import "github.com/gnosisgraph/gnosis/errors"

// CanRead reports whether the principal may see a record with the given
// scope set. Admins see everything; everyone else needs a non-empty
// intersection between their scopes and the record's scopes.
func CanRead(p *Principal, recordScopes []string) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin {
		return true
	}
	for _, rs := range recordScopes {
		if p.HasScope(rs) {
			return true
		}
	}
	return false
}

// CanWrite reports whether the principal may mutate a record. Scope
// intersection is necessary but not sufficient: agent-owned records are
// writable only by the owning agent or an admin. Ownership is a stricter
// sieve than scope overlap.
func CanWrite(p *Principal, recordScopes []string, ownerAgentID string) bool {
	if !CanRead(p, recordScopes) {
		return false
	}
	if ownerAgentID == "" || p.IsAdmin {
		return true
	}
	return p.ID == ownerAgentID
}

// CheckRead returns not-found semantics when the record's scopes are not
// visible to the principal, so that existence is never confirmed.
func CheckRead(p *Principal, recordScopes []string, what string) error {
	if CanRead(p, recordScopes) {
		return nil
	}
	return errors.NewNotFoundError("%s not found", what)
}

// CheckWrite distinguishes the two failure modes: invisible records get
// not-found semantics, visible-but-unowned records get forbidden.
func CheckWrite(p *Principal, recordScopes []string, ownerAgentID, what string) error {
	if err := CheckRead(p, recordScopes, what); err != nil {
		return err
	}
	if CanWrite(p, recordScopes, ownerAgentID) {
		return nil
	}
	return errors.NewForbiddenError("%s is owned by another agent", what)
}
