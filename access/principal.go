// Package access holds the access-control primitives shared by every data
// path: the request-scoped Principal, the scope visibility filter, and the
// trusted-content gate.
//
// Authentication happens upstream. This package never verifies identity;
// it only interprets an already-verified principal context.
package access

import "context"

// Kind classifies a principal.
type Kind string

const (
	KindHumanAdmin Kind = "human-admin"
	KindHumanUser  Kind = "human-user"
	KindAgent      Kind = "agent"
)

// Principal is the authenticated actor performing an operation.
// Constructed per request from the upstream authentication context;
// never persisted.
type Principal struct {
	ID      string
	Kind    Kind
	Scopes  []string
	IsAdmin bool
}

// HasScope reports whether the principal carries the given scope id.
func (p *Principal) HasScope(scopeID string) bool {
	for _, s := range p.Scopes {
		if s == scopeID {
			return true
		}
	}
	return false
}

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// principalContextKey is the context key for the acting principal
const principalContextKey contextKey = "access_principal"

// WithPrincipal returns a context carrying the acting principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the acting principal from the context.
// Returns nil if no principal is attached.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}
