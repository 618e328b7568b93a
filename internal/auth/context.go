// ABOUTME: Verified caller identity and its propagation through request context
// ABOUTME: Identity is immutable; accessors return copies of its slices

package auth

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Identity is a caller whose bearer token passed verification. It can only be
// built by this package.
type Identity struct {
	subject   string
	issuer    string
	audiences []string
	issuedAt  time.Time
	expiresAt time.Time
	claims    map[string]any
}

// Subject returns the token's sub claim.
func (i *Identity) Subject() string { return i.subject }

// Issuer returns the token's iss claim.
func (i *Identity) Issuer() string { return i.issuer }

// Audiences returns the token's audiences in token order.
func (i *Identity) Audiences() []string { return slices.Clone(i.audiences) }

// IssuedAt returns the iat claim, or the zero time when absent.
func (i *Identity) IssuedAt() time.Time { return i.issuedAt }

// ExpiresAt returns the exp claim.
func (i *Identity) ExpiresAt() time.Time { return i.expiresAt }

// StringClaim returns a string-valued claim.
func (i *Identity) StringClaim(name string) (string, bool) {
	s, ok := i.claims[name].(string)
	return s, ok
}

// Scopes returns the space separated scope claim, falling back to the
// permissions array some identity providers issue instead.
func (i *Identity) Scopes() []string {
	if s, ok := i.claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	perms, _ := i.claims["permissions"].([]any)
	var scopes []string
	for _, p := range perms {
		if s, ok := p.(string); ok {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context, returning nil
// if the request was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}
