package auth

import (
	"context"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

// Identity captures the authenticated employee extracted from a Firebase ID token.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	StoreID     string
	// Tier is the highest permission tier granted by the role claim.
	Tier domain.PermissionTier

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// AtLeast reports whether the identity carries at least tier.
func (i *Identity) AtLeast(tier domain.PermissionTier) bool {
	if i == nil {
		return false
	}
	return i.Tier.AtLeast(tier)
}

type contextKey string

const identityContextKey contextKey = "github.com/hanko-field/markdown-authz/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
