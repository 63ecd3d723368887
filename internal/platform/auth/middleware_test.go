package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, handler http.Handler, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRequireFirebaseAuth_PopulatesIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{
			UID: "emp-42",
			Claims: map[string]any{
				"role":    []any{"contact_center", "supervisor"},
				"storeId": " store-7 ",
				"name":    "Riley",
				"email":   "riley@example.com",
			},
		},
	}
	authn := NewAuthenticator(verifier)

	called := false
	handler := authn.RequireFirebaseAuth(domain.TierAssociate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "emp-42" || identity.StoreID != "store-7" || identity.DisplayName != "Riley" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if identity.Tier != domain.TierSupervisor {
			t.Fatalf("expected highest tier SUPERVISOR, got %s", identity.Tier)
		}
		if identity.Token() == nil {
			t.Fatalf("expected token to be retained")
		}
	}))

	rec := serve(t, handler, "Bearer abc.def")
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected handler to run, status %d", rec.Code)
	}
	if verifier.received != "abc.def" {
		t.Fatalf("unexpected token forwarded: %q", verifier.received)
	}
}

func TestRequireFirebaseAuth_RejectsInsufficientTier(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "emp-1", Claims: map[string]any{"role": "associate"}}}
	handler := NewAuthenticator(verifier).RequireFirebaseAuth(domain.TierManager)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))

	rec := serve(t, handler, "Bearer token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "insufficient_role" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}

func TestRequireFirebaseAuth_MissingRole(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "emp-1", Claims: map[string]any{"role": "guest"}}}
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	rec := serve(t, NewAuthenticator(verifier).RequireFirebaseAuth(domain.TierAssociate)(next), "Bearer token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a recognised role, got %d", rec.Code)
	}

	withFallback := NewAuthenticator(verifier, WithFallbackTier(domain.TierAssociate))
	rec = serve(t, withFallback.RequireFirebaseAuth(domain.TierAssociate)(next), "Bearer token")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fallback tier to admit request, got %d", rec.Code)
	}
}

func TestRequireFirebaseAuth_RejectsBadHeaders(t *testing.T) {
	verifier := &stubTokenVerifier{err: ErrTokenExpired}
	handler := NewAuthenticator(verifier).RequireFirebaseAuth(domain.TierAssociate)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		if rec := serve(t, handler, header); rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}

	rec := serve(t, handler, "Bearer expired")
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusUnauthorized || body["error"] != "token_expired" {
		t.Fatalf("expected token_expired, got %d %v", rec.Code, body)
	}
}

func TestTierFromClaimsMapForm(t *testing.T) {
	claims := map[string]any{"role": map[string]any{"manager": true, "admin": false}}
	if got := tierFromClaims(claims, "role"); got != domain.TierManager {
		t.Fatalf("expected MANAGER, got %s", got)
	}
}

func TestRequireFirebaseAuth_ChannelRolesActAsAssociates(t *testing.T) {
	for _, role := range []string{"CONTACT_CENTER", "B2B_SALES", "associate"} {
		verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "emp-1", Claims: map[string]any{"role": role}}}
		var tier domain.PermissionTier
		handler := NewAuthenticator(verifier).RequireFirebaseAuth(domain.TierAssociate)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			identity, _ := IdentityFromContext(r.Context())
			tier = identity.Tier
		}))

		rec := serve(t, handler, "Bearer token")
		if rec.Code != http.StatusOK {
			t.Fatalf("role %s: expected 200, got %d", role, rec.Code)
		}
		if tier != domain.TierAssociate {
			t.Fatalf("role %s: expected ASSOCIATE, got %s", role, tier)
		}
	}
}
