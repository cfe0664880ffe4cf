package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type vaultSet map[string]bool

func (s vaultSet) VaultExists(name string) bool { return s[name] }

func TestVaultAccessible(t *testing.T) {
	a := New("secret", vaultSet{"v": true}, "")

	token, exp, err := a.Issue("v", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expected future expiry, got %v", exp)
	}

	if !a.VaultAccessible("v", token) {
		t.Error("token should grant access to its vault")
	}
	if a.VaultAccessible("w", token) {
		t.Error("token must not grant access to another vault")
	}
	if a.VaultAccessible("v", "") {
		t.Error("empty token must be rejected")
	}
	if a.VaultAccessible("v", "not-a-jwt") {
		t.Error("garbage token must be rejected")
	}
}

func TestVaultAccessibleRejectsExpiredAndForeignTokens(t *testing.T) {
	a := New("secret", vaultSet{}, "")

	expired, _, err := a.Issue("v", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if a.VaultAccessible("v", expired) {
		t.Error("expired token must be rejected")
	}

	other := New("other-secret", vaultSet{}, "")
	foreign, _, _ := other.Issue("v", time.Hour)
	if a.VaultAccessible("v", foreign) {
		t.Error("token signed with another secret must be rejected")
	}

	// No expiry claim.
	unbounded := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Vault:            "v",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	})
	s, err := unbounded.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if a.VaultAccessible("v", s) {
		t.Error("token without expiry must be rejected")
	}
}

func TestIssueRequiresVault(t *testing.T) {
	a := New("secret", vaultSet{}, "")
	if _, _, err := a.Issue("", time.Hour); err == nil {
		t.Error("expected error for empty vault")
	}
}

func TestVaultExistsDelegates(t *testing.T) {
	a := New("secret", vaultSet{"v": true}, "")
	if !a.VaultExists("v") || a.VaultExists("w") {
		t.Error("VaultExists should delegate to the directory")
	}
}

func TestAdminMiddleware(t *testing.T) {
	hash, err := HashAdminKey("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	a := New("secret", vaultSet{}, hash)
	h := a.AdminMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		key  string
		want int
	}{
		{"hunter2", http.StatusNoContent},
		{"wrong", http.StatusUnauthorized},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/vaults", nil)
		if tt.key != "" {
			req.Header.Set(AdminKeyHeader, tt.key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("key %q: status %d, want %d", tt.key, rec.Code, tt.want)
		}
	}

	disabled := New("secret", vaultSet{}, "")
	if disabled.AdminAllowed("hunter2") {
		t.Error("admin access must be disabled without a hash")
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?token=q", nil)
	if got := ExtractToken(req); got != "q" {
		t.Errorf("query fallback: got %q", got)
	}
	req.Header.Set("Authorization", "Bearer h")
	if got := ExtractToken(req); got != "h" {
		t.Errorf("header: got %q", got)
	}
}
