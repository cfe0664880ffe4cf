// Package auth verifies vault-scoped JWT access tokens and the admin key.
// Issuing tokens to end users and invalidating them is handled elsewhere;
// Issue exists for operators and tests.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
)

const issuer = "web-vault"

// AdminKeyHeader carries the admin key on admin endpoints.
const AdminKeyHeader = "X-Admin-Key"

// Claims holds JWT token claims. A token grants access to exactly one
// vault.
type Claims struct {
	Vault string `json:"vault"`
	jwt.RegisteredClaims
}

// VaultDirectory reports which vaults exist. *vfs.Registry implements it.
type VaultDirectory interface {
	VaultExists(name string) bool
}

// Authorizer checks vault access tokens and admin keys.
type Authorizer struct {
	secret       []byte
	vaults       VaultDirectory
	adminKeyHash []byte
}

// New creates an Authorizer. An empty adminKeyHash disables admin access.
func New(jwtSecret string, vaults VaultDirectory, adminKeyHash string) *Authorizer {
	a := &Authorizer{
		secret: []byte(jwtSecret),
		vaults: vaults,
	}
	if adminKeyHash != "" {
		a.adminKeyHash = []byte(adminKeyHash)
	}
	return a
}

// Issue signs a token for vault valid for ttl.
func (a *Authorizer) Issue(vault string, ttl time.Duration) (string, time.Time, error) {
	if vault == "" {
		return "", time.Time{}, errors.New("vault required")
	}
	now := time.Now()
	claims := &Claims{
		Vault: vault,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// VaultAccessible reports whether token grants access to vault.
func (a *Authorizer) VaultAccessible(vault, token string) bool {
	if token == "" {
		metrics.RecordAuthCheck(false)
		return false
	}
	claims, err := a.validateToken(token)
	if err != nil {
		logging.Debug("token rejected", logging.Vault(vault), zap.Error(err))
		metrics.RecordAuthCheck(false)
		return false
	}
	ok := claims.Vault == vault
	metrics.RecordAuthCheck(ok)
	return ok
}

// VaultExists reports whether vault is registered.
func (a *Authorizer) VaultExists(vault string) bool {
	return a.vaults.VaultExists(vault)
}

// AdminAllowed reports whether key matches the configured admin key hash.
func (a *Authorizer) AdminAllowed(key string) bool {
	if a.adminKeyHash == nil || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.adminKeyHash, []byte(key)) == nil
}

// AdminMiddleware rejects requests without a valid admin key.
func (a *Authorizer) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.AdminAllowed(r.Header.Get(AdminKeyHeader)) {
			metrics.RecordAuthCheck(false)
			logging.WithContext(r.Context()).Warn("admin request rejected",
				zap.String("remote_addr", r.RemoteAddr))
			SendAuthError(w, http.StatusUnauthorized, "admin key required")
			return
		}
		metrics.RecordAuthCheck(true)
		next.ServeHTTP(w, r)
	})
}

func (a *Authorizer) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// HashAdminKey returns the bcrypt hash to configure as ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("admin key required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(h), nil
}

// ExtractToken returns the bearer token of a request, falling back to the
// token query parameter for EventSource clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// SendAuthError writes a JSON error response.
func SendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
