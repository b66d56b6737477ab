package server

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// TokenAuth checks bearer tokens against a bcrypt hash. An empty hash
// disables authentication.
type TokenAuth struct {
	hash   []byte
	logger *slog.Logger
}

func NewTokenAuth(tokenHash string, logger *slog.Logger) *TokenAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenAuth{hash: []byte(tokenHash), logger: logger}
}

// Enabled reports whether requests need a token.
func (a *TokenAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Validate reports whether token matches the configured hash.
func (a *TokenAuth) Validate(token string) bool {
	if !a.Enabled() {
		return true
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
}

// RequireToken rejects requests without a valid "Authorization: Bearer" header.
func (a *TokenAuth) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok || !a.Validate(token) {
			a.logger.Warn("Rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="mail-intake"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GenerateToken returns a random API token.
func GenerateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashToken returns the bcrypt hash stored as server.token_hash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
