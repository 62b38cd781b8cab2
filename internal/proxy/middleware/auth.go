package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ExtensionIDHeader identifies the browser extension calling the bridge.
const ExtensionIDHeader = "X-Extension-ID"

// ExtensionID middleware rejects requests whose extension id header does not
// match expected. OPTIONS preflights pass so CORS keeps working.
func ExtensionID(expected string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || expected == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !equal(r.Header.Get(ExtensionIDHeader), expected) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"Unauthorized - Invalid extension ID"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuth requires HTTP basic auth with password when one is configured.
// password may be plain text or a bcrypt hash. With an empty password every
// request is allowed (first-run scenario).
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || !checkPassword(pass, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="SessionMux Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashPassword returns a bcrypt hash usable as the admin password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func checkPassword(got, configured string) bool {
	if isBcryptHash(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(got)) == nil
	}
	return equal(got, configured)
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
