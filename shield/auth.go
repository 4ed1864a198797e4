package shield

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/nous/kit"
)

// AdminAuth guards the admin endpoints with HTTP Basic Auth against a
// bcrypt password hash.
type AdminAuth struct {
	user  string
	hash  []byte
	realm string
}

// NewAdminAuth returns nil when hash is empty, which AdminStack treats as
// "no authentication". hash must be a bcrypt hash.
func NewAdminAuth(user, hash string) (*AdminAuth, error) {
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, err
	}
	if user == "" {
		user = "admin"
	}
	return &AdminAuth{user: user, hash: []byte(hash), realm: "nous"}, nil
}

// HashPassword returns a bcrypt hash suitable for NOUS_ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}

// Middleware rejects requests without valid credentials. The user name is
// recorded as the kit actor.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) != 1 ||
			bcrypt.CompareHashAndPassword(a.hash, []byte(pass)) != nil {
			if ok {
				slog.Warn("auth: bad admin credentials", "ip", ExtractIP(r))
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+a.realm+`", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithActor(r.Context(), user)))
	})
}

