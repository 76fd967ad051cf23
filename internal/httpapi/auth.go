package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Authentication failures.
var (
	ErrMissingToken = errors.New("missing or malformed bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// AuthError is a rejected request. Status is 401 or 403.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string { return e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

// Authenticator checks bearer tokens against one shared secret. The secret
// is hashed on construction; only digests are compared.
type Authenticator struct {
	enabled bool
	digest  [32]byte
}

// NewAuthenticator returns an Authenticator for secret. An empty secret
// disables authentication.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return &Authenticator{}
	}
	return &Authenticator{enabled: true, digest: sha256.Sum256([]byte(secret))}
}

// Enabled reports whether requests are checked at all.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Check validates the Authorization header of r.
func (a *Authenticator) Check(r *http.Request) error {
	if !a.enabled {
		return nil
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return &AuthError{Status: http.StatusUnauthorized, Err: ErrMissingToken}
	}
	sum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(sum[:], a.digest[:]) != 1 {
		return &AuthError{Status: http.StatusForbidden, Err: ErrInvalidToken}
	}
	return nil
}

// Middleware rejects unauthenticated requests.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Check(r); err != nil {
			var aerr *AuthError
			errors.As(err, &aerr)
			writeError(w, aerr.Status, aerr.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
