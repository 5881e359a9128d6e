// Package auth implements the bearer-token middleware in front of the relay
// and admin surfaces.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"keyrelay/internal/relay"
)

// Authenticator validates bearer tokens. Validation verdicts are cached by
// token hash so repeated requests skip the comparison work.
type Authenticator struct {
	masterKey            string
	allowPassthroughKeys bool
	cache                *Cache
	logger               *slog.Logger
}

func New(masterKey string, allowPassthroughKeys bool, logger *slog.Logger) (*Authenticator, error) {
	cache, err := NewCache(10000, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		masterKey:            masterKey,
		allowPassthroughKeys: allowPassthroughKeys,
		cache:                cache,
		logger:               logger,
	}, nil
}

// hashToken produces the cache key for a bearer token. Raw tokens are never
// used as map keys.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Middleware enforces bearer auth on relay endpoints. The master key selects
// pool mode; any other bearer is either used directly as the upstream
// credential (when passthrough is allowed) or rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			relay.WriteErrorUnauthorized(w, "missing bearer token")
			return
		}

		hashed := hashToken(token)
		if verdict, cached := a.cache.Get(hashed); cached {
			a.serve(w, r, next, token, verdict)
			return
		}

		verdict := VerdictRejected
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.masterKey)) == 1 {
			verdict = VerdictMaster
		} else if a.allowPassthroughKeys {
			verdict = VerdictPassthrough
		}
		a.cache.Set(hashed, verdict)
		a.serve(w, r, next, token, verdict)
	})
}

func (a *Authenticator) serve(w http.ResponseWriter, r *http.Request, next http.Handler, token string, verdict Verdict) {
	switch verdict {
	case VerdictMaster:
		next.ServeHTTP(w, r)
	case VerdictPassthrough:
		next.ServeHTTP(w, r.WithContext(relay.WithExplicitKey(r.Context(), token)))
	default:
		a.logger.Debug("Rejected bearer token", "path", r.URL.Path)
		relay.WriteErrorUnauthorized(w, "invalid bearer token")
	}
}

// AdminMiddleware enforces master-key-only auth on the admin surface.
// Passthrough keys never reach admin operations.
func (a *Authenticator) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.masterKey)) != 1 {
			relay.WriteErrorUnauthorized(w, "admin access requires the master key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}
