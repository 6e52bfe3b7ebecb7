package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Authentication method labels carried on the principal.
const (
	authMethodBearer = "bearer"
	authMethodMTLS   = "mtls"
)

// AuthConfig selects the mechanisms guarding the admin API. At least one
// must be enabled.
type AuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// Authenticator verifies admin requests before they reach handlers. Bearer
// comparison is constant-time; mTLS relies on the TLS layer having verified
// the client chain.
type Authenticator struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
}

// Principal identifies how an admin request authenticated.
type Principal struct {
	Method string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal, when present.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	allowBearer := token != ""
	if !allowBearer && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	return &Authenticator{
		bearerToken: token,
		allowBearer: allowBearer,
		allowMTLS:   cfg.AllowMTLS,
	}, nil
}

// Middleware rejects unauthenticated requests with 401 and stamps the
// principal into the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		principal, ok := a.authenticate(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, bool) {
	if a == nil || r == nil {
		return nil, false
	}
	if a.allowBearer && a.bearerMatches(r) {
		return &Principal{Method: authMethodBearer}, true
	}
	if a.allowMTLS && clientCertPresented(r) {
		return &Principal{Method: authMethodMTLS}, true
	}
	return nil, false
}

func (a *Authenticator) bearerMatches(r *http.Request) bool {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1
}

func clientCertPresented(r *http.Request) bool {
	state := r.TLS
	if state == nil {
		return false
	}
	if len(state.VerifiedChains) > 0 {
		return true
	}
	return len(state.PeerCertificates) > 0 && state.HandshakeComplete
}

func parseBearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
