// Package auth guards the control and stream transports with the shared secret
// the host process hands to its UI at launch.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"warpgate/pkg/httpx"
)

type Principal struct {
	Subject string
	AgentID string
}

type contextKey string

const principalContextKey contextKey = "warpgate.principal"

const AgentHeader = "X-Agent-ID"

// Middleware requires "Authorization: Bearer <secret>". Websocket clients that
// cannot set headers may pass ?access_token= instead. An empty secret disables
// the check and marks callers anonymous.
func Middleware(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	want := sha256.Sum256([]byte(secret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := Principal{Subject: "anonymous", AgentID: strings.TrimSpace(r.Header.Get(AgentHeader))}
			if secret != "" {
				got := bearer(r)
				if got == "" {
					httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
					return
				}
				if !Equal(got, want) {
					httpx.Error(w, http.StatusUnauthorized, "invalid token")
					return
				}
				p.Subject = "host"
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Equal compares candidate against a pre-hashed secret in constant time.
func Equal(candidate string, want [32]byte) bool {
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

func bearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
