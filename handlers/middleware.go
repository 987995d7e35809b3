package handlers

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"danmuhub/models"
	"danmuhub/services/configstore"
	"danmuhub/services/tokens"
)

type contextKey string

const (
	ctxKeyToken    contextKey = "apiToken"
	ctxKeyClientIP contextKey = "clientIP"
)

// TokenFromContext returns the validated token of the current request.
func TokenFromContext(ctx context.Context) *models.ApiToken {
	t, _ := ctx.Value(ctxKeyToken).(*models.ApiToken)
	return t
}

// ClientIPFromContext returns the resolved client IP.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKeyClientIP).(string)
	return ip
}

const keyTrustedProxies = "trustedProxies"

// AuthMiddleware validates the {token} path segment on every compat request
// and resolves the real client IP through the trusted-proxy list.
type AuthMiddleware struct {
	Tokens *tokens.Service
	Config *configstore.Service
}

// RegisterDefaults seeds the trusted-proxy config key.
func (m *AuthMiddleware) RegisterDefaults(ctx context.Context) error {
	return m.Config.RegisterDefault(ctx, keyTrustedProxies, "", "信任的代理CIDR（每行一个）")
}

func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenValue := mux.Vars(r)["token"]
		clientIP := m.resolveClientIP(r)

		token, err := m.Tokens.Validate(r.Context(), tokenValue, clientIP, r.UserAgent(), r.URL.Path)
		if err != nil {
			var denial *tokens.DenialError
			if errors.As(err, &denial) {
				writeCompatError(w, http.StatusForbidden, denial.Status)
				return
			}
			log.Printf("[api] token validation failed: %v", err)
			writeCompatError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyToken, token)
		ctx = context.WithValue(ctx, ctxKeyClientIP, clientIP)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveClientIP trusts X-Forwarded-For / X-Real-IP only when the direct
// peer is inside a configured trusted-proxy CIDR.
func (m *AuthMiddleware) resolveClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !m.peerTrusted(r.Context(), peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		// leftmost non-trusted hop is the client
		for _, part := range parts {
			candidate := strings.TrimSpace(part)
			if candidate != "" && !m.peerTrusted(r.Context(), candidate) {
				return candidate
			}
		}
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return peer
}

func (m *AuthMiddleware) peerTrusted(ctx context.Context, ipStr string) bool {
	raw, err := m.Config.Get(ctx, keyTrustedProxies)
	if err != nil || strings.TrimSpace(raw) == "" {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, "/") {
			if single := net.ParseIP(line); single != nil && single.Equal(ip) {
				return true
			}
			continue
		}
		_, cidr, err := net.ParseCIDR(line)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
