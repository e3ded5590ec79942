package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ultrazend/ultrazend/internal/pkg/httputil"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

type contextKey int

const tenantKey contextKey = iota

// authenticate resolves the API credential from Authorization: Bearer or
// X-API-Key and stashes the tenant context on the request.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		if token == "" {
			httputil.Unauthorized(w, "missing API credential")
			return
		}

		tc, err := s.tenants.Authenticate(r.Context(), token)
		if err != nil {
			s.log.Warn("authentication failed", "remote", r.RemoteAddr, "error", err)
			httputil.Unauthorized(w, "invalid API credential")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tc)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// tenantFrom returns the authenticated tenant context. The auth
// middleware guarantees it is present on every /api/v1 route.
func tenantFrom(r *http.Request) *tenant.Context {
	tc, _ := r.Context().Value(tenantKey).(*tenant.Context)
	return tc
}
