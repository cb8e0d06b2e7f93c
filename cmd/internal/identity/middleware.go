package identity

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware resolves the request identity from the Authorization header
// (Bearer scheme) or, for websocket upgrades where headers are awkward for
// browser clients, the "token" query parameter.
//
// It never rejects: an unresolvable identity leaves the context anonymous
// and each endpoint decides its own admission policy (sessions fail closed,
// the management API returns 401).
func Middleware(next http.Handler, r *Resolver, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw := bearerToken(req)
		if raw == "" {
			next.ServeHTTP(w, req)
			return
		}

		id, err := r.Resolve(raw)
		if err != nil {
			log.Info("identity.resolve.fail", "path", req.URL.Path, "err", err)
			next.ServeHTTP(w, req)
			return
		}

		next.ServeHTTP(w, req.WithContext(WithIdentity(req.Context(), id)))
	})
}

// RequireAuth guards management endpoints: anonymous requests get 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, ok := FromContext(req.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func bearerToken(req *http.Request) string {
	if h := strings.TrimSpace(req.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}
