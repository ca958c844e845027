package identity

import (
	"net/http"
	"strings"

	"daily-atlas-service/internal/logger"
)

// TokenHeader carries a freshly issued anonymous token back to the client.
const TokenHeader = "X-Identity-Token"

// Middleware resolves the caller from a bearer token or a token query parameter (browsers
// cannot set headers on websocket upgrades). Requests without a token get a new anonymous
// identity; invalid tokens are rejected.
func Middleware(issuer *Issuer, log *logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log).With("middleware", "identity")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" {
				anon := NewAnonymous()
				issued, err := issuer.Issue(anon)
				if err != nil {
					log.Error("issue anonymous token failed", "err", err)
					http.Error(w, "identity unavailable", http.StatusInternalServerError)
					return
				}
				w.Header().Set(TokenHeader, issued)
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), anon)))
				return
			}
			identity, err := issuer.Verify(token)
			if err != nil {
				log.Debug("rejected token", "err", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthenticated","message":"invalid identity token"}}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// ExtractToken reads the token query parameter or a bearer Authorization header.
func ExtractToken(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
