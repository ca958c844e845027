package http

import (
	"net/http"
	"runtime/debug"
	"time"

	"daily-atlas-service/internal/app"
	"daily-atlas-service/internal/identity"
	"daily-atlas-service/internal/logger"
)

// NewRouter wires the health check, the play websocket and the REST API. Everything except
// /healthz runs behind the identity middleware.
func NewRouter(service *app.Service, issuer *identity.Issuer, hub *identity.Hub, log *logger.Logger) http.Handler {
	log = logger.OrNop(log)
	authed := identity.Middleware(issuer, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /ws", authed(http.HandlerFunc(NewWSHandler(service, log).ServeWS)))
	NewAPIHandler(service, issuer, hub, log).Register(mux, authed)

	return recoverMiddleware(log)(accessLogMiddleware(log)(mux))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func accessLogMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// the upgrader needs the raw writer to hijack
			if r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func recoverMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", "panic", rec, "stack", string(debug.Stack()))
					writeJSON(w, http.StatusInternalServerError, map[string]errorPayload{"error": {Code: "internal", Message: "internal error"}})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
