// Package router wires the HTTP surface: the completion relay, the admin
// CRUD API, health, and metrics.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keyrelay/internal/admin"
	"keyrelay/internal/auth"
	"keyrelay/internal/config"
	"keyrelay/internal/keypool"
	"keyrelay/internal/relay"
)

type Router struct {
	mux *http.ServeMux
}

func New(
	rly *relay.Relay,
	adminAPI *admin.API,
	authn *auth.Authenticator,
	pool *keypool.Manager,
	monitoringConfig *config.MonitoringConfig,
) *Router {
	mux := http.NewServeMux()

	completions := authn.Middleware(http.HandlerFunc(rly.ChatCompletions))
	mux.Handle("POST /chat/completions", completions)
	mux.Handle("POST /v1/chat/completions", completions)

	mux.Handle("/admin/", authn.AdminMiddleware(adminAPI.Handler()))

	mux.HandleFunc("GET "+monitoringConfig.HealthCheckPath, healthHandler(pool))

	if monitoringConfig.PrometheusEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return &Router{mux: mux}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func healthHandler(pool *keypool.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		creds, err := pool.ListCredentials(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}

		enabled := 0
		for _, cred := range creds {
			if cred.Enabled {
				enabled++
			}
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":              "ok",
			"credentials":         len(creds),
			"enabled_credentials": enabled,
		})
	}
}
