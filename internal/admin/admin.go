// Package admin exposes the credential and pool-config CRUD surface. Each
// handler is a thin wrapper over one key pool operation.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"keyrelay/internal/keypool"
	"keyrelay/internal/relay"
)

type API struct {
	pool   *keypool.Manager
	logger *slog.Logger
}

func New(pool *keypool.Manager, logger *slog.Logger) *API {
	return &API{pool: pool, logger: logger}
}

// Handler returns the admin route table. Callers wrap it in auth middleware.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/keys", a.listKeys)
	mux.HandleFunc("POST /admin/keys", a.addKey)
	mux.HandleFunc("POST /admin/keys/batch", a.addKeys)
	mux.HandleFunc("PATCH /admin/keys/{key}", a.updateKey)
	mux.HandleFunc("DELETE /admin/keys/{key}", a.deleteKey)
	mux.HandleFunc("GET /admin/config", a.getConfig)
	mux.HandleFunc("PUT /admin/config", a.updateConfig)
	return mux
}

func (a *API) listKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := a.pool.ListCredentials(r.Context())
	if err != nil {
		relay.WriteErrorInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": creds})
}

func (a *API) addKey(w http.ResponseWriter, r *http.Request) {
	var req keypool.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		relay.WriteErrorBadRequest(w, "invalid JSON body")
		return
	}
	cred, err := a.pool.AddCredential(r.Context(), req.Key, req.RPM)
	if err != nil {
		relay.WriteErrorBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (a *API) addKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []keypool.AddRequest `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		relay.WriteErrorBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Keys) == 0 {
		relay.WriteErrorBadRequest(w, "keys is required and must not be empty")
		return
	}
	result := a.pool.AddCredentials(r.Context(), req.Keys)
	writeJSON(w, http.StatusOK, result)
}

func (a *API) updateKey(w http.ResponseWriter, r *http.Request) {
	var patch keypool.CredentialPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		relay.WriteErrorBadRequest(w, "invalid JSON body")
		return
	}
	cred, err := a.pool.UpdateCredential(r.Context(), r.PathValue("key"), patch)
	if err != nil {
		relay.WriteErrorBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *API) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := a.pool.DeleteCredential(r.Context(), r.PathValue("key")); err != nil {
		relay.WriteErrorInternal(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.pool.Config(r.Context())
	if err != nil {
		relay.WriteErrorInternal(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch keypool.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		relay.WriteErrorBadRequest(w, "invalid JSON body")
		return
	}
	cfg, err := a.pool.UpdateConfig(r.Context(), patch)
	if err != nil {
		relay.WriteErrorBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
