package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nutriguard.org/internal/encryption"
)

// HealthProfileCollection holds one encrypted container per user, keyed by
// user id. It is erased with the rest of the user's data.
const HealthProfileCollection = "health_profiles"

const vaultKeyPrefix = "vault:"

type sealRequest struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

type openRequest struct {
	Key string `json:"key"`
}

type vaultPutRequest struct {
	Password string          `json:"password"`
	Payload  json.RawMessage `json:"payload"`
}

type vaultOpenRequest struct {
	Password string `json:"password"`
}

func (a *API) handleSealProfile(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if !a.deps.Roles.CanAccessResource(r.Context(), p.ID, HealthProfileCollection, p.ID, "write") {
		writeError(w, r, http.StatusForbidden, "write permission required")
		return
	}
	var req sealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, r, http.StatusBadRequest, "payload is required")
		return
	}
	k, err := encryption.ImportKey(req.Key)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "key must be a base64 encoded 256-bit key")
		return
	}
	var payload any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "payload must be JSON")
		return
	}
	if err := a.deps.Crypto.EncryptAndStore(r.Context(), actorFor(r), HealthProfileCollection, p.ID, payload, k); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOpenProfile(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if !a.deps.Roles.CanAccessResource(r.Context(), p.ID, HealthProfileCollection, p.ID, "read") {
		writeError(w, r, http.StatusForbidden, "read permission required")
		return
	}
	var req openRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	k, err := encryption.ImportKey(req.Key)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "key must be a base64 encoded 256-bit key")
		return
	}
	var payload any
	if err := a.deps.Crypto.RetrieveAndDecrypt(r.Context(), actorFor(r), HealthProfileCollection, p.ID, k, &payload); err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": payload})
}

func vaultKey(principalID, name string) string {
	return vaultKeyPrefix + principalID + ":" + name
}

func (a *API) handleVaultPut(w http.ResponseWriter, r *http.Request) {
	var req vaultPutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var payload any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "payload must be JSON")
		return
	}
	key := vaultKey(principal(r).ID, chi.URLParam(r, "name"))
	if err := a.deps.Vault.SetSecure(r.Context(), key, payload, req.Password); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleVaultOpen(w http.ResponseWriter, r *http.Request) {
	var req vaultOpenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var payload any
	key := vaultKey(principal(r).ID, chi.URLParam(r, "name"))
	found, err := a.deps.Vault.GetSecure(r.Context(), key, req.Password, &payload)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "vault entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": payload})
}

func (a *API) handleVaultClear(w http.ResponseWriter, r *http.Request) {
	key := vaultKey(principal(r).ID, chi.URLParam(r, "name"))
	if err := a.deps.Vault.ClearSecure(r.Context(), key); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
