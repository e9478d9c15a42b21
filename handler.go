package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// SettingsHandler holds dependencies for the settings routes and the relay endpoint.
type SettingsHandler struct {
	service *Service
	logger  *slog.Logger
}

// NewSettingsHandler creates a new handler with the given service and logger.
func NewSettingsHandler(service *Service, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{service: service, logger: logger}
}

// authorize checks that the JWT subject matches the requested ownerId.
func (h *SettingsHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := r.PathValue("ownerId")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "missing ownerId")
		return "", false
	}

	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing claims")
		return "", false
	}

	if claims.Subject != ownerID {
		writeError(w, http.StatusForbidden, "access denied")
		return "", false
	}

	return ownerID, true
}

// storeFailure maps a service error onto a REST status. Validation problems are the caller's fault
// and are not logged as failures.
func (h *SettingsHandler) storeFailure(w http.ResponseWriter, op, ownerID string, err error, msg string) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	h.logger.Error(op+" failed", "error", err, "ownerId", ownerID)
	if errors.Is(err, ErrStorageUnavailable) {
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}
	writeError(w, http.StatusInternalServerError, msg)
}

// GetAll returns the owner's settings. ?keys=a,b narrows the selection; missing keys come back as defaults.
func (h *SettingsHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	record, err := h.service.LoadRecord(r.Context(), ownerID, splitKeys(r.URL.Query().Get("keys")))
	if err != nil {
		h.storeFailure(w, "service.LoadRecord", ownerID, err, "failed to retrieve settings")
		return
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		OwnerID:  ownerID,
		Profile:  h.service.Profile().Name,
		Settings: record,
	})
}

// GetOne returns a single setting by key.
func (h *SettingsHandler) GetOne(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	key := r.PathValue("key")
	record, err := h.service.LoadRecord(r.Context(), ownerID, []string{key})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusNotFound, "setting not found")
			return
		}
		h.storeFailure(w, "service.LoadRecord", ownerID, err, "failed to retrieve setting")
		return
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		OwnerID:  ownerID,
		Profile:  h.service.Profile().Name,
		Settings: record,
	})
}

// Save commits the posted fields in one write (PUT and POST).
func (h *SettingsHandler) Save(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var record Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.service.SaveRecord(r.Context(), ownerID, record); err != nil {
		h.storeFailure(w, "service.SaveRecord", ownerID, err, "failed to save settings")
		return
	}

	// Re-read instead of echoing the body so the caller sees what was committed.
	saved, err := h.service.LoadRecord(r.Context(), ownerID, nil)
	if err != nil {
		h.storeFailure(w, "service.LoadRecord", ownerID, err, "settings saved but could not be re-read")
		return
	}

	writeJSON(w, http.StatusOK, SettingsResponse{
		OwnerID:  ownerID,
		Profile:  h.service.Profile().Name,
		Settings: saved,
	})
}

// Clear removes the listed keys (all when ?keys is absent). Credentials need ?includeCredentials=true.
func (h *SettingsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	keys := splitKeys(r.URL.Query().Get("keys"))
	include := strings.EqualFold(r.URL.Query().Get("includeCredentials"), "true")
	if err := h.service.ClearRecord(r.Context(), ownerID, keys, include); err != nil {
		h.storeFailure(w, "service.ClearRecord", ownerID, err, "failed to clear settings")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearOne removes a single setting by key.
func (h *SettingsHandler) ClearOne(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	key := r.PathValue("key")
	include := strings.EqualFold(r.URL.Query().Get("includeCredentials"), "true")
	if len(ClearableKeys([]string{key}, include)) == 0 {
		writeError(w, http.StatusConflict, "credential fields are only cleared with includeCredentials=true")
		return
	}
	if err := h.service.ClearRecord(r.Context(), ownerID, []string{key}, include); err != nil {
		h.storeFailure(w, "service.ClearRecord", ownerID, err, "failed to clear setting")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Relay answers one {action, ...payload} envelope for the token's subject.
func (h *SettingsHandler) Relay(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing claims")
		return
	}

	var req RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeJSON(w, http.StatusBadRequest, RelayResponse{Error: "invalid envelope: action is required", Code: codeBadRequest})
		return
	}

	data, err := Dispatch(r.Context(), h.service.For(claims.Subject), req)
	h.logAction(req.Action, claims.Subject, err)

	resp, encErr := NewRelayResponse(data, err)
	if encErr != nil {
		h.logger.Error("relay encode failed", "error", encErr, "action", req.Action)
		writeJSON(w, http.StatusInternalServerError, RelayResponse{Error: "internal error", Code: codeInternal})
		return
	}

	status := http.StatusOK
	if resp.Code == codeBadRequest {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (h *SettingsHandler) logAction(action, ownerID string, err error) {
	var verr *ValidationError
	var perr *ProbeError
	switch {
	case err == nil:
		h.logger.Debug("relay action", "action", action, "ownerId", ownerID)
	case errors.As(err, &verr), errors.Is(err, errUnknownAction):
		h.logger.Debug("relay action rejected", "action", action, "ownerId", ownerID, "reason", err)
	case errors.As(err, &perr):
		h.logger.Warn("relay action failed", "action", action, "ownerId", ownerID, "error", err)
	default:
		h.logger.Error("relay action failed", "action", action, "ownerId", ownerID, "error", err)
	}
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
